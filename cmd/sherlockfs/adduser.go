package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sherlockfs/sherlockfs"
)

var addUserCmd = &cobra.Command{
	Use:   "adduser <device> <other_pub.pem> [my_priv.pem]",
	Short: "Grant another user access to the volume",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runAddUser,
}

func runAddUser(cmd *cobra.Command, args []string) error {
	device, otherPubPath := args[0], args[1]

	myPrivPath := ""
	if len(args) == 3 {
		myPrivPath = args[2]
	} else {
		_, priv, err := loadKeyConfig()
		if err != nil {
			return err
		}
		myPrivPath = priv
	}

	otherPub, err := cryptfs.LoadPublicKey(otherPubPath)
	if err != nil {
		return err
	}
	pass, err := readPassphrase("Passphrase for your private key (empty if none): ")
	if err != nil {
		return err
	}
	myPriv, err := cryptfs.LoadPrivateKey(myPrivPath, pass)
	if err != nil {
		return err
	}

	dev, err := cryptfs.OpenBlockDevice(device)
	if err != nil {
		return err
	}
	defer dev.Close()
	vol := cryptfs.NewVolume(dev, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := vol.AddUser(otherPub, myPriv); err != nil {
		return err
	}
	fmt.Printf("added user %s\n", otherPubPath)
	return nil
}
