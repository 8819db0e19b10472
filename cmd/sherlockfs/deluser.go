package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sherlockfs/sherlockfs"
)

var delUserCmd = &cobra.Command{
	Use:   "deluser <device> <victim_pub.pem> [my_priv.pem]",
	Short: "Revoke a user's access to the volume",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runDelUser,
}

func runDelUser(cmd *cobra.Command, args []string) error {
	device, victimPubPath := args[0], args[1]

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

	victimPub, err := cryptfs.LoadPublicKey(victimPubPath)
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

	selfTargeted := bytes.Equal(victimPub.N.Bytes(), myPriv.PublicKey.N.Bytes())
	err = vol.RemoveUser(myPriv, victimPub, func() bool {
		return confirm("This removes your own access. Continue?")
	})
	if err != nil {
		return err
	}
	if selfTargeted {
		fmt.Printf("removed your own access from %s\n", device)
	} else {
		fmt.Printf("removed user %s\n", victimPubPath)
	}
	return nil
}
