package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sherlockfs/sherlockfs"
	"github.com/sherlockfs/sherlockfs/internal/fuseshim"
)

var mountPrivPath string
var mountDebug bool

var mountCmd = &cobra.Command{
	Use:   "mount <device> <mountpoint>",
	Short: "Unlock and mount a SherlockFS volume",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	mountCmd.Flags().StringVarP(&mountPrivPath, "priv", "k", "", "private key path (default: configured key directory)")
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "print FUSE request traces")
}

func runMount(cmd *cobra.Command, args []string) (err error) {
	defer cryptfs.Recover(&err)

	device, mountpoint := args[0], args[1]

	privPath := mountPrivPath
	if privPath == "" {
		_, priv, cfgErr := loadKeyConfig()
		if cfgErr != nil {
			return cfgErr
		}
		privPath = priv
	}
	pass, err := readPassphrase("Passphrase for private key (empty if none): ")
	if err != nil {
		return err
	}
	priv, err := cryptfs.LoadPrivateKey(privPath, pass)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dev, err := cryptfs.OpenBlockDevice(device)
	if err != nil {
		return err
	}
	vol := cryptfs.NewVolume(dev, log)

	masterKey, err := vol.Unlock(priv)
	if err != nil {
		dev.Close()
		return fmt.Errorf("unlock failed: %w", err)
	}
	if err := vol.State.SetMasterKey(masterKey); err != nil {
		dev.Close()
		return err
	}

	server, err := fuseshim.Mount(mountpoint, vol, mountDebug)
	if err != nil {
		dev.Close()
		return fmt.Errorf("mount failed: %w", err)
	}
	log.Info("mounted", "device", device, "mountpoint", mountpoint)

	server.Wait()
	vol.State.ClearMasterKey()
	return dev.Close()
}
