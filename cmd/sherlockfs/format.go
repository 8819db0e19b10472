package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sherlockfs/sherlockfs"
)

const defaultVolumeSize = 64 * 1024 * 1024 // 64 MiB, generous enough for a demo volume with room for several FAT extensions

var formatCmd = &cobra.Command{
	Use:   "format <device> [label]",
	Short: "Format a new SherlockFS volume",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runFormat,
}

var formatOverwrite bool

func init() {
	formatCmd.Flags().BoolVar(&formatOverwrite, "force", false, "overwrite an already-formatted device without prompting")
}

func runFormat(cmd *cobra.Command, args []string) error {
	device := args[0]
	label := ""
	if len(args) == 2 {
		label = args[1]
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dev, err := cryptfs.OpenBlockDevice(device)
	if err != nil {
		return err
	}
	defer dev.Close()
	vol := cryptfs.NewVolume(dev, log)

	if hdr, err := vol.ReadHeader(); err == nil && hdr.IsFormatted() && !formatOverwrite {
		if !confirm(fmt.Sprintf("%s is already formatted. Overwrite?", device)) {
			return fmt.Errorf("aborted")
		}
		formatOverwrite = true
	}

	pubPath, privPath, err := loadKeyConfig()
	if err != nil {
		return err
	}

	opts := cryptfs.FormatOptions{
		PublicKeyPath:  pubPath,
		PrivateKeyPath: privPath,
		AllowOverwrite: formatOverwrite,
		Label:          label,
	}

	if fileExists(pubPath) || fileExists(privPath) {
		if !confirm(fmt.Sprintf("Key files already exist at %s. Reuse them?", privPath)) {
			return fmt.Errorf("refusing to overwrite existing key files; remove them first")
		}
		pass, err := readPassphrase("Passphrase for existing private key (empty if none): ")
		if err != nil {
			return err
		}
		priv, err := cryptfs.LoadPrivateKey(privPath, pass)
		if err != nil {
			return err
		}
		opts.ExistingRSA = priv
		opts.Passphrase = pass
	} else {
		pass, err := readPassphrase("Passphrase for new private key (empty for none): ")
		if err != nil {
			return err
		}
		opts.Passphrase = pass
	}

	size, err := dev.Size()
	if err != nil {
		return err
	}
	if size == 0 {
		opts.DeviceSizeBytes = defaultVolumeSize
	}

	if _, err := vol.Format(opts); err != nil {
		return err
	}
	fmt.Printf("formatted %s\n", device)
	return nil
}
