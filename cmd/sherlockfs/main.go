// Command sherlockfs provides format, adduser, deluser and mount
// subcommands, operating on a SherlockFS volume through the cryptfs
// package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sherlockfs",
	Short: "An encrypted, multi-user FUSE filesystem",
	Long: `sherlockfs formats, manages users on, and mounts SherlockFS volumes:
block-addressed AES-256-CBC storage with an RSA-wrapped key-slot protocol
that lets any of several users unlock the same volume.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(formatCmd, addUserCmd, delUserCmd, mountCmd)
}
