package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/sherlockfs/sherlockfs"
)

// loadKeyConfig resolves the public/private key paths the CLI uses when a
// command isn't given a key path explicitly (mount's -k/--priv, or the
// optional my_priv.pem argument of adduser/deluser). SHERLOCKFS_KEYDIR (or a
// $HOME/.cryptfs/sherlockfs.yaml config file) overrides the default
// $HOME/.cryptfs directory.
func loadKeyConfig() (pub, priv string, err error) {
	viper.SetConfigName("sherlockfs")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.cryptfs")
	viper.SetEnvPrefix("SHERLOCKFS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return "", "", fmt.Errorf("reading config: %w", err)
		}
	}

	if dir := viper.GetString("keydir"); dir != "" {
		return filepath.Join(dir, "public.pem"), filepath.Join(dir, "private.pem"), nil
	}
	return cryptfs.DefaultKeyPaths()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
