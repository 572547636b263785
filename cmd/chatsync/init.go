package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initIdentity string

func init() {
	initCmd.Flags().StringVar(&initIdentity, "identity", "", "Local user id (own messages are recognised by it)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initIdentity != "" {
			cfg.Auth.Identity = initIdentity
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.Identity == "" {
			fmt.Println("Set your identity with 'chatsync config set auth.identity <user-id>'.")
		}
		return nil
	},
}
