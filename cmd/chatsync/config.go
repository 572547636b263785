package main

import (
	"fmt"
	"os"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without env overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

// ── show ──

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration after CHATSYNC_* environment overrides are applied.\n" +
		"The token is masked. Use --raw to print the file exactly as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printRawConfig()
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token != "" {
			cfg.Auth.Token = maskKey(cfg.Auth.Token)
		}
		if cfg.Watch.WebhookSecret != "" {
			cfg.Watch.WebhookSecret = "****"
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))

		if active := activeEnvOverrides(); len(active) > 0 {
			fmt.Println()
			fmt.Println("# overridden by environment:")
			for _, env := range active {
				fmt.Printf("#   %s -> %s\n", env, envOverrides[env])
			}
		}
		return nil
	},
}

func printRawConfig() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// activeEnvOverrides lists the CHATSYNC_* variables currently set, sorted.
func activeEnvOverrides() []string {
	var out []string
	for env := range envOverrides {
		if os.Getenv(env) != "" {
			out = append(out, env)
		}
	}
	sort.Strings(out)
	return out
}

// ── set ──

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: chatsync config set sync.drive my-drive\n" +
		"Keys: default.base_url, default.log_level, auth.token, auth.identity, sync.drive,\n" +
		"sync.collection, sync.state_dir, sync.safety_buffer, sync.page_size, sync.rate_limit,\n" +
		"watch.listen, watch.schedule, watch.webhook_secret",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Env overrides must not leak into the file.
		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if key == "watch.schedule" {
			if err := validateSchedule(value); err != nil {
				return err
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" || key == "watch.webhook_secret" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// ── path ──

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
