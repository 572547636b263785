package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and sync status",
	Long:  "Display the current configuration, the time of the last successful catch-up, and server health.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Identity:    %s\n", valueOrDefault(cfg.Auth.Identity, "(not set)"))
		fmt.Printf("  Drive:       %s\n", valueOrDefault(cfg.Sync.Drive, "(all)"))

		fmt.Println()
		fmt.Println("Sync:")
		dir, err := stateDir(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("  State dir:   %s\n", dir)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := openState(cfg)
		if err != nil {
			fmt.Printf("  Last sync:   unavailable (%v)\n", err)
		} else {
			last, ok, err := st.LastSuccess(ctx)
			st.Close()
			switch {
			case err != nil:
				fmt.Printf("  Last sync:   unavailable (%v)\n", err)
			case !ok:
				fmt.Println("  Last sync:   never (next run is a cold start)")
			default:
				fmt.Printf("  Last sync:   %s (%s)\n", humanize.Time(last), last.Local().Format(time.RFC3339))
			}
		}

		if cfg.Auth.Token == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")
		if err := getClient(cfg).Health(ctx); err != nil {
			fmt.Printf("  Server:      UNHEALTHY (%v)\n", err)
			return nil
		}
		fmt.Println("  Server:      HEALTHY")
		return nil
	},
}
