package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	syncReset bool
	syncList  bool
	syncJSON  bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncReset, "reset", false, "Forget the last sync time and run a cold start")
	syncCmd.Flags().BoolVar(&syncList, "list", false, "Load and print the conversation list afterwards")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output the run report as JSON")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one catch-up against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()

		st, err := openState(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if syncReset {
			if err := st.Reset(); err != nil {
				return fmt.Errorf("reset sync state: %w", err)
			}
		}

		engine, err := newEngine(cfg, st, nil, nil)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		report, err := engine.Sync(ctx)
		if err != nil {
			return fmt.Errorf("catch-up failed: %w", err)
		}

		if syncJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			if report.ColdStart {
				fmt.Println("Cold start: cached lists invalidated.")
			} else {
				fmt.Printf("Window:        since %s\n", humanize.Time(report.Since))
			}
			fmt.Printf("Drained:       %s\n", humanize.Comma(int64(report.Drained)))
			fmt.Printf("Conversations: %s\n", humanize.Comma(int64(report.Conversations)))
			fmt.Printf("Messages:      %s\n", humanize.Comma(int64(report.Messages)))
			fmt.Printf("Invalidated:   %s\n", humanize.Comma(int64(report.Invalidated)))
			fmt.Printf("Restored:      %d\n", report.Restored)
			fmt.Printf("Dropped:       %d\n", report.Dropped)
			if report.Truncated {
				fmt.Println("Delta truncated: affected lists will be reloaded.")
			}
			fmt.Printf("Took:          %s\n", report.Duration.Round(time.Millisecond))
		}

		if !syncList {
			return nil
		}
		ps, err := engine.Loader().Conversations(ctx)
		if err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		fmt.Println()
		if ps.Len() == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range ps.All() {
			title := valueOrDefault(c.Title, "(untitled)")
			fmt.Printf("%s  %-30s %-12s updated %s\n", c.UniqueID, title, c.ArchivalStatus, humanize.Time(c.UpdatedAt))
		}
		return nil
	},
}
