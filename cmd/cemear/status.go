package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the resolved configuration, then connect and report the realtime state and unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Default.PageLimit > 0 {
			fmt.Fprintf(out, "  Page limit:  %d\n", cfg.Default.PageLimit)
		}
		fmt.Fprintf(out, "  Cache dir:   %s\n", valueOrDefault(cfg.Default.CacheDir, "(disabled)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		m, err := s.messenger(ctx)
		defer m.Stop()
		if err != nil {
			fmt.Fprintf(out, "  Error:         %v\n", err)
		}
		fmt.Fprintf(out, "  Connection:    %s\n", m.Connection().State())
		store, err := m.Store()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  Conversations: %d\n", len(store.Conversations()))
		fmt.Fprintf(out, "  Unread:        %d\n", store.TotalUnread())
		return nil
	},
}
