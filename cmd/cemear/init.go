package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API root of the messenger backend")
}

var initCmd = &cobra.Command{
	Use:   "init <token> <user-id>",
	Short: "Store the session in ~/.cemear/config.toml",
	Long:  "Initialize the Cemear CLI by storing the bearer token and user id of a logged-in session.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = args[1]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Session saved to %s\n", path)
		return nil
	},
}
