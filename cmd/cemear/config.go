package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Cemear configuration",
	Long:  "View or modify the Cemear CLI configuration stored in ~/.cemear/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file and any environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Fprintln(out, "No configuration file found. Run 'cemear init <token> <user-id>' to create one.")
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		default:
			fmt.Fprint(out, string(data))
		}

		file, err := loadConfig()
		if err != nil {
			return err
		}
		resolved, err := resolveConfig()
		if err != nil {
			return err
		}
		if overrides := configOverrides(file, resolved); len(overrides) > 0 {
			fmt.Fprintln(out, "\n# overridden by the environment:")
			for _, o := range overrides {
				fmt.Fprintf(out, "#   %s\n", o)
			}
		}
		return nil
	},
}

// configOverrides lists the keys whose resolved value differs from the file.
func configOverrides(file, resolved *Config) []string {
	var out []string
	add := func(key, envKey, from, to string) {
		if from != to {
			out = append(out, fmt.Sprintf("%s = %s (%s)", key, to, envKey))
		}
	}
	add("default.base_url", "CEMEAR_BASE_URL", file.Default.BaseURL, resolved.Default.BaseURL)
	add("default.page_limit", "CEMEAR_PAGE_LIMIT", strconv.Itoa(file.Default.PageLimit), strconv.Itoa(resolved.Default.PageLimit))
	add("default.cache_dir", "CEMEAR_CACHE_DIR", file.Default.CacheDir, resolved.Default.CacheDir)
	if file.Auth.Token != resolved.Auth.Token {
		out = append(out, fmt.Sprintf("auth.token = %s (CEMEAR_TOKEN)", maskKey(resolved.Auth.Token)))
	}
	add("auth.user_id", "CEMEAR_USER_ID", file.Auth.UserID, resolved.Auth.UserID)
	return out
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: cemear config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
