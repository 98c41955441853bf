package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the bearer token in ~/.haven/config.toml",
	Long:  "Initialize the Haven CLI by storing your bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
