package main

import (
	"context"
	"fmt"
	"time"

	haven "github.com/HavenAlert/Haven/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue state and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		store, outbox := openOutbox(newLogger(false))
		defer store.Close()

		pending := outbox.Pending()
		failed := 0
		for _, req := range pending {
			if req.Status == haven.StatusFailed {
				failed++
			}
		}
		fmt.Println()
		fmt.Println("Queue:")
		fmt.Printf("  Pending:   %d\n", len(pending)-failed)
		fmt.Printf("  Failed:    %d\n", failed)
		fmt.Printf("  Delivered: %d\n", len(outbox.History()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := getClient().Health(ctx); err != nil {
			fmt.Printf("Backend: unreachable (%v)\n", err)
		} else {
			fmt.Println("Backend: reachable")
		}
		return nil
	},
}

// maskToken shows the first 12 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) < 8 {
		return "..."
	}
	if len(token) <= 16 {
		return token[:4] + "..."
	}
	return token[:12] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
