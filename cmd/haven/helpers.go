package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	haven "github.com/HavenAlert/Haven/sdk/golang"
	"go.uber.org/zap"
)

// getClient creates a Haven client from the stored configuration.
func getClient() *haven.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'haven init <token>' first.")
		os.Exit(1)
	}

	var opts []haven.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, haven.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, haven.WithEnvironment(haven.Environment(cfg.Default.Environment)))
	}

	return haven.NewClient(cfg.Auth.Token, opts...)
}

// openStorage opens the durable bbolt store at the configured (or
// default) path. The caller must Close it.
func openStorage() *haven.BoltStorage {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	path := cfg.Storage.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve storage path: %v\n", err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "state.db")
	}

	store, err := haven.OpenBoltStorage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
		os.Exit(1)
	}
	return store
}

// openOutbox opens storage and rehydrates the offline queue.
func openOutbox(log *zap.Logger) (*haven.BoltStorage, *haven.Outbox) {
	store := openStorage()
	outbox := haven.NewOutbox(store, &haven.OutboxOptions{Logger: log})
	outbox.Load()
	return store, outbox
}

// newLogger builds the CLI logger. Verbose mode enables debug output.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// timeAgo renders a timestamp relative to now for queue listings.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
