package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.haven/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Storage ConfigStorage `toml:"storage"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigAuth holds the bearer credential.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigStorage holds the durable store location.
type ConfigStorage struct {
	Path string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.haven, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".haven")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "storage":
		switch field {
		case "path":
			cfg.Storage.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, storage)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "haven",
	Short: "Haven SDK CLI",
	Long:  "Command-line interface for the Haven disaster-alert SDK.\nSend SOS requests (queued while offline), browse alerts and run the sync pipeline.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
