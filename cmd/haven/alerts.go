package main

import (
	"context"
	"fmt"
	"time"

	haven "github.com/HavenAlert/Haven/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsGetCmd)
	alertsCmd.AddCommand(alertsRefreshCmd)
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Browse disaster alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the cached alert list in display order",
	Long:  "Show the locally cached alerts sorted by severity rank, then recency. Run 'haven alerts refresh' to fetch fresh data first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()

		engine := haven.NewAlertEngine(getClient(), store, nil)
		engine.Init()

		snap := engine.Snapshot()
		if len(snap.Alerts) == 0 {
			fmt.Println("No cached alerts. Run 'haven alerts refresh'.")
			return nil
		}
		for _, a := range snap.Alerts {
			printAlert(a)
		}
		if snap.LastUpdated != "" {
			fmt.Printf("\nLast updated: %s\n", snap.LastUpdated)
		}
		return nil
	},
}

var alertsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a single alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a, err := getClient().Alerts().Get(ctx, args[0])
		if err != nil {
			return err
		}
		printAlert(*a)
		if a.Description != "" {
			fmt.Printf("  %s\n", a.Description)
		}
		return nil
	},
}

var alertsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the alert feed and update the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(false)
		defer log.Sync()

		store := openStorage()
		defer store.Close()

		engine := haven.NewAlertEngine(getClient(), store, &haven.AlertEngineOptions{
			Logger:   log,
			Notifier: &haven.LogNotifier{Log: log},
		})
		defer engine.Stop()
		engine.Init()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		engine.Refresh(ctx, false)

		if msg := engine.Err(); msg != "" {
			fmt.Println(msg)
		}
		snap := engine.Snapshot()
		fmt.Printf("%d alert(s) cached.\n", len(snap.Alerts))
		return nil
	},
}

func printAlert(a haven.Alert) {
	fmt.Printf("%-8s  %-24s  %s  (%s)\n", a.Severity, a.Title, a.Location, a.Type)
}
