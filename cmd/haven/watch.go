package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	haven "github.com/HavenAlert/Haven/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	watchNoStream bool
	watchVerbose  bool
)

// ============================================================================
// terminalNotifier
// ============================================================================

// terminalNotifier prints alert notifications to stdout. It stands in
// for the mobile push channel when running from a terminal.
type terminalNotifier struct{}

func (terminalNotifier) Schedule(title, body string, data map[string]string) {
	fmt.Printf("\n*** %s\n    %s\n", title, body)
	if id, ok := data["alertId"]; ok {
		fmt.Printf("    (alert %s)\n", id)
	}
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the delivery and alert engines in the foreground",
	Long: "Keeps the offline SOS queue draining and the alert cache fresh. " +
		"Queued requests are delivered as connectivity allows, new critical " +
		"and high alerts are printed as they arrive, and realtime updates " +
		"stream in over WebSocket. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("no token; run 'haven init <token>' first")
		}

		log := newLogger(watchVerbose)
		defer log.Sync()

		client := getClient()
		store, outbox := openOutbox(log)
		defer store.Close()

		delivery := haven.NewDeliveryEngine(outbox, client, &haven.DeliveryEngineOptions{
			Logger: log,
		})
		delivery.On("queue.sent", func(event string, payload any) {
			if m, ok := payload.(map[string]any); ok {
				fmt.Printf("Delivered %v -> server id %v\n", m["localId"], m["serverId"])
			}
		})
		delivery.On("queue.failed", func(event string, payload any) {
			if m, ok := payload.(map[string]any); ok {
				fmt.Printf("Delivery failed for %v, will retry\n", m["localId"])
			}
		})

		alerts := haven.NewAlertEngine(client, store, &haven.AlertEngineOptions{
			Notifier: terminalNotifier{},
			Logger:   log,
		})
		alerts.Init()

		reach := haven.NewReachability(&haven.ReachabilityOptions{Logger: log})
		reach.Bind(delivery, alerts)
		reach.StartProbing(client)

		delivery.Start()
		defer delivery.Stop()
		defer alerts.Stop()
		defer reach.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var stream *haven.AlertStream
		if !watchNoStream {
			stream = haven.NewAlertStream(client, &haven.AlertStreamConfig{
				Token:         cfg.Auth.Token,
				AutoReconnect: true,
			})
			stream.Bind(alerts, reach)
			stream.OnDisconnected(func(reason string) {
				fmt.Printf("Stream disconnected: %s\n", reason)
			})
			if err := stream.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Stream unavailable (%v), falling back to polling.\n", err)
			} else {
				defer stream.Disconnect()
			}
		}

		fmt.Printf("Watching. %d request(s) queued.\n", outbox.Len())
		alerts.Refresh(ctx, false)
		if msg := alerts.Err(); msg != "" {
			fmt.Println(msg)
		} else {
			snap := alerts.Snapshot()
			fmt.Printf("%d active alert(s).\n", len(snap.Alerts))
		}

		// Periodic silent refresh keeps the cache from going stale while
		// the stream is down.
		refreshTicker := time.NewTicker(60 * time.Second)
		defer refreshTicker.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case <-refreshTicker.C:
				alerts.Refresh(ctx, true)
			case <-sigCh:
				fmt.Println("\nShutting down.")
				return nil
			}
		}
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	watchCmd.Flags().BoolVar(&watchNoStream, "no-stream", false, "Disable the realtime WebSocket stream")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(watchCmd)
}
