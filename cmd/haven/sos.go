package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	haven "github.com/HavenAlert/Haven/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	sosMessage     string
	sosLatitude    float64
	sosLongitude   float64
	sosAttachments []string
	sosVerbose     bool
)

func init() {
	rootCmd.AddCommand(sosCmd)
	sosCmd.AddCommand(sosSendCmd)
	sosCmd.AddCommand(sosPendingCmd)
	sosCmd.AddCommand(sosHistoryCmd)
	sosCmd.AddCommand(sosSyncCmd)
	sosCmd.AddCommand(sosAttachCmd)
	sosCmd.AddCommand(sosMineCmd)

	sosSendCmd.Flags().StringVarP(&sosMessage, "message", "m", "", "emergency message text")
	sosSendCmd.Flags().Float64Var(&sosLatitude, "lat", 0, "latitude of the location fix")
	sosSendCmd.Flags().Float64Var(&sosLongitude, "lng", 0, "longitude of the location fix")
	sosSendCmd.Flags().StringSliceVar(&sosAttachments, "attach", nil, "attachment file ids")
	sosSyncCmd.Flags().BoolVarP(&sosVerbose, "verbose", "v", false, "debug logging")
}

var sosCmd = &cobra.Command{
	Use:   "sos",
	Short: "Send and manage emergency SOS requests",
	Long:  "Enqueue SOS requests into the durable offline queue, inspect the pending queue and history, and trigger delivery sweeps.",
}

var sosSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Enqueue an SOS request and attempt immediate delivery",
	Long:  "Durably record an SOS request and attempt delivery. With no connectivity the request stays queued and is sent when the backend becomes reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := haven.SOSPayload{
			Message:     sosMessage,
			Attachments: sosAttachments,
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
			if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lng") {
				return fmt.Errorf("--lat and --lng must be provided together")
			}
			lat, lng := sosLatitude, sosLongitude
			payload.Latitude = &lat
			payload.Longitude = &lng
		}

		log := newLogger(false)
		defer log.Sync()

		store, outbox := openOutbox(log)
		defer store.Close()

		req, err := outbox.Enqueue(payload)
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", req.LocalID)

		engine := haven.NewDeliveryEngine(outbox, getClient(), &haven.DeliveryEngineOptions{Logger: log})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Sweep(ctx); err != nil {
			fmt.Printf("Sweep aborted: %v\n", err)
		}

		if sent, ok := findInHistory(outbox, req.LocalID); ok {
			fmt.Printf("Sent -> server id %s\n", sent.ServerID)
			return nil
		}
		fmt.Println("Not delivered yet; queued, will send when online.")
		return nil
	},
}

var sosPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued SOS requests awaiting delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, outbox := openOutbox(newLogger(false))
		defer store.Close()

		pending := outbox.Pending()
		if len(pending) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, req := range pending {
			printRequest(req)
		}
		return nil
	},
}

var sosHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List delivered SOS requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, outbox := openOutbox(newLogger(false))
		defer store.Close()

		history := outbox.History()
		if len(history) == 0 {
			fmt.Println("No delivered requests.")
			return nil
		}
		for _, req := range history {
			printRequest(req)
		}
		return nil
	},
}

var sosSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one delivery sweep over the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(sosVerbose)
		defer log.Sync()

		store, outbox := openOutbox(log)
		defer store.Close()

		if outbox.Len() == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		engine := haven.NewDeliveryEngine(outbox, getClient(), &haven.DeliveryEngineOptions{Logger: log})
		engine.On("queue.sent", func(event string, payload any) {
			fmt.Printf("sent: %v\n", payload)
		})
		engine.On("queue.failed", func(event string, payload any) {
			fmt.Printf("failed: %v\n", payload)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := engine.Sweep(ctx); err != nil {
			fmt.Printf("Sweep aborted: %v\n", err)
		}
		fmt.Printf("%d request(s) still queued.\n", outbox.Len())
		return nil
	},
}

var sosAttachCmd = &cobra.Command{
	Use:   "attach <local-id> <file-id>",
	Short: "Toggle an attachment on a queued request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, outbox := openOutbox(newLogger(false))
		defer store.Close()

		if err := outbox.ToggleAttachment(args[0], args[1]); err != nil {
			return err
		}
		req, _ := outbox.Get(args[0])
		fmt.Printf("Attachments: %s\n", strings.Join(req.Payload.Attachments, ", "))
		return nil
	},
}

var sosMineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List SOS requests recorded by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, err := getClient().SOS().Mine(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No SOS requests on record.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  [%s]  %s\n", r.ID, r.Status, r.Message)
		}
		return nil
	},
}

func printRequest(req haven.QueuedRequest) {
	loc := ""
	if req.Payload.Latitude != nil {
		loc = fmt.Sprintf("  (%.4f, %.4f)", *req.Payload.Latitude, *req.Payload.Longitude)
	}
	server := ""
	if req.ServerID != "" {
		server = "  -> " + req.ServerID
	}
	fmt.Printf("%s  [%s]  %s%s%s  %s\n",
		req.LocalID, req.Status, req.Payload.Message, loc, server, timeAgo(req.CreatedAt))
}

func findInHistory(outbox *haven.Outbox, localID string) (haven.QueuedRequest, bool) {
	for _, req := range outbox.History() {
		if req.LocalID == localID {
			return req, true
		}
	}
	return haven.QueuedRequest{}, false
}
