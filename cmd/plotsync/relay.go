package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/config"
	"github.com/plotsync/plotsync/internal/rendezvous"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Run the rendezvous relay",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the rendezvous relay",
	Long: `Start the relay that paired devices use to find and reach each other.

The relay verifies that each connecting device owns the public key it
registers, tells devices when their peers come and go, and forwards
envelopes between them. It never stores or reads payloads.

Endpoints:
  /ws       WebSocket endpoint for devices
  /health   JSON health check
  /metrics  Prometheus metrics`,
	Annotations: map[string]string{"logfile": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		server := rendezvous.NewServer(&rendezvous.Config{
			Addr:   cfg.Rendezvous.Listen,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start relay: %v", err)
		}

		fmt.Printf("Relay listening on %s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fatalf("during shutdown: %v", err)
		}
		fmt.Println("Relay stopped")
	},
}

func init() {
	relayServeCmd.Flags().String("listen", "", "address to listen on (default :8787)")
	_ = v.BindPFlag(config.KeyRendezvousAddr, relayServeCmd.Flags().Lookup("listen"))

	relayCmd.AddCommand(relayServeCmd)
	rootCmd.AddCommand(relayCmd)
}
