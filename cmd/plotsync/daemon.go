package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/daemon"
	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/session"
	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/transport"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync with paired devices until stopped",
	Long: `Connect to the relay and keep this device's data in sync with every
paired device that is online.

Changes made by other plotsync commands on this device are picked up
immediately through the data directory's change marker. Paired devices,
relay reconnects and the data are also re-checked every sync.refresh_interval.`,
	Annotations: map[string]string{"logfile": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runDaemon(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Daemon stopped")
	},
}

// runDaemon syncs until ctx is done. The session and store are closed
// before it returns, so unsaved entries are flushed even on failure.
func runDaemon(ctx context.Context) error {
	db, err := store.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.DBPath(), err)
	}
	defer db.Close()

	id, err := identity.NewService(db, identity.WithLogger(logger)).GetOrCreate(ctx)
	if err != nil {
		return err
	}

	sess, err := session.Open(ctx, db, &session.Config{Actor: id.ID() + "/" + uuid.NewString(), Logger: logger})
	if err != nil {
		return fmt.Errorf("opening data: %w", err)
	}
	defer sess.Close()

	client, err := transport.New(clientConfig(id, db, true))
	if err != nil {
		return err
	}
	d, err := daemon.New(sess, client, db, &daemon.Config{
		MarkerPath:      db.ChangeMarkerPath(),
		RefreshInterval: cfg.Sync.RefreshInterval,
		LegacyOnly:      !cfg.Sync.CRDT,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Syncing %s via %s (Ctrl+C to stop)\n", id.DeviceName, cfg.Rendezvous.URL)
	return d.Start(ctx)
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd)
	rootCmd.AddCommand(daemonCmd)
}
