package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/syncerr"
	"github.com/plotsync/plotsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show this device, its peers and the data",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openDB(ctx)
		defer db.Close()

		fmt.Println(ui.RenderBold("Device"))
		id, err := identity.NewService(db, identity.WithLogger(logger)).GetOrCreate(ctx)
		switch {
		case errors.Is(err, syncerr.ErrIdentityUnavailable):
			fmt.Printf("  %s identity unavailable, local-only mode: %v\n", ui.RenderWarn("⚠"), err)
		case err != nil:
			fatalf("%v", err)
		default:
			fmt.Print(ui.RenderFields([]ui.Field{
				{Key: "  Name", Value: id.DeviceName},
				{Key: "  Public key", Value: id.ID()},
				{Key: "  Relay", Value: cfg.Rendezvous.URL},
				{Key: "  Data", Value: db.Path()},
			}))
		}

		fmt.Println()
		fmt.Println(ui.RenderBold("Paired devices"))
		devices, err := db.ListPairedDevices(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if len(devices) == 0 {
			fmt.Println("  " + ui.RenderMuted("none"))
		}
		for _, d := range devices {
			printDevice(d)
		}

		sess := openSession(ctx, db, cliActor())
		defer sess.Close()
		stats := sess.Stats()
		fmt.Println()
		fmt.Println(ui.RenderBold("Data"))
		fmt.Print(ui.RenderFields([]ui.Field{
			{Key: "  Entries", Value: strconv.Itoa(stats.Entries)},
			{Key: "  Tombstones", Value: strconv.Itoa(stats.Tombstones)},
		}))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
