package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/ui"
)

var peersCmd = &cobra.Command{
	Use:     "peers",
	GroupID: "device",
	Short:   "List or remove paired devices",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired devices",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		seenSince, _ := cmd.Flags().GetString("seen-since")
		ctx := context.Background()
		db := openDB(ctx)
		defer db.Close()

		devices, err := db.ListPairedDevices(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if seenSince != "" {
			since, err := parseSince(seenSince, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			devices = seenAfter(devices, since)
		}
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(devices)
			return
		}
		if len(devices) == 0 {
			fmt.Println("No paired devices. Run 'plotsync pair show' to pair one.")
			return
		}
		for _, d := range devices {
			printDevice(d)
		}
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove <public-key>",
	Short: "Stop trusting a paired device",
	Long: `Remove a device from this device's paired list. A running daemon drops
its channel to that device. The other device keeps its own record until it
removes this one too.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openDB(ctx)
		defer db.Close()

		removed, err := db.RemovePairedDevice(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if !removed {
			fatalf("%s is not a paired device", args[0])
		}
		if err := db.NotifyChanged(); err != nil {
			logger.WithError(err).Warn("failed to notify other processes")
		}
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), args[0])
	},
}

// seenAfter keeps devices last seen at or after since.
func seenAfter(devices []store.PairedDevice, since time.Time) []store.PairedDevice {
	var out []store.PairedDevice
	for _, d := range devices {
		if d.LastSeen != nil && !d.LastSeen.Before(since) {
			out = append(out, d)
		}
	}
	return out
}

func printDevice(d store.PairedDevice) {
	seen := ui.RenderMuted("never seen")
	if d.LastSeen != nil {
		seen = "last seen " + d.LastSeen.Local().Format("2006-01-02 15:04")
	}
	fmt.Printf("  %s  %s  %s\n", ui.RenderBold(d.DeviceName), ui.RenderMuted(ui.Truncate(d.PublicKey, 16)), seen)
	fmt.Printf("    paired %s\n", d.PairedAt.Local().Format(time.RFC822))
}

func init() {
	peersListCmd.Flags().Bool("json", false, "output JSON")
	peersListCmd.Flags().String("seen-since", "", `only devices seen since this time ("yesterday", "48h", RFC 3339)`)
	peersCmd.AddCommand(peersListCmd, peersRemoveCmd)
	rootCmd.AddCommand(peersCmd)
}
