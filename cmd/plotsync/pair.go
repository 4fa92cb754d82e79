package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/pairing"
	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/syncerr"
	"github.com/plotsync/plotsync/internal/transport"
	"github.com/plotsync/plotsync/internal/ui"
)

var pairCmd = &cobra.Command{
	Use:     "pair",
	GroupID: "device",
	Short:   "Pair this device with another one",
	Long: `Pair two devices so they sync with each other.

On the first device run 'plotsync pair show'. It prints a pairing payload
and a short code, refreshed every four minutes. On the second device run
'plotsync pair scan <payload>' and type the short code shown on the first
device. The scanning device then prints its own code, which you type on
the first device. Both devices then record each other as trusted.`,
}

var pairShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a pairing payload and wait for another device to scan it",
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		code, _ := cmd.Flags().GetString("code")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if yes && code == "" {
			fatalf("--yes needs --code, the code printed by 'plotsync pair scan' on the other device")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if timeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, timeout)
			defer tcancel()
		}

		db := openDB(ctx)
		defer db.Close()
		id := loadIdentity(ctx, db)

		client := newClient(id, db, false)
		events, stop := client.Subscribe()
		defer stop()
		if err := client.Connect(ctx); err != nil {
			fatalf("pairing needs the relay at %s: %v", cfg.Rendezvous.URL, err)
		}
		defer client.Disconnect()

		flow := newFlow(db)
		disp := pairing.NewDisplayer(flow, id, printPayload)
		if _, err := disp.Start(ctx); err != nil {
			fatalf("%v", err)
		}
		defer disp.Stop()

		fmt.Println(ui.RenderMuted("Waiting for the other device... (Ctrl+C to cancel)"))
		for {
			select {
			case <-ctx.Done():
				flow.Abandon()
				fmt.Println("\nPairing cancelled")
				return
			case ev := <-events:
				if ev.Kind != transport.EventPairRequest || ev.MessageType != pairing.MessageConfirm {
					continue
				}
				if done := handleConfirm(ctx, client, disp, ev, code); done {
					return
				}
			}
		}
	},
}

// handleConfirm completes pairing on the showing device. The user must
// enter the code shown on the scanning device; without it anyone who saw
// the payload could pair. It reports whether pairing finished.
func handleConfirm(ctx context.Context, client *transport.Client, disp *pairing.Displayer, ev transport.Event, expected string) bool {
	var msg pairing.ConfirmMessage
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		logger.WithError(err).Warn("malformed pairing confirmation")
		return false
	}
	if msg.Scanner != ev.Peer {
		logger.WithField("peer", ev.Peer).Warn("pairing confirmation names another device")
		return false
	}
	if err := msg.Verify(); err != nil {
		logger.WithField("peer", ev.Peer).WithError(err).Warn("invalid pairing confirmation")
		return false
	}

	entered := expected
	if entered == "" {
		code, err := scannerCodePrompt(msg)
		if err != nil {
			fmt.Println("Pairing request declined")
			return false
		}
		entered = code
	}

	dev, accepted, err := disp.HandleConfirm(ctx, msg, entered)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
		return errors.Is(err, pairing.ErrInvalidTransition)
	}
	if err := client.SendPairing(ev.Peer, ev.Session, pairing.MessageAccepted, accepted); err != nil {
		fmt.Fprintf(os.Stderr, "%s could not notify %s: %v\n", ui.RenderWarn("⚠"), dev.DeviceName, err)
	}
	fmt.Printf("%s Paired with %s\n", ui.RenderPass("✓"), ui.RenderBold(dev.DeviceName))
	return true
}

// scannerCodePrompt asks for the code the scanning device prints, giving
// the user three tries.
func scannerCodePrompt(msg pairing.ConfirmMessage) (string, error) {
	if !interactive() {
		return "", fmt.Errorf("pass --yes and --code when not running in a terminal")
	}
	expected, err := pairing.DeriveCode(msg.Scanner)
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt < 3; attempt++ {
		var entered string
		err := huh.NewInput().
			Title(fmt.Sprintf("%q wants to pair. Code shown on that device", msg.Name)).
			Placeholder("XXXX-XXXX").
			Value(&entered).
			Run()
		if err != nil {
			return "", err
		}
		if pairing.CodesEqual(entered, expected) {
			return entered, nil
		}
		fmt.Println(ui.RenderFail("Codes do not match. Check the other screen and try again."))
	}
	return "", syncerr.ErrPairingMismatch
}

var pairScanCmd = &cobra.Command{
	Use:   "scan <payload>",
	Short: "Pair with a device that is showing a pairing payload",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code, _ := cmd.Flags().GetString("code")
		wait, _ := cmd.Flags().GetDuration("wait")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		db := openDB(ctx)
		defer db.Close()
		id := loadIdentity(ctx, db)

		flow := newFlow(db)
		if err := flow.StartScan(); err != nil {
			fatalf("%v", err)
		}
		payload, err := flow.Scan(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if payload.PK == id.ID() {
			fatalf("that is this device's own pairing payload")
		}

		fmt.Printf("Pairing with %s\n", ui.RenderBold(payload.Name))
		dev, err := confirmCode(ctx, flow, code)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Trusted %s on this device\n", ui.RenderPass("✓"), ui.RenderBold(dev.DeviceName))
		own, err := pairing.DeriveCode(id.ID())
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("\nEnter this code on %s: %s\n\n", ui.RenderBold(payload.Name), ui.RenderCode(own))

		if err := notifyDisplayer(ctx, id, db, payload, wait); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
			fmt.Fprintln(os.Stderr, "  Sync starts once the other device has paired with this one too.")
		}
	},
}

// confirmCode asks for the code shown on the other device until it matches.
func confirmCode(ctx context.Context, flow *pairing.Flow, code string) (*store.PairedDevice, error) {
	if code != "" {
		return flow.Confirm(ctx, code)
	}
	if !interactive() {
		return nil, fmt.Errorf("pass --code when not running in a terminal")
	}
	for {
		var entered string
		err := huh.NewInput().
			Title("Code shown on the other device").
			Placeholder("XXXX-XXXX").
			Value(&entered).
			Run()
		if err != nil {
			flow.Abandon()
			return nil, err
		}
		dev, err := flow.Confirm(ctx, strings.TrimSpace(entered))
		if errors.Is(err, syncerr.ErrPairingMismatch) {
			fmt.Println(ui.RenderFail("Codes do not match. Check the other screen and try again."))
			continue
		}
		return dev, err
	}
}

// notifyDisplayer sends the signed confirmation so the showing device
// trusts this one too, and waits for its acceptance.
func notifyDisplayer(ctx context.Context, id *identity.DeviceIdentity, db *store.DB, payload pairing.Payload, wait time.Duration) error {
	client := newClient(id, db, false)
	events, stop := client.Subscribe()
	defer stop()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("could not reach the relay to notify %s: %w", payload.Name, err)
	}
	defer client.Disconnect()

	if err := client.SendPairing(payload.PK, "", pairing.MessageConfirm, pairing.NewConfirm(id, payload)); err != nil {
		return err
	}
	fmt.Println(ui.RenderMuted("Waiting for the other device to accept..."))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%s did not accept within %s", payload.Name, wait)
		case ev := <-events:
			if ev.Kind == transport.EventPairRequest && ev.MessageType == pairing.MessageAccepted && ev.Peer == payload.PK {
				fmt.Printf("%s %s accepted the pairing\n", ui.RenderPass("✓"), ui.RenderBold(payload.Name))
				return nil
			}
		}
	}
}

func newFlow(db *store.DB) *pairing.Flow {
	flow, err := pairing.NewFlow(pairing.Config{
		Store:  db,
		Logger: logger,
		OnPaired: func(dev store.PairedDevice) {
			// A running daemon picks up the new peer from the marker.
			if err := db.NotifyChanged(); err != nil {
				logger.WithError(err).Warn("failed to notify other processes")
			}
		},
	})
	if err != nil {
		fatalf("%v", err)
	}
	return flow
}

func printPayload(p pairing.Payload) {
	text, err := p.Encode()
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("\nOn the other device run:\n\n  plotsync pair scan %s\n\n", text)
	fmt.Printf("Code %s (valid until %s)\n", ui.RenderCode(p.Code), time.UnixMilli(p.Exp).Format("15:04:05"))
}

func init() {
	pairShowCmd.Flags().Bool("yes", false, "accept without asking; requires --code")
	pairShowCmd.Flags().String("code", "", "code of the scanning device, as printed by its 'pair scan' or 'identity show'")
	pairShowCmd.Flags().Duration("timeout", 0, "give up after this long (0 waits until cancelled)")
	pairScanCmd.Flags().String("code", "", "code shown on the other device (prompted when omitted)")
	pairScanCmd.Flags().Duration("wait", 2*time.Minute, "how long to wait for the other device to accept")

	pairCmd.AddCommand(pairShowCmd, pairScanCmd)
	rootCmd.AddCommand(pairCmd)
}
