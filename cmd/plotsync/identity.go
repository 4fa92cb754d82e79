package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/pairing"
	"github.com/plotsync/plotsync/internal/ui"
)

var identityCmd = &cobra.Command{
	Use:     "identity",
	GroupID: "device",
	Short:   "Show or rename this device",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show this device's name, public key and pairing code",
	Long: `Show this device's identity. The identity is created on first use:
an ed25519 keypair and a random display name, stored in the data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openDB(ctx)
		defer db.Close()

		id := loadIdentity(ctx, db)
		code, err := pairing.DeriveCode(id.ID())
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(ui.RenderFields([]ui.Field{
			{Key: "Name", Value: ui.RenderBold(id.DeviceName)},
			{Key: "Public key", Value: id.ID()},
			{Key: "Code", Value: ui.RenderAccent(code)},
			{Key: "Created", Value: id.CreatedAt.Local().Format("2006-01-02 15:04")},
		}))
	},
}

var identityRenameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Change this device's display name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db := openDB(ctx)
		defer db.Close()

		id, err := identity.NewService(db, identity.WithLogger(logger)).UpdateDeviceName(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Device renamed to %s\n", ui.RenderPass("✓"), ui.RenderBold(id.DeviceName))
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityRenameCmd)
	rootCmd.AddCommand(identityCmd)
}
