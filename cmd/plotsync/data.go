package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/plotsync/plotsync/internal/migrate"
	"github.com/plotsync/plotsync/internal/session"
	"github.com/plotsync/plotsync/internal/ui"
)

var dataCmd = &cobra.Command{
	Use:     "data",
	GroupID: "data",
	Short:   "Read and change the synced data",
	Long: `Read and change the synced allotment data on this device.

Paths are JSON pointers into the data, e.g. /allotment/meta/name or
/varieties/0/name. Changes are saved locally and reach paired devices the
next time the daemon talks to them.`,
}

var dataGetCmd = &cobra.Command{
	Use:   "get [path]",
	Short: "Print the data, or the value at a path",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pointer := ""
		if len(args) == 1 {
			pointer = args[0]
		}
		var value any
		err := withSession(func(_ context.Context, sess *session.Session) error {
			var err error
			value, err = lookupPath(sess.GetData(), pointer)
			return err
		})
		if err != nil {
			fatalf("%v", err)
		}
		printJSON(value)
	},
}

var dataSetCmd = &cobra.Command{
	Use:   "set <path> <json-value>",
	Short: "Set the value at a path",
	Long: `Set the value at a path. The value is parsed as JSON; anything that is
not valid JSON is stored as a string.

  plotsync data set /allotment/meta/name '"Plot 12"'
  plotsync data set /allotment/currentYear 2026`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}
		update(func(snap session.Snapshot) (session.Snapshot, error) {
			return snap, setPath(snap, args[0], value)
		})
		fmt.Printf("%s Set %s\n", ui.RenderPass("✓"), args[0])
	},
}

var dataDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete the object key at a path",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		update(func(snap session.Snapshot) (session.Snapshot, error) {
			return snap, deletePath(snap, args[0])
		})
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
	},
}

var dataExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the data as a backup file",
	Long: `Export the data in the planner's backup format. Without a file the
backup is written to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var snap session.Snapshot
		err := withSession(func(_ context.Context, sess *session.Session) error {
			snap = sess.GetData()
			return nil
		})
		if err != nil {
			fatalf("%v", err)
		}
		if len(args) == 0 {
			printJSON(migrate.Backup(snap, time.Now()))
			return
		}
		if err := migrate.WriteBackup(args[0], snap, time.Now()); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Exported to %s\n", ui.RenderPass("✓"), args[0])
	},
}

var dataImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the data with a backup file",
	Long: `Replace the data with the contents of a backup file. The import is
applied as a change like any other: keys that differ are updated and keys
missing from the backup are removed, so concurrent edits on other devices
to unrelated keys survive.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		imported, err := migrate.ReadBackup(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		update(func(session.Snapshot) (session.Snapshot, error) {
			return imported, nil
		})
		fmt.Printf("%s Imported %s\n", ui.RenderPass("✓"), args[0])
	},
}

var dataLegacyImportCmd = &cobra.Command{
	Use:   "legacy-import <file>",
	Short: "Store a pre-sync snapshot for migration",
	Long: `Store a snapshot from before sync was enabled in the legacy slot. It is
migrated into the synced data the next time the data is opened, but only
if the synced data is still empty.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		raw, err := os.ReadFile(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if _, err := migrate.ParseSnapshot(raw); err != nil {
			fatalf("%v", err)
		}

		db := openDB(ctx)
		err = db.PutLegacySnapshot(ctx, raw, time.Now())
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Stored legacy snapshot from %s\n", ui.RenderPass("✓"), args[0])
	},
}

// update applies mutate to the data in one transaction.
func update(mutate func(session.Snapshot) (session.Snapshot, error)) {
	err := withSession(func(ctx context.Context, sess *session.Session) error {
		_, err := sess.UpdateData(ctx, mutate)
		return err
	})
	if err != nil {
		fatalf("%v", err)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("%v", err)
	}
}

func init() {
	dataCmd.AddCommand(dataGetCmd, dataSetCmd, dataDeleteCmd, dataExportCmd, dataImportCmd, dataLegacyImportCmd)
	rootCmd.AddCommand(dataCmd)
}
