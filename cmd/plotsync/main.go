package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/plotsync/plotsync/internal/config"
	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/logging"
	"github.com/plotsync/plotsync/internal/session"
	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/transport"
	"github.com/plotsync/plotsync/internal/ui"
)

var (
	v         = viper.New()
	cfg       *config.Config
	logger    = logrus.StandardLogger()
	logCloser io.Closer

	homeDir    string
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "plotsync",
	Short: "Peer-to-peer sync for the allotment planner",
	Long: `plotsync keeps the allotment planner data of your devices in sync.

Devices trust each other after pairing: one device shows a pairing code,
the other scans it and both users compare the short code. Paired devices
find each other through a rendezvous relay and exchange changes whenever
both are online. The relay only forwards messages; it never stores data.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home := homeDir
		if home == "" {
			home = config.Home()
		}
		loaded, err := config.Load(v, home, configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		ui.ConfigureColor(noColor)

		// Long-running commands log to the configured file.
		file := ""
		if cmd.Annotations["logfile"] == "true" {
			file = cfg.Log.File
		}
		l, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, File: file})
		if err != nil {
			return err
		}
		logger, logCloser = l, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "device", Title: "Device & Pairing:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&homeDir, "home", "", "plotsync home directory (default $PLOTSYNC_HOME or <user config dir>/plotsync)")
	flags.StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.String("data-dir", "", "data directory")
	flags.String("relay", "", "rendezvous relay WebSocket URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag(config.KeyDataDir, flags.Lookup("data-dir"))
	_ = v.BindPFlag(config.KeyRendezvousURL, flags.Lookup("relay"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func openDB(ctx context.Context) *store.DB {
	db, err := store.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		fatalf("opening database %s: %v", cfg.DBPath(), err)
	}
	return db
}

func loadIdentity(ctx context.Context, db *store.DB) *identity.DeviceIdentity {
	id, err := identity.NewService(db, identity.WithLogger(logger)).GetOrCreate(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	return id
}

func openSession(ctx context.Context, db *store.DB, actor string) *session.Session {
	sess, err := session.Open(ctx, db, &session.Config{Actor: actor, Logger: logger})
	if err != nil {
		fatalf("opening data: %v", err)
	}
	return sess
}

// withSession runs fn on a session over the local store. The session and
// the store are closed, flushing unsaved entries, before it returns, so
// callers may exit on the returned error.
func withSession(fn func(ctx context.Context, sess *session.Session) error) error {
	ctx := context.Background()
	db, err := store.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.DBPath(), err)
	}
	sess, err := session.Open(ctx, db, &session.Config{Actor: cliActor(), Logger: logger})
	if err != nil {
		return multierror.Append(fmt.Errorf("opening data: %w", err), db.Close()).ErrorOrNil()
	}

	var result *multierror.Error
	if err := fn(ctx, sess); err != nil {
		result = multierror.Append(result, err)
	}
	if err := sess.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// cliActor stamps writes made by one CLI invocation.
func cliActor() string {
	return "cli/" + uuid.NewString()
}

func capabilities() []string {
	if cfg.Sync.CRDT {
		return []string{transport.CapCRDT, transport.CapLWW}
	}
	return []string{transport.CapLWW}
}

func clientConfig(id *identity.DeviceIdentity, db *store.DB, acceptPeers bool) *transport.Config {
	return &transport.Config{
		RelayURL:     cfg.Rendezvous.URL,
		Identity:     id,
		Peers:        db,
		AcceptPeers:  acceptPeers,
		Capabilities: capabilities(),
		AuthTimeout:  cfg.Sync.AuthTimeout,
		Logger:       logger,
	}
}

func newClient(id *identity.DeviceIdentity, db *store.DB, acceptPeers bool) *transport.Client {
	client, err := transport.New(clientConfig(id, db, acceptPeers))
	if err != nil {
		fatalf("%v", err)
	}
	return client
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
