package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/plotsync/plotsync/internal/crdt"
	"github.com/plotsync/plotsync/internal/lww"
	"github.com/plotsync/plotsync/internal/session"
	"github.com/plotsync/plotsync/internal/transport"
)

// Replica is the session surface the daemon drives. *session.Session
// implements it.
type Replica interface {
	ApplyRemote(ctx context.Context, data []byte) (crdt.Delta, error)
	ApplyFullState(ctx context.Context, data string, timestamp int64) (bool, error)
	EncodeState() ([]byte, error)
	FullState() (lww.Payload, error)
	Reload(ctx context.Context) (int, error)
	Subscribe() (<-chan session.Change, func())
}

// Transport is the client surface the daemon drives. *transport.Client
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsAlive() bool
	RefreshPeers(ctx context.Context) error
	Subscribe() (<-chan transport.Event, func())
	Send(pk string, data []byte) error
	SendFullState(pk string, payload lww.Payload) error
	AuthenticatedPeers() []string
	PeerCaps(pk string) []string
	SetSyncing(syncing bool)
	SetPendingChanges(n int)
}

// Contacts records when paired devices were last seen. *store.DB
// implements it.
type Contacts interface {
	TouchLastSeen(ctx context.Context, publicKey string, at time.Time) error
}

// Config holds configuration for the daemon.
type Config struct {
	// MarkerPath is the change marker other processes touch after each
	// commit. Empty disables watching.
	MarkerPath string

	// RefreshInterval is how often to reconnect, re-read paired devices and
	// reload the session regardless of the marker (default: 30s)
	RefreshInterval time.Duration

	// DebounceInterval batches rapid marker writes (default: 100ms)
	DebounceInterval time.Duration

	// LegacyOnly sends the last-write-wins full state even to peers that
	// support the CRDT protocol.
	LegacyOnly bool

	// Logger for daemon activity (default: logrus standard logger)
	Logger logrus.FieldLogger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval:  30 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           logrus.StandardLogger(),
		Now:              time.Now,
	}
}

// Daemon wires a transport client to a session.
type Daemon struct {
	replica   Replica
	transport Transport
	contacts  Contacts
	config    *Config
	logger    logrus.FieldLogger

	// pending counts changes produced while no peer was authenticated.
	pending int

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a daemon. Use Start to run it.
func New(replica Replica, tr Transport, contacts Contacts, config *Config) (*Daemon, error) {
	if replica == nil {
		return nil, fmt.Errorf("replica cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}

	return &Daemon{
		replica:   replica,
		transport: tr,
		contacts:  contacts,
		config:    config,
		logger:    config.Logger.WithField("component", "daemon"),
	}, nil
}

// Start runs the daemon. It blocks until ctx is cancelled, Stop is called
// or a loop fails. A relay that cannot be reached at start is not an
// error; the periodic refresh keeps trying. A stopped daemon may be
// started again.
func (d *Daemon) Start(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.runMu.Unlock()
	defer close(done)
	defer cancel()
	defer func() {
		d.runMu.Lock()
		d.running = false
		d.runMu.Unlock()
	}()

	d.logger.WithField("action", "start").Info("starting daemon")

	changes, stopChanges := d.replica.Subscribe()
	defer stopChanges()
	events, stopEvents := d.transport.Subscribe()
	defer stopEvents()

	// Each run gets its own watcher; Stop closes its channels.
	var (
		watcher   *MarkerWatcher
		markers   <-chan struct{}
		watchErrs <-chan error
	)
	if d.config.MarkerPath != "" {
		w, err := NewMarkerWatcher(d.config.MarkerPath, d.config.DebounceInterval)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			_ = w.watcher.Close()
			return err
		}
		watcher = w
		markers = w.Changes()
		watchErrs = w.Errors()
	}

	if err := d.transport.Connect(ctx); err != nil {
		d.logger.WithField("action", "connect").WithError(err).Warn("relay unavailable, will retry")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.eventLoop(gctx, events, changes) })
	g.Go(func() error { return d.refreshLoop(gctx, markers, watchErrs) })
	err := g.Wait()

	var result *multierror.Error
	if err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	d.transport.Disconnect()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	d.logger.WithField("action", "stop").Info("daemon stopped")
	return result.ErrorOrNil()
}

// Stop asks a running daemon to shut down and waits for Start to return.
func (d *Daemon) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// eventLoop serializes transport events and session changes.
func (d *Daemon) eventLoop(ctx context.Context, events <-chan transport.Event, changes <-chan session.Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("transport event stream closed")
			}
			d.handleEvent(ctx, ev)

		case change, ok := <-changes:
			if !ok {
				// The session was closed underneath us.
				return fmt.Errorf("session change stream closed")
			}
			d.forward(change)
		}
	}
}

// refreshLoop reacts to the change marker and the periodic timer.
func (d *Daemon) refreshLoop(ctx context.Context, markers <-chan struct{}, watchErrs <-chan error) error {
	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-markers:
			if !ok {
				markers = nil
				continue
			}
			d.logger.WithField("action", "marker").Debug("change marker touched")
			d.reload(ctx)

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.logger.WithField("action", "watch").WithError(err).Warn("watcher error")

		case <-ticker.C:
			if !d.transport.IsAlive() {
				if err := d.transport.Connect(ctx); err != nil {
					d.logger.WithField("action", "connect").WithError(err).Debug("relay still unavailable")
				}
			}
			d.reload(ctx)
		}
	}
}

// reload picks up what other processes committed: document entries and
// paired device changes.
func (d *Daemon) reload(ctx context.Context) {
	n, err := d.replica.Reload(ctx)
	if err != nil {
		d.logger.WithField("action", "reload").WithError(err).Warn("failed to reload session")
	} else if n > 0 {
		d.logger.WithField("action", "reload").WithField("entries", n).Debug("reloaded entries")
	}
	if err := d.transport.RefreshPeers(ctx); err != nil {
		d.logger.WithField("action", "refresh_peers").WithError(err).Warn("failed to refresh peers")
	}
}

func (d *Daemon) handleEvent(ctx context.Context, ev transport.Event) {
	log := d.logger.WithField("event", ev.Kind)
	if ev.Peer != "" {
		log = log.WithField("peer", ev.Peer)
	}

	switch ev.Kind {
	case transport.EventConnected:
		log.Info("connected to relay")

	case transport.EventDisconnected:
		log.Info("disconnected from relay")

	case transport.EventError:
		log.WithError(ev.Err).Warn("transport error")

	case transport.EventPeerConnected:
		log.Debug("peer connected")

	case transport.EventPeerDisconnected:
		log.Info("peer disconnected")

	case transport.EventPeerAuthenticated:
		log.Info("peer authenticated")
		d.touch(ctx, ev.Peer)
		d.sendState(ev.Peer, ev.Caps)

	case transport.EventSyncMessage:
		d.touch(ctx, ev.Peer)
		applied, err := d.replica.ApplyRemote(ctx, ev.Data)
		if err != nil {
			log.WithError(err).Warn("failed to apply sync message")
			return
		}
		log.WithField("entries", len(applied)).Debug("applied sync message")

	case transport.EventFullStateSync:
		d.touch(ctx, ev.Peer)
		if ev.FullState == nil {
			return
		}
		taken, err := d.replica.ApplyFullState(ctx, ev.FullState.Data, ev.FullState.Timestamp)
		if err != nil {
			log.WithError(err).Warn("failed to apply full state")
			return
		}
		log.WithField("taken", taken).Debug("applied full state")

	case transport.EventPairRequest:
		// Pairing is handled by the pairing command's own client.
		log.Debug("ignoring pairing message")
	}
}

// sendState sends the whole local state to a newly authenticated peer.
func (d *Daemon) sendState(pk string, caps []string) {
	d.transport.SetSyncing(true)
	defer d.transport.SetSyncing(false)

	log := d.logger.WithField("action", "send_state").WithField("peer", pk)
	if d.useCRDT(caps) {
		data, err := d.replica.EncodeState()
		if err != nil {
			log.WithError(err).Warn("failed to encode state")
			return
		}
		if err := d.transport.Send(pk, data); err != nil {
			log.WithError(err).Warn("failed to send state")
			return
		}
	} else {
		payload, err := d.replica.FullState()
		if err != nil {
			log.WithError(err).Warn("failed to encode full state")
			return
		}
		if err := d.transport.SendFullState(pk, payload); err != nil {
			log.WithError(err).Warn("failed to send full state")
			return
		}
	}
	d.setPending(0)
}

// forward sends a session change to every authenticated peer.
func (d *Daemon) forward(change session.Change) {
	if len(change.Delta) == 0 {
		return
	}
	peers := d.transport.AuthenticatedPeers()
	if len(peers) == 0 {
		d.setPending(d.pending + 1)
		return
	}

	log := d.logger.WithField("action", "forward").WithField("origin", change.Origin)
	var (
		delta   []byte
		payload *lww.Payload
	)
	sent := 0
	for _, pk := range peers {
		var err error
		if d.useCRDT(d.transport.PeerCaps(pk)) {
			if delta == nil {
				if delta, err = crdt.EncodeDelta(change.Delta); err != nil {
					log.WithError(err).Warn("failed to encode change")
					return
				}
			}
			err = d.transport.Send(pk, delta)
		} else {
			if payload == nil {
				p, ferr := d.replica.FullState()
				if ferr != nil {
					log.WithError(ferr).Warn("failed to encode full state")
					continue
				}
				payload = &p
			}
			err = d.transport.SendFullState(pk, *payload)
		}
		if err != nil {
			log.WithField("peer", pk).WithError(err).Debug("failed to forward change")
			continue
		}
		sent++
	}
	if sent == 0 {
		d.setPending(d.pending + 1)
		return
	}
	d.setPending(0)
}

func (d *Daemon) useCRDT(caps []string) bool {
	return !d.config.LegacyOnly && transport.HasCap(caps, transport.CapCRDT)
}

func (d *Daemon) setPending(n int) {
	d.pending = n
	d.transport.SetPendingChanges(n)
}

func (d *Daemon) touch(ctx context.Context, pk string) {
	if d.contacts == nil || pk == "" {
		return
	}
	if err := d.contacts.TouchLastSeen(ctx, pk, d.config.Now().UTC()); err != nil {
		d.logger.WithField("action", "touch").WithField("peer", pk).WithError(err).Debug("failed to record last seen")
	}
}
