package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/rendezvous"
	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// PeerStore lists the devices this device trusts. *store.DB implements it.
type PeerStore interface {
	ListPairedDevices(ctx context.Context) ([]store.PairedDevice, error)
}

// Config holds client configuration.
type Config struct {
	// RelayURL is the relay WebSocket endpoint, e.g. ws://host:8787/ws (required)
	RelayURL string

	// Identity signs relay registration and peer handshakes (required)
	Identity *identity.DeviceIdentity

	// Peers supplies the paired device list (required)
	Peers PeerStore

	// AcceptPeers enables peer channels. Clients used only for pairing
	// leave it off and never answer hello.
	AcceptPeers bool

	// Capabilities advertised to peers (default: crdt-v1, lww-v1)
	Capabilities []string

	// AuthTimeout bounds a peer handshake (default: 10s)
	AuthTimeout time.Duration

	// DialTimeout bounds the first relay connection in Connect (default: 30s)
	DialTimeout time.Duration

	// NewBackOff creates the reconnect policy (default: exponential, 500ms..30s)
	NewBackOff func() backoff.BackOff

	// Logger for transport activity (default: logrus standard logger)
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults. RelayURL, Identity and Peers
// must still be set.
func DefaultConfig() *Config {
	return &Config{
		AcceptPeers:  true,
		Capabilities: []string{CapCRDT, CapLWW},
		AuthTimeout:  10 * time.Second,
		DialTimeout:  30 * time.Second,
		NewBackOff:   defaultBackOff,
		Logger:       logrus.StandardLogger(),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Client is this device's connection to the relay and its peers.
type Client struct {
	relayURL    string
	id          *identity.DeviceIdentity
	ownPK       string
	peerStore   PeerStore
	acceptPeers bool
	caps        []string
	authTimeout time.Duration
	dialTimeout time.Duration
	newBackOff  func() backoff.BackOff
	logger      logrus.FieldLogger
	now         func() time.Time
	sessionID   string

	alive  atomic.Bool
	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	relay    *relayConn
	peers    map[string]*peer
	presence map[string]map[string]struct{}
	syncing  bool
	pending  int

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a client. It does not connect.
func New(config *Config) (*Client, error) {
	if config == nil || config.RelayURL == "" {
		return nil, fmt.Errorf("transport requires a relay url")
	}
	if config.Identity == nil {
		return nil, syncerr.ErrIdentityUnavailable
	}
	if config.Peers == nil {
		return nil, fmt.Errorf("transport requires a peer store")
	}
	defaults := DefaultConfig()
	if len(config.Capabilities) == 0 {
		config.Capabilities = defaults.Capabilities
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaults.AuthTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.NewBackOff == nil {
		config.NewBackOff = defaults.NewBackOff
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	session := uuid.NewString()
	return &Client{
		relayURL:    config.RelayURL,
		id:          config.Identity,
		ownPK:       config.Identity.ID(),
		peerStore:   config.Peers,
		acceptPeers: config.AcceptPeers,
		caps:        config.Capabilities,
		authTimeout: config.AuthTimeout,
		dialTimeout: config.DialTimeout,
		newBackOff:  config.NewBackOff,
		logger:      config.Logger.WithField("component", "transport").WithField("session", session),
		now:         time.Now,
		sessionID:   session,
		peers:       make(map[string]*peer),
		presence:    make(map[string]map[string]struct{}),
		subs:        make(map[int]chan Event),
	}, nil
}

// SessionID identifies this client at the relay.
func (c *Client) SessionID() string {
	return c.sessionID
}

// IsAlive reports whether the client is between Connect and Disconnect.
func (c *Client) IsAlive() bool {
	return c.alive.Load()
}

// Connect dials the relay, registers and starts talking to paired peers.
// It returns once the first relay connection is up; later drops are
// retried in the background. Calling Connect on a live client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.alive.Load() {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	rc, err := c.dialWithRetry(dctx)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: err})
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.alive.Store(true)
	c.attach(rc)

	c.wg.Add(1)
	go c.run(rc)
	return nil
}

// Disconnect tears down the relay connection and every peer channel.
func (c *Client) Disconnect() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.cancel()

	c.mu.Lock()
	rc := c.relay
	c.mu.Unlock()
	if rc != nil {
		rc.close()
	}
	c.wg.Wait()
}

// run owns the relay connection until Disconnect.
func (c *Client) run(rc *relayConn) {
	defer c.wg.Done()

	for {
		err := c.serve(rc)
		c.detach(rc, err)

		if !c.alive.Load() {
			return
		}
		next, err := c.dialWithRetry(c.ctx)
		if err != nil {
			return
		}
		rc = next
		c.attach(rc)
	}
}

func (c *Client) attach(rc *relayConn) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		rc.close()
		return
	}
	c.relay = rc
	c.mu.Unlock()

	c.logger.WithField("action", "connect").Info("connected to relay")
	c.emit(Event{Kind: EventConnected, Session: c.sessionID})

	if err := c.RefreshPeers(c.ctx); err != nil {
		c.logger.WithField("action", "refresh_peers").WithError(err).Warn("failed to load paired devices")
	}
}

func (c *Client) detach(rc *relayConn, cause error) {
	rc.close()

	c.mu.Lock()
	if c.relay == rc {
		c.relay = nil
	}
	for _, p := range c.peers {
		c.peerDown(p, nil)
	}
	c.presence = make(map[string]map[string]struct{})
	c.mu.Unlock()

	if cause != nil && c.alive.Load() {
		c.logger.WithField("action", "disconnect").WithError(cause).Warn("lost relay connection")
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", syncerr.ErrTransport, cause)})
	}
	c.emit(Event{Kind: EventDisconnected})
}

// serve reads relay frames until the connection fails.
func (c *Client) serve(rc *relayConn) error {
	for {
		var f rendezvous.Frame
		if err := rc.read(&f); err != nil {
			if rc.ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.handleFrame(f)
	}
}

func (c *Client) dialWithRetry(ctx context.Context) (*relayConn, error) {
	var rc *relayConn
	op := func() error {
		r, err := c.dial(ctx)
		if err != nil {
			return err
		}
		rc = r
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.logger.WithField("action", "dial").WithError(err).WithField("retry_in", d).Debug("relay unavailable")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: failed to reach relay: %v", syncerr.ErrTransport, err)
	}
	return rc, nil
}

// dial connects and registers with the relay.
func (c *Client) dial(ctx context.Context) (*relayConn, error) {
	conn, _, err := websocket.Dial(ctx, c.relayURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(rendezvous.MaxFrameSize)

	rctx, cancel := context.WithTimeout(ctx, c.authTimeout)
	defer cancel()

	var challenge rendezvous.Frame
	if err := readFrame(rctx, conn, &challenge); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}
	if challenge.Type != rendezvous.FrameChallenge {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected challenge, got %q", challenge.Type)
	}

	sig := c.id.Sign(rendezvous.RegisterMessage(challenge.Nonce, c.sessionID))
	reg := rendezvous.Frame{
		Type:    rendezvous.FrameRegister,
		PK:      c.ownPK,
		Session: c.sessionID,
		Sig:     base64.RawURLEncoding.EncodeToString(sig),
	}
	if err := writeFrame(rctx, conn, reg); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	var ack rendezvous.Frame
	if err := readFrame(rctx, conn, &ack); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("registration rejected: %w", err)
	}
	if ack.Type != rendezvous.FrameRegistered {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected registered, got %q", ack.Type)
	}

	return newRelayConn(conn, c.logger), nil
}

// relayConn is one registered relay connection with its own writer.
type relayConn struct {
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger logrus.FieldLogger
}

func newRelayConn(conn *websocket.Conn, logger logrus.FieldLogger) *relayConn {
	ctx, cancel := context.WithCancel(context.Background())
	rc := &relayConn{
		conn:   conn,
		out:    make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	go rc.writeLoop()
	return rc
}

func (rc *relayConn) writeLoop() {
	for {
		select {
		case <-rc.ctx.Done():
			return
		case data := <-rc.out:
			ctx, cancel := context.WithTimeout(rc.ctx, 10*time.Second)
			err := rc.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				rc.logger.WithError(err).Debug("relay write failed")
				rc.close()
				return
			}
		}
	}
}

func (rc *relayConn) send(f rendezvous.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	select {
	case rc.out <- data:
		return nil
	case <-rc.ctx.Done():
		return fmt.Errorf("%w: relay connection closed", syncerr.ErrTransport)
	}
}

func (rc *relayConn) read(f *rendezvous.Frame) error {
	return readFrame(rc.ctx, rc.conn, f)
}

func (rc *relayConn) close() {
	rc.once.Do(func() {
		rc.cancel()
		_ = rc.conn.Close(websocket.StatusNormalClosure, "")
	})
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f rendezvous.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, conn *websocket.Conn, f *rendezvous.Frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	return nil
}

var errNotAuthenticated = errors.New("peer not authenticated")
