package rendezvous

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/plotsync/plotsync/internal/identity"
)

// Server routes envelopes between registered device sessions.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// Registered sessions, by public key then session id.
	clients   map[string]map[string]*client
	watchers  map[string]map[*client]struct{}
	clientsMu sync.RWMutex

	registerTimeout time.Duration
	metrics         *Metrics
	registry        *prometheus.Registry

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logrus.FieldLogger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// RegisterTimeout bounds the challenge/register exchange (default: 10s)
	RegisterTimeout time.Duration

	// Logger for relay activity (default: logrus standard logger)
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8787",
		RegisterTimeout: 10 * time.Second,
		Logger:          logrus.StandardLogger(),
	}
}

// client is one registered WebSocket connection.
type client struct {
	conn    *websocket.Conn
	pk      string
	session string
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	// watching is the key set of the latest watch frame (clientsMu).
	watching map[string]struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewServer creates a relay server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = defaults.RegisterTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := prometheus.NewRegistry()

	return &Server{
		addr:            config.Addr,
		clients:         make(map[string]map[string]*client),
		watchers:        make(map[string]map[*client]struct{}),
		registerTimeout: config.RegisterTimeout,
		metrics:         NewMetrics(registry),
		registry:        registry,
		ctx:             ctx,
		cancel:          cancel,
		logger:          config.Logger.WithField("component", "relay"),
	}
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", ln.Addr().String()).Info("relay listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("relay server error")
		}
	}()

	return nil
}

// Stop closes every session and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping relay")
	s.cancel()

	s.clientsMu.RLock()
	var all []*client
	for _, sessions := range s.clients {
		for _, c := range sessions {
			all = append(all, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range all {
		c.close()
		_ = c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("relay shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("relay stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	n := 0
	for _, sessions := range s.clients {
		n += len(sessions)
	}
	return n
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	c, err := s.register(conn)
	if err != nil {
		s.metrics.Registrations.WithLabelValues("rejected").Inc()
		s.logger.WithError(err).Debug("registration rejected")
		_ = conn.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}
	s.metrics.Registrations.WithLabelValues("ok").Inc()

	go s.writeLoop(c)

	s.readLoop(c)
	s.removeClient(c)
}

// register runs the challenge/response exchange and adds the client.
func (s *Server) register(conn *websocket.Conn) (*client, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.registerTimeout)
	defer cancel()

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}
	challenge := base64.RawURLEncoding.EncodeToString(nonce)
	if err := writeFrame(ctx, conn, Frame{Type: FrameChallenge, Nonce: challenge}); err != nil {
		return nil, err
	}

	var reg Frame
	if err := readFrame(ctx, conn, &reg); err != nil {
		return nil, err
	}
	if reg.Type != FrameRegister || reg.PK == "" || reg.Session == "" {
		return nil, fmt.Errorf("expected register frame, got %q", reg.Type)
	}
	sig, err := base64.RawURLEncoding.DecodeString(reg.Sig)
	if err != nil || !identity.Verify(reg.PK, RegisterMessage(challenge, reg.Session), sig) {
		return nil, fmt.Errorf("bad registration signature for %s", reg.PK)
	}

	c := &client{
		conn:    conn,
		pk:      reg.PK,
		session: reg.Session,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	s.clientsMu.Lock()
	sessions, ok := s.clients[c.pk]
	if !ok {
		sessions = make(map[string]*client)
		s.clients[c.pk] = sessions
	}
	old := sessions[c.session]
	sessions[c.session] = c
	s.clientsMu.Unlock()

	if old != nil {
		// Same session reconnected; the old socket is stale.
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by new connection")
		old.close()
	} else {
		s.metrics.Sessions.Inc()
	}

	// The ack goes out before writeLoop starts, so it precedes any
	// envelope already queued for this session.
	if err := writeFrame(ctx, conn, Frame{Type: FrameRegistered, PK: c.pk, Session: c.session}); err != nil {
		s.removeClient(c)
		return nil, err
	}

	s.logger.WithField("peer", c.pk).WithField("session", c.session).Debug("session registered")
	s.notifyPresence(c, true)
	return c, nil
}

// readLoop handles frames from a registered client until it disconnects.
func (s *Server) readLoop(c *client) {
	for {
		var f Frame
		if err := readFrame(s.ctx, c.conn, &f); err != nil {
			return
		}

		switch f.Type {
		case FrameWatch:
			s.watch(c, f.PKs)
		case FrameEnvelope:
			if f.Envelope != nil {
				s.route(c, *f.Envelope)
			}
		default:
			s.enqueue(c, Frame{Type: FrameError, Error: fmt.Sprintf("unexpected frame %q", f.Type)})
		}
	}
}

// writeLoop serializes writes to one client.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case <-s.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.WithError(err).WithField("peer", c.pk).Debug("write failed")
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) enqueue(c *client, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.WithError(err).Warn("failed to marshal frame")
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		s.logger.WithField("peer", c.pk).Warn("send buffer full, dropping frame")
		return false
	}
}

// route forwards env to its target sessions with a verified sender.
func (s *Server) route(from *client, env Envelope) {
	env.From = from.pk
	env.FromSession = from.session

	s.clientsMu.RLock()
	var targets []*client
	for id, c := range s.clients[env.To] {
		if env.ToSession == "" || env.ToSession == id {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	if len(targets) == 0 {
		s.metrics.Envelopes.WithLabelValues("undeliverable").Inc()
		s.enqueue(from, Frame{Type: FrameUndeliverable, PK: env.To, Session: env.ToSession})
		return
	}
	for _, c := range targets {
		if s.enqueue(c, Frame{Type: FrameEnvelope, Envelope: &env}) {
			s.metrics.Envelopes.WithLabelValues("delivered").Inc()
		} else {
			s.metrics.Envelopes.WithLabelValues("dropped").Inc()
		}
	}
}

// watch replaces c's presence subscriptions with pks and reports who of
// them is online now.
func (s *Server) watch(c *client, pks []string) {
	next := make(map[string]struct{}, len(pks))
	for _, pk := range pks {
		next[pk] = struct{}{}
	}

	var online []Frame
	s.clientsMu.Lock()
	for pk := range c.watching {
		if _, keep := next[pk]; !keep {
			s.unwatchLocked(c, pk)
		}
	}
	c.watching = next
	for pk := range next {
		set, ok := s.watchers[pk]
		if !ok {
			set = make(map[*client]struct{})
			s.watchers[pk] = set
		}
		set[c] = struct{}{}
		for id := range s.clients[pk] {
			online = append(online, Frame{Type: FramePresence, PK: pk, Session: id, Online: true})
		}
	}
	s.clientsMu.Unlock()

	for _, f := range online {
		s.enqueue(c, f)
	}
}

func (s *Server) unwatchLocked(c *client, pk string) {
	set := s.watchers[pk]
	delete(set, c)
	if len(set) == 0 {
		delete(s.watchers, pk)
	}
}

func (s *Server) notifyPresence(c *client, online bool) {
	s.clientsMu.RLock()
	var targets []*client
	for w := range s.watchers[c.pk] {
		if w != c {
			targets = append(targets, w)
		}
	}
	s.clientsMu.RUnlock()

	for _, w := range targets {
		s.enqueue(w, Frame{Type: FramePresence, PK: c.pk, Session: c.session, Online: online})
	}
}

// removeClient unregisters c if it is still the current connection for
// its session.
func (s *Server) removeClient(c *client) {
	c.close()

	s.clientsMu.Lock()
	for pk := range c.watching {
		s.unwatchLocked(c, pk)
	}
	c.watching = nil
	current := false
	if sessions, ok := s.clients[c.pk]; ok && sessions[c.session] == c {
		delete(sessions, c.session)
		if len(sessions) == 0 {
			delete(s.clients, c.pk)
		}
		current = true
	}
	s.clientsMu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	if current {
		s.metrics.Sessions.Dec()
		s.notifyPresence(c, false)
		s.logger.WithField("peer", c.pk).WithField("session", c.session).Debug("session disconnected")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>plotsync relay</title>
</head>
<body>
    <h1>plotsync relay</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a> &middot; Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, conn *websocket.Conn, f *Frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	return nil
}
