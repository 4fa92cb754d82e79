package rendezvous

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotsync/plotsync/internal/identity"
)

type testRelay struct {
	srv *Server
	ts  *httptest.Server
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	logger, _ := test.NewNullLogger()
	srv := NewServer(&Config{Logger: logger, RegisterTimeout: 2 * time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})
	return &testRelay{srv: srv, ts: ts}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
	pk   string
}

func newKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return identity.EncodePublicKey(pub), priv
}

func dialRaw(t *testing.T, r *testRelay) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, r.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// connect dials and registers a fresh key under session.
func connect(t *testing.T, r *testRelay, session string) *testConn {
	t.Helper()
	pk, priv := newKey(t)
	return register(t, r, pk, priv, session)
}

func register(t *testing.T, r *testRelay, pk string, priv ed25519.PrivateKey, session string) *testConn {
	t.Helper()
	tc := &testConn{t: t, conn: dialRaw(t, r), pk: pk}

	challenge := tc.read()
	require.Equal(t, FrameChallenge, challenge.Type)
	require.NotEmpty(t, challenge.Nonce)

	sig := ed25519.Sign(priv, RegisterMessage(challenge.Nonce, session))
	tc.write(Frame{Type: FrameRegister, PK: pk, Session: session, Sig: base64.RawURLEncoding.EncodeToString(sig)})

	ack := tc.read()
	require.Equal(t, FrameRegistered, ack.Type)
	require.Equal(t, session, ack.Session)
	return tc
}

func (tc *testConn) write(f Frame) {
	tc.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(tc.t, writeFrame(ctx, tc.conn, f))
}

func (tc *testConn) read() Frame {
	tc.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	require.NoError(tc.t, readFrame(ctx, tc.conn, &f))
	return f
}

func (tc *testConn) sendTo(pk, session, typ string, payload string) {
	tc.write(Frame{Type: FrameEnvelope, Envelope: &Envelope{
		Type:      typ,
		To:        pk,
		ToSession: session,
		Payload:   json.RawMessage(payload),
	}})
}

func TestRegisterAndRoute(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, "a1")
	b := connect(t, r, "b1")
	assert.Equal(t, 2, r.srv.SessionCount())

	// A forged sender is overwritten by the relay.
	a.write(Frame{Type: FrameEnvelope, Envelope: &Envelope{
		Type:    "sync",
		From:    b.pk,
		To:      b.pk,
		Payload: json.RawMessage(`{"n":1}`),
	}})

	f := b.read()
	require.Equal(t, FrameEnvelope, f.Type)
	require.NotNil(t, f.Envelope)
	assert.Equal(t, a.pk, f.Envelope.From)
	assert.Equal(t, "a1", f.Envelope.FromSession)
	assert.Equal(t, "sync", f.Envelope.Type)
	assert.JSONEq(t, `{"n":1}`, string(f.Envelope.Payload))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.srv.metrics.Envelopes.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.srv.metrics.Registrations.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.srv.metrics.Sessions))
}

func TestRouteToSession(t *testing.T) {
	r := startRelay(t)
	pk, priv := newKey(t)
	b1 := register(t, r, pk, priv, "b1")
	b2 := register(t, r, pk, priv, "b2")
	a := connect(t, r, "a1")

	a.sendTo(pk, "b2", "sync", `1`)
	f := b2.read()
	require.NotNil(t, f.Envelope)
	assert.Equal(t, "b2", f.Envelope.ToSession)

	// Fan-out when no session is named.
	a.sendTo(pk, "", "sync", `2`)
	assert.JSONEq(t, `2`, string(b1.read().Envelope.Payload))
	assert.JSONEq(t, `2`, string(b2.read().Envelope.Payload))
}

func TestUndeliverable(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, "a1")
	offline, _ := newKey(t)

	a.sendTo(offline, "", "hello", `{}`)
	f := a.read()
	assert.Equal(t, FrameUndeliverable, f.Type)
	assert.Equal(t, offline, f.PK)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.srv.metrics.Envelopes.WithLabelValues("undeliverable")))
}

func TestRejectsBadSignature(t *testing.T) {
	r := startRelay(t)
	pk, _ := newKey(t)
	_, otherPriv := newKey(t)

	conn := dialRaw(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var challenge Frame
	require.NoError(t, readFrame(ctx, conn, &challenge))
	sig := ed25519.Sign(otherPriv, RegisterMessage(challenge.Nonce, "s1"))
	require.NoError(t, writeFrame(ctx, conn, Frame{
		Type:    FrameRegister,
		PK:      pk,
		Session: "s1",
		Sig:     base64.RawURLEncoding.EncodeToString(sig),
	}))

	var f Frame
	err := readFrame(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Equal(t, 0, r.srv.SessionCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.srv.metrics.Registrations.WithLabelValues("rejected")))
}

func TestRejectsSignatureForOtherSession(t *testing.T) {
	r := startRelay(t)
	pk, priv := newKey(t)

	conn := dialRaw(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var challenge Frame
	require.NoError(t, readFrame(ctx, conn, &challenge))
	sig := ed25519.Sign(priv, RegisterMessage(challenge.Nonce, "s1"))
	require.NoError(t, writeFrame(ctx, conn, Frame{
		Type:    FrameRegister,
		PK:      pk,
		Session: "s2",
		Sig:     base64.RawURLEncoding.EncodeToString(sig),
	}))

	var f Frame
	assert.Error(t, readFrame(ctx, conn, &f))
}

func TestPresence(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, "a1")
	bpk, bpriv := newKey(t)

	a.write(Frame{Type: FrameWatch, PKs: []string{bpk}})
	// Give the relay time to record the watch before B registers.
	require.Eventually(t, func() bool {
		r.srv.clientsMu.RLock()
		defer r.srv.clientsMu.RUnlock()
		return len(r.srv.watchers[bpk]) == 1
	}, 5*time.Second, 10*time.Millisecond)

	b := register(t, r, bpk, bpriv, "b1")
	f := a.read()
	assert.Equal(t, FramePresence, f.Type)
	assert.Equal(t, bpk, f.PK)
	assert.Equal(t, "b1", f.Session)
	assert.True(t, f.Online)

	_ = b.conn.Close(websocket.StatusNormalClosure, "")
	f = a.read()
	assert.Equal(t, FramePresence, f.Type)
	assert.False(t, f.Online)
	assert.Eventually(t, func() bool { return r.srv.SessionCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatchReportsOnlineSessions(t *testing.T) {
	r := startRelay(t)
	b := connect(t, r, "b1")
	a := connect(t, r, "a1")

	a.write(Frame{Type: FrameWatch, PKs: []string{b.pk}})
	f := a.read()
	assert.Equal(t, FramePresence, f.Type)
	assert.Equal(t, b.pk, f.PK)
	assert.True(t, f.Online)
}

func TestWatchReplacesPreviousSet(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, "a1")
	bpk, bpriv := newKey(t)
	cpk, cpriv := newKey(t)

	watching := func(pk string) bool {
		r.srv.clientsMu.RLock()
		defer r.srv.clientsMu.RUnlock()
		return len(r.srv.watchers[pk]) == 1
	}

	a.write(Frame{Type: FrameWatch, PKs: []string{bpk, cpk}})
	require.Eventually(t, func() bool { return watching(bpk) && watching(cpk) }, 5*time.Second, 10*time.Millisecond)

	a.write(Frame{Type: FrameWatch, PKs: []string{cpk}})
	require.Eventually(t, func() bool { return !watching(bpk) }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, watching(cpk))

	register(t, r, bpk, bpriv, "b1")
	register(t, r, cpk, cpriv, "c1")
	f := a.read()
	assert.Equal(t, FramePresence, f.Type)
	assert.Equal(t, cpk, f.PK)

	r.srv.clientsMu.RLock()
	_, kept := r.srv.watchers[bpk]
	r.srv.clientsMu.RUnlock()
	assert.False(t, kept)
}

func TestUnexpectedFrame(t *testing.T) {
	r := startRelay(t)
	a := connect(t, r, "a1")
	a.write(Frame{Type: FrameChallenge})
	f := a.read()
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Error, "unexpected frame")
}

func TestSameSessionReplacesConnection(t *testing.T) {
	r := startRelay(t)
	pk, priv := newKey(t)
	old := register(t, r, pk, priv, "s1")
	fresh := register(t, r, pk, priv, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	assert.Error(t, readFrame(ctx, old.conn, &f))
	assert.Equal(t, 1, r.srv.SessionCount())

	a := connect(t, r, "a1")
	a.sendTo(pk, "s1", "sync", `1`)
	assert.Equal(t, FrameEnvelope, fresh.read().Type)
}

func TestHealthAndMetrics(t *testing.T) {
	r := startRelay(t)
	connect(t, r, "a1")

	resp, err := http.Get(r.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 1.0, health["sessions"])

	resp, err = http.Get(r.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plotsync_relay_sessions 1")
	assert.Contains(t, string(body), `plotsync_relay_registrations_total{result="ok"} 1`)

	resp, err = http.Get(r.ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv := NewServer(&Config{Addr: "127.0.0.1:0", Logger: logger})
	require.NoError(t, srv.Start())
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}
