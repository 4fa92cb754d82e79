package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/syncerr"
)

type memTrust struct {
	mu      sync.Mutex
	devices map[string]store.PairedDevice
}

func newMemTrust() *memTrust {
	return &memTrust{devices: make(map[string]store.PairedDevice)}
}

func (m *memTrust) UpsertPairedDevice(_ context.Context, dev store.PairedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.PublicKey] = dev
	return nil
}

func (m *memTrust) has(pk string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[pk]
	return ok
}

func newIdentity(t *testing.T, name string) *identity.DeviceIdentity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &identity.DeviceIdentity{PublicKey: pub, PrivateKey: priv, DeviceName: name, CreatedAt: time.Now()}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFlow(t *testing.T, trust TrustStore, c *clock) *Flow {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f, err := NewFlow(Config{Store: trust, Logger: logger, Now: c.Now})
	require.NoError(t, err)
	return f
}

func TestDeriveCodeDeterministic(t *testing.T) {
	id := newIdentity(t, "a")
	c1, err := DeriveCode(id.ID())
	require.NoError(t, err)
	c2, err := DeriveCode(id.ID())
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Regexp(t, `^[0-9A-HJKMNP-TV-Z]{4}-[0-9A-HJKMNP-TV-Z]{4}$`, c1)
	assert.True(t, CodesEqual(c1, strings.ToLower(strings.ReplaceAll(c1, "-", ""))))

	other, err := DeriveCode(newIdentity(t, "b").ID())
	require.NoError(t, err)
	assert.NotEqual(t, c1, other)

	_, err = DeriveCode("not-a-key")
	assert.Error(t, err)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "0110ABCD", NormalizeCode("oIl0-abcd"))
	assert.False(t, CodesEqual("AAAA-AAAA", "AAAA-AAAB"))
}

func TestPayloadRoundTrip(t *testing.T) {
	id := newIdentity(t, "garden-shed")
	now := time.UnixMilli(1_000_000)
	p, err := NewPayload(id, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(RefreshInterval).UnixMilli(), p.Exp)

	text, err := p.Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, PayloadPrefix))

	got, err := DecodePayload(text)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	require.NoError(t, got.Validate(now))

	bare, err := DecodePayload(`{"pk":"` + p.PK + `","name":"x","code":"` + p.Code + `"}`)
	require.NoError(t, err)
	assert.NoError(t, bare.Validate(now.Add(time.Hour)), "payload without exp never expires")

	_, err = DecodePayload("hello")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = DecodePayload(PayloadPrefix + "!!!")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPayloadValidate(t *testing.T) {
	id := newIdentity(t, "a")
	now := time.UnixMilli(1_000_000)
	p, err := NewPayload(id, now)
	require.NoError(t, err)

	expired := p
	assert.ErrorIs(t, expired.Validate(now.Add(RefreshInterval+time.Millisecond)), ErrPayloadExpired)

	tampered := p
	tampered.Code = "0000-0000"
	assert.ErrorIs(t, tampered.Validate(now), syncerr.ErrPairingMismatch)
}

// Device A shows, device B scans and confirms, then A completes through
// B's signed confirmation.
func codeOf(t *testing.T, id *identity.DeviceIdentity) string {
	t.Helper()
	code, err := DeriveCode(id.ID())
	require.NoError(t, err)
	return code
}

func TestPairingScenario(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.UnixMilli(5_000_000)}
	a, b := newIdentity(t, "a"), newIdentity(t, "b")
	trustA, trustB := newMemTrust(), newMemTrust()
	flowA, flowB := newFlow(t, trustA, c), newFlow(t, trustB, c)

	var shown []Payload
	disp := NewDisplayer(flowA, a, func(p Payload) { shown = append(shown, p) })
	p, err := disp.Start(ctx)
	require.NoError(t, err)
	defer disp.Stop()
	assert.Equal(t, StateShowQR, flowA.State())
	require.Len(t, shown, 1)

	text, err := p.Encode()
	require.NoError(t, err)
	require.NoError(t, flowB.StartScan())
	scanned, err := flowB.Scan(text)
	require.NoError(t, err)
	assert.Equal(t, "a", scanned.Name)
	assert.Equal(t, StateConfirm, flowB.State())

	_, err = flowB.Confirm(ctx, "ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
	assert.Equal(t, StateConfirm, flowB.State())
	assert.False(t, trustB.has(a.ID()))

	dev, err := flowB.Confirm(ctx, strings.ToLower(p.Code))
	require.NoError(t, err)
	assert.Equal(t, a.ID(), dev.PublicKey)
	assert.Equal(t, StateSuccess, flowB.State())
	assert.True(t, trustB.has(a.ID()))

	confirm := NewConfirm(b, scanned)
	devB, reply, err := disp.HandleConfirm(ctx, confirm, codeOf(t, b))
	require.NoError(t, err)
	assert.Equal(t, b.ID(), devB.PublicKey)
	assert.Equal(t, "b", devB.DeviceName)
	assert.Equal(t, a.ID(), reply.PK)
	assert.True(t, trustA.has(b.ID()))
	assert.Equal(t, StateSuccess, flowA.State())
}

func TestHandleConfirmRejects(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.UnixMilli(5_000_000)}
	a, b, mallory := newIdentity(t, "a"), newIdentity(t, "b"), newIdentity(t, "m")
	trustA := newMemTrust()
	flowA := newFlow(t, trustA, c)
	disp := NewDisplayer(flowA, a, nil)

	p, err := flowA.Show(a)
	require.NoError(t, err)

	t.Run("forged signature", func(t *testing.T) {
		msg := NewConfirm(b, p)
		msg.Scanner = mallory.ID()
		_, _, err := disp.HandleConfirm(ctx, msg, codeOf(t, mallory))
		assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
	})

	t.Run("wrong code", func(t *testing.T) {
		other := p
		other.Code = "AAAA-AAAA"
		_, _, err := disp.HandleConfirm(ctx, NewConfirm(b, other), codeOf(t, b))
		assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
	})

	t.Run("other displayer", func(t *testing.T) {
		other, err := NewPayload(mallory, c.Now())
		require.NoError(t, err)
		_, _, err = disp.HandleConfirm(ctx, NewConfirm(b, other), codeOf(t, b))
		assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
	})

	t.Run("bystander who saw the payload", func(t *testing.T) {
		// mallory signs a valid confirmation, but the user types the code
		// shown on the real scanning device.
		_, _, err := disp.HandleConfirm(ctx, NewConfirm(mallory, p), codeOf(t, b))
		assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
		assert.False(t, trustA.has(mallory.ID()))
		assert.Equal(t, StateShowQR, flowA.State())
	})

	t.Run("no scanner code", func(t *testing.T) {
		_, _, err := disp.HandleConfirm(ctx, NewConfirm(mallory, p), "")
		assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
		assert.False(t, trustA.has(mallory.ID()))
	})

	t.Run("previous payload still accepted", func(t *testing.T) {
		c.Advance(time.Minute)
		_, err := flowA.Refresh()
		require.NoError(t, err)
		_, _, err = disp.HandleConfirm(ctx, NewConfirm(b, p), codeOf(t, b))
		require.NoError(t, err)
		assert.True(t, trustA.has(b.ID()))
	})

	t.Run("not showing", func(t *testing.T) {
		_, _, err := disp.HandleConfirm(ctx, NewConfirm(b, p), codeOf(t, b))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestHandleConfirmExpired(t *testing.T) {
	c := &clock{now: time.UnixMilli(5_000_000)}
	a, b := newIdentity(t, "a"), newIdentity(t, "b")
	flowA := newFlow(t, newMemTrust(), c)
	disp := NewDisplayer(flowA, a, nil)

	p, err := flowA.Show(a)
	require.NoError(t, err)
	c.Advance(RefreshInterval + time.Second)

	_, _, err = disp.HandleConfirm(context.Background(), NewConfirm(b, p), codeOf(t, b))
	assert.ErrorIs(t, err, syncerr.ErrPairingMismatch)
}

func TestScanRejectsExpired(t *testing.T) {
	c := &clock{now: time.UnixMilli(5_000_000)}
	p, err := NewPayload(newIdentity(t, "a"), c.Now())
	require.NoError(t, err)
	text, err := p.Encode()
	require.NoError(t, err)

	c.Advance(RefreshInterval + time.Second)
	f := newFlow(t, newMemTrust(), c)
	_, err = f.Scan(text)
	assert.ErrorIs(t, err, ErrPayloadExpired)
	assert.Equal(t, StateScanQR, f.State())
}

func TestTransitions(t *testing.T) {
	c := &clock{now: time.UnixMilli(5_000_000)}
	f := newFlow(t, newMemTrust(), c)

	_, err := f.Refresh()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.Confirm(context.Background(), "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.Show(newIdentity(t, "a"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.StartScan(), ErrInvalidTransition)

	f.Abandon()
	assert.Equal(t, StateChoose, f.State())
	require.NoError(t, f.StartScan())
	_, ok := f.Scanned()
	assert.False(t, ok)

	_, err = NewFlow(Config{})
	assert.Error(t, err)
}

func TestDisplayerRefreshes(t *testing.T) {
	c := &clock{now: time.UnixMilli(5_000_000)}
	f := newFlow(t, newMemTrust(), c)

	shown := make(chan Payload, 8)
	d := NewDisplayer(f, newIdentity(t, "a"), func(p Payload) { shown <- p })
	d.interval = 10 * time.Millisecond

	first, err := d.Start(context.Background())
	require.NoError(t, err)
	<-shown

	c.Advance(time.Second)
	select {
	case p := <-shown:
		assert.GreaterOrEqual(t, p.Exp, first.Exp)
		assert.Equal(t, first.Code, p.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("payload was not refreshed")
	}

	d.Stop()
	assert.Equal(t, StateShowQR, f.State())
}
