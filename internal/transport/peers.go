package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/lww"
	"github.com/plotsync/plotsync/internal/pairing"
	"github.com/plotsync/plotsync/internal/rendezvous"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// peer is the channel state for one paired public key.
type peer struct {
	pk        string
	session   string
	state     PeerState
	initiator bool
	nonce     string
	caps      []string
	announced bool
	timer     *time.Timer
	gen       uint64
}

// RefreshPeers re-reads the paired list. New peers that are online are
// connected; channels to devices no longer paired are closed.
func (c *Client) RefreshPeers(ctx context.Context) error {
	devices, err := c.peerStore.ListPairedDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list paired devices: %w", err)
	}
	paired := make(map[string]bool, len(devices))
	pks := make([]string, 0, len(devices))
	for _, d := range devices {
		paired[d.PublicKey] = true
		pks = append(pks, d.PublicKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for pk, p := range c.peers {
		if paired[pk] {
			continue
		}
		if p.state != PeerDisconnected && c.relay != nil {
			_ = c.sendLocked(pk, p.session, msgBye, nil)
		}
		c.peerDown(p, nil)
		delete(c.peers, pk)
		c.logger.WithField("peer", pk).Info("peer unpaired")
	}
	for _, pk := range pks {
		if _, ok := c.peers[pk]; !ok {
			c.peers[pk] = &peer{pk: pk, state: PeerDisconnected}
		}
	}

	if c.relay == nil || !c.acceptPeers {
		return nil
	}
	if err := c.relay.send(rendezvous.Frame{Type: rendezvous.FrameWatch, PKs: pks}); err != nil {
		return err
	}
	for _, pk := range pks {
		if p := c.peers[pk]; p.state == PeerDisconnected && len(c.presence[pk]) > 0 {
			c.connectLocked(p)
		}
	}
	return nil
}

// ConnectToPeer opens a channel to a paired device unless one is already
// open or being opened.
func (c *Client) ConnectToPeer(pk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.relay == nil {
		return fmt.Errorf("%w: not connected to relay", syncerr.ErrTransport)
	}
	p, ok := c.peers[pk]
	if !ok {
		return fmt.Errorf("%s is not a paired device", pk)
	}
	c.connectLocked(p)
	return nil
}

func (c *Client) connectLocked(p *peer) {
	if p.state != PeerDisconnected || !c.acceptPeers {
		return
	}
	nonce, err := newNonce()
	if err != nil {
		c.emit(Event{Kind: EventError, Peer: p.pk, Err: err})
		return
	}
	p.initiator = true
	p.nonce = nonce
	p.session = c.latestSession(p.pk)
	p.state = PeerConnecting
	c.startTimer(p)

	if err := c.sendLocked(p.pk, p.session, msgHello, helloPayload{Nonce: nonce, Caps: c.caps}); err != nil {
		c.peerDown(p, err)
	}
}

// latestSession picks a known online session of pk, or "" to address all.
func (c *Client) latestSession(pk string) string {
	sessions := make([]string, 0, len(c.presence[pk]))
	for s := range c.presence[pk] {
		sessions = append(sessions, s)
	}
	if len(sessions) != 1 {
		return ""
	}
	return sessions[0]
}

// Send delivers a document payload to an authenticated peer.
func (c *Client) Send(pk string, data []byte) error {
	return c.sendAuthenticated(pk, msgSync, syncPayload{Data: data})
}

// SendFullState delivers a legacy full-state payload to an authenticated
// peer.
func (c *Client) SendFullState(pk string, payload lww.Payload) error {
	return c.sendAuthenticated(pk, msgFullState, payload)
}

func (c *Client) sendAuthenticated(pk, typ string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[pk]
	if !ok || p.state != PeerAuthenticated || c.relay == nil {
		return fmt.Errorf("%w: %s: %v", syncerr.ErrTransport, pk, errNotAuthenticated)
	}
	return c.sendLocked(pk, p.session, typ, v)
}

// SendPairing sends a pairing message. Pairing happens before trust, so no
// channel is required. An empty session addresses every session of pk.
func (c *Client) SendPairing(pk, session, typ string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.relay == nil {
		return fmt.Errorf("%w: not connected to relay", syncerr.ErrTransport)
	}
	return c.sendLocked(pk, session, typ, v)
}

// AuthenticatedPeers returns the public keys of authenticated peers.
func (c *Client) AuthenticatedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for pk, p := range c.peers {
		if p.state == PeerAuthenticated {
			out = append(out, pk)
		}
	}
	sort.Strings(out)
	return out
}

// PeerCaps returns the capabilities an authenticated peer advertised.
func (c *Client) PeerCaps(pk string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[pk]; ok && p.state == PeerAuthenticated {
		return append([]string(nil), p.caps...)
	}
	return nil
}

func (c *Client) sendLocked(pk, session, typ string, v any) error {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", typ, err)
		}
		raw = b
	}
	return c.relay.send(rendezvous.Frame{
		Type: rendezvous.FrameEnvelope,
		Envelope: &rendezvous.Envelope{
			Type:      typ,
			To:        pk,
			ToSession: session,
			Payload:   raw,
		},
	})
}

func (c *Client) handleFrame(f rendezvous.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case rendezvous.FramePresence:
		c.handlePresence(f)
	case rendezvous.FrameEnvelope:
		if f.Envelope != nil {
			c.handleEnvelope(*f.Envelope)
		}
	case rendezvous.FrameUndeliverable:
		if p, ok := c.peers[f.PK]; ok && p.state != PeerDisconnected && (f.Session == "" || f.Session == p.session) {
			c.logger.WithField("peer", f.PK).Debug("peer offline")
			c.peerDown(p, nil)
		}
	case rendezvous.FrameError:
		c.logger.WithField("error", f.Error).Warn("relay reported an error")
	}
}

func (c *Client) handlePresence(f rendezvous.Frame) {
	sessions, ok := c.presence[f.PK]
	if !ok {
		sessions = make(map[string]struct{})
		c.presence[f.PK] = sessions
	}
	p, known := c.peers[f.PK]

	if f.Online {
		sessions[f.Session] = struct{}{}
		if known {
			c.connectLocked(p)
		}
		return
	}

	delete(sessions, f.Session)
	if known && p.state != PeerDisconnected && (p.session == f.Session || len(sessions) == 0) {
		c.peerDown(p, nil)
	}
}

func (c *Client) handleEnvelope(env rendezvous.Envelope) {
	log := c.logger.WithField("peer", env.From).WithField("type", env.Type)
	p := c.peers[env.From]

	switch env.Type {
	case msgHello:
		var hello helloPayload
		if err := json.Unmarshal(env.Payload, &hello); err != nil || hello.Nonce == "" {
			log.Debug("malformed hello")
			return
		}
		c.handleHello(p, env, hello)

	case msgHelloAck:
		var ack helloPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			log.Debug("malformed hello-ack")
			return
		}
		c.handleHelloAck(p, env, ack)

	case msgAuth:
		var auth authPayload
		if err := json.Unmarshal(env.Payload, &auth); err != nil {
			log.Debug("malformed auth")
			return
		}
		c.handleAuth(p, env, auth)

	case msgSync:
		if !c.fromChannel(p, env) {
			log.Debug("dropping sync from unauthenticated peer")
			return
		}
		var msg syncPayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.WithError(err).Warn("malformed sync message")
			return
		}
		c.emit(Event{Kind: EventSyncMessage, Peer: p.pk, Session: p.session, Data: msg.Data})

	case msgFullState:
		if !c.fromChannel(p, env) {
			log.Debug("dropping full state from unauthenticated peer")
			return
		}
		var payload lww.Payload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.WithError(err).Warn("malformed full state")
			return
		}
		c.emit(Event{Kind: EventFullStateSync, Peer: p.pk, Session: p.session, FullState: &payload})

	case msgBye:
		if p != nil && p.state != PeerDisconnected && p.session == env.FromSession {
			c.peerDown(p, nil)
		}

	case pairing.MessageConfirm, pairing.MessageAccepted:
		c.emit(Event{
			Kind:        EventPairRequest,
			Peer:        env.From,
			Session:     env.FromSession,
			MessageType: env.Type,
			Data:        append([]byte(nil), env.Payload...),
		})

	default:
		log.Debug("ignoring unknown envelope")
	}
}

func (c *Client) handleHello(p *peer, env rendezvous.Envelope, hello helloPayload) {
	log := c.logger.WithField("peer", env.From)
	if !c.acceptPeers {
		return
	}
	if p == nil {
		log.Debug("ignoring hello from unpaired device")
		return
	}
	if p.state == PeerConnecting && p.initiator && c.ownPK < env.From {
		// Both sides dialed; the smaller key keeps the initiator role.
		return
	}
	if p.state != PeerDisconnected {
		c.peerDown(p, nil)
	}

	nonce, err := newNonce()
	if err != nil {
		c.emit(Event{Kind: EventError, Peer: p.pk, Err: err})
		return
	}
	p.initiator = false
	p.session = env.FromSession
	p.nonce = nonce
	p.caps = hello.Caps
	p.state = PeerConnected
	p.announced = true
	c.startTimer(p)
	c.emit(Event{Kind: EventPeerConnected, Peer: p.pk, Session: p.session})

	sig := c.id.Sign(authMessage(hello.Nonce, env.From, c.ownPK))
	ack := helloPayload{Nonce: nonce, Caps: c.caps, Sig: base64.RawURLEncoding.EncodeToString(sig)}
	if err := c.sendLocked(p.pk, p.session, msgHelloAck, ack); err != nil {
		c.peerDown(p, err)
	}
}

func (c *Client) handleHelloAck(p *peer, env rendezvous.Envelope, ack helloPayload) {
	if p == nil || p.state != PeerConnecting || !p.initiator {
		return
	}
	if p.session != "" && p.session != env.FromSession {
		return
	}
	if !c.verify(env.From, authMessage(p.nonce, c.ownPK, env.From), ack.Sig) {
		c.logger.WithField("peer", env.From).Warn("peer failed to prove its key")
		return
	}

	p.session = env.FromSession
	p.caps = ack.Caps
	p.state = PeerConnected
	p.announced = true
	c.emit(Event{Kind: EventPeerConnected, Peer: p.pk, Session: p.session})

	sig := c.id.Sign(authMessage(ack.Nonce, env.From, c.ownPK))
	if err := c.sendLocked(p.pk, p.session, msgAuth, authPayload{Sig: base64.RawURLEncoding.EncodeToString(sig)}); err != nil {
		c.peerDown(p, err)
		return
	}
	c.authenticated(p)
}

func (c *Client) handleAuth(p *peer, env rendezvous.Envelope, auth authPayload) {
	if p == nil || p.state != PeerConnected || p.initiator || p.session != env.FromSession {
		return
	}
	if !c.verify(env.From, authMessage(p.nonce, c.ownPK, env.From), auth.Sig) {
		c.logger.WithField("peer", env.From).Warn("peer failed to prove its key")
		c.peerDown(p, fmt.Errorf("%w: bad handshake signature from %s", syncerr.ErrTransport, env.From))
		return
	}
	c.authenticated(p)
}

func (c *Client) authenticated(p *peer) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.state = PeerAuthenticated
	c.logger.WithField("peer", p.pk).WithField("caps", p.caps).Info("peer authenticated")
	c.emit(Event{Kind: EventPeerAuthenticated, Peer: p.pk, Session: p.session, Caps: append([]string(nil), p.caps...)})
}

func (c *Client) fromChannel(p *peer, env rendezvous.Envelope) bool {
	return p != nil && p.state == PeerAuthenticated && p.session == env.FromSession
}

func (c *Client) verify(pk string, msg []byte, sig string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return identity.Verify(pk, msg, raw)
}

func (c *Client) startTimer(p *peer) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	pk := p.pk
	p.timer = time.AfterFunc(c.authTimeout, func() { c.authExpired(pk, gen) })
}

func (c *Client) authExpired(pk string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[pk]
	if !ok || p.gen != gen || p.state == PeerAuthenticated || p.state == PeerDisconnected {
		return
	}
	c.logger.WithField("peer", pk).Warn("peer authentication timed out")
	c.peerDown(p, fmt.Errorf("%w: %s", syncerr.ErrAuthenticationTimeout, pk))
}

// peerDown resets p to disconnected, emitting err first if set and
// peer-disconnected if peer-connected was emitted for this channel.
func (c *Client) peerDown(p *peer, err error) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if err != nil {
		c.emit(Event{Kind: EventError, Peer: p.pk, Err: err})
	}
	announced := p.announced
	session := p.session
	p.state = PeerDisconnected
	p.session = ""
	p.nonce = ""
	p.caps = nil
	p.initiator = false
	p.announced = false
	p.gen++
	if announced {
		c.emit(Event{Kind: EventPeerDisconnected, Peer: p.pk, Session: session})
	}
}
