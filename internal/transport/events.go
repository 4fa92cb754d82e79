package transport

import (
	"time"

	"github.com/plotsync/plotsync/internal/lww"
)

// EventKind identifies a transport event.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventError             EventKind = "error"
	EventPeerConnected     EventKind = "peer-connected"
	EventPeerDisconnected  EventKind = "peer-disconnected"
	EventPeerAuthenticated EventKind = "peer-authenticated"
	EventSyncMessage       EventKind = "sync-message"
	EventFullStateSync     EventKind = "full-state-sync"
	EventPairRequest       EventKind = "pair-request"
)

// Event is delivered to subscribers.
type Event struct {
	Kind    EventKind
	Peer    string // public key, for peer events
	Session string // remote session id, when known

	Data        []byte       // sync-message and pair-request payload
	FullState   *lww.Payload // full-state-sync
	MessageType string       // pair-request: pair-confirm or pair-accepted
	Caps        []string     // peer-authenticated: peer capabilities

	Err error
	At  time.Time
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (c *Client) Subscribe() (<-chan Event, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	ch := make(chan Event, 256)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	done := false
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if done {
			return
		}
		done = true
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Client) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.WithField("event", ev.Kind).Warn("event channel full, dropping event")
		}
	}
}
