package crdt

import (
	"strings"
	"sync"
	"time"
)

// MaxDrift bounds how far ahead of local time a remote clock may pull the
// local clock. Entries from further ahead are still merged.
const MaxDrift = 24 * time.Hour

// Clock is a hybrid logical clock stamp.
type Clock struct {
	Wall    int64  `json:"w"`
	Counter uint32 `json:"c"`
	Actor   string `json:"a"`
}

// Compare orders clocks by wall time, then counter, then actor.
func (c Clock) Compare(o Clock) int {
	switch {
	case c.Wall < o.Wall:
		return -1
	case c.Wall > o.Wall:
		return 1
	case c.Counter < o.Counter:
		return -1
	case c.Counter > o.Counter:
		return 1
	}
	return strings.Compare(c.Actor, o.Actor)
}

// IsZero reports whether c was never set.
func (c Clock) IsZero() bool {
	return c.Wall == 0 && c.Counter == 0 && c.Actor == ""
}

// HLC issues monotonically increasing clocks for one actor.
type HLC struct {
	mu      sync.Mutex
	actor   string
	now     func() time.Time
	wall    int64
	counter uint32
}

// NewHLC creates a clock for actor. A nil now uses time.Now.
func NewHLC(actor string, now func() time.Time) *HLC {
	if now == nil {
		now = time.Now
	}
	return &HLC{actor: actor, now: now}
}

// Actor returns the actor id stamped on issued clocks.
func (h *HLC) Actor() string {
	return h.actor
}

// Now issues a clock greater than every clock issued or observed so far.
func (h *HLC) Now() Clock {
	h.mu.Lock()
	defer h.mu.Unlock()

	phys := h.now().UnixMilli()
	if phys > h.wall {
		h.wall = phys
		h.counter = 0
	} else {
		h.counter++
	}
	return Clock{Wall: h.wall, Counter: h.counter, Actor: h.actor}
}

// Observe advances the clock past a remote stamp.
func (h *HLC) Observe(c Clock) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.Wall > h.now().Add(MaxDrift).UnixMilli() {
		return
	}
	switch {
	case c.Wall > h.wall:
		h.wall = c.Wall
		h.counter = c.Counter
	case c.Wall == h.wall && c.Counter > h.counter:
		h.counter = c.Counter
	}
}
