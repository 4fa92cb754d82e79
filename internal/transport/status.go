package transport

import "sort"

// State is the overall sync state shown to the user.
type State string

const (
	StateDisconnected State = "disconnected"
	StateDiscovering  State = "discovering"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSyncing      State = "syncing"
)

// PeerState is the state of one peer channel.
type PeerState string

const (
	PeerDisconnected  PeerState = "disconnected"
	PeerConnecting    PeerState = "connecting"
	PeerConnected     PeerState = "connected"
	PeerAuthenticated PeerState = "authenticated"
)

// SyncStatus summarizes the client.
type SyncStatus struct {
	State          State    `json:"state"`
	ConnectedPeers []string `json:"connectedPeers"`
	PendingChanges int      `json:"pendingChanges"`
}

// PeerConnectionState describes one known peer.
type PeerConnectionState struct {
	PublicKey     string    `json:"publicKey"`
	State         PeerState `json:"state"`
	Connected     bool      `json:"connected"`
	Authenticated bool      `json:"authenticated"`
}

// Status returns the current sync status.
func (c *Client) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := SyncStatus{
		State:          StateDisconnected,
		ConnectedPeers: []string{},
		PendingChanges: c.pending,
	}
	if c.relay == nil {
		return st
	}

	connecting := false
	for pk, p := range c.peers {
		switch p.state {
		case PeerAuthenticated:
			st.ConnectedPeers = append(st.ConnectedPeers, pk)
		case PeerConnecting, PeerConnected:
			connecting = true
		}
	}
	sort.Strings(st.ConnectedPeers)

	switch {
	case len(st.ConnectedPeers) > 0 && c.syncing:
		st.State = StateSyncing
	case len(st.ConnectedPeers) > 0:
		st.State = StateConnected
	case connecting:
		st.State = StateConnecting
	default:
		st.State = StateDiscovering
	}
	return st
}

// Peers returns the state of every paired peer, ordered by public key.
func (c *Client) Peers() []PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PeerConnectionState, 0, len(c.peers))
	for pk, p := range c.peers {
		out = append(out, PeerConnectionState{
			PublicKey:     pk,
			State:         p.state,
			Connected:     p.state == PeerConnected || p.state == PeerAuthenticated,
			Authenticated: p.state == PeerAuthenticated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

// SetSyncing marks a state exchange in progress.
func (c *Client) SetSyncing(syncing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncing = syncing
}

// SetPendingChanges records how many local changes no peer has seen yet.
func (c *Client) SetPendingChanges(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = n
}
