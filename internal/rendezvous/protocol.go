// Package rendezvous is the relay that lets paired devices find and talk to
// each other without a direct network path.
//
// The relay never interprets payloads and never stores data. It only knows
// which public keys are connected, verified by a signed challenge, and
// forwards envelopes between them.
//
// Protocol
//
// Every WebSocket text message is one JSON Frame:
//
//	server → client  challenge{nonce}
//	client → server  register{pk, session, sig}    sig over RegisterMessage(nonce, session)
//	server → client  registered{session}
//	client → server  watch{pks}                     subscribe to presence of those keys
//	server → client  presence{pk, session, online}
//	both ways        envelope{envelope}             routed by envelope.to / toSession
//	server → client  undeliverable{pk}              no session of pk is connected
//	server → client  error{error}
package rendezvous

import "encoding/json"

// FrameType identifies a relay frame.
type FrameType string

const (
	FrameChallenge     FrameType = "challenge"
	FrameRegister      FrameType = "register"
	FrameRegistered    FrameType = "registered"
	FrameWatch         FrameType = "watch"
	FramePresence      FrameType = "presence"
	FrameEnvelope      FrameType = "envelope"
	FrameUndeliverable FrameType = "undeliverable"
	FrameError         FrameType = "error"
)

// Frame is one relay message.
type Frame struct {
	Type     FrameType `json:"type"`
	Nonce    string    `json:"nonce,omitempty"`
	PK       string    `json:"pk,omitempty"`
	Session  string    `json:"session,omitempty"`
	Sig      string    `json:"sig,omitempty"`
	PKs      []string  `json:"pks,omitempty"`
	Online   bool      `json:"online,omitempty"`
	Error    string    `json:"error,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

// Envelope carries an opaque payload between two device sessions. From and
// FromSession are always set by the relay.
type Envelope struct {
	Type        string          `json:"type"`
	From        string          `json:"from"`
	FromSession string          `json:"fromSession"`
	To          string          `json:"to"`
	ToSession   string          `json:"toSession,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const registerContext = "plotsync-relay-v1"

// RegisterMessage is the byte string a client signs to prove it owns the
// public key it registers.
func RegisterMessage(nonce, session string) []byte {
	return []byte(registerContext + "|" + nonce + "|" + session)
}

// MaxFrameSize bounds a single frame. Whole-document states travel in one
// envelope.
const MaxFrameSize = 16 << 20
