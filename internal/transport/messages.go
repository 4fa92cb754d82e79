package transport

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Envelope types exchanged with peers.
const (
	msgHello     = "hello"
	msgHelloAck  = "hello-ack"
	msgAuth      = "auth"
	msgSync      = "sync"
	msgFullState = "full-state"
	msgBye       = "bye"
)

// Capabilities advertised in the handshake.
const (
	CapCRDT = "crdt-v1"
	CapLWW  = "lww-v1"
)

const authContext = "plotsync-auth-v1"

type helloPayload struct {
	Nonce string   `json:"nonce"`
	Caps  []string `json:"caps"`
	Sig   string   `json:"sig,omitempty"`
}

type authPayload struct {
	Sig string `json:"sig"`
}

type syncPayload struct {
	Data []byte `json:"data"`
}

// authMessage is what a device signs to prove its key to a peer: the
// peer's nonce bound to both public keys, the peer's first.
func authMessage(nonce, peerPK, ownPK string) []byte {
	return []byte(authContext + "|" + nonce + "|" + peerPK + "|" + ownPK)
}

func newNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to create nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HasCap reports whether caps contains capability.
func HasCap(caps []string, capability string) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}
