// Package pairing establishes trust between two devices.
//
// One device shows a payload (as a QR code or as text) carrying its public
// key, display name and a short code derived from the key. The other device
// scans it and the user compares the code shown on both screens. Only when
// the codes match is the displaying device recorded as paired.
//
// The scanner then sends a signed confirmation to the displayer through the
// relay, so that the displayer records the scanner too and pairing ends up
// symmetric.
package pairing

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// RefreshInterval is how often a shown payload is regenerated, and how
// long each payload stays valid.
const RefreshInterval = 240000 * time.Millisecond

// PayloadPrefix marks the text form of a payload.
const PayloadPrefix = "plotsync:"

var (
	// ErrInvalidPayload is returned for text that is not a pairing payload.
	ErrInvalidPayload = errors.New("invalid pairing payload")

	// ErrPayloadExpired is returned for a payload past its expiry.
	ErrPayloadExpired = errors.New("pairing payload expired")
)

// Payload is what the displaying device shows.
type Payload struct {
	PK   string `json:"pk"`
	Name string `json:"name"`
	Code string `json:"code"`
	Exp  int64  `json:"exp,omitempty"` // epoch ms
}

// NewPayload derives the payload for id, valid for RefreshInterval.
func NewPayload(id *identity.DeviceIdentity, now time.Time) (Payload, error) {
	pk := id.ID()
	code, err := DeriveCode(pk)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		PK:   pk,
		Name: id.DeviceName,
		Code: code,
		Exp:  now.Add(RefreshInterval).UnixMilli(),
	}, nil
}

// Encode returns the text form: PayloadPrefix followed by base64url JSON.
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return PayloadPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodePayload parses the text form. Bare JSON is accepted as well.
func DecodePayload(text string) (Payload, error) {
	text = strings.TrimSpace(text)
	var raw []byte
	switch {
	case strings.HasPrefix(strings.ToLower(text), PayloadPrefix):
		b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(text[len(PayloadPrefix):], "="))
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = b
	case strings.HasPrefix(text, "{"):
		raw = []byte(text)
	default:
		return Payload{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidPayload, PayloadPrefix)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.PK == "" || p.Code == "" {
		return Payload{}, fmt.Errorf("%w: missing public key or code", ErrInvalidPayload)
	}
	return p, nil
}

// Validate checks that the payload's key is well formed, that its code
// belongs to that key and that it has not expired. A payload without an
// expiry never expires.
func (p Payload) Validate(now time.Time) error {
	code, err := DeriveCode(p.PK)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !CodesEqual(code, p.Code) {
		return fmt.Errorf("%w: code does not belong to key", syncerr.ErrPairingMismatch)
	}
	if p.Exp > 0 && now.UnixMilli() > p.Exp {
		return ErrPayloadExpired
	}
	return nil
}

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// DeriveCode returns the short verification code for a public key: the
// first 40 bits of its SHA3-256 digest in Crockford base32, as XXXX-XXXX.
func DeriveCode(pk string) (string, error) {
	raw, err := identity.DecodePublicKey(pk)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(raw)

	var bits uint64
	for _, b := range sum[:5] {
		bits = bits<<8 | uint64(b)
	}
	out := make([]byte, 0, 9)
	for i := 7; i >= 0; i-- {
		out = append(out, crockford[(bits>>(uint(i)*5))&31])
		if i == 4 {
			out = append(out, '-')
		}
	}
	return string(out), nil
}

// NormalizeCode uppercases a code, drops separators and maps the letters
// Crockford base32 treats as digits.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', ' ', '\t':
			continue
		case 'O':
			r = '0'
		case 'I', 'L':
			r = '1'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CodesEqual compares two codes after normalization.
func CodesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(NormalizeCode(a)), []byte(NormalizeCode(b))) == 1
}
