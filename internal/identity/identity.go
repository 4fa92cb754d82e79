// Package identity owns the local device's ed25519 keypair and display name.
//
// The keypair never encrypts replicated data. It exists so that a peer can
// prove it holds the private key for the public key it claims (transport
// handshake, pairing confirmation) and so that pairing codes can be derived
// from the public key.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// MaxNameLength is the longest display name accepted, in runes.
const MaxNameLength = 64

// DeviceIdentity is the local device's identity.
type DeviceIdentity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	DeviceName string
	CreatedAt  time.Time
}

// ID returns the text form of the public key, which identifies the device
// everywhere else (paired-device list, relay routing, events).
func (d *DeviceIdentity) ID() string {
	return EncodePublicKey(d.PublicKey)
}

// Sign signs msg with the device's private key.
func (d *DeviceIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(d.PrivateKey, msg)
}

// EncodePublicKey returns the unpadded base64url form of a public key.
func EncodePublicKey(pk ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pk)
}

// DecodePublicKey parses the text form produced by EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks sig over msg against the text-form public key pk.
func Verify(pk string, msg, sig []byte) bool {
	key, err := DecodePublicKey(pk)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, msg, sig)
}

// Store is the persistence the service needs. *store.DB satisfies it.
type Store interface {
	GetIdentity(ctx context.Context) (*store.IdentityRecord, error)
	InsertIdentityIfAbsent(ctx context.Context, rec *store.IdentityRecord) (*store.IdentityRecord, error)
	UpdateDeviceName(ctx context.Context, name string) error
}

// Service loads, creates and renames the device identity.
type Service struct {
	store  Store
	rand   io.Reader
	now    func() time.Time
	logger logrus.FieldLogger

	mu     sync.Mutex
	cached *DeviceIdentity
}

// Option customizes a Service.
type Option func(*Service)

// WithRand replaces the randomness source (tests).
func WithRand(r io.Reader) Option {
	return func(s *Service) { s.rand = r }
}

// WithClock replaces the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an identity service backed by st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		rand:   rand.Reader,
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the persisted identity, generating and persisting a
// new keypair and random display name the first time. Repeated calls
// against the same store return the same public key.
func (s *Service) GetOrCreate(ctx context.Context) (*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}
	if s.store == nil || s.rand == nil {
		return nil, syncerr.ErrIdentityUnavailable
	}

	rec, err := s.store.GetIdentity(ctx)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		rec, err = s.create(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", syncerr.ErrIdentityUnavailable, err)
	}

	id, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	s.cached = id
	return id, nil
}

func (s *Service) create(ctx context.Context) (*store.IdentityRecord, error) {
	pub, priv, err := ed25519.GenerateKey(s.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: generating keypair: %v", syncerr.ErrIdentityUnavailable, err)
	}
	name, err := RandomName(s.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: generating name: %v", syncerr.ErrIdentityUnavailable, err)
	}

	rec, err := s.store.InsertIdentityIfAbsent(ctx, &store.IdentityRecord{
		PublicKey:  pub,
		PrivateKey: priv,
		DeviceName: name,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: persisting identity: %v", syncerr.ErrIdentityUnavailable, err)
	}

	s.logger.WithField("action", "identity_create").
		WithField("device_name", rec.DeviceName).
		Info("created device identity")
	return rec, nil
}

// UpdateDeviceName persists a new display name and returns the updated
// identity. On failure it returns nil and the error.
func (s *Service) UpdateDeviceName(ctx context.Context, name string) (*DeviceIdentity, error) {
	name = strings.TrimSpace(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	current, err := s.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateDeviceName(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to update device name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := *current
	updated.DeviceName = name
	s.cached = &updated
	return &updated, nil
}

// ValidateName checks a display name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("device name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("device name longer than %d characters", MaxNameLength)
	}
	return nil
}

func fromRecord(rec *store.IdentityRecord) (*DeviceIdentity, error) {
	if len(rec.PublicKey) != ed25519.PublicKeySize || len(rec.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: stored key has wrong length", syncerr.ErrIdentityUnavailable)
	}
	return &DeviceIdentity{
		PublicKey:  ed25519.PublicKey(rec.PublicKey),
		PrivateKey: ed25519.PrivateKey(rec.PrivateKey),
		DeviceName: rec.DeviceName,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

var (
	adjectives = []string{
		"amber", "brisk", "calm", "dappled", "early", "fallow", "green", "hardy",
		"leafy", "mossy", "nimble", "quiet", "rustic", "sunny", "tidy", "windy",
	}
	nouns = []string{
		"bean", "beet", "carrot", "chard", "fennel", "garlic", "kale", "leek",
		"marrow", "onion", "parsnip", "pea", "radish", "shallot", "squash", "turnip",
	}
)

// RandomName returns a display name like "mossy-leek-42".
func RandomName(r io.Reader) (string, error) {
	pick := func(n int) (int, error) {
		v, err := rand.Int(r, big.NewInt(int64(n)))
		if err != nil {
			return 0, err
		}
		return int(v.Int64()), nil
	}

	a, err := pick(len(adjectives))
	if err != nil {
		return "", err
	}
	n, err := pick(len(nouns))
	if err != nil {
		return "", err
	}
	num, err := pick(100)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%02d", adjectives[a], nouns[n], num), nil
}
