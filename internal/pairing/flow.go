package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// State is a step of the pairing flow.
type State string

const (
	StateChoose  State = "choose"
	StateShowQR  State = "show-qr"
	StateScanQR  State = "scan-qr"
	StateConfirm State = "confirm"
	StateSuccess State = "success"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid pairing transition")

// TrustStore records paired devices. *store.DB implements it.
type TrustStore interface {
	UpsertPairedDevice(ctx context.Context, dev store.PairedDevice) error
}

// Config holds pairing flow configuration.
type Config struct {
	// Store records trusted devices (required)
	Store TrustStore

	// OnPaired is called after a device was recorded (optional)
	OnPaired func(store.PairedDevice)

	// Logger for pairing activity (default: logrus standard logger)
	Logger logrus.FieldLogger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Flow is the pairing state machine of one device.
type Flow struct {
	mu    sync.Mutex
	state State

	// Displaying side: the payload on screen and the one it replaced.
	shownID  *identity.DeviceIdentity
	current  *Payload
	previous *Payload

	// Scanning side.
	scanned *Payload

	store    TrustStore
	onPaired func(store.PairedDevice)
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewFlow creates a flow in StateChoose.
func NewFlow(config Config) (*Flow, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("pairing requires a trust store")
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Flow{
		state:    StateChoose,
		store:    config.Store,
		onPaired: config.OnPaired,
		logger:   config.Logger.WithField("component", "pairing"),
		now:      config.Now,
	}, nil
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Show starts displaying this device's payload.
func (f *Flow) Show(id *identity.DeviceIdentity) (Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateChoose && f.state != StateShowQR {
		return Payload{}, f.invalid("show")
	}
	p, err := NewPayload(id, f.now())
	if err != nil {
		return Payload{}, err
	}
	f.shownID = id
	f.current, f.previous = &p, nil
	f.state = StateShowQR
	return p, nil
}

// Refresh regenerates the shown payload. The replaced payload stays
// acceptable for confirmations until it expires.
func (f *Flow) Refresh() (Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateShowQR {
		return Payload{}, f.invalid("refresh")
	}
	p, err := NewPayload(f.shownID, f.now())
	if err != nil {
		return Payload{}, err
	}
	f.previous, f.current = f.current, &p
	return p, nil
}

// StartScan switches to scanning.
func (f *Flow) StartScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateChoose && f.state != StateScanQR {
		return f.invalid("scan")
	}
	f.state = StateScanQR
	return nil
}

// Scan decodes and checks a scanned payload. On success the flow moves to
// StateConfirm; on failure it stays where it was.
func (f *Flow) Scan(text string) (Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateChoose && f.state != StateScanQR {
		return Payload{}, f.invalid("scan")
	}
	f.state = StateScanQR

	p, err := DecodePayload(text)
	if err != nil {
		return Payload{}, err
	}
	if err := p.Validate(f.now()); err != nil {
		return Payload{}, err
	}
	f.scanned = &p
	f.state = StateConfirm
	return p, nil
}

// Scanned returns the payload being confirmed.
func (f *Flow) Scanned() (Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanned == nil {
		return Payload{}, false
	}
	return *f.scanned, true
}

// Confirm compares the code the user read off the other screen with the
// scanned one. A mismatch leaves the flow in StateConfirm so the user can
// retry; a match records the other device as paired.
func (f *Flow) Confirm(ctx context.Context, entered string) (*store.PairedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateConfirm || f.scanned == nil {
		return nil, f.invalid("confirm")
	}
	if !CodesEqual(entered, f.scanned.Code) {
		f.logger.WithField("action", "confirm").Warn("pairing code mismatch")
		return nil, syncerr.ErrPairingMismatch
	}

	dev, err := f.record(ctx, f.scanned.PK, f.scanned.Name)
	if err != nil {
		return nil, err
	}
	f.state = StateSuccess
	return dev, nil
}

// Abandon returns to StateChoose and forgets any payloads.
func (f *Flow) Abandon() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = StateChoose
	f.shownID, f.current, f.previous, f.scanned = nil, nil, nil, nil
}

// acceptConfirm records the scanner named by a verified confirmation. The
// shown payload is public to anyone who can see the screen, so the scanner
// is only trusted once the user also entered the code derived from its key.
func (f *Flow) acceptConfirm(ctx context.Context, msg ConfirmMessage, scannerCode string) (*store.PairedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateShowQR || f.current == nil {
		return nil, f.invalid("accept confirmation")
	}
	if msg.Displayer != f.current.PK {
		return nil, fmt.Errorf("%w: confirmation is for another device", syncerr.ErrPairingMismatch)
	}
	now := f.now().UnixMilli()
	matched := false
	for _, p := range []*Payload{f.current, f.previous} {
		if p != nil && CodesEqual(p.Code, msg.Code) && p.Exp == msg.Exp && now <= p.Exp {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: confirmation does not match a shown payload", syncerr.ErrPairingMismatch)
	}
	if err := msg.Verify(); err != nil {
		return nil, err
	}
	expected, err := DeriveCode(msg.Scanner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrPairingMismatch, err)
	}
	if !CodesEqual(expected, scannerCode) {
		f.logger.WithField("action", "accept_confirm").WithField("peer", msg.Scanner).Warn("scanner code mismatch")
		return nil, fmt.Errorf("%w: code does not match the scanning device", syncerr.ErrPairingMismatch)
	}

	dev, err := f.record(ctx, msg.Scanner, msg.Name)
	if err != nil {
		return nil, err
	}
	f.state = StateSuccess
	return dev, nil
}

func (f *Flow) record(ctx context.Context, pk, name string) (*store.PairedDevice, error) {
	dev := store.PairedDevice{
		PublicKey:  pk,
		DeviceName: name,
		PairedAt:   f.now().UTC(),
	}
	if err := f.store.UpsertPairedDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("failed to record paired device: %w", err)
	}
	f.logger.WithField("action", "paired").WithField("peer", pk).WithField("name", name).Info("device paired")
	if f.onPaired != nil {
		f.onPaired(dev)
	}
	return &dev, nil
}

func (f *Flow) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s in state %s", ErrInvalidTransition, op, f.state)
}
