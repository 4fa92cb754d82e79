// Package syncerr defines the error kinds shared by the identity, pairing,
// transport and session layers.
package syncerr

import "errors"

// Error kinds returned across the sync stack.
//
// Check them with errors.Is():
//
//	if errors.Is(err, syncerr.ErrIdentityUnavailable) {
//	    // fall back to local-only mode
//	}
var (
	// ErrIdentityUnavailable is returned when the key material or the store
	// needed to load or create the device identity is missing. Sync cannot
	// run without an identity; the application keeps working locally.
	ErrIdentityUnavailable = errors.New("device identity unavailable")

	// ErrPairingMismatch is returned when the code shown on one device does
	// not match the code entered or scanned on the other.
	ErrPairingMismatch = errors.New("pairing codes do not match")

	// ErrTransport wraps relay and peer channel failures. These are retried
	// by the next peer refresh.
	ErrTransport = errors.New("transport error")

	// ErrAuthenticationTimeout is returned when a peer opened a channel but
	// never proved possession of its private key.
	ErrAuthenticationTimeout = errors.New("peer authentication timed out")

	// ErrCorruptedSnapshot is returned when a remote or legacy payload
	// cannot be parsed. The payload is dropped; local state is untouched.
	ErrCorruptedSnapshot = errors.New("corrupted snapshot")

	// ErrQuotaExceeded is returned when a local write fails because the
	// disk or database is full. The in-memory document remains valid.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")
)

// IsRetryable returns true if the operation is likely to succeed when
// attempted again later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Relay and peer failures are retried on refresh
	if errors.Is(err, ErrTransport) {
		return true
	}

	// The peer may come back and finish the handshake
	if errors.Is(err, ErrAuthenticationTimeout) {
		return true
	}

	// The user can re-enter the code
	if errors.Is(err, ErrPairingMismatch) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error should be shown to the user
// rather than only logged.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrPairingMismatch) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrIdentityUnavailable)
}

// IsFatal returns true if sync cannot continue at all. Callers should drop
// to local-only mode.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrIdentityUnavailable)
}
