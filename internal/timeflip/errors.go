package timeflip

import (
	"errors"
	"fmt"
	"time"
)

// Terminal session errors. Authentication and exhausted-retry failures
// are surfaced to the consumer and never retried automatically.
var (
	// ErrBadPassword means the device refused the configured password.
	// Requires caller intervention; reconnecting with the same password
	// would fail the same way.
	ErrBadPassword = errors.New("timeflip: device rejected password")
	// ErrDeviceNotReady means the device did not reach the ready state
	// within the configured number of polls.
	ErrDeviceNotReady = errors.New("timeflip: device not ready")
	// ErrNotConnected is returned by operations that need a live,
	// authenticated session.
	ErrNotConnected = errors.New("timeflip: not connected")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("timeflip: session closed")
)

// OrderingError reports a facet reading whose timestamp regresses below
// the open interval's start. Out-of-order delivery is a protocol
// violation; the reading is dropped, never reordered.
type OrderingError struct {
	Open time.Time
	Got  time.Time
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("timeflip: reading at %s predates open interval started %s", e.Got.Format(time.RFC3339), e.Open.Format(time.RFC3339))
}

// UntrustedReadingError reports a facet reading that arrived before the
// session was authenticated. The device only produces meaningful
// notifications once the password has been accepted.
type UntrustedReadingError struct {
	Facet uint8
}

func (e *UntrustedReadingError) Error() string {
	return fmt.Sprintf("timeflip: untrusted reading for facet %d before authentication", e.Facet)
}

// ClockSyncError reports a failed time write. Non-fatal: the session
// keeps running and the consumer may call Resync.
type ClockSyncError struct {
	Err error
}

func (e *ClockSyncError) Error() string {
	return fmt.Sprintf("timeflip: clock sync: %v", e.Err)
}

func (e *ClockSyncError) Unwrap() error { return e.Err }
