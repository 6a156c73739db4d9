// Package replay rejects replayed and out-of-window attestation reports.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/oktsec/attestd/internal/attest"
)

// Defaults for the platform-wide freshness floor.
const (
	DefaultMaxAge    = 60 * time.Minute
	DefaultClockSkew = 5 * time.Minute
)

// NonceStore remembers accepted nonces per device.
type NonceStore interface {
	// Remember claims the nonce for owner (a report ID) for ttl. It returns
	// true if the nonce was unclaimed or already held by the same owner, so
	// retried checks of one report stay accepted. It must be atomic: two
	// owners racing for one nonce may not both win.
	Remember(ctx context.Context, deviceID, nonce, owner string, ttl time.Duration) (bool, error)
}

// Claim is one report's use of a nonce.
type Claim struct {
	DeviceID  string
	ReportID  string
	Nonce     string
	Timestamp time.Time
	// At is the reference time for the freshness window; zero means now.
	At time.Time
}

// Decision is the result of a replay check.
type Decision struct {
	Accepted bool
	Reason   string
}

// Guard checks report freshness and nonce uniqueness.
type Guard struct {
	store     NonceStore
	maxAge    time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard. Zero durations select the defaults.
func NewGuard(store NonceStore, maxAge, clockSkew time.Duration, opts ...Option) *Guard {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if clockSkew <= 0 {
		clockSkew = DefaultClockSkew
	}
	g := &Guard{store: store, maxAge: maxAge, clockSkew: clockSkew, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Retention is how long accepted nonces are kept. Anything older is already
// rejected as stale.
func (g *Guard) Retention() time.Duration {
	return g.maxAge + g.clockSkew
}

// Check validates the timestamp window, then claims the nonce. Time checks
// run first so stale traffic never consumes nonce storage.
func (g *Guard) Check(ctx context.Context, c Claim) (Decision, error) {
	at := c.At
	if at.IsZero() {
		at = g.now()
	}
	if at.Sub(c.Timestamp) > g.maxAge {
		return Decision{Reason: attest.ReasonStaleReport}, nil
	}
	if c.Timestamp.Sub(at) > g.clockSkew {
		return Decision{Reason: attest.ReasonFutureTimestamp}, nil
	}

	fresh, err := g.store.Remember(ctx, c.DeviceID, c.Nonce, c.ReportID, g.Retention())
	if err != nil {
		return Decision{}, fmt.Errorf("recording nonce: %w", err)
	}
	if !fresh {
		return Decision{Reason: attest.ReasonReplayDetected}, nil
	}
	return Decision{Accepted: true}, nil
}
