package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/device"
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error { return permanentError{err} }

// retryable reports whether a storage operation failing with err may
// succeed if repeated. Caller mistakes and missing rows never will.
func retryable(err error) bool {
	var pe permanentError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, attest.ErrDeviceNotFound),
		errors.Is(err, attest.ErrReportNotFound),
		errors.Is(err, attest.ErrDeviceNotEligible),
		errors.Is(err, attest.ErrInvalidReport),
		errors.Is(err, attest.ErrDuplicateSerial),
		errors.Is(err, device.ErrInvalidTransition):
		return false
	}
	return true
}

// retry runs fn until it succeeds, fails permanently, or the attempt budget
// is spent, backing off exponentially between attempts.
func (p *Pipeline) retry(ctx context.Context, op string, fn func() error) error {
	delay := p.cfg.Retry.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= p.cfg.Retry.Attempts {
			var pe permanentError
			if errors.As(err, &pe) {
				return pe.err
			}
			return err
		}
		p.metrics.StorageRetried()
		p.logger.Warn("retrying", "op", op, "attempt", attempt, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay = min(delay*2, p.cfg.Retry.MaxDelay)
	}
}

// keyedMutex serializes work per key without holding memory for idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
