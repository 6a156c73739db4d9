package pipeline

import (
	"context"
	"sync"
)

// sequencer orders work per device. Every outstanding report of a device
// is registered by sequence number; a report may pass admission once all
// lower outstanding sequences have been admitted, and may commit once
// all lower outstanding sequences are done. Sequences that were never
// registered (lost submissions) leave no gap to wait on.
type sequencer struct {
	mu      sync.Mutex
	devices map[string]*deviceQueue
}

type deviceQueue struct {
	outstanding map[int64]bool // seq -> admitted
	changed     chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{devices: make(map[string]*deviceQueue)}
}

func (s *sequencer) queue(deviceID string) *deviceQueue {
	q := s.devices[deviceID]
	if q == nil {
		q = &deviceQueue{outstanding: make(map[int64]bool), changed: make(chan struct{})}
		s.devices[deviceID] = q
	}
	return q
}

func (q *deviceQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// register adds seq as outstanding. Registering twice is a no-op.
func (s *sequencer) register(deviceID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(deviceID)
	if _, ok := q.outstanding[seq]; !ok {
		q.outstanding[seq] = false
	}
}

// admitted marks seq as past admission.
func (s *sequencer) admitted(deviceID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.devices[deviceID]
	if q == nil {
		return
	}
	if _, ok := q.outstanding[seq]; ok {
		q.outstanding[seq] = true
		q.broadcast()
	}
}

// done removes seq.
func (s *sequencer) done(deviceID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.devices[deviceID]
	if q == nil {
		return
	}
	delete(q.outstanding, seq)
	q.broadcast()
	if len(q.outstanding) == 0 {
		delete(s.devices, deviceID)
	}
}

// waitAdmit blocks until every lower outstanding sequence is admitted.
func (s *sequencer) waitAdmit(ctx context.Context, deviceID string, seq int64) error {
	return s.wait(ctx, deviceID, func(q *deviceQueue) bool {
		for other, admitted := range q.outstanding {
			if other < seq && !admitted {
				return false
			}
		}
		return true
	})
}

// waitCommit blocks until no lower sequence is outstanding.
func (s *sequencer) waitCommit(ctx context.Context, deviceID string, seq int64) error {
	return s.wait(ctx, deviceID, func(q *deviceQueue) bool {
		for other := range q.outstanding {
			if other < seq {
				return false
			}
		}
		return true
	})
}

func (s *sequencer) wait(ctx context.Context, deviceID string, ready func(*deviceQueue) bool) error {
	for {
		s.mu.Lock()
		q := s.devices[deviceID]
		if q == nil || ready(q) {
			s.mu.Unlock()
			return nil
		}
		ch := q.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pending returns the number of outstanding sequences for a device.
func (s *sequencer) pending(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.devices[deviceID]; q != nil {
		return len(q.outstanding)
	}
	return 0
}
