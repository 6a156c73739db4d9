package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitAsync(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func assertBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("expected wait to block, returned %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func assertReleased(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestSequencer_AdmitFollowsLowerAdmission(t *testing.T) {
	s := newSequencer()
	ctx := context.Background()
	s.register("d1", 1)
	s.register("d1", 2)

	require.NoError(t, s.waitAdmit(ctx, "d1", 1))
	wait := waitAsync(func() error { return s.waitAdmit(ctx, "d1", 2) })
	assertBlocked(t, wait)

	s.admitted("d1", 1)
	assertReleased(t, wait)
}

func TestSequencer_CommitFollowsLowerDone(t *testing.T) {
	s := newSequencer()
	ctx := context.Background()
	s.register("d1", 1)
	s.register("d1", 2)
	s.admitted("d1", 1)
	s.admitted("d1", 2)

	wait := waitAsync(func() error { return s.waitCommit(ctx, "d1", 2) })
	assertBlocked(t, wait)

	s.done("d1", 1)
	assertReleased(t, wait)
}

func TestSequencer_DevicesAreIndependent(t *testing.T) {
	s := newSequencer()
	s.register("d1", 1)
	s.register("d2", 5)
	require.NoError(t, s.waitCommit(context.Background(), "d2", 5))
	require.NoError(t, s.waitAdmit(context.Background(), "d2", 5))
}

func TestSequencer_UnregisteredGapsDoNotBlock(t *testing.T) {
	s := newSequencer()
	s.register("d1", 3)
	require.NoError(t, s.waitAdmit(context.Background(), "d1", 3))
	require.NoError(t, s.waitCommit(context.Background(), "d1", 3))
}

func TestSequencer_WaitHonorsContext(t *testing.T) {
	s := newSequencer()
	s.register("d1", 1)
	s.register("d1", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.waitCommit(ctx, "d1", 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSequencer_RegisterIsIdempotentAndDoneCleansUp(t *testing.T) {
	s := newSequencer()
	s.register("d1", 1)
	s.admitted("d1", 1)
	s.register("d1", 1)
	assert.Equal(t, 1, s.pending("d1"))

	// Re-registering keeps the admission mark.
	s.register("d1", 2)
	require.NoError(t, s.waitAdmit(context.Background(), "d1", 2))

	s.done("d1", 1)
	s.done("d1", 2)
	assert.Equal(t, 0, s.pending("d1"))
	assert.Empty(t, s.devices)
}
