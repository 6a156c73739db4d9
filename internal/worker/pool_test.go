package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(size int) *Pool {
	return NewPool(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := testPool(2)
	var active, peak atomic.Int64
	release := make(chan struct{})

	var handles []*Handle
	for range 6 {
		h, err := p.Submit(func(context.Context) {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			active.Add(-1)
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Running == 2 && s.Queued == 4
	}, time.Second, 5*time.Millisecond)

	close(release)
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.Equal(t, int64(2), peak.Load())
	require.NoError(t, p.Close(context.Background()))
}

func TestPool_NeverDrops(t *testing.T) {
	p := testPool(1)
	var count atomic.Int64
	for range 100 {
		_, err := p.Submit(func(context.Context) { count.Add(1) })
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int64(100), count.Load())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := testPool(1)
	require.NoError(t, p.Close(context.Background()))
	_, err := p.Submit(func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_CloseTimeoutCancelsTasks(t *testing.T) {
	p := testPool(1)
	started := make(chan struct{})
	var cancelled atomic.Bool
	_, err := p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}

func TestPool_RecoversPanics(t *testing.T) {
	p := testPool(1)
	h, err := p.Submit(func(context.Context) { panic("boom") })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	var ran sync.WaitGroup
	ran.Add(1)
	_, err = p.Submit(func(context.Context) { ran.Done() })
	require.NoError(t, err)
	ran.Wait()
	require.NoError(t, p.Close(context.Background()))
}

func TestInline(t *testing.T) {
	ran := false
	h, err := Inline{}.Submit(func(context.Context) { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
	select {
	case <-h.Done():
	default:
		t.Fatal("inline handle should be done")
	}
}

func TestPool_GatedTaskHoldsNoSlot(t *testing.T) {
	p := testPool(1)
	open := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	gated, err := p.SubmitAfter(func(ctx context.Context) error {
		select {
		case <-open:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func(context.Context) { record("gated") })
	require.NoError(t, err)

	// The only slot stays free while the first task waits at its gate.
	free, err := p.Submit(func(context.Context) {
		record("free")
		close(open)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, free.Wait(ctx))
	require.NoError(t, gated.Wait(ctx))
	assert.Equal(t, []string{"free", "gated"}, order)
	require.NoError(t, p.Close(context.Background()))
}

func TestPool_FailedGateDropsTask(t *testing.T) {
	p := testPool(1)
	var ran atomic.Bool
	h, err := p.SubmitAfter(func(context.Context) error { return context.Canceled },
		func(context.Context) { ran.Store(true) })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.False(t, ran.Load())
	assert.Equal(t, Stats{Size: 1}, p.Stats())
	require.NoError(t, p.Close(context.Background()))
}

func TestInline_Gate(t *testing.T) {
	var steps []string
	_, err := Inline{}.SubmitAfter(func(context.Context) error {
		steps = append(steps, "gate")
		return nil
	}, func(context.Context) { steps = append(steps, "task") })
	require.NoError(t, err)
	assert.Equal(t, []string{"gate", "task"}, steps)

	ran := false
	h, err := Inline{}.SubmitAfter(func(context.Context) error { return context.Canceled },
		func(context.Context) { ran = true })
	require.NoError(t, err)
	assert.False(t, ran)
	<-h.Done()
}
