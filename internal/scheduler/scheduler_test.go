package scheduler

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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_LimitsConcurrency(t *testing.T) {
	p := New(2, 10, quietLogger())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		slot, err := p.Reserve()
		require.NoError(t, err)
		wg.Add(1)
		slot.Go(func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_AdmissionFailsFast(t *testing.T) {
	p := New(1, 1, quietLogger())
	block := make(chan struct{})

	for i := 0; i < 2; i++ {
		slot, err := p.Reserve()
		require.NoError(t, err)
		slot.Go(func(ctx context.Context) { <-block })
	}

	_, err := p.Reserve()
	assert.ErrorIs(t, err, ErrPoolFull)

	close(block)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ReleaseReturnsCapacity(t *testing.T) {
	p := New(1, 0, quietLogger())

	slot, err := p.Reserve()
	require.NoError(t, err)
	_, err = p.Reserve()
	assert.ErrorIs(t, err, ErrPoolFull)

	slot.Release()
	slot.Release()

	again, err := p.Reserve()
	require.NoError(t, err)
	again.Release()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownRejectsNewWork(t *testing.T) {
	p := New(1, 1, quietLogger())
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Reserve()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ShutdownDrains(t *testing.T) {
	p := New(2, 2, quietLogger())
	var finished atomic.Int32
	for i := 0; i < 4; i++ {
		slot, err := p.Reserve()
		require.NoError(t, err)
		slot.Go(func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			finished.Add(1)
		})
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(4), finished.Load())
}

func TestPool_ShutdownDeadlineCancels(t *testing.T) {
	p := New(1, 1, quietLogger())
	var canceled atomic.Int32
	for i := 0; i < 2; i++ {
		slot, err := p.Reserve()
		require.NoError(t, err)
		slot.Go(func(ctx context.Context) {
			<-ctx.Done()
			canceled.Add(1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), canceled.Load(), "queued and running tasks both see cancellation")
}
