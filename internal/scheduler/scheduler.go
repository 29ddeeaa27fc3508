package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolFull   = errors.New("scheduler: pool full")
	ErrPoolClosed = errors.New("scheduler: pool closed")
)

// Task runs on a pool worker. ctx is canceled when the pool is forced to stop.
type Task func(ctx context.Context)

// Pool runs at most workers tasks at once and admits at most workers+queue
// tasks in total; admission beyond that fails fast instead of blocking.
type Pool struct {
	admit *semaphore.Weighted
	run   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(workers, queue int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		admit:  semaphore.NewWeighted(int64(workers + queue)),
		run:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "scheduler"),
	}
}

// Slot is an admission ticket. Exactly one of Go or Release must be called.
type Slot struct {
	p    *Pool
	once sync.Once
}

// Reserve claims admission for one task without starting it, so callers can
// finish bookkeeping before the task becomes runnable.
func (p *Pool) Reserve() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if !p.admit.TryAcquire(1) {
		return nil, ErrPoolFull
	}
	p.wg.Add(1)
	return &Slot{p: p}, nil
}

func (s *Slot) Go(task Task) {
	go func() {
		defer s.Release()
		if err := s.p.run.Acquire(s.p.ctx, 1); err != nil {
			// Forced shutdown while queued: let the task observe cancellation.
			task(s.p.ctx)
			return
		}
		defer s.p.run.Release(1)
		task(s.p.ctx)
	}()
}

// Release returns an unused slot. It is a no-op after the first call.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.p.admit.Release(1)
		s.p.wg.Done()
	})
}

// Shutdown stops admission and waits for admitted tasks. If ctx expires first,
// running tasks are canceled and Shutdown waits for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, canceling running jobs")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
