package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/booker-api/internal/domain/booking"
	"github.com/example/booker-api/internal/jobs"
	"github.com/example/booker-api/internal/metrics"
	"github.com/example/booker-api/internal/scheduler"
)

const IDPrefix = "booking_"

var ErrNotCancelable = errors.New("orchestrator: job is finished or not running here")

type Config struct {
	// TestMode forces every job into informational mode.
	TestMode     bool
	DefaultModel string
}

// Orchestrator is the entry point for submitting and observing jobs.
type Orchestrator struct {
	store   jobs.Store
	exec    *Executor
	pool    *scheduler.Pool
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func New(store jobs.Store, exec *Executor, pool *scheduler.Pool, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		exec:    exec,
		pool:    pool,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		metrics: m,
		now:     time.Now,
		newID:   func() string { return IDPrefix + uuid.NewString() },
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Submit validates req, records a pending job and schedules it. It never waits
// for the job to run; when the pool has no room it fails with scheduler.ErrPoolFull.
func (o *Orchestrator) Submit(ctx context.Context, req booking.Request) (string, error) {
	if o.cfg.TestMode {
		req.Mode = booking.ModeInformational
	}
	if req.Model == "" && o.cfg.DefaultModel != "" {
		req.Model = o.cfg.DefaultModel
	}
	req = req.WithDefaults(o.now())
	if err := req.Validate(); err != nil {
		o.metrics.Rejected("invalid")
		return "", err
	}

	slot, err := o.pool.Reserve()
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrPoolFull):
			o.metrics.Rejected("pool_full")
		case errors.Is(err, scheduler.ErrPoolClosed):
			o.metrics.Rejected("shutting_down")
		}
		return "", err
	}

	id := o.newID()
	if _, err := o.store.Create(ctx, id, req); err != nil {
		slot.Release()
		if errors.Is(err, jobs.ErrDuplicateID) {
			o.logger.Error("job id collision", "booking_id", id, "error", err)
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	jobCtx, cancel := context.WithCancelCause(context.Background())
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()

	slot.Go(func(poolCtx context.Context) {
		stop := context.AfterFunc(poolCtx, func() {
			cancel(fmt.Errorf("%w: server shutting down", ErrCanceled))
		})
		defer func() {
			stop()
			o.forget(id)
			cancel(nil)
		}()
		o.exec.run(jobCtx, id, func() { o.forget(id) })
	})

	o.metrics.Submitted(string(req.Mode))
	o.logger.Info("job submitted", "booking_id", id, "mode", req.Mode, "city", req.City)
	return id, nil
}

func (o *Orchestrator) Status(ctx context.Context, id string) (jobs.Record, error) {
	return o.store.Get(ctx, id)
}

// Cancel aborts a pending or processing job. A nil return guarantees the job
// ends failed with a cancellation message; Cancel does not wait for that.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return ErrNotCancelable
	}

	// Canceling under the lock orders this against forget: either the job
	// sees the cancel before writing its outcome, or Cancel reports it finished.
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	if ok {
		cancel(errCanceledByClient)
	}
	o.mu.Unlock()
	if !ok {
		// Not owned by this process, or finished since the read above.
		return ErrNotCancelable
	}
	o.logger.Info("job cancel requested", "booking_id", id)
	return nil
}

// forget makes id no longer cancelable. It is safe to call more than once.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// Shutdown stops accepting jobs and waits for admitted ones; see scheduler.Pool.Shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.Shutdown(ctx)
}
