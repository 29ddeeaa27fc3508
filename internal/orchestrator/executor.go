package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/example/booker-api/internal/agent"
	"github.com/example/booker-api/internal/domain/booking"
	"github.com/example/booker-api/internal/geocode"
	"github.com/example/booker-api/internal/jobs"
	"github.com/example/booker-api/internal/metrics"
)

var (
	ErrTimeout  = errors.New("timeout")
	ErrCanceled = errors.New("canceled")

	errCanceledByClient = fmt.Errorf("%w by client", ErrCanceled)
)

// DefaultLocation is used when a city cannot be geocoded (central Amsterdam).
var DefaultLocation = booking.Coordinates{Latitude: 52.373992, Longitude: 4.8858433}

const (
	sessionCloseTimeout = 30 * time.Second
	storeTries          = 5
)

// Notifier receives every record that reached a terminal state.
type Notifier interface {
	Dispatch(r jobs.Record)
}

type ExecutorConfig struct {
	JobTimeout      time.Duration
	DefaultLocation booking.Coordinates
	Headless        bool
}

// Executor drives one job from pending to a terminal state.
type Executor struct {
	store    jobs.Store
	geocoder geocode.Geocoder
	launcher agent.Launcher
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      ExecutorConfig

	storeBackoff func() backoff.BackOff
}

func NewExecutor(store jobs.Store, g geocode.Geocoder, l agent.Launcher, n Notifier, cfg ExecutorConfig, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if cfg.DefaultLocation == (booking.Coordinates{}) {
		cfg.DefaultLocation = DefaultLocation
	}
	return &Executor{
		store:    store,
		geocoder: g,
		launcher: l,
		notifier: n,
		metrics:  m,
		logger:   logger.With("component", "executor"),
		cfg:      cfg,
		storeBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

type outcome struct {
	result      *booking.Result
	coordinates *booking.Coordinates
	warnings    []string
}

// Run executes job id, which must already be pending in the store. It
// returns once the outcome is recorded.
func (e *Executor) Run(ctx context.Context, id string) {
	e.run(ctx, id, nil)
}

// run executes job id. Store writes are detached from ctx so a canceled or
// timed-out job still records its terminal state. settle is called once
// execution is over and before the outcome is written; a client cancel that
// lands before settle returns fails the job even if the agent succeeded.
func (e *Executor) run(ctx context.Context, id string, settle func()) {
	log := e.logger.With("booking_id", id)
	storeCtx := context.WithoutCancel(ctx)

	rec, err := e.get(storeCtx, id, log)
	if err != nil {
		log.Error("load job", "error", err)
		if !errors.Is(err, jobs.ErrNotFound) {
			e.metrics.StoreFailure("load")
		}
		return
	}
	op := rec.Request.Mode.Operation()

	rec, err = e.transition(storeCtx, id, jobs.Update{Status: jobs.StatusProcessing, Message: op + " in progress"}, log)
	if err != nil {
		log.Error("start job", "error", err)
		if !errors.Is(err, jobs.ErrInvalidTransition) {
			e.metrics.StoreFailure("start")
		}
		return
	}
	e.metrics.Started()
	started := time.Now()
	log.Info("job started", "mode", rec.Request.Mode)

	out, runErr := e.execute(ctx, rec, log)
	if settle != nil {
		settle()
	}
	if runErr == nil && errors.Is(context.Cause(ctx), errCanceledByClient) {
		runErr = errCanceledByClient
		out.result = nil
	}

	u := jobs.Update{Coordinates: out.coordinates, Warnings: out.warnings}
	if runErr != nil {
		u.Status = jobs.StatusFailed
		u.Message = "Operation failed: " + runErr.Error()
		u.Error = runErr.Error()
	} else {
		u.Status = jobs.StatusCompleted
		u.Message = op + " completed"
		u.Result = out.result
	}

	final, err := e.transition(storeCtx, id, u, log)
	if err != nil && u.Status == jobs.StatusCompleted && !errors.Is(err, jobs.ErrInvalidTransition) {
		log.Error("record result", "error", err)
		msg := fmt.Sprintf("record result: %v", err)
		final, err = e.transition(storeCtx, id, jobs.Update{
			Status:  jobs.StatusFailed,
			Message: "Operation failed: " + msg,
			Error:   msg,
		}, log)
	}
	if err != nil {
		log.Error("record outcome", "status", u.Status, "error", err)
		e.metrics.StoreFailure("finish")
		e.metrics.Finished("unrecorded", time.Since(started))
		return
	}

	e.metrics.Finished(string(final.Status), time.Since(started))
	if final.Status == jobs.StatusCompleted {
		log.Info("job completed", "restaurant", final.Result.Restaurant.Name, "took", time.Since(started))
	} else {
		log.Warn("job failed", "error", final.Error, "took", time.Since(started))
	}

	if e.notifier != nil {
		e.notifier.Dispatch(final)
	}
}

// get and transition retry store errors other than a missing record or a
// rejected transition, which no retry can fix.
func (e *Executor) get(ctx context.Context, id string, log *slog.Logger) (jobs.Record, error) {
	return backoff.Retry(ctx, func() (jobs.Record, error) {
		r, err := e.store.Get(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}, e.storeRetryOptions(log, "load")...)
}

func (e *Executor) transition(ctx context.Context, id string, u jobs.Update, log *slog.Logger) (jobs.Record, error) {
	return backoff.Retry(ctx, func() (jobs.Record, error) {
		r, err := e.store.Transition(ctx, id, u)
		if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrInvalidTransition) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}, e.storeRetryOptions(log, string(u.Status))...)
}

func (e *Executor) storeRetryOptions(log *slog.Logger, what string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(e.storeBackoff()),
		backoff.WithMaxTries(storeTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("store call failed, retrying", "op", what, "retry_in", next, "error", err)
		}),
	}
}

func (e *Executor) execute(ctx context.Context, rec jobs.Record, log *slog.Logger) (out outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			out.result = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.cfg.JobTimeout, ErrTimeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		return out, e.cause(ctx, ctx.Err())
	}

	coords, warnings := e.resolve(ctx, rec.Request, log)
	out.coordinates = &coords
	out.warnings = warnings

	sess, err := e.launcher.Launch(ctx, agent.LaunchOptions{Model: rec.Request.Model, Headless: e.cfg.Headless})
	if err != nil {
		return out, e.cause(ctx, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
		defer cancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			log.Warn("close agent session", "error", cerr)
		}
	}()

	res, err := sess.Run(ctx, agent.NewTask(rec.Request, coords))
	if err != nil {
		return out, e.cause(ctx, err)
	}
	if res == nil {
		return out, agent.ErrNoResult
	}
	out.result = res
	return out, nil
}

// resolve returns the search location. Geocoding failures degrade to the
// default location and are reported as a warning.
func (e *Executor) resolve(ctx context.Context, req booking.Request, log *slog.Logger) (booking.Coordinates, []string) {
	if c, ok := req.Coordinates(); ok {
		return c, nil
	}

	var err error
	if e.geocoder == nil {
		err = errors.New("no geocoder configured")
	} else {
		var c booking.Coordinates
		if c, err = e.geocoder.Geocode(ctx, req.City); err == nil {
			return c, nil
		}
	}

	def := e.cfg.DefaultLocation
	log.Warn("geocoding failed, using default location", "city", req.City, "error", err, "location", def.String())
	e.metrics.GeocodeFallback()
	return def, []string{fmt.Sprintf("could not resolve %q (%v); searched around default location %s instead", req.City, err, def)}
}

func (e *Executor) cause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return fmt.Errorf("%w: no result within %s", ErrTimeout, e.cfg.JobTimeout)
	case errors.Is(cause, ErrCanceled):
		return cause
	default:
		return fmt.Errorf("%w: %v", ErrCanceled, cause)
	}
}
