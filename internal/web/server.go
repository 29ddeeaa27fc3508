package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/booker-api/internal/auth"
	"github.com/example/booker-api/internal/domain/booking"
	"github.com/example/booker-api/internal/jobs"
	"github.com/example/booker-api/internal/orchestrator"
	"github.com/example/booker-api/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// Jobs is the part of the orchestrator the HTTP layer needs.
type Jobs interface {
	Submit(ctx context.Context, req booking.Request) (string, error)
	Status(ctx context.Context, id string) (jobs.Record, error)
	Cancel(ctx context.Context, id string) error
}

type Server struct {
	Jobs    Jobs
	Keys    *auth.Keys
	Limiter *Limiter
	Metrics http.Handler
	Logger  *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Restaurant Booking API is running"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Group(func(r chi.Router) {
		if s.Limiter != nil {
			r.Use(s.Limiter.Middleware(ClientKey(s.Keys)))
		}
		r.Use(s.Keys.Require(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		}))
		r.Post("/book", s.handleBook)
		r.Get("/status/{booking_id}", s.handleStatus)
		r.Post("/status/{booking_id}/cancel", s.handleCancel)
	})

	return r
}

// BookRequest is the POST /book body. TestMode is the older spelling of
// mode=informational and is still accepted.
type BookRequest struct {
	booking.Request
	TestMode *bool `json:"test_mode,omitempty"`
}

func (b BookRequest) toRequest() (booking.Request, error) {
	req := b.Request
	if b.TestMode != nil {
		want := booking.ModeBooking
		if *b.TestMode {
			want = booking.ModeInformational
		}
		if req.Mode != "" && req.Mode != want {
			return req, fmt.Errorf("%w: test_mode conflicts with mode %q", booking.ErrInvalidRequest, req.Mode)
		}
		req.Mode = want
	}
	return req, nil
}

type AcceptedResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	BookingID string `json:"booking_id"`
}

type StatusResponse struct {
	Status    jobs.Status  `json:"status"`
	Message   string       `json:"message"`
	BookingID string       `json:"booking_id"`
	Details   jobs.Details `json:"details"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var in BookRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req, err := in.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = booking.ModeBooking
	}
	// Submit may have forced the mode; the stored record is authoritative.
	if rec, err := s.Jobs.Status(r.Context(), id); err == nil {
		mode = rec.Request.Mode
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Status:    "accepted",
		Message:   mode.Started() + ". You can check the status using the booking ID.",
		BookingID: id,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "booking_id")
	rec, err := s.Jobs.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    rec.Status,
		Message:   rec.Message,
		BookingID: rec.ID,
		Details:   rec.Details(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "booking_id")
	if err := s.Jobs.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Status:    "accepted",
		Message:   "Cancellation requested",
		BookingID: id,
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, booking.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "Booking ID not found")
		return
	case errors.Is(err, orchestrator.ErrNotCancelable):
		code = http.StatusConflict
	case errors.Is(err, scheduler.ErrPoolFull), errors.Is(err, scheduler.ErrPoolClosed):
		w.Header().Set("Retry-After", "5")
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.Logger.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorResponse{Detail: detail})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Start serves h on addr until ctx is canceled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
