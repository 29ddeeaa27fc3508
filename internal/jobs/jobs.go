package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/booker-api/internal/domain/booking"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound          = errors.New("jobs: not found")
	ErrDuplicateID       = errors.New("jobs: duplicate id")
	ErrInvalidTransition = errors.New("jobs: invalid transition")
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackDelivered CallbackStatus = "delivered"
	CallbackFailed    CallbackStatus = "failed"
)

// CallbackState tracks webhook delivery for a job. It never influences Status.
type CallbackState struct {
	URL         string         `json:"url"`
	Status      CallbackStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

type Record struct {
	ID          string
	Status      Status
	Message     string
	Request     booking.Request
	Result      *booking.Result
	Error       string
	Warnings    []string
	Coordinates *booking.Coordinates
	Callback    *CallbackState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a snapshot sharing no mutable state with r.
func (r Record) Clone() Record {
	r.Request = r.Request.Clone()
	r.Result = r.Result.Clone()
	if r.Warnings != nil {
		r.Warnings = append([]string(nil), r.Warnings...)
	}
	if r.Coordinates != nil {
		c := *r.Coordinates
		r.Coordinates = &c
	}
	if r.Callback != nil {
		cb := *r.Callback
		if cb.DeliveredAt != nil {
			at := *cb.DeliveredAt
			cb.DeliveredAt = &at
		}
		r.Callback = &cb
	}
	return r
}

// Details is the request-and-result snapshot returned by the status endpoint
// and carried in webhook payloads.
type Details struct {
	booking.Request
	ResolvedCoordinates *booking.Coordinates `json:"resolved_coordinates,omitempty"`
	Result              *booking.Result      `json:"result,omitempty"`
	Error               string               `json:"error,omitempty"`
	Warnings            []string             `json:"warnings,omitempty"`
	Callback            *CallbackState       `json:"callback,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func (r Record) Details() Details {
	c := r.Clone()
	return Details{
		Request:             c.Request,
		ResolvedCoordinates: c.Coordinates,
		Result:              c.Result,
		Error:               c.Error,
		Warnings:            c.Warnings,
		Callback:            c.Callback,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// Update describes one state change. Result must be set exactly when moving to
// completed and Error exactly when moving to failed. Warnings are appended.
type Update struct {
	Status      Status
	Message     string
	Result      *booking.Result
	Error       string
	Warnings    []string
	Coordinates *booking.Coordinates
}

type Store interface {
	Create(ctx context.Context, id string, req booking.Request) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Transition(ctx context.Context, id string, u Update) (Record, error)
	SetCallback(ctx context.Context, id string, cb CallbackState) error
}

func newRecord(id string, req booking.Request, now time.Time) Record {
	r := Record{
		ID:        id,
		Status:    StatusPending,
		Message:   req.Mode.Started(),
		Request:   req.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.CallbackURL != "" {
		r.Callback = &CallbackState{URL: req.CallbackURL, Status: CallbackPending}
	}
	return r
}

// apply validates u against r and returns the updated record. r is left untouched
// on error so a rejected update never becomes visible.
func apply(r Record, u Update, now time.Time) (Record, error) {
	if err := ValidateTransition(r.Status, u.Status); err != nil {
		return r, fmt.Errorf("%s: %w", r.ID, err)
	}
	switch u.Status {
	case StatusCompleted:
		if u.Result == nil || u.Error != "" {
			return r, fmt.Errorf("%s: %w: completed requires a result and no error", r.ID, ErrInvalidTransition)
		}
	case StatusFailed:
		if u.Error == "" || u.Result != nil {
			return r, fmt.Errorf("%s: %w: failed requires an error and no result", r.ID, ErrInvalidTransition)
		}
	default:
		if u.Result != nil || u.Error != "" {
			return r, fmt.Errorf("%s: %w: %s carries no outcome", r.ID, ErrInvalidTransition, u.Status)
		}
	}

	out := r.Clone()
	out.Status = u.Status
	out.Message = u.Message
	out.Result = u.Result.Clone()
	out.Error = u.Error
	if len(u.Warnings) > 0 {
		out.Warnings = append(out.Warnings, u.Warnings...)
	}
	if u.Coordinates != nil {
		c := *u.Coordinates
		out.Coordinates = &c
	}
	out.UpdatedAt = now
	return out, nil
}
