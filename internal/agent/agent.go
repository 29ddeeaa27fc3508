package agent

import (
	"context"
	"errors"

	"github.com/example/booker-api/internal/domain/booking"
)

var ErrNoResult = errors.New("agent: no result returned")

type LaunchOptions struct {
	Model    string
	Headless bool
}

// Launcher acquires an agent session. Every successful Launch must be paired
// with a Close on the returned Session.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

type Session interface {
	Run(ctx context.Context, t Task) (*booking.Result, error)
	Close(ctx context.Context) error
}
