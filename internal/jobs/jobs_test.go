package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/booker-api/internal/domain/booking"
)

func testRequest() booking.Request {
	return booking.Request{City: "Amsterdam", Mode: booking.ModeInformational}.
		WithDefaults(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusProcessing, StatusPending, false},
		{StatusProcessing, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{Status("archived"), StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	req := testRequest()
	req.CallbackURL = "https://example.com/hook"
	r, err := s.Create(ctx, "booking_1", req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	require.NotNil(t, r.Callback)
	assert.Equal(t, CallbackPending, r.Callback.Status)

	got, err := s.Get(ctx, "booking_1")
	require.NoError(t, err)
	assert.Equal(t, req, got.Request)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)
}

func TestMemoryStore_DuplicateID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	_, err := s.Create(ctx, "booking_1", testRequest())
	require.NoError(t, err)
	_, err = s.Create(ctx, "booking_1", testRequest())
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	_, err := s.Get(ctx, "booking_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Transition(ctx, "booking_missing", Update{Status: StatusProcessing})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.SetCallback(ctx, "booking_missing", CallbackState{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OutcomeInvariants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_, err := s.Create(ctx, "b", testRequest())
	require.NoError(t, err)

	_, err = s.Transition(ctx, "b", Update{Status: StatusProcessing, Error: "early"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(ctx, "b", Update{Status: StatusProcessing, Message: "Booking in progress"})
	require.NoError(t, err)

	_, err = s.Transition(ctx, "b", Update{Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed without result")

	_, err = s.Transition(ctx, "b", Update{Status: StatusFailed, Error: "x", Result: &booking.Result{}})
	assert.ErrorIs(t, err, ErrInvalidTransition, "failed with result")

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "rejected updates are not visible")

	done, err := s.Transition(ctx, "b", Update{
		Status:  StatusCompleted,
		Message: "done",
		Result:  &booking.Result{Restaurant: booking.Restaurant{Name: "De Kas"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "De Kas", done.Result.Restaurant.Name)

	_, err = s.Transition(ctx, "b", Update{Status: StatusFailed, Error: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal states are final")
}

func TestMemoryStore_SnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_, err := s.Create(ctx, "b", testRequest())
	require.NoError(t, err)
	_, err = s.Transition(ctx, "b", Update{Status: StatusProcessing, Warnings: []string{"w1"}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	got.Warnings[0] = "mutated"
	got.Request.City = "Elsewhere"

	again, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, again.Warnings)
	assert.Equal(t, "Amsterdam", again.Request.City)
}

func TestMemoryStore_ConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_, err := s.Create(ctx, "b", testRequest())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, "b", Update{Status: StatusProcessing}); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted, "exactly one writer wins")
}

func TestMemoryStore_ConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("booking_%d", i)
			_, err := s.Create(ctx, id, testRequest())
			assert.NoError(t, err)
			_, err = s.Transition(ctx, id, Update{Status: StatusProcessing})
			assert.NoError(t, err)
			_, err = s.Transition(ctx, id, Update{Status: StatusFailed, Error: "boom", Message: "Operation failed: boom"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, s.Len())
}

func TestMemoryStore_EvictsOldestTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	finish := func(id string) {
		_, err := s.Transition(ctx, id, Update{Status: StatusProcessing})
		require.NoError(t, err)
		_, err = s.Transition(ctx, id, Update{Status: StatusFailed, Error: "x"})
		require.NoError(t, err)
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id, testRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Len(), "in-flight records are never evicted")

	finish("b")
	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryStore_KeepsPendingCallbacks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(1)

	req := testRequest()
	req.CallbackURL = "https://example.com/hook"
	for _, id := range []string{"a", "b"} {
		_, err := s.Create(ctx, id, req)
		require.NoError(t, err)
		_, err = s.Transition(ctx, id, Update{Status: StatusProcessing})
		require.NoError(t, err)
		_, err = s.Transition(ctx, id, Update{Status: StatusFailed, Error: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.SetCallback(ctx, "a", CallbackState{URL: req.CallbackURL, Status: CallbackDelivered, Attempts: 1}))
	_, err := s.Create(ctx, "c", testRequest())
	require.NoError(t, err)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordDetails(t *testing.T) {
	r := newRecord("b", testRequest(), time.Unix(0, 0))
	r.Warnings = []string{"geocode fallback"}
	r.Coordinates = &booking.Coordinates{Latitude: 1, Longitude: 2}

	d := r.Details()
	assert.Equal(t, "Amsterdam", d.City)
	assert.Equal(t, []string{"geocode fallback"}, d.Warnings)
	assert.Equal(t, 1.0, d.ResolvedCoordinates.Latitude)
	assert.Nil(t, d.Result)
}
