package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/booker-api/internal/domain/booking"
)

var amsterdam = booking.Coordinates{Latitude: 52.373992, Longitude: 4.8858433}

func request(mode booking.Mode) booking.Request {
	return booking.Request{City: "Amsterdam", Mode: mode}.WithDefaults(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
}

func TestInstructions_Informational(t *testing.T) {
	s := NewTask(request(booking.ModeInformational), amsterdam).Instructions()

	assert.True(t, strings.HasPrefix(s, "1. Go to https://www.google.com/maps/search/restaurants/@52.373992,4.8858433,14z"))
	assert.Contains(t, s, "top restaurants for dinner in the city 'Amsterdam'")
	assert.Contains(t, s, "STOP HERE")
	assert.NotContains(t, s, "confirm the booking")
	assert.NotContains(t, s, `"booking":`)
}

func TestInstructions_Booking(t *testing.T) {
	req := request(booking.ModeBooking)
	req.FirstName = "Ada"
	req.PartySize = 4

	s := NewTask(req, amsterdam).Instructions()

	assert.Contains(t, s, "Set the date to '2026-06-02', the time to '18:00', and the number of people to 4.")
	assert.Contains(t, s, "First name: 'Ada', Last name: 'N/A'")
	assert.Contains(t, s, "enter: 'No special requests'")
	assert.Contains(t, s, "click reserve a table")
	assert.NotContains(t, s, "STOP HERE")
}

func TestInstructions_RestaurantName(t *testing.T) {
	req := request(booking.ModeBooking)
	req.RestaurantName = "Rijks"

	s := NewTask(req, amsterdam).Instructions()

	assert.Contains(t, s, "4. Search for 'Rijks' in the search bar")
	assert.NotContains(t, s, "select a popular restaurant")
}

func TestInstructions_CoordinatesOnly(t *testing.T) {
	req := request(booking.ModeInformational)
	req.City = ""

	s := NewTask(req, booking.Coordinates{Latitude: 1.5, Longitude: -2}).Instructions()
	assert.Contains(t, s, "in the city '1.5,-2'")
}

type fakeRunner struct {
	launched, closed atomic.Int32
	result           string
	status           int
}

func (f *fakeRunner) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var in launchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "gpt-4.1", in.Model)
		assert.True(t, in.Headless)
		f.launched.Add(1)
		_, _ = w.Write([]byte(`{"session_id":"s-1"}`))
	})
	mux.HandleFunc("POST /sessions/s-1/tasks", func(w http.ResponseWriter, r *http.Request) {
		var in runRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "booking_result", in.OutputSchema)
		assert.Contains(t, in.Task, "1. Go to")
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
		_, _ = w.Write([]byte(f.result))
	})
	mux.HandleFunc("DELETE /sessions/s-1", func(w http.ResponseWriter, r *http.Request) {
		f.closed.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func runOnce(t *testing.T, f *fakeRunner) (*booking.Result, error) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	ctx := context.Background()
	sess, err := NewRunner(srv.URL, time.Second).Launch(ctx, LaunchOptions{Model: "gpt-4.1", Headless: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sess.Close(ctx)) }()
	return sess.Run(ctx, NewTask(request(booking.ModeInformational), amsterdam))
}

func TestRunner_Success(t *testing.T) {
	f := &fakeRunner{result: `{"result":{"restaurant":{"name":"De Kas","address":"Kamerlingh Onneslaan 3","rating":4.6}}}`}

	res, err := runOnce(t, f)
	require.NoError(t, err)
	assert.Equal(t, "De Kas", res.Restaurant.Name)
	assert.Equal(t, 4.6, *res.Restaurant.Rating)
	assert.Nil(t, res.Booking)
	assert.Equal(t, int32(1), f.launched.Load())
	assert.Equal(t, int32(1), f.closed.Load())
}

func TestRunner_AgentError(t *testing.T) {
	res, err := runOnce(t, &fakeRunner{result: `{"error":"navigation failed: consent dialog"}`})
	assert.Nil(t, res)
	assert.EqualError(t, err, "navigation failed: consent dialog")
}

func TestRunner_NoResult(t *testing.T) {
	_, err := runOnce(t, &fakeRunner{result: `{"result":null}`})
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestRunner_HTTPError(t *testing.T) {
	_, err := runOnce(t, &fakeRunner{status: http.StatusBadGateway, result: `{"detail":"browser crashed"}`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser crashed")
	assert.Contains(t, err.Error(), "status=502")
}

func TestRunner_LaunchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRunner(srv.URL, time.Second).Launch(context.Background(), LaunchOptions{})
	assert.ErrorContains(t, err, "launch session")
}
