package callback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/booker-api/internal/domain/booking"
	"github.com/example/booker-api/internal/jobs"
)

var hashKey = []byte("0123456789abcdef0123456789abcdef")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}
}

// completedRecord stores a finished job whose callback points at url.
func completedRecord(t *testing.T, store *jobs.MemoryStore, url string) jobs.Record {
	t.Helper()
	ctx := context.Background()
	req := booking.Request{City: "Amsterdam", CallbackURL: url}.WithDefaults(time.Now())
	_, err := store.Create(ctx, "booking_cb", req)
	require.NoError(t, err)
	_, err = store.Transition(ctx, "booking_cb", jobs.Update{Status: jobs.StatusProcessing, Message: "Booking in progress"})
	require.NoError(t, err)
	r, err := store.Transition(ctx, "booking_cb", jobs.Update{
		Status:  jobs.StatusCompleted,
		Message: "Booking completed",
		Result:  &booking.Result{Restaurant: booking.Restaurant{Name: "Ciel Bleu"}},
	})
	require.NoError(t, err)
	return r
}

type receiver struct {
	mu       sync.Mutex
	codes    []int
	calls    atomic.Int32
	payloads []Payload
	headers  []http.Header
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(rc.calls.Add(1))
	var p Payload
	_ = json.NewDecoder(r.Body).Decode(&p)

	rc.mu.Lock()
	rc.payloads = append(rc.payloads, p)
	rc.headers = append(rc.headers, r.Header.Clone())
	code := http.StatusOK
	if n <= len(rc.codes) {
		code = rc.codes[n-1]
	}
	rc.mu.Unlock()
	w.WriteHeader(code)
}

func (rc *receiver) received() ([]Payload, []http.Header) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]Payload(nil), rc.payloads...), append([]http.Header(nil), rc.headers...)
}

func TestDeliver_FirstAttempt(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, srv.URL)
	cfg := testConfig()
	cfg.HashKey = hashKey

	require.NoError(t, New(store, cfg, quietLogger(), nil).Deliver(context.Background(), rec))

	payloads, headers := rc.received()
	require.Len(t, payloads, 1)
	p := payloads[0]
	assert.Equal(t, jobs.StatusCompleted, p.Status)
	assert.Equal(t, "booking_cb", p.BookingID)
	assert.Equal(t, "Booking completed", p.Message)
	assert.Equal(t, "Ciel Bleu", p.Details.Result.Restaurant.Name)
	assert.Equal(t, "Amsterdam", p.Details.City)
	assert.Nil(t, p.Details.Callback)
	assert.Equal(t, "job.completed", headers[0].Get(EventHeader))
	assert.NotEmpty(t, headers[0].Get(SignatureHeader))

	got, err := store.Get(context.Background(), "booking_cb")
	require.NoError(t, err)
	assert.Equal(t, jobs.CallbackDelivered, got.Callback.Status)
	assert.Equal(t, 1, got.Callback.Attempts)
	assert.NotNil(t, got.Callback.DeliveredAt)
}

func TestNewPayload_OmitsCallbackState(t *testing.T) {
	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, "http://hooks.example/done")
	require.NotNil(t, rec.Callback)

	body, err := json.Marshal(NewPayload(rec))
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"callback"`)
	assert.NotNil(t, rec.Callback, "record itself is untouched")
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	rc := &receiver{codes: []int{http.StatusBadGateway, http.StatusRequestTimeout}}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, srv.URL)

	require.NoError(t, New(store, testConfig(), quietLogger(), nil).Deliver(context.Background(), rec))
	assert.Equal(t, int32(3), rc.calls.Load())

	got, err := store.Get(context.Background(), "booking_cb")
	require.NoError(t, err)
	assert.Equal(t, jobs.CallbackDelivered, got.Callback.Status)
	assert.Equal(t, 3, got.Callback.Attempts)
}

func TestDeliver_GivesUpWithoutTouchingJobStatus(t *testing.T) {
	rc := &receiver{codes: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, srv.URL)

	err := New(store, testConfig(), quietLogger(), nil).Deliver(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, int32(3), rc.calls.Load())

	got, err := store.Get(context.Background(), "booking_cb")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, jobs.CallbackFailed, got.Callback.Status)
	assert.Equal(t, 3, got.Callback.Attempts)
	assert.Contains(t, got.Callback.LastError, "500")
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	rc := &receiver{codes: []int{http.StatusNotFound}}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, srv.URL)

	err := New(store, testConfig(), quietLogger(), nil).Deliver(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, int32(1), rc.calls.Load())

	got, err := store.Get(context.Background(), "booking_cb")
	require.NoError(t, err)
	assert.Equal(t, jobs.CallbackFailed, got.Callback.Status)
	assert.Equal(t, 1, got.Callback.Attempts)
}

func TestDeliver_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, url)

	err := New(store, testConfig(), quietLogger(), nil).Deliver(context.Background(), rec)
	require.Error(t, err)

	got, err := store.Get(context.Background(), "booking_cb")
	require.NoError(t, err)
	assert.Equal(t, jobs.CallbackFailed, got.Callback.Status)
	assert.Equal(t, 3, got.Callback.Attempts)
}

func TestDispatch_WaitsForBackground(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	store := jobs.NewMemoryStore(0)
	rec := completedRecord(t, store, srv.URL)
	d := New(store, testConfig(), quietLogger(), nil)

	d.Dispatch(rec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, int32(1), rc.calls.Load())
}

func TestDispatch_SkipsNonTerminalAndMissingURL(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	d := New(jobs.NewMemoryStore(0), testConfig(), quietLogger(), nil)
	req := booking.Request{City: "Oslo", CallbackURL: srv.URL}
	d.Dispatch(jobs.Record{ID: "a", Status: jobs.StatusProcessing, Request: req})
	d.Dispatch(jobs.Record{ID: "b", Status: jobs.StatusFailed, Error: "x", Request: booking.Request{City: "Oslo"}})

	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(0), rc.calls.Load())
}

func TestSignVerify(t *testing.T) {
	sc := securecookie.New(hashKey, nil)
	body := []byte(`{"status":"failed"}`)

	sig, err := Sign(sc, body)
	require.NoError(t, err)
	require.NoError(t, Verify(sc, sig, body))

	assert.ErrorIs(t, Verify(sc, sig, []byte(`{"status":"completed"}`)), ErrBadSignature)
	assert.ErrorIs(t, Verify(securecookie.New([]byte("another-key-another-key-32-bytes"), nil), sig, body), ErrBadSignature)
}
