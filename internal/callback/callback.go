package callback

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/securecookie"

	"github.com/example/booker-api/internal/jobs"
	"github.com/example/booker-api/internal/metrics"
)

const (
	SignatureHeader = "X-Booker-Signature"
	EventHeader     = "X-Booker-Event"

	signatureName = "booker-callback"
)

var ErrBadSignature = errors.New("callback: bad signature")

type Config struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration

	// HashKey enables payload signing; BlockKey additionally encrypts the signature token.
	HashKey  []byte
	BlockKey []byte
}

func (c Config) withDefaults() Config {
	if c.Attempts < 1 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 30 * c.InitialBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Payload is the body POSTed to the caller's webhook.
type Payload struct {
	Status    jobs.Status  `json:"status"`
	Message   string       `json:"message"`
	BookingID string       `json:"booking_id"`
	Details   jobs.Details `json:"details"`
}

// NewPayload builds the webhook body for r. Details omits the callback
// sub-status, which the delivery itself is about to change.
func NewPayload(r jobs.Record) Payload {
	d := r.Details()
	d.Callback = nil
	return Payload{Status: r.Status, Message: r.Message, BookingID: r.ID, Details: d}
}

// Dispatcher delivers terminal job payloads to webhook URLs. Delivery outcome
// is written to the record's callback sub-status and never touches the job status.
type Dispatcher struct {
	hc      *http.Client
	store   jobs.Store
	cfg     Config
	signer  *securecookie.SecureCookie
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func New(store jobs.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		hc:      &http.Client{},
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "callback"),
		metrics: m,
	}
	if len(cfg.HashKey) > 0 {
		d.signer = securecookie.New(cfg.HashKey, cfg.BlockKey)
	}
	return d
}

// Dispatch starts delivery in the background. Records without a callback URL
// or not yet terminal are ignored.
func (d *Dispatcher) Dispatch(r jobs.Record) {
	if r.Request.CallbackURL == "" || !r.Status.Terminal() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Deliver(context.Background(), r)
	}()
}

// Wait blocks until background deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver POSTs the payload, retrying with exponential backoff.
func (d *Dispatcher) Deliver(ctx context.Context, r jobs.Record) error {
	url := r.Request.CallbackURL
	log := d.logger.With("booking_id", r.ID, "url", url)

	body, err := json.Marshal(NewPayload(r))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		d.metrics.CallbackAttempt()
		return struct{}{}, d.post(ctx, url, r.Status, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("callback attempt failed", "attempt", attempts, "retry_in", next, "error", err)
		}),
	)

	state := jobs.CallbackState{URL: url, Attempts: attempts}
	if err != nil {
		state.Status = jobs.CallbackFailed
		state.LastError = err.Error()
		log.Error("callback delivery failed", "attempts", attempts, "error", err)
	} else {
		now := time.Now().UTC()
		state.Status = jobs.CallbackDelivered
		state.DeliveredAt = &now
		log.Info("callback delivered", "attempts", attempts, "status", r.Status)
	}
	if serr := d.store.SetCallback(context.WithoutCancel(ctx), r.ID, state); serr != nil {
		log.Error("record callback state", "error", serr)
	}
	d.metrics.CallbackDone(string(state.Status))
	return err
}

func (d *Dispatcher) post(ctx context.Context, url string, status jobs.Status, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", "booker-api")
	req.Header.Set(EventHeader, "job."+string(status))
	if d.signer != nil {
		sig, err := Sign(d.signer, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(SignatureHeader, sig)
	}

	res, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	switch {
	case res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return fmt.Errorf("webhook responded %d", res.StatusCode)
	case res.StatusCode == http.StatusRequestTimeout || res.StatusCode >= 500:
		return fmt.Errorf("webhook responded %d", res.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook responded %d", res.StatusCode))
	}
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign produces the signature header value for body.
func Sign(sc *securecookie.SecureCookie, body []byte) (string, error) {
	return sc.Encode(signatureName, digest(body))
}

// Verify checks a signature header against body, for use by webhook receivers
// sharing the same keys.
func Verify(sc *securecookie.SecureCookie, header string, body []byte) error {
	var got string
	if err := sc.Decode(signatureName, header, &got); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(digest(body))) != 1 {
		return ErrBadSignature
	}
	return nil
}
