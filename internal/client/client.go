package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/booker-api/internal/auth"
	"github.com/example/booker-api/internal/jobs"
	"github.com/example/booker-api/internal/web"
)

const DefaultURL = "http://localhost:8000"

// APIError is a non-2xx response from the booking API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("booking api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("booking api: %s (status=%d)", e.Detail, e.StatusCode)
}

func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

type Client struct {
	hc      *http.Client
	baseURL string
	apiKey  string
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		hc:      &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (c *Client) Book(ctx context.Context, req web.BookRequest) (web.AcceptedResponse, error) {
	var out web.AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/book", req, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, id string) (web.StatusResponse, error) {
	var out web.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/status/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Poll fetches the job status every interval until it is terminal or ctx ends.
// onUpdate, if set, sees every response whose status or message changed.
func (c *Client) Poll(ctx context.Context, id string, interval time.Duration, onUpdate func(web.StatusResponse)) (web.StatusResponse, error) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var last web.StatusResponse
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return last, err
		}
		if onUpdate != nil && (st.Status != last.Status || st.Message != last.Message) {
			onUpdate(st)
		}
		last = st
		if st.Status == jobs.StatusCompleted || st.Status == jobs.StatusFailed {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}

	if res.StatusCode >= 400 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(b, &e)
		return &APIError{StatusCode: res.StatusCode, Detail: e.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
