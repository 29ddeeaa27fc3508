package agent

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

	"github.com/example/booker-api/internal/domain/booking"
)

// Runner talks to an external browser-automation service that hosts the
// LLM-driven agent. One session maps to one browser instance on the runner.
type Runner struct {
	hc      *http.Client
	baseURL string
}

func NewRunner(baseURL string, timeout time.Duration) *Runner {
	return &Runner{
		hc:      &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type launchRequest struct {
	Model    string `json:"model"`
	Headless bool   `json:"headless"`
}

type launchResponse struct {
	SessionID string `json:"session_id"`
}

type runRequest struct {
	Task         string          `json:"task"`
	Mode         booking.Mode    `json:"mode"`
	OutputSchema string          `json:"output_schema"`
	Params       booking.Request `json:"params"`
}

type runResponse struct {
	Result *booking.Result `json:"result"`
	Error  string          `json:"error"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (r *Runner) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	var out launchResponse
	if err := r.do(ctx, http.MethodPost, "/sessions", launchRequest(opts), &out); err != nil {
		return nil, fmt.Errorf("launch session: %w", err)
	}
	if out.SessionID == "" {
		return nil, errors.New("launch session: runner returned no session id")
	}
	return &runnerSession{r: r, id: out.SessionID}, nil
}

type runnerSession struct {
	r  *Runner
	id string
}

func (s *runnerSession) Run(ctx context.Context, t Task) (*booking.Result, error) {
	var out runResponse
	body := runRequest{
		Task:         t.Instructions(),
		Mode:         t.Request.Mode,
		OutputSchema: "booking_result",
		Params:       t.Request,
	}
	if err := s.r.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(s.id)+"/tasks", body, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	if out.Result == nil || out.Result.Restaurant.Name == "" {
		return nil, ErrNoResult
	}
	return out.Result, nil
}

func (s *runnerSession) Close(ctx context.Context) error {
	err := s.r.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(s.id), nil, nil)
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}

func (r *Runner) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")

	res, err := r.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}

	if res.StatusCode >= 400 {
		var e errorResponse
		_ = json.Unmarshal(b, &e)
		if e.Detail != "" {
			return fmt.Errorf("runner: %s (status=%d)", e.Detail, res.StatusCode)
		}
		return fmt.Errorf("runner: status=%d", res.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("runner: decode: %w", err)
	}
	return nil
}
