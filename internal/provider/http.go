package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weftlabs/weft/internal/backoff"
	"github.com/weftlabs/weft/internal/core"
)

// HTTPConfig configures a JSON-over-HTTP adapter.
type HTTPConfig struct {
	Name       string            `json:"name" mapstructure:"name"`
	URL        string            `json:"url" mapstructure:"url"`
	ReviewURL  string            `json:"reviewUrl,omitempty" mapstructure:"reviewUrl"`
	Headers    map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Timeout    time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`
	MaxRetries int               `json:"maxRetries,omitempty" mapstructure:"maxRetries"`
}

// HTTP posts dispatch requests to a remote adapter endpoint. Responses with
// status 429 or 5xx are retried with doubling backoff; other errors surface
// immediately.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP adapter.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http provider %q: missing url", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (h *HTTP) Name() string { return h.cfg.Name }

func (h *HTTP) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	var res DispatchResult
	if err := h.post(ctx, h.cfg.URL, req, dispatchResultSchema, &res); err != nil {
		return nil, err
	}
	if res.ActualProvider == "" {
		res.ActualProvider = h.cfg.Name
	}
	return &res, nil
}

func (h *HTTP) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	if h.cfg.ReviewURL == "" {
		return nil, fmt.Errorf("http provider %q: review endpoint not configured", h.cfg.Name)
	}
	var res ReviewResult
	if err := h.post(ctx, h.cfg.ReviewURL, req, reviewResultSchema, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (h *HTTP) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

func (h *HTTP) post(ctx context.Context, url string, body any, contract *wireSchema, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	policy := backoff.Exponential{Delay: 500 * time.Millisecond, MaxInterval: 8 * time.Second}
	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range h.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{status: resp.StatusCode, body: core.PreviewOf(string(raw))}
		}
		if err := contract.Check(raw); err != nil {
			return &contractError{err: err}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return backoff.Retry(ctx, op, policy, h.cfg.MaxRetries, retriableStatus)
}

// contractError marks a well-formed response that violates the wire schema.
// Retrying cannot fix it, so it is surfaced immediately.
type contractError struct {
	err error
}

func (e *contractError) Error() string { return e.err.Error() }
func (e *contractError) Unwrap() error { return e.err }

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func retriableStatus(err error) bool {
	var ce *contractError
	if errors.As(err, &ce) {
		return false
	}
	se, ok := err.(*statusError)
	if !ok {
		// Transport-level failures are worth retrying too.
		return true
	}
	return se.status == http.StatusTooManyRequests || se.status >= http.StatusInternalServerError
}
