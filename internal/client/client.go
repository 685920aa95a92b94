// Package client is the producer SDK: it buffers run and step events,
// ships them to the ingestion API in batches and retries transient failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"veriops/internal/events"
	"veriops/internal/reconcile"
	"veriops/internal/validation"
)

type Config struct {
	BaseURL   string
	APIKey    string
	ProjectID string

	// MaxBatchEvents caps a single POST; FlushThreshold triggers an automatic
	// flush from Enqueue.
	MaxBatchEvents int
	FlushThreshold int

	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	HTTPClient *http.Client
	Log        *slog.Logger
}

func (c *Config) setDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 100
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 300 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.2
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// DefaultConfig returns the stock retry policy: five retries starting at
// 300ms, capped at 5s, with ±20% jitter.
func DefaultConfig(baseURL, apiKey, projectID string) Config {
	return Config{BaseURL: baseURL, APIKey: apiKey, ProjectID: projectID, MaxRetries: 5}
}

type Client struct {
	cfg Config

	now func() time.Time

	mu  sync.Mutex
	buf []events.Event
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, now: time.Now}
}

// FlushResult aggregates the server responses for every chunk sent. Error
// and warning indices refer to positions in the flushed buffer, not in the
// chunk that carried them.
type FlushResult struct {
	Status     string
	Ingested   int
	Failed     int
	Errors     []reconcile.EventError
	Warnings   []reconcile.EventWarning
	HTTPStatus int
}

func (r FlushResult) OK() bool { return r.Status == reconcile.BatchOK }

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("veriops api: HTTP %d: %s", e.Code, e.Body)
}

// retryable reports whether err is a network failure, a timeout or a 5xx.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Enqueue buffers ev. When the buffer reaches the flush threshold it is
// flushed and the result returned; otherwise the result is nil.
func (c *Client) Enqueue(ctx context.Context, ev events.Event) (*FlushResult, error) {
	c.mu.Lock()
	c.buf = append(c.buf, ev)
	full := len(c.buf) >= c.cfg.FlushThreshold
	c.mu.Unlock()
	if !full {
		return nil, nil
	}
	res, err := c.Flush(ctx)
	return &res, err
}

// Buffered returns the number of events waiting to be flushed.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Flush drains the buffer and sends it in chunks of MaxBatchEvents. Delivery
// is at least once: events of a chunk that ultimately fails are not put back,
// and chunks after it are not sent.
func (c *Client) Flush(ctx context.Context) (FlushResult, error) {
	c.mu.Lock()
	pending := c.buf
	c.buf = nil
	c.mu.Unlock()

	total := FlushResult{
		Status:   reconcile.BatchOK,
		Errors:   []reconcile.EventError{},
		Warnings: []reconcile.EventWarning{},
	}
	for start := 0; start < len(pending); start += c.cfg.MaxBatchEvents {
		end := min(start+c.cfg.MaxBatchEvents, len(pending))
		res, err := c.send(ctx, pending[start:end])
		if err != nil {
			total.Status = "error"
			total.Failed += len(pending) - start
			var se *StatusError
			if errors.As(err, &se) {
				total.HTTPStatus = se.Code
			}
			c.cfg.Log.Warn("flush failed", "events", len(pending)-start, "error", err)
			return total, err
		}
		total.Ingested += res.Ingested
		total.Failed += res.Failed
		for _, e := range res.Errors {
			e.Index += start
			total.Errors = append(total.Errors, e)
		}
		for _, w := range res.Warnings {
			w.Index += start
			total.Warnings = append(total.Warnings, w)
		}
		total.HTTPStatus = http.StatusOK
		if res.Status != reconcile.BatchOK {
			total.Status = res.Status
		}
	}
	return total, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = c.cfg.BackoffJitter
	b.Reset()
	return b
}

func (c *Client) send(ctx context.Context, chunk []events.Event) (reconcile.BatchResult, error) {
	raw := make([]json.RawMessage, len(chunk))
	for i, ev := range chunk {
		b, err := events.Marshal(ev)
		if err != nil {
			return reconcile.BatchResult{}, fmt.Errorf("encode event %d: %w", i, err)
		}
		raw[i] = b
	}
	body, err := json.Marshal(events.Batch{Events: raw})
	if err != nil {
		return reconcile.BatchResult{}, err
	}

	attempt := 0
	op := func() (reconcile.BatchResult, error) {
		attempt++
		var res reconcile.BatchResult
		err := c.do(ctx, http.MethodPost, "/v1/events", body, &res)
		if err != nil && !retryable(ctx, err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.cfg.Log.Info("retrying flush", "attempt", attempt, "max_retries", c.cfg.MaxRetries, "in", d, "error", err)
		}),
	)
}

// ValidateRun asks the API to validate runID. A nil runbookYAML uses the
// run's stored runbook.
func (c *Client) ValidateRun(ctx context.Context, runID uuid.UUID, runbookYAML *string) (*validation.Result, error) {
	body, err := json.Marshal(map[string]*string{"runbook_yaml": runbookYAML})
	if err != nil {
		return nil, err
	}
	var res validation.Result
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+runID.String()+"/validate", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
