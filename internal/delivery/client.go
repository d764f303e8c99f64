// Package delivery sends commit payloads to the collection service.
//
// All calls go through one retrying transport: network failures and 5xx
// replies are retried with exponential backoff and jitter, 4xx replies are
// returned at once. Every outcome feeds a tri-state connection health value
// the dispatcher uses to decide when draining the retry queue is worthwhile.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"commitrelay/internal/logging"
	"commitrelay/internal/metrics"
	"commitrelay/internal/payload"
)

// HealthCheckTimeout bounds a HealthCheck call.
const HealthCheckTimeout = 5 * time.Second

// API paths on the collection service.
const (
	pathSession   = "/api/sessions/current"
	pathPushStats = "/api/git/push-stats"
	pathHealth    = "/health"
)

// Config configures a Client.
type Config struct {
	Endpoint  string
	Token     string
	Timeout   time.Duration
	UserAgent string
	Retry     RetryPolicy
}

// envelope is the response wrapper used by every endpoint.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type sessionData struct {
	Session *payload.Session `json:"session,omitempty"`
}

// Client talks to the collection service.
type Client struct {
	http    *resty.Client
	policy  RetryPolicy
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	health Health

	// test hooks
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
	now    func() time.Time
}

// New creates a Client. Resty's own retries stay disabled; the retry policy
// is applied here so health can be tracked per attempt.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "commitrelay"
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent)

	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	c := &Client{
		http:    httpClient,
		policy:  cfg.Retry,
		logger:  logger.WithComponent("delivery"),
		metrics: m,
		health:  InitialHealth(),
		sleep:   sleepContext,
		jitter:  rand.Float64,
		now:     time.Now,
	}
	c.metrics.SetConnection(string(c.health.State), 0)
	return c
}

// Health returns a snapshot of the connection bookkeeping.
func (c *Client) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// GetActiveSession returns the session currently open on the service, or nil
// when there is none. projectHint narrows the lookup when not empty.
func (c *Client) GetActiveSession(ctx context.Context, projectHint string) (*payload.Session, error) {
	resp, err := c.do(ctx, "session", func(r *resty.Request) (*resty.Response, error) {
		if projectHint != "" {
			r.SetQueryParam("project_id", projectHint)
		}
		return r.Get(pathSession)
	})
	if err != nil {
		var ce *ClientError
		if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	env, err := decodeEnvelope[sessionData]("session", resp)
	if err != nil {
		return nil, err
	}

	if !env.Success || env.Data == nil || env.Data.Session == nil {
		return nil, nil
	}
	return env.Data.Session, nil
}

// PushStats delivers p. It reports true only when the service acknowledged
// the push; otherwise the returned error says why.
func (c *Client) PushStats(ctx context.Context, p *payload.PushStatsPayload) (bool, error) {
	resp, err := c.do(ctx, "push", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(p).Post(pathPushStats)
	})
	if err != nil {
		return false, err
	}

	env, err := decodeEnvelope[payload.PushResult]("push", resp)
	if err != nil {
		return false, err
	}

	if !env.Success {
		return false, &RejectedError{Op: "push", Message: firstNonEmpty(env.Error, env.Message)}
	}

	var created, skipped int
	if env.Data != nil {
		created, skipped = env.Data.CommitsCreated, env.Data.CommitsSkipped
	}
	c.logger.Info("pushed commit stats",
		"project", p.ProjectName,
		"commits", len(p.Commits),
		"head", p.HeadSHA(),
		"created", created,
		"skipped", skipped,
	)
	return true, nil
}

// decodeEnvelope parses a 2xx body whatever Content-Type the service sent.
// A body that is not an envelope is a rejection, not a transport failure.
func decodeEnvelope[T any](op string, resp *resty.Response) (envelope[T], error) {
	var env envelope[T]
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return env, &RejectedError{Op: op, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return env, nil
}

// HealthCheck probes the service once with a fixed timeout. Any 2xx reply is
// healthy; everything else counts as a failure.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get(pathHealth)
	err = classify("health", resp, err)
	c.observe("health", err, time.Since(start))

	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		c.update(RecordFailure)
		return false
	}

	now := c.now()
	c.update(func(h Health) Health { return RecordSuccess(h, now) })
	return true
}

// do runs send until it succeeds, fails permanently or the retry budget is
// spent. Backoff sleeps stop early when ctx is cancelled.
func (c *Client) do(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.policy.JitteredDelay(attempt, c.jitter())
			c.update(MarkConnecting)
			c.logger.Debug("retrying request", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}

		start := time.Now()
		resp, err := send(c.http.R().SetContext(ctx))
		err = classify(op, resp, err)
		c.observe(op, err, time.Since(start))

		if err == nil {
			now := c.now()
			c.update(func(h Health) Health { return RecordSuccess(h, now) })
			return resp, nil
		}

		var ce *ClientError
		if errors.As(err, &ce) {
			now := c.now()
			c.update(func(h Health) Health { return RecordSuccess(h, now) })
			return resp, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}

		c.update(RecordFailure)
		lastErr = err
	}

	return nil, fmt.Errorf("%s after %d attempts: %w: %w", op, c.policy.MaxRetries+1, ErrRetriesExhausted, lastErr)
}

// update applies a health transition and publishes state changes.
func (c *Client) update(transition func(Health) Health) {
	c.mu.Lock()
	prev := c.health
	next := transition(prev)
	c.health = next
	c.mu.Unlock()

	c.metrics.SetConnection(string(next.State), next.ConsecutiveFailures)
	if prev.State != next.State {
		c.logger.Info("connection state changed",
			"from", prev.State,
			"to", next.State,
			"consecutive_failures", next.ConsecutiveFailures,
		)
	}
}

func (c *Client) observe(op string, err error, d time.Duration) {
	outcome := metrics.OutcomeSuccess
	var (
		ce *ClientError
		se *ServerError
	)
	switch {
	case err == nil:
	case errors.As(err, &ce):
		outcome = metrics.OutcomeClientError
	case errors.As(err, &se):
		outcome = metrics.OutcomeServerError
	default:
		outcome = metrics.OutcomeNetworkError
	}
	c.metrics.ObserveAttempt(op, outcome, d)
	c.logger.Debug("attempt finished", "op", op, "outcome", outcome, "duration", d)
}

// classify maps a resty result onto the error taxonomy. 2xx yields nil.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransientNetworkError{Op: op, Err: err}
	}
	code := resp.StatusCode()
	switch {
	case code >= 500:
		return &ServerError{Op: op, StatusCode: code, Message: responseMessage(resp)}
	case code >= 400:
		return &ClientError{Op: op, StatusCode: code, Message: responseMessage(resp)}
	case code < 200 || code >= 300:
		return &ServerError{Op: op, StatusCode: code, Message: responseMessage(resp)}
	}
	return nil
}

// responseMessage extracts the service's error text, falling back to the body.
func responseMessage(resp *resty.Response) string {
	body := resp.Body()
	var env envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err == nil {
		if msg := firstNonEmpty(env.Error, env.Message); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
