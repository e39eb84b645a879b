package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/pkg/utilities"
)

// TokenRefresher obtains a fresh access token. ("", nil) means the session was
// rejected and already cleared; a non-nil error means the failure is transient
// and the session was kept.
type TokenRefresher interface {
	GetValidToken(ctx context.Context) (string, error)
}

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Client is the authenticated request wrapper every resource call goes
// through. It attaches the bearer token, sends the cookie jar's credentials,
// and on a 401 refreshes once and retries once.
type Client struct {
	base      *url.URL
	http      *http.Client
	store     *session.Store
	refresher TokenRefresher
	limiter   *RateLimiter
	skew      time.Duration
	now       func() time.Time

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Client) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

func WithRateLimiter(rl *RateLimiter) Option { return func(c *Client) { c.limiter = rl } }

// WithRefreshSkew refreshes before sending when the token's known expiry is
// closer than d. Zero disables proactive refresh.
func WithRefreshSkew(d time.Duration) Option { return func(c *Client) { c.skew = d } }

// New builds a Client. hc should carry a cookie jar so the refresh credential
// set by the server travels with every call.
func New(baseURL string, hc *http.Client, store *session.Store, refresher TokenRefresher, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		base:      base,
		http:      hc,
		store:     store,
		refresher: refresher,
		now:       time.Now,
		logger:    zap.NewNop().Sugar(),
		tracer:    noop.NewTracerProvider().Tracer("apiclient"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Limiter exposes the outgoing limiter, nil when unlimited.
func (c *Client) Limiter() *RateLimiter { return c.limiter }

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path}, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, nil)
}

// Do performs req and decodes a 2xx JSON body into out (if non-nil). A 204
// leaves out untouched. At most two network attempts are made.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	payload, err := encodeBody(req.Body)
	if err != nil {
		return err
	}

	st := c.store.Get()
	token := st.Token
	if token != "" && c.expiringSoon(st.ExpiresAt) {
		fresh, rerr := c.refresher.GetValidToken(ctx)
		switch {
		case rerr == nil && fresh == "":
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrAuthExpired)
		case rerr == nil:
			token = fresh
		default:
			// transient: the old token may still be accepted
			c.logger.Debugw("proactive refresh failed", "error", rerr)
		}
	}

	resp, err := c.send(ctx, req, payload, token, 1)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		drain(resp)
		fresh, rerr := c.refresher.GetValidToken(ctx)
		if rerr != nil {
			return fmt.Errorf("%s %s: refresh: %w", req.Method, req.Path, rerr)
		}
		if fresh == "" {
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrAuthExpired)
		}
		resp, err = c.send(ctx, req, payload, fresh, 2)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			c.logger.Infow("request unauthorized after refresh; clearing session", "method", req.Method, "path", req.Path)
			c.store.ClearAuth()
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrAuthExpired)
		}
	}

	return c.handle(resp, out)
}

func (c *Client) expiringSoon(exp time.Time) bool {
	if c.skew <= 0 || exp.IsZero() {
		return false
	}
	return c.now().Add(c.skew).After(exp)
}

func (c *Client) send(ctx context.Context, req Request, payload []byte, token string, attempt int) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "apiclient.request", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait")
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	reqID := utilities.NewRequestID()
	httpReq.Header.Set("X-Request-ID", reqID)

	start := c.now()
	resp, err := c.http.Do(httpReq)
	dur := c.now().Sub(start)
	if err != nil {
		c.metrics.ObserveRequest(req.Method, 0, dur.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Warnw("api request failed", "method", req.Method, "path", req.Path, "request_id", reqID, "attempt", attempt, "error", err)
		return nil, &NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}

	c.metrics.ObserveRequest(req.Method, resp.StatusCode, dur.Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}
	c.logger.Debugw("api request",
		"method", req.Method,
		"path", req.Path,
		"request_id", reqID,
		"attempt", attempt,
		"status", resp.StatusCode,
		"duration_ms", float64(dur.Microseconds())/1000.0,
	)
	return resp, nil
}

func (c *Client) handle(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DecodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
