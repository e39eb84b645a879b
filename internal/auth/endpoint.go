package auth

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

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/apiclient"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/pkg/utilities"
)

const (
	pathLogin   = "/auth/login"
	pathLogout  = "/auth/logout"
	pathRefresh = "/auth/refresh"
)

// authResponse is returned by both login and refresh.
type authResponse struct {
	Token  string          `json:"token"`
	User   *session.User   `json:"user"`
	Tenant *session.Tenant `json:"tenant"`
}

// Option configures the auth endpoints.
type Option func(*endpoint)

func WithLogger(l *zap.SugaredLogger) Option { return func(e *endpoint) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *endpoint) { e.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(e *endpoint) { e.tracer = t } }

// WithTimeout bounds a single auth call, including a shared refresh.
func WithTimeout(d time.Duration) Option { return func(e *endpoint) { e.timeout = d } }

// endpoint holds what the auth calls share. They bypass apiclient.Client:
// a refresh must never itself trigger a refresh.
type endpoint struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func newEndpoint(baseURL string, hc *http.Client, opts []Option) (*endpoint, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	e := &endpoint{
		base:    base,
		http:    hc,
		timeout: 15 * time.Second,
		logger:  zap.NewNop().Sugar(),
		tracer:  noop.NewTracerProvider().Tracer("auth"),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// post sends body as JSON. The caller owns resp.Body.
func (e *endpoint) post(ctx context.Context, path string, body any, token string) (*http.Response, error) {
	ctx, span := e.tracer.Start(ctx, "auth"+path, trace.WithAttributes(attribute.String("http.path", path)))
	defer span.End()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base.JoinPath(path).String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Request-ID", utilities.NewRequestID())

	start := time.Now()
	resp, err := e.http.Do(req)
	if err != nil {
		e.metrics.ObserveRequest(http.MethodPost, 0, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, &apiclient.NetworkError{Op: "POST " + path, Err: err}
	}
	e.metrics.ObserveRequest(http.MethodPost, resp.StatusCode, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func decodeAuth(resp *http.Response) (authResponse, error) {
	defer resp.Body.Close()
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return authResponse{}, fmt.Errorf("decode auth response: %w", err)
	}
	if out.Token == "" {
		return authResponse{}, fmt.Errorf("decode auth response: empty token")
	}
	return out, nil
}

// install writes a successful auth response into the store.
func install(store *session.Store, ar authResponse) {
	store.SetAuth(ar.Token, ar.User, ar.Tenant, expiry(ar.Token))
}

// installIf is install unless the session was cleared since gen was taken.
func installIf(store *session.Store, gen uint64, ar authResponse) bool {
	return store.SetAuthIf(gen, ar.Token, ar.User, ar.Tenant, expiry(ar.Token))
}

func expiry(token string) time.Time {
	if c, ok := InspectToken(token); ok {
		return c.ExpiresAt
	}
	return time.Time{}
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
