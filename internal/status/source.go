package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/apiclient"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/cache"
)

// Requester is the part of apiclient.Client the status package needs.
type Requester interface {
	Do(ctx context.Context, req apiclient.Request, out any) error
}

const cacheKey = "statuses"

// Source serves the authoritative StatusConfig from the settings endpoint,
// cached with the query cache's staleness window. Until the endpoint has
// answered, and whenever it fails without a previous answer, the built-in
// table is served instead.
type Source struct {
	client   Requester
	path     string
	cache    *cache.QueryCache
	fallback Config
	logger   *zap.SugaredLogger
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithFallback replaces the built-in table served while the endpoint has
// not answered.
func WithFallback(cfg Config) SourceOption { return func(s *Source) { s.fallback = cfg } }

// NewSource builds a Source reading path (e.g. "/settings/order-statuses").
func NewSource(client Requester, path string, q *cache.QueryCache, logger *zap.SugaredLogger, opts ...SourceOption) *Source {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Source{client: client, path: path, cache: q, fallback: DefaultConfig(), logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LoadFile reads a YAML status config from disk.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read status config: %w", err)
	}
	return ParseYAML(b)
}

// Graph returns the transition graph of the current config. remote reports
// whether it came from the settings endpoint.
func (s *Source) Graph(ctx context.Context) (g *Graph, remote bool, err error) {
	g, err = cache.Load(ctx, s.cache, cache.GroupSettings, cacheKey, s.fetch)
	if err == nil {
		return g, true, nil
	}
	if prev, ok := s.cache.Peek(cache.GroupSettings, cacheKey); ok {
		s.logger.Warnw("status config refresh failed; serving stale copy", "error", err)
		return prev.(*Graph), true, nil
	}
	s.logger.Warnw("status config unavailable; serving built-in table", "error", err)
	fb, ferr := NewGraph(s.fallback)
	if ferr != nil {
		return nil, false, ferr
	}
	return fb, false, nil
}

func (s *Source) fetch(ctx context.Context) (*Graph, error) {
	var raw json.RawMessage
	if err := s.client.Do(ctx, apiclient.Request{Path: s.path}, &raw); err != nil {
		return nil, err
	}
	cfg, err := ParseJSON(raw)
	if err != nil {
		return nil, err
	}
	return NewGraph(cfg)
}
