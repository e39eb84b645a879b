package status

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/apiclient"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
)

// Confirmer asks the operator to approve a transition that needs it.
type Confirmer interface {
	Confirm(ctx context.Context, d Decision, count int) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, d Decision, count int) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, d Decision, count int) (bool, error) {
	return f(ctx, d, count)
}

// Entity is one selected item and its current status.
type Entity struct {
	ID     string
	Status string
}

// BulkResult is the server's outcome of a bulk transition. Items are
// independent: Errors holds a message per failed entity id.
type BulkResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors"`
}

type transitionBody struct {
	Status string `json:"status"`
	Force  bool   `json:"force"`
}

type bulkBody struct {
	EntityIDs []string `json:"entityIds"`
	Status    string   `json:"status"`
	Force     bool     `json:"force"`
}

// Service submits single and bulk status transitions for one resource.
// Failures are reported as-is: there is no retry and no local rollback.
type Service struct {
	client   Requester
	source   *Source
	resource string
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
}

// NewService builds a Service for resource (e.g. "orders").
func NewService(client Requester, source *Source, resource string, logger *zap.SugaredLogger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{client: client, source: source, resource: resource, logger: logger, metrics: m}
}

// Options returns the targets offered for one entity in status current.
func (s *Service) Options(ctx context.Context, current string) (normal, forced []string, err error) {
	g, _, err := s.source.Graph(ctx)
	if err != nil {
		return nil, nil, err
	}
	return g.Normal(current), g.Forced(current), nil
}

// Transition moves one entity to target. confirmer may be nil only when
// the move needs no confirmation.
func (s *Service) Transition(ctx context.Context, e Entity, target string, confirmer Confirmer) (Decision, error) {
	g, _, err := s.source.Graph(ctx)
	if err != nil {
		return Decision{}, err
	}
	d, err := g.Plan(e.Status, target)
	if err != nil {
		return Decision{}, err
	}
	if err := s.confirm(ctx, d, 1, confirmer); err != nil {
		return d, err
	}

	mode := modeOf(d)
	err = s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/%s/%s/status", s.resource, url.PathEscape(e.ID)),
		Body:   transitionBody{Status: target, Force: d.Force},
		Header: idempotent(),
	}, nil)
	if err != nil {
		s.metrics.AddTransitionItems(mode, "failed", 1)
		s.logger.Warnw("status transition failed", "resource", s.resource, "id", e.ID, "target", target, "force", d.Force, "error", err)
		return d, err
	}
	s.metrics.AddTransitionItems(mode, "succeeded", 1)
	s.logger.Infow("status transition applied", "resource", s.resource, "id", e.ID, "from", e.Status, "target", target, "force", d.Force)
	return d, nil
}

// BulkTransition moves every selected entity to target in one request. A
// partial failure is not an error; the result reports it per item.
func (s *Service) BulkTransition(ctx context.Context, entities []Entity, target string, confirmer Confirmer) (BulkResult, Decision, error) {
	if len(entities) == 0 {
		return BulkResult{}, Decision{}, ErrEmptySelection
	}
	g, _, err := s.source.Graph(ctx)
	if err != nil {
		return BulkResult{}, Decision{}, err
	}
	ids := make([]string, len(entities))
	current := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
		current[i] = e.Status
	}
	d, err := g.PlanBulk(current, target)
	if err != nil {
		return BulkResult{}, Decision{}, err
	}
	if err := s.confirm(ctx, d, len(entities), confirmer); err != nil {
		return BulkResult{}, d, err
	}

	mode := modeOf(d)
	var res BulkResult
	err = s.client.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/%s/bulk-status", s.resource),
		Body:   bulkBody{EntityIDs: ids, Status: target, Force: d.Force},
		Header: idempotent(),
	}, &res)
	if err != nil {
		s.metrics.AddTransitionItems(mode, "failed", len(entities))
		s.logger.Warnw("bulk status transition failed", "resource", s.resource, "count", len(entities), "target", target, "error", err)
		return BulkResult{}, d, err
	}
	if res.Errors == nil {
		res.Errors = map[string]string{}
	}
	s.metrics.AddTransitionItems(mode, "succeeded", res.Succeeded)
	s.metrics.AddTransitionItems(mode, "failed", res.Failed)
	s.logger.Infow("bulk status transition applied",
		"resource", s.resource,
		"target", target,
		"force", d.Force,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, d, nil
}

func (s *Service) confirm(ctx context.Context, d Decision, count int, confirmer Confirmer) error {
	if !d.RequiresConfirmation {
		return nil
	}
	if confirmer == nil {
		return ErrNotConfirmed
	}
	ok, err := confirmer.Confirm(ctx, d, count)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

func modeOf(d Decision) string {
	if d.Force {
		return "forced"
	}
	return "normal"
}

func idempotent() http.Header {
	h := http.Header{}
	h.Set("Idempotency-Key", uuid.NewString())
	return h
}
