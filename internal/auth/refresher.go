package auth

import (
	"context"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/apiclient"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
)

const refreshKey = "refresh"

// Refresher exchanges the rotating refresh credential (a cookie in the HTTP
// client's jar) for a new access token. At most one refresh is in flight;
// callers arriving meanwhile share its result.
type Refresher struct {
	*endpoint
	store *session.Store
	group singleflight.Group
}

var _ apiclient.TokenRefresher = (*Refresher)(nil)

// NewRefresher builds a Refresher against the API at baseURL.
func NewRefresher(baseURL string, hc *http.Client, store *session.Store, opts ...Option) (*Refresher, error) {
	e, err := newEndpoint(baseURL, hc, opts)
	if err != nil {
		return nil, err
	}
	return &Refresher{endpoint: e, store: store}, nil
}

// GetValidToken returns a freshly issued token.
//
//   - (token, nil): refreshed; the store holds the new session.
//   - ("", nil): the API rejected the refresh credential, or the session was
//     cleared while the refresh was in flight; the store is cleared.
//   - ("", err): transient (429, 5xx, network); the store was left as is.
//
// A caller whose ctx ends stops waiting, but the shared refresh keeps going
// for the others.
func (r *Refresher) GetValidToken(ctx context.Context) (string, error) {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.refresh(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context) (string, error) {
	gen := r.store.Generation()
	resp, err := r.post(ctx, pathRefresh, nil, "")
	if err != nil {
		r.metrics.ObserveRefresh("network")
		r.logger.Warnw("token refresh failed; keeping session", "error", err)
		return "", err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		ar, err := decodeAuth(resp)
		if err != nil {
			r.metrics.ObserveRefresh("malformed")
			r.logger.Warnw("token refresh returned unusable body; keeping session", "error", err)
			return "", err
		}
		if !installIf(r.store, gen, ar) {
			// logged out while the refresh was in flight
			r.metrics.ObserveRefresh("discarded")
			r.logger.Infow("discarding refresh that finished after logout")
			return "", nil
		}
		r.metrics.ObserveRefresh("ok")
		r.logger.Debugw("token refreshed")
		return ar.Token, nil

	case isRejection(resp.StatusCode):
		closeBody(resp)
		r.metrics.ObserveRefresh("rejected")
		r.logger.Infow("refresh credential rejected; clearing session", "status", resp.StatusCode)
		r.store.ClearAuth()
		return "", nil

	default:
		apiErr := apiclient.DecodeError(resp)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			r.metrics.ObserveRefresh("rate_limited")
		} else {
			r.metrics.ObserveRefresh("failed")
		}
		r.logger.Warnw("token refresh unavailable; keeping session", "status", resp.StatusCode, "error", apiErr.Message)
		return "", apiErr
	}
}

// isRejection reports whether the refresh endpoint explicitly refused the
// credential, as opposed to being unable to answer.
func isRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
