package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/apiclient"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
)

var ErrBadCredentials = errors.New("email and password are required")

// Service drives the session lifecycle: hydration at start, login, logout.
type Service struct {
	*endpoint
	store     *session.Store
	refresher *Refresher
}

// NewService builds the lifecycle service and its Refresher over the same
// HTTP client, so both see the same cookie jar.
func NewService(baseURL string, hc *http.Client, store *session.Store, opts ...Option) (*Service, error) {
	e, err := newEndpoint(baseURL, hc, opts)
	if err != nil {
		return nil, err
	}
	return &Service{
		endpoint:  e,
		store:     store,
		refresher: &Refresher{endpoint: e, store: store},
	}, nil
}

// Refresher returns the shared single-flight refresher.
func (s *Service) Refresher() *Refresher { return s.refresher }

// Hydrate restores a session from the refresh credential at process start.
// Whatever the outcome, the store leaves the loading state. A transient
// failure is returned and the session is left untouched.
func (s *Service) Hydrate(ctx context.Context) error {
	_, err := s.refresher.GetValidToken(ctx)
	if err != nil {
		s.store.SetLoading(false)
		return err
	}
	return nil
}

// SkipHydration ends the loading state without contacting the API.
func (s *Service) SkipHydration() {
	s.store.SetLoading(false)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates with credentials. On failure the current session is
// not modified.
func (s *Service) Login(ctx context.Context, email, password string) (session.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return session.Session{}, ErrBadCredentials
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.post(ctx, pathLogin, loginRequest{Email: email, Password: password}, "")
	if err != nil {
		return session.Session{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := apiclient.DecodeError(resp)
		resp.Body.Close()
		return session.Session{}, apiErr
	}
	ar, err := decodeAuth(resp)
	if err != nil {
		return session.Session{}, err
	}
	install(s.store, ar)
	s.logger.Infow("logged in", "user_id", userID(ar.User), "tenant_id", tenantID(ar.Tenant))
	return s.store.Get(), nil
}

// Logout tells the API to revoke the refresh credential and clears the local
// session regardless of the API's answer. The API error, if any, is returned
// for logging only.
func (s *Service) Logout(ctx context.Context) error {
	token := s.store.Token()
	defer s.store.ClearAuth()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.post(ctx, pathLogout, nil, token)
	if err != nil {
		s.logger.Warnw("logout request failed", "error", err)
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := apiclient.DecodeError(resp)
		resp.Body.Close()
		s.logger.Warnw("logout rejected by api", "status", apiErr.Status, "error", apiErr.Message)
		return apiErr
	}
	closeBody(resp)
	s.logger.Infow("logged out")
	return nil
}

func userID(u *session.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func tenantID(t *session.Tenant) string {
	if t == nil {
		return ""
	}
	return t.ID
}
