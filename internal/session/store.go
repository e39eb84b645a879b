package session

import (
	"sync"
	"time"
)

// Listener receives every new session snapshot.
type Listener func(Session)

// Store is the single source of truth for the session. Every mutation
// replaces the whole snapshot, so readers never observe a token without its
// user or tenant.
type Store struct {
	mu        sync.RWMutex
	state     Session
	listeners map[uint64]Listener
	nextID    uint64
	presence  Presence

	// generation counts ClearAuth calls.
	generation uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPresence sets/clears the presence flag alongside SetAuth/ClearAuth.
func WithPresence(p Presence) Option {
	return func(s *Store) { s.presence = p }
}

// NewStore returns a store in the loading state.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:     Session{IsLoading: true},
		listeners: make(map[uint64]Listener),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token is shorthand for Get().Token.
func (s *Store) Token() string {
	return s.Get().Token
}

// Generation changes every time the session is cleared. A caller that
// started work on behalf of a session can pass it to SetAuthIf to make sure
// no logout happened meanwhile.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// SetAuth installs a new authenticated session and ends loading.
func (s *Store) SetAuth(token string, user *User, tenant *Tenant, expiresAt time.Time) {
	if token == "" {
		s.ClearAuth()
		return
	}
	s.replace(authed(token, user, tenant, expiresAt), nil)
}

// SetAuthIf is SetAuth that only applies while the generation is still gen.
// It reports whether the session was installed.
func (s *Store) SetAuthIf(gen uint64, token string, user *User, tenant *Tenant, expiresAt time.Time) bool {
	if token == "" {
		return false
	}
	return s.replace(authed(token, user, tenant, expiresAt), &gen)
}

// ClearAuth drops the session and ends loading.
func (s *Store) ClearAuth() {
	s.replace(Session{}, nil)
}

func authed(token string, user *User, tenant *Tenant, expiresAt time.Time) Session {
	return Session{
		Token:           token,
		User:            user,
		Tenant:          tenant,
		IsAuthenticated: true,
		IsLoading:       false,
		ExpiresAt:       expiresAt,
	}
}

// SetLoading flips only the loading flag, still as a whole-state replace.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	next := s.state
	next.IsLoading = loading
	s.state = next
	ls := s.snapshotListeners()
	s.mu.Unlock()
	notify(ls, next)
}

// Subscribe registers fn for future snapshots and returns a cancel func.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// replace swaps the snapshot and the presence flag together. When ifGen is
// set and the generation moved on, nothing changes.
func (s *Store) replace(next Session, ifGen *uint64) bool {
	s.mu.Lock()
	if ifGen != nil && *ifGen != s.generation {
		s.mu.Unlock()
		return false
	}
	if !next.IsAuthenticated {
		s.generation++
	}
	s.state = next
	if s.presence != nil {
		if next.IsAuthenticated {
			s.presence.Set()
		} else {
			s.presence.Clear()
		}
	}
	ls := s.snapshotListeners()
	s.mu.Unlock()
	notify(ls, next)
	return true
}

// snapshotListeners must be called with mu held.
func (s *Store) snapshotListeners() []Listener {
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	return ls
}

func notify(ls []Listener, st Session) {
	for _, l := range ls {
		l(st)
	}
}
