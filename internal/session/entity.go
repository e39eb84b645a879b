package session

import "time"

// User is the authenticated account as returned by the auth endpoints.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Tenant is the organisation the session is scoped to.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}

// Session is an immutable snapshot of the client's auth state. An empty Token
// means no session; IsAuthenticated always equals Token != "".
type Session struct {
	Token           string
	User            *User
	Tenant          *Tenant
	IsAuthenticated bool
	IsLoading       bool
	// ExpiresAt is zero when the token carries no readable expiry.
	ExpiresAt time.Time
}

// Summary is the non-secret view of a session, safe to log or serve.
type Summary struct {
	Authenticated bool       `json:"authenticated"`
	Loading       bool       `json:"loading"`
	UserID        string     `json:"user_id,omitempty"`
	TenantID      string     `json:"tenant_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (s Session) Summary() Summary {
	out := Summary{Authenticated: s.IsAuthenticated, Loading: s.IsLoading}
	if s.User != nil {
		out.UserID = s.User.ID
	}
	if s.Tenant != nil {
		out.TenantID = s.Tenant.ID
	}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
