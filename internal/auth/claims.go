package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the client reads from an access token. The signature is not
// verified here; the API does that on every call.
type Claims struct {
	Subject   string
	TenantID  string
	ExpiresAt time.Time
}

// InspectToken reads claims from a JWT access token. ok is false for opaque
// tokens, which are still valid bearer credentials.
func InspectToken(token string) (Claims, bool) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, false
	}
	var c Claims
	if sub, err := mc.GetSubject(); err == nil {
		c.Subject = sub
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if tid, ok := mc["tenant_id"].(string); ok {
		c.TenantID = tid
	}
	return c, true
}
