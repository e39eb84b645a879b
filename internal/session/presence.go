package session

import (
	"net/http"
	"net/url"
)

// PresenceCookieName is read by the edge layer to decide whether a session
// plausibly exists. It never carries the token.
const PresenceCookieName = "has_session"

// Presence is a non-secret marker kept in step with the session.
type Presence interface {
	Set()
	Clear()
}

// CookiePresence stores the marker in the HTTP client's cookie jar so it
// travels with every request to the API origin.
type CookiePresence struct {
	jar http.CookieJar
	u   *url.URL
}

func NewCookiePresence(jar http.CookieJar, origin *url.URL) *CookiePresence {
	return &CookiePresence{jar: jar, u: origin}
}

func (p *CookiePresence) Set() {
	p.jar.SetCookies(p.u, []*http.Cookie{{
		Name:     PresenceCookieName,
		Value:    "1",
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	}})
}

func (p *CookiePresence) Clear() {
	p.jar.SetCookies(p.u, []*http.Cookie{{
		Name:   PresenceCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
}

// Present reports whether the marker is currently in the jar.
func (p *CookiePresence) Present() bool {
	for _, c := range p.jar.Cookies(p.u) {
		if c.Name == PresenceCookieName && c.Value == "1" {
			return true
		}
	}
	return false
}
