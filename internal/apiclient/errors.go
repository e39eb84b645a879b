package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrAuthExpired is returned after the single refresh-and-retry still got a 401.
	ErrAuthExpired = errors.New("session expired")
	// ErrRateLimited marks a 429 from the API, including from the refresh endpoint.
	ErrRateLimited = errors.New("rate limited")
)

// User-facing messages for the error taxonomy.
const (
	MsgSessionExpired = "Your session has expired. Please sign in again."
	MsgRateLimited    = "Too many requests. Please try again in a moment."
	MsgServerError    = "Something went wrong on our side. Please try again."
	MsgRequestFailed  = "Request failed. Please check your connection and try again."
)

// APIError is a non-2xx response. Message comes from the {"error": "..."}
// envelope, or MsgRequestFailed when the body had any other shape.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// NetworkError wraps a transport failure where no response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

type errorEnvelope struct {
	Error string `json:"error"`
}

// DecodeError reads resp's body into an *APIError. It never fails: an
// unparsable body yields the generic message.
func DecodeError(resp *http.Response) *APIError {
	msg := MsgRequestFailed
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		var env errorEnvelope
		if json.Unmarshal(body, &env) == nil && strings.TrimSpace(env.Error) != "" {
			msg = env.Error
		}
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// IsTransient reports whether err must leave the session untouched and may
// succeed later: rate limiting, 5xx and network failures.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return false
}

// UserMessage maps err to the text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAuthExpired) {
		return MsgSessionExpired
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized:
			return MsgSessionExpired
		case apiErr.Status == http.StatusTooManyRequests:
			return MsgRateLimited
		case apiErr.Status >= 500:
			return MsgServerError
		default:
			return apiErr.Message
		}
	}
	return MsgRequestFailed
}
