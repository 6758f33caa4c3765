// Package auth defines the pluggable authorization policy that mediates
// dashboard login and decides which live viewers may receive a tenant's
// routed log batches.
package auth

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/logflume/logflume/internal/viewer"
)

var (
	// ErrInvalidCredentials is the only login failure surfaced to users. It
	// never reveals whether the username or API key exists.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrNotAuthenticated is returned when a request carries no usable
	// viewer identity.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// RequestContext is the transport-agnostic view of a dashboard request that a
// policy needs: read cookies to recognize a viewer, set them to establish one.
type RequestContext interface {
	Cookie(name string) (string, bool)
	SetCookie(name, value string, expires time.Time)
}

// Policy decides how viewers are identified and which of them may receive a
// given tenant's data. Implementations must keep SelectViewers free of side
// effects and O(len(conns)); it runs on every routed batch.
type Policy interface {
	// LoginView renders the login UI markup for the dashboard. A policy
	// without login returns "".
	LoginView(baseURL string) string
	// IsAuthenticated reports whether the request carries an established
	// viewer identity.
	IsAuthenticated(req RequestContext) bool
	// HandleLogin verifies credentials from the login form and establishes
	// the viewer identity (e.g. a cookie) that APIKeyForRequest relies on.
	// On failure it returns ErrInvalidCredentials and establishes nothing.
	HandleLogin(ctx context.Context, form url.Values, req RequestContext) error
	// APIKeyForRequest returns the API key of the viewer identity carried by
	// the request, or ErrNotAuthenticated.
	APIKeyForRequest(req RequestContext) (string, error)
	// SelectViewers returns the subset of conns authorized to receive data
	// stored under apiKey.
	SelectViewers(apiKey string, conns []*viewer.Conn) []*viewer.Conn
}
