package auth

import (
	"context"
	"net/url"

	"github.com/logflume/logflume/internal/viewer"
)

// NoAuthPolicy admits every viewer and broadcasts every tenant's batches to
// all open dashboard connections. Intended for single-user and development
// deployments.
type NoAuthPolicy struct{}

// NewNoAuthPolicy returns the no-authentication policy.
func NewNoAuthPolicy() *NoAuthPolicy { return &NoAuthPolicy{} }

// LoginView returns no markup; there is no login page.
func (*NoAuthPolicy) LoginView(baseURL string) string { return "" }

// IsAuthenticated always reports true.
func (*NoAuthPolicy) IsAuthenticated(req RequestContext) bool { return true }

// HandleLogin accepts any form without establishing state.
func (*NoAuthPolicy) HandleLogin(ctx context.Context, form url.Values, req RequestContext) error {
	return nil
}

// APIKeyForRequest returns the empty API key; there are no distinguishable
// users.
func (*NoAuthPolicy) APIKeyForRequest(req RequestContext) (string, error) { return "", nil }

// SelectViewers returns conns unchanged: broadcast to everyone.
func (*NoAuthPolicy) SelectViewers(apiKey string, conns []*viewer.Conn) []*viewer.Conn {
	return conns
}
