package auth

import (
	"context"
	"fmt"
	"html"
	"log"
	"net/url"
	"strings"
	"time"

	accountrepo "github.com/logflume/logflume/internal/account/repository"
	"github.com/logflume/logflume/internal/security"
	"github.com/logflume/logflume/internal/viewer"
)

// SessionCookie is the cookie carrying the signed viewer session token.
const SessionCookie = "session_token"

// APIKeyPolicy authenticates dashboard viewers against stored accounts and
// isolates tenants: a viewer only ever receives batches stored under its own
// API key.
type APIKeyPolicy struct {
	accounts accountrepo.Repository
	hasher   *security.Hasher
	tokens   *security.TokenProvider
	tokenTTL time.Duration
}

// NewAPIKeyPolicy returns a policy verifying credentials with hasher against
// accounts and establishing identity via tokens.
func NewAPIKeyPolicy(accounts accountrepo.Repository, hasher *security.Hasher, tokens *security.TokenProvider) *APIKeyPolicy {
	return &APIKeyPolicy{accounts: accounts, hasher: hasher, tokens: tokens}
}

// LoginView renders a username/password form posting to the login URL.
func (p *APIKeyPolicy) LoginView(baseURL string) string {
	action := html.EscapeString(strings.TrimRight(baseURL, "/") + "/login")
	return fmt.Sprintf(`<form method="post" action="%s">
  <label>Username <input type="text" name="username" autocomplete="username"></label>
  <label>Password <input type="password" name="password" autocomplete="current-password"></label>
  <button type="submit">Sign in</button>
</form>`, action)
}

// IsAuthenticated reports whether the request carries a valid session cookie.
func (p *APIKeyPolicy) IsAuthenticated(req RequestContext) bool {
	_, err := p.APIKeyForRequest(req)
	return err == nil
}

// HandleLogin verifies the username/password form and sets the session
// cookie. Failures are uniformly ErrInvalidCredentials; the response never
// distinguishes an unknown username from a wrong password.
func (p *APIKeyPolicy) HandleLogin(ctx context.Context, form url.Values, req RequestContext) error {
	username := strings.TrimSpace(form.Get("username"))
	password := form.Get("password")
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	account, err := p.accounts.GetByUsername(ctx, username)
	if err != nil {
		log.Printf("auth: account lookup failed: %v", err)
		return ErrInvalidCredentials
	}
	if account == nil {
		return ErrInvalidCredentials
	}
	if err := p.hasher.Compare(account.PasswordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	token, expiresAt, err := p.tokens.Issue(account.APIKey)
	if err != nil {
		log.Printf("auth: token issue failed: %v", err)
		return ErrInvalidCredentials
	}
	req.SetCookie(SessionCookie, token, expiresAt)
	return nil
}

// APIKeyForRequest validates the session cookie and returns the API key it
// carries.
func (p *APIKeyPolicy) APIKeyForRequest(req RequestContext) (string, error) {
	token, ok := req.Cookie(SessionCookie)
	if !ok || token == "" {
		return "", ErrNotAuthenticated
	}
	apiKey, err := p.tokens.Validate(token)
	if err != nil || apiKey == "" {
		return "", ErrNotAuthenticated
	}
	return apiKey, nil
}

// SelectViewers returns only the connections whose established identity
// matches apiKey exactly. Connections without an identity are never included.
func (p *APIKeyPolicy) SelectViewers(apiKey string, conns []*viewer.Conn) []*viewer.Conn {
	if apiKey == "" {
		return nil
	}
	out := make([]*viewer.Conn, 0, len(conns))
	for _, c := range conns {
		if c.APIKey() == apiKey {
			out = append(out, c)
		}
	}
	return out
}
