// Package gateway binds the router, store, resolver, and policy to their
// HTTP and WebSocket surface: agent ingest sockets, live dashboard sockets,
// the history/alias API, and login.
package gateway

import (
	"net/http"
	"time"
)

// httpRequestContext adapts an HTTP exchange to auth.RequestContext.
type httpRequestContext struct {
	r *http.Request
	w http.ResponseWriter
}

func (c *httpRequestContext) Cookie(name string) (string, bool) {
	ck, err := c.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return ck.Value, true
}

func (c *httpRequestContext) SetCookie(name, value string, expires time.Time) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
