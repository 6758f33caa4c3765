package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/logflume/logflume/internal/alias"
	aliasrepo "github.com/logflume/logflume/internal/alias/repository"
	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/session/domain"
	"github.com/logflume/logflume/internal/session/repository"
)

// loginPage wraps the policy's login markup in a minimal document.
const loginPage = `<!DOCTYPE html>
<html><head><title>Log in</title></head><body>
%s
</body></html>`

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	view := s.policy.LoginView(baseURL(r))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, loginPage, view)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form")
		return
	}
	rc := &httpRequestContext{r: r, w: w}
	if err := s.policy.HandleLogin(r.Context(), r.PostForm, rc); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.apiKey(w, r)
	if !ok {
		return
	}
	devices, err := s.store.RetrieveDevices(r.Context(), apiKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.apiKey(w, r)
	if !ok {
		return
	}
	device, err := s.resolver.ResolveDevice(r.Context(), apiKey, mux.Vars(r)["device"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	apps, err := s.store.RetrieveApps(r.Context(), apiKey, device)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.apiKey(w, r)
	if !ok {
		return
	}
	device, app, err := s.resolveVars(r, apiKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	times, err := s.store.RetrieveSessions(r.Context(), apiKey, device, app)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": times})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.apiKey(w, r)
	if !ok {
		return
	}
	device, app, err := s.resolveVars(r, apiKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	startTime, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("startTime"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "startTime must be RFC 3339")
		return
	}
	osType, entries, err := s.store.RetrieveLogs(r.Context(), domain.SessionKey{
		APIKey: apiKey, Device: device, App: app, StartTime: startTime,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"osType": osType, "logEntries": entries})
}

// aliasRequest is the body of the alias PUT endpoints. The path names the raw
// device/app; the body carries the user-chosen alias.
type aliasRequest struct {
	Alias string `json:"alias"`
}

func (s *Server) handleSetDeviceAlias(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.apiKey(w, r)
	if !ok {
		return
	}
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed alias body")
		return
	}
	if err := s.resolver.SetDeviceAlias(r.Context(), apiKey, mux.Vars(r)["device"], req.Alias); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSetAppAlias(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.apiKey(w, r)
	if !ok {
		return
	}
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed alias body")
		return
	}
	device, err := s.resolver.ResolveDevice(r.Context(), apiKey, mux.Vars(r)["device"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.resolver.SetAppAlias(r.Context(), apiKey, device, mux.Vars(r)["app"], req.Alias); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	apiKey, err := s.policy.APIKeyForRequest(&httpRequestContext{r: r, w: w})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return apiKey, true
}

// resolveVars resolves the device and app path variables, alias-tolerant.
func (s *Server) resolveVars(r *http.Request, apiKey string) (device, app string, err error) {
	vars := mux.Vars(r)
	device, err = s.resolver.ResolveDevice(r.Context(), apiKey, vars["device"])
	if err != nil {
		return "", "", err
	}
	app, err = s.resolver.ResolveApp(r.Context(), apiKey, device, vars["app"])
	if err != nil {
		return "", "", err
	}
	return device, app, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps domain sentinels to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, aliasrepo.ErrAliasNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, alias.ErrInvalidAlias), errors.Is(err, aliasrepo.ErrAliasTaken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, aliasrepo.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
