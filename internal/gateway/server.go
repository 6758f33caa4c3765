package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/logflume/logflume/internal/alias"
	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/router"
	"github.com/logflume/logflume/internal/session/domain"
	"github.com/logflume/logflume/internal/session/repository"
	"github.com/logflume/logflume/internal/viewer"
)

// Pipeline is the router surface the gateway drives. Narrowed to an interface
// so handler tests can substitute a recording fake.
type Pipeline interface {
	Submit(ctx context.Context, batch router.Batch) error
	SessionOver(ctx context.Context, key domain.SessionKey) error
	Forward(apiKey string, payload []byte)
}

// Server is the transport binding. It owns viewer connection lifecycle
// (join/leave); everything else is delegated.
type Server struct {
	pipeline     Pipeline
	store        repository.Store
	resolver     *alias.Resolver
	policy       auth.Policy
	registry     *viewer.Registry
	upgrader     websocket.Upgrader
	viewerBuffer int
	mux          *mux.Router
}

// NewServer wires the handler routes. viewerBuffer is the per-connection
// outbound queue size.
func NewServer(pipeline Pipeline, store repository.Store, resolver *alias.Resolver, policy auth.Policy, registry *viewer.Registry, viewerBuffer int) *Server {
	s := &Server{
		pipeline:     pipeline,
		store:        store,
		resolver:     resolver,
		policy:       policy,
		registry:     registry,
		viewerBuffer: viewerBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	m := mux.NewRouter()
	m.HandleFunc("/login", s.handleLoginPage).Methods(http.MethodGet)
	m.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	m.HandleFunc("/ws/logs", s.handleAgentSocket)
	m.HandleFunc("/ws/dashboard", s.handleViewerSocket)

	api := m.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/apps", s.handleApps).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/apps/{app}/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/apps/{app}/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/alias", s.handleSetDeviceAlias).Methods(http.MethodPut)
	api.HandleFunc("/devices/{device}/apps/{app}/alias", s.handleSetAppAlias).Methods(http.MethodPut)

	s.mux = m
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// requireAuth rejects requests that carry no viewer identity.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.policy.IsAuthenticated(&httpRequestContext{r: r, w: w}) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
