package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/logflume/logflume/internal/router"
	"github.com/logflume/logflume/internal/session/domain"
	"github.com/logflume/logflume/internal/viewer"
)

// Agent wire message types.
const (
	msgStartSession  = "startSession"
	msgLogDump       = "logDump"
	msgEndSession    = "endSession"
	msgDeviceMetrics = "deviceMetrics"
)

const wsWriteTimeout = 10 * time.Second

// agentMessage is the inbound agent wire format. Identity fields are set by
// startSession and may be restated on any later message.
type agentMessage struct {
	MessageType string            `json:"messageType"`
	APIKey      string            `json:"apiKey"`
	DeviceName  string            `json:"deviceName"`
	AppName     string            `json:"appName"`
	OSType      domain.OSType     `json:"osType"`
	StartTime   time.Time         `json:"startTime"`
	LogEntries  []domain.LogEntry `json:"logEntries"`
}

// agentSession is the per-connection identity state of one device agent.
type agentSession struct {
	key    domain.SessionKey
	osType domain.OSType
}

// wsSink adapts a websocket connection to viewer.Sink.
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Write(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s wsSink) Close() error { return s.conn.Close() }

// handleAgentSocket is the ingest channel for device agents.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: agent upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess := &agentSession{}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handleAgentMessage(r.Context(), sess, raw); err != nil {
			reply, _ := json.Marshal(map[string]string{
				"messageType": "error",
				"error":       err.Error(),
			})
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}
}

// handleAgentMessage decodes and dispatches one agent message against the
// connection's session state.
func (s *Server) handleAgentMessage(ctx context.Context, sess *agentSession, raw []byte) error {
	var msg agentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}
	sess.merge(&msg)

	switch msg.MessageType {
	case msgStartSession:
		if sess.key.StartTime.IsZero() {
			sess.key.StartTime = time.Now().UTC()
		}
		// An empty batch opens the session so viewers learn about it before
		// the first logs arrive.
		return s.pipeline.Submit(ctx, router.Batch{Key: sess.key, OSType: sess.osType})
	case msgLogDump:
		return s.pipeline.Submit(ctx, router.Batch{Key: sess.key, OSType: sess.osType, Entries: msg.LogEntries})
	case msgEndSession:
		return s.pipeline.SessionOver(ctx, sess.key)
	case msgDeviceMetrics:
		// Metrics are transient: fanned out to the tenant's viewers, never stored.
		s.pipeline.Forward(sess.key.APIKey, raw)
		return nil
	default:
		return fmt.Errorf("unknown messageType %q", msg.MessageType)
	}
}

// merge folds any identity fields present on msg into the session state.
func (a *agentSession) merge(msg *agentMessage) {
	if msg.APIKey != "" {
		a.key.APIKey = msg.APIKey
	}
	if msg.DeviceName != "" {
		a.key.Device = msg.DeviceName
	}
	if msg.AppName != "" {
		a.key.App = msg.AppName
	}
	if !msg.StartTime.IsZero() {
		a.key.StartTime = msg.StartTime.UTC()
	}
	if msg.OSType != "" {
		a.osType = msg.OSType
	}
}

// handleViewerSocket admits an authenticated dashboard to the live registry.
func (s *Server) handleViewerSocket(w http.ResponseWriter, r *http.Request) {
	rc := &httpRequestContext{r: r, w: w}
	if !s.policy.IsAuthenticated(rc) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	apiKey, _ := s.policy.APIKeyForRequest(rc)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: viewer upgrade failed: %v", err)
		return
	}

	vc := viewer.NewConn(apiKey, wsSink{conn: conn}, s.viewerBuffer, s.registry.Remove)
	s.registry.Add(vc)
	log.Printf("gateway: viewer %s connected (%d live)", vc.ID(), s.registry.Len())

	// Viewers only receive; inbound frames are drained for close and ping
	// handling until the connection drops.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	vc.Close()
	log.Printf("gateway: viewer %s disconnected (%d live)", vc.ID(), s.registry.Len())
}
