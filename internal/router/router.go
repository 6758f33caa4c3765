// Package router orchestrates inbound log batches: resolve aliases, persist,
// keep the catalog consistent, and fan out to the authorized live viewers.
package router

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/logflume/logflume/internal/alias"
	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/events"
	"github.com/logflume/logflume/internal/session/domain"
	"github.com/logflume/logflume/internal/session/repository"
	"github.com/logflume/logflume/internal/viewer"
)

// Message types pushed to live viewers.
const (
	MessageTypeLogData    = "logData"
	MessageTypeSessionEnd = "sessionEnd"
)

// Batch is one inbound log submission. Device and App may be raw names or
// aliases; the router resolves them before persisting.
type Batch struct {
	Key     domain.SessionKey
	OSType  domain.OSType
	Entries []domain.LogEntry
}

// logDataMessage is the payload fanned out to viewers for a stored batch.
type logDataMessage struct {
	MessageType string            `json:"messageType"`
	OSType      domain.OSType     `json:"osType"`
	DeviceName  string            `json:"deviceName"`
	AppName     string            `json:"appName"`
	StartTime   time.Time         `json:"startTime"`
	LogEntries  []domain.LogEntry `json:"logEntries"`
}

// sessionEndMessage notifies viewers that a session closed.
type sessionEndMessage struct {
	MessageType string    `json:"messageType"`
	DeviceName  string    `json:"deviceName"`
	AppName     string    `json:"appName"`
	StartTime   time.Time `json:"startTime"`
}

// Router owns no persisted state; it holds only the wiring between the
// resolver, the store, the policy, and the live connection registry.
type Router struct {
	store        repository.Store
	resolver     *alias.Resolver
	policy       auth.Policy
	registry     *viewer.Registry
	emitter      events.Emitter // nil disables event emission
	storeTimeout time.Duration
}

// New returns a Router. emitter may be nil. storeTimeout bounds each
// persistence call; zero means no bound.
func New(store repository.Store, resolver *alias.Resolver, policy auth.Policy, registry *viewer.Registry, emitter events.Emitter, storeTimeout time.Duration) *Router {
	return &Router{
		store:        store,
		resolver:     resolver,
		policy:       policy,
		registry:     registry,
		emitter:      emitter,
		storeTimeout: storeTimeout,
	}
}

// Submit routes one inbound batch: resolve the device/app names, append the
// batch durably, register the device/app pair, then deliver to the viewers
// the policy selects. A persistence failure prevents fan-out entirely so
// viewers never see data the store does not have.
func (r *Router) Submit(ctx context.Context, batch Batch) error {
	key, err := r.resolveKey(ctx, batch.Key)
	if err != nil {
		return err
	}

	storeCtx, cancel := r.boundStoreCtx(ctx)
	defer cancel()
	// The existence check only feeds the session_opened event; skip it when
	// nothing consumes events.
	created := false
	if r.emitter != nil {
		created = !r.sessionExists(storeCtx, key)
	}
	if err := r.store.StoreLogs(storeCtx, key, batch.OSType, batch.Entries); err != nil {
		return err
	}
	if err := r.store.AddDeviceApp(storeCtx, key.APIKey, key.Device, key.App); err != nil {
		log.Printf("router: catalog registration failed for %s/%s: %v", key.Device, key.App, err)
	}

	if created {
		r.emit(events.TypeSessionOpened, key, 0)
	}
	r.emit(events.TypeBatchStored, key, len(batch.Entries))

	payload, err := json.Marshal(logDataMessage{
		MessageType: MessageTypeLogData,
		OSType:      batch.OSType,
		DeviceName:  key.Device,
		AppName:     key.App,
		StartTime:   key.StartTime,
		LogEntries:  batch.Entries,
	})
	if err != nil {
		return err
	}
	r.fanOut(key.APIKey, payload)
	return nil
}

// SessionOver closes the session and notifies its viewers. Entries already
// queued on viewer connections are unaffected; the close notice follows them
// in order.
func (r *Router) SessionOver(ctx context.Context, key domain.SessionKey) error {
	key, err := r.resolveKey(ctx, key)
	if err != nil {
		return err
	}
	storeCtx, cancel := r.boundStoreCtx(ctx)
	defer cancel()
	if err := r.store.SetSessionOver(storeCtx, key); err != nil {
		return err
	}
	r.emit(events.TypeSessionClosed, key, 0)

	payload, err := json.Marshal(sessionEndMessage{
		MessageType: MessageTypeSessionEnd,
		DeviceName:  key.Device,
		AppName:     key.App,
		StartTime:   key.StartTime,
	})
	if err != nil {
		return err
	}
	r.fanOut(key.APIKey, payload)
	return nil
}

// Forward fans a pre-encoded message out to the tenant's viewers without
// persisting it. Used for transient messages such as device metrics.
func (r *Router) Forward(apiKey string, payload []byte) {
	r.fanOut(apiKey, payload)
}

// ClearDatastore irreversibly wipes all sessions, catalog entries, and alias
// assignments. Administrative use only; never reachable unauthenticated.
func (r *Router) ClearDatastore(ctx context.Context) error {
	storeCtx, cancel := r.boundStoreCtx(ctx)
	defer cancel()
	if err := r.store.ClearDatastore(storeCtx); err != nil {
		return err
	}
	return r.resolver.Clear(storeCtx)
}

func (r *Router) resolveKey(ctx context.Context, key domain.SessionKey) (domain.SessionKey, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return key, err
	}
	device, err := r.resolver.ResolveDevice(ctx, key.APIKey, key.Device)
	if err != nil {
		return key, err
	}
	app, err := r.resolver.ResolveApp(ctx, key.APIKey, device, key.App)
	if err != nil {
		return key, err
	}
	key.Device = device
	key.App = app
	return key, nil
}

// sessionExists reports whether the key already has stored sessions; used only
// to decide whether to emit a session_opened event, so errors degrade to
// "not created".
func (r *Router) sessionExists(ctx context.Context, key domain.SessionKey) bool {
	times, err := r.store.RetrieveSessions(ctx, key.APIKey, key.Device, key.App)
	if err != nil {
		return false
	}
	for _, t := range times {
		if t.Equal(key.StartTime) {
			return true
		}
	}
	return false
}

func (r *Router) fanOut(apiKey string, payload []byte) {
	conns := r.policy.SelectViewers(apiKey, r.registry.Snapshot())
	for _, c := range conns {
		c.Send(payload)
	}
}

func (r *Router) emit(eventType string, key domain.SessionKey, entryCount int) {
	if r.emitter == nil {
		return
	}
	events.EmitAsync(r.emitter, &events.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		APIKey:     key.APIKey,
		Device:     key.Device,
		App:        key.App,
		StartTime:  key.StartTime,
		EntryCount: entryCount,
		CreatedAt:  time.Now().UTC(),
	})
}

func (r *Router) boundStoreCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.storeTimeout)
}
