// Package events emits routing lifecycle events (session opened, batch
// stored, session closed) for downstream consumers. Emission is best-effort:
// the router never fails a submission because an event could not be sent.
package events

import (
	"context"
	"time"
)

// Event types published by the router.
const (
	TypeSessionOpened = "session_opened"
	TypeBatchStored   = "batch_stored"
	TypeSessionClosed = "session_closed"
)

// Event is one routing lifecycle record.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	APIKey     string    `json:"apiKey"`
	Device     string    `json:"device"`
	App        string    `json:"app"`
	StartTime  time.Time `json:"startTime"`
	EntryCount int       `json:"entryCount,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Emitter sends events. Callers use it best-effort: log and ignore errors.
type Emitter interface {
	// Emit sends a single event. Implementations may block briefly; use
	// EmitAsync from request paths.
	Emit(ctx context.Context, event *Event) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}
