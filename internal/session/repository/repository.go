// Package repository defines pluggable persistence for log sessions, the
// device/app catalog, and session lifecycle.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/logflume/logflume/internal/session/domain"
)

// Sentinel errors; callers match with errors.Is and map them to transport codes.
var (
	// ErrNotFound is returned by lookups on a session, device, or app the
	// store has never seen. Distinguishable from an empty session.
	ErrNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when logs are appended to a session that
	// has already received its session-over signal.
	ErrSessionClosed = errors.New("session is closed")
	// ErrUnavailable wraps transient backend failures (network, timeout).
	// Retryable by the caller; never conflated with ErrNotFound.
	ErrUnavailable = errors.New("log store unavailable")
)

// Store is the persistence contract. All operations are keyed by raw,
// resolved names; callers resolve aliases first.
type Store interface {
	// StoreLogs appends entries to the session identified by key, creating
	// the session in the open state if it does not exist. The batch is
	// appended atomically as a contiguous unit. Appending to a closed
	// session returns ErrSessionClosed.
	StoreLogs(ctx context.Context, key domain.SessionKey, osType domain.OSType, entries []domain.LogEntry) error
	// SetSessionOver transitions the session to the closed state. Returns
	// ErrNotFound if the session does not exist; closing an already-closed
	// session is a no-op.
	SetSessionOver(ctx context.Context, key domain.SessionKey) error
	// RetrieveLogs returns the session's OS type and entries in stored
	// arrival order, regardless of session state. Returns ErrNotFound if no
	// such session exists.
	RetrieveLogs(ctx context.Context, key domain.SessionKey) (domain.OSType, []domain.LogEntry, error)
	// RetrieveDevices returns the device names known for the API key.
	// Returns ErrNotFound for an unknown API key.
	RetrieveDevices(ctx context.Context, apiKey string) ([]string, error)
	// RetrieveApps returns the app names known for the device. Returns
	// ErrNotFound if the device is unknown for the API key.
	RetrieveApps(ctx context.Context, apiKey, device string) ([]string, error)
	// RetrieveSessions returns the start times of all sessions for the
	// device/app pair, ascending. Returns ErrNotFound if the pair is unknown.
	RetrieveSessions(ctx context.Context, apiKey, device, app string) ([]time.Time, error)
	// AddDeviceApp registers a device/app pair in the catalog independent of
	// log storage. Idempotent.
	AddDeviceApp(ctx context.Context, apiKey, device, app string) error
	// ClearDatastore irreversibly wipes all sessions and catalog entries.
	// Administrative use only; must never be reachable unauthenticated.
	ClearDatastore(ctx context.Context) error
}
