package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/logflume/logflume/internal/session/domain"
)

// memKey is the comparable form of a SessionKey used as a map key.
type memKey struct {
	apiKey string
	device string
	app    string
	start  int64 // UnixNano, UTC
}

func toMemKey(k domain.SessionKey) memKey {
	return memKey{apiKey: k.APIKey, device: k.Device, app: k.App, start: k.StartTime.UTC().UnixNano()}
}

// memSession carries its own mutex so that appends to one session never
// block appends to another.
type memSession struct {
	mu      sync.Mutex
	osType  domain.OSType
	closed  bool
	start   time.Time
	entries []domain.LogEntry
}

// MemoryStore is an in-memory Store implementation. The outer lock guards
// only map membership; per-session state is serialized per session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[memKey]*memSession
	catalog  map[string]map[string]map[string]struct{} // apiKey -> device -> app
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[memKey]*memSession),
		catalog:  make(map[string]map[string]map[string]struct{}),
	}
}

// StoreLogs implements Store.StoreLogs.
func (s *MemoryStore) StoreLogs(ctx context.Context, key domain.SessionKey, osType domain.OSType, entries []domain.LogEntry) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	mk := toMemKey(key)

	s.mu.Lock()
	sess, ok := s.sessions[mk]
	if !ok {
		sess = &memSession{osType: osType, start: key.StartTime}
		s.sessions[mk] = sess
	}
	s.registerLocked(key.APIKey, key.Device, key.App)
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return ErrSessionClosed
	}
	sess.entries = append(sess.entries, entries...)
	return nil
}

// SetSessionOver implements Store.SetSessionOver.
func (s *MemoryStore) SetSessionOver(ctx context.Context, key domain.SessionKey) error {
	s.mu.RLock()
	sess, ok := s.sessions[toMemKey(key.Normalize())]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	return nil
}

// RetrieveLogs implements Store.RetrieveLogs.
func (s *MemoryStore) RetrieveLogs(ctx context.Context, key domain.SessionKey) (domain.OSType, []domain.LogEntry, error) {
	s.mu.RLock()
	sess, ok := s.sessions[toMemKey(key.Normalize())]
	s.mu.RUnlock()
	if !ok {
		return "", nil, ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]domain.LogEntry, len(sess.entries))
	copy(out, sess.entries)
	return sess.osType, out, nil
}

// RetrieveDevices implements Store.RetrieveDevices.
func (s *MemoryStore) RetrieveDevices(ctx context.Context, apiKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices, ok := s.catalog[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(devices))
	for d := range devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// RetrieveApps implements Store.RetrieveApps.
func (s *MemoryStore) RetrieveApps(ctx context.Context, apiKey, device string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps, ok := s.catalog[apiKey][device]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(apps))
	for a := range apps {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// RetrieveSessions implements Store.RetrieveSessions.
func (s *MemoryStore) RetrieveSessions(ctx context.Context, apiKey, device, app string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for mk := range s.sessions {
		if mk.apiKey == apiKey && mk.device == device && mk.app == app {
			out = append(out, time.Unix(0, mk.start).UTC())
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// AddDeviceApp implements Store.AddDeviceApp.
func (s *MemoryStore) AddDeviceApp(ctx context.Context, apiKey, device, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(apiKey, device, app)
	return nil
}

// ClearDatastore implements Store.ClearDatastore.
func (s *MemoryStore) ClearDatastore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[memKey]*memSession)
	s.catalog = make(map[string]map[string]map[string]struct{})
	return nil
}

// registerLocked records the device/app pair; caller holds s.mu.
func (s *MemoryStore) registerLocked(apiKey, device, app string) {
	devices, ok := s.catalog[apiKey]
	if !ok {
		devices = make(map[string]map[string]struct{})
		s.catalog[apiKey] = devices
	}
	apps, ok := devices[device]
	if !ok {
		apps = make(map[string]struct{})
		devices[device] = apps
	}
	apps[app] = struct{}{}
}
