package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/logflume/logflume/internal/alias"
	aliasrepo "github.com/logflume/logflume/internal/alias/repository"
	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/events"
	"github.com/logflume/logflume/internal/session/domain"
	"github.com/logflume/logflume/internal/session/repository"
	"github.com/logflume/logflume/internal/viewer"
)

// recordSink collects everything written to a viewer connection.
type recordSink struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
	block    chan struct{} // when non-nil, Write blocks until it is closed
}

func (s *recordSink) Write(payload []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.payloads = append(s.payloads, cp)
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSink) get() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func (s *recordSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitForPayloads(t *testing.T, sink *recordSink, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.get(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d payloads, have %d", n, len(sink.get()))
	return nil
}

type fixture struct {
	router   *Router
	store    *repository.MemoryStore
	resolver *alias.Resolver
	registry *viewer.Registry
}

func newFixture(policy auth.Policy) *fixture {
	store := repository.NewMemoryStore()
	resolver := alias.NewResolver(aliasrepo.NewMemoryRepository())
	registry := viewer.NewRegistry()
	return &fixture{
		router:   New(store, resolver, policy, registry, nil, 0),
		store:    store,
		resolver: resolver,
		registry: registry,
	}
}

func (f *fixture) addViewer(t *testing.T, apiKey string) *recordSink {
	t.Helper()
	sink := &recordSink{}
	c := viewer.NewConn(apiKey, sink, 64, f.registry.Remove)
	t.Cleanup(c.Close)
	f.registry.Add(c)
	return sink
}

func batch(apiKey string, texts ...string) Batch {
	entries := make([]domain.LogEntry, len(texts))
	for i, text := range texts {
		entries[i] = domain.LogEntry{Level: "Info", Text: text}
	}
	return Batch{
		Key: domain.SessionKey{
			APIKey:    apiKey,
			Device:    "phoneA",
			App:       "app1",
			StartTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		OSType:  domain.OSAndroid,
		Entries: entries,
	}
}

func TestRouter_SubmitPersistsAndFansOut(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	sink := f.addViewer(t, "")
	ctx := context.Background()

	b := batch("key1", "e1", "e2")
	if err := f.router.Submit(ctx, b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Persisted.
	_, stored, err := f.store.RetrieveLogs(ctx, b.Key)
	if err != nil {
		t.Fatalf("RetrieveLogs: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d entries, want 2", len(stored))
	}

	// Catalog registered.
	devices, err := f.store.RetrieveDevices(ctx, "key1")
	if err != nil || len(devices) != 1 || devices[0] != "phoneA" {
		t.Errorf("RetrieveDevices = %v, %v; want [phoneA]", devices, err)
	}

	// Fanned out as a logData message.
	payloads := waitForPayloads(t, sink, 1)
	var msg logDataMessage
	if err := json.Unmarshal(payloads[0], &msg); err != nil {
		t.Fatalf("Unmarshal fan-out payload: %v", err)
	}
	if msg.MessageType != MessageTypeLogData {
		t.Errorf("messageType = %q, want %q", msg.MessageType, MessageTypeLogData)
	}
	if msg.DeviceName != "phoneA" || msg.AppName != "app1" {
		t.Errorf("identity = %s/%s, want phoneA/app1", msg.DeviceName, msg.AppName)
	}
	if len(msg.LogEntries) != 2 || msg.LogEntries[0].Text != "e1" {
		t.Errorf("logEntries = %v", msg.LogEntries)
	}
}

// failingStore rejects every append; everything else delegates.
type failingStore struct {
	repository.Store
}

func (failingStore) StoreLogs(ctx context.Context, key domain.SessionKey, osType domain.OSType, entries []domain.LogEntry) error {
	return repository.ErrUnavailable
}

func TestRouter_StoreFailurePreventsFanOut(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	sink := f.addViewer(t, "")
	store := failingStore{Store: repository.NewMemoryStore()}
	r := New(store, f.resolver, auth.NewNoAuthPolicy(), f.registry, nil, 0)

	err := r.Submit(context.Background(), batch("key1", "e1"))
	if !errors.Is(err, repository.ErrUnavailable) {
		t.Fatalf("Submit: want ErrUnavailable, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := sink.get(); len(got) != 0 {
		t.Errorf("viewer received %d payloads after a failed append, want 0", len(got))
	}
}

func TestRouter_TenantIsolation(t *testing.T) {
	// API-key policy: only same-tenant viewers see a batch.
	f := newFixture(auth.NewAPIKeyPolicy(nil, nil, nil))
	mine := f.addViewer(t, "key1")
	other := f.addViewer(t, "key2")
	anon := f.addViewer(t, "")

	if err := f.router.Submit(context.Background(), batch("key1", "e1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForPayloads(t, mine, 1)
	time.Sleep(20 * time.Millisecond)
	if got := other.get(); len(got) != 0 {
		t.Errorf("other tenant received %d payloads, want 0", len(got))
	}
	if got := anon.get(); len(got) != 0 {
		t.Errorf("anonymous viewer received %d payloads, want 0", len(got))
	}
}

func TestRouter_SessionOverNotifiesViewers(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	sink := f.addViewer(t, "")
	ctx := context.Background()

	b := batch("key1", "e1")
	if err := f.router.Submit(ctx, b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.router.SessionOver(ctx, b.Key); err != nil {
		t.Fatalf("SessionOver: %v", err)
	}

	payloads := waitForPayloads(t, sink, 2)
	var msg sessionEndMessage
	if err := json.Unmarshal(payloads[1], &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.MessageType != MessageTypeSessionEnd {
		t.Errorf("messageType = %q, want %q", msg.MessageType, MessageTypeSessionEnd)
	}

	// The session is closed in the store too.
	if err := f.store.StoreLogs(ctx, b.Key, domain.OSAndroid, b.Entries); !errors.Is(err, repository.ErrSessionClosed) {
		t.Errorf("StoreLogs after SessionOver: want ErrSessionClosed, got %v", err)
	}
}

func TestRouter_SessionOverUnknownSession(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	err := f.router.SessionOver(context.Background(), batch("key1").Key)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("SessionOver on unknown session: want ErrNotFound, got %v", err)
	}
}

func TestRouter_ResolvesAliasesBeforeStoring(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	ctx := context.Background()

	if err := f.resolver.SetDeviceAlias(ctx, "key1", "phoneA", "Sam's Phone"); err != nil {
		t.Fatalf("SetDeviceAlias: %v", err)
	}

	b := batch("key1", "e1")
	b.Key.Device = "Sam's Phone"
	if err := f.router.Submit(ctx, b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Stored under the raw name, not the alias.
	rawKey := b.Key
	rawKey.Device = "phoneA"
	if _, _, err := f.store.RetrieveLogs(ctx, rawKey); err != nil {
		t.Errorf("RetrieveLogs under raw name: %v", err)
	}
	if _, _, err := f.store.RetrieveLogs(ctx, b.Key); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("RetrieveLogs under the alias: want ErrNotFound, got %v", err)
	}
}

func TestRouter_RejectsInvalidKey(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	b := batch("key1", "e1")
	b.Key.Device = ""
	if err := f.router.Submit(context.Background(), b); err == nil {
		t.Error("Submit with empty device: want error, got nil")
	}
}

func TestRouter_SlowViewerDoesNotBlockPeers(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())

	slow := &recordSink{block: make(chan struct{})}
	defer close(slow.block)
	slowConn := viewer.NewConn("", slow, 1, f.registry.Remove)
	t.Cleanup(slowConn.Close)
	f.registry.Add(slowConn)

	fast := f.addViewer(t, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := f.router.Submit(ctx, batch("key1", "e")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	// The healthy viewer got everything; the stalled one was dropped rather
	// than holding up delivery.
	waitForPayloads(t, fast, 5)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.registry.Len() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if f.registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1 after dropping the slow viewer", f.registry.Len())
	}
}

func TestRouter_ClearDatastoreWipesAliases(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	ctx := context.Background()

	if err := f.resolver.SetDeviceAlias(ctx, "key1", "phoneA", "Sam's Phone"); err != nil {
		t.Fatalf("SetDeviceAlias: %v", err)
	}
	b := batch("key1", "e1")
	if err := f.router.Submit(ctx, b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.router.ClearDatastore(ctx); err != nil {
		t.Fatalf("ClearDatastore: %v", err)
	}

	// Sessions and catalog are gone.
	if _, _, err := f.store.RetrieveLogs(ctx, b.Key); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("RetrieveLogs after wipe: want ErrNotFound, got %v", err)
	}
	if _, err := f.store.RetrieveDevices(ctx, "key1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("RetrieveDevices after wipe: want ErrNotFound, got %v", err)
	}

	// Aliases are gone too: the old display name no longer maps to the old
	// raw device, it just passes through as raw.
	if _, err := f.resolver.RawDeviceFromAlias(ctx, "key1", "Sam's Phone"); !errors.Is(err, aliasrepo.ErrAliasNotFound) {
		t.Errorf("RawDeviceFromAlias after wipe: want ErrAliasNotFound, got %v", err)
	}
	got, err := f.resolver.ResolveDevice(ctx, "key1", "Sam's Phone")
	if err != nil {
		t.Fatalf("ResolveDevice after wipe: %v", err)
	}
	if got != "Sam's Phone" {
		t.Errorf("ResolveDevice after wipe = %q, want pass-through", got)
	}
}

// countingStore counts session catalog lookups; everything else delegates.
type countingStore struct {
	repository.Store
	mu           sync.Mutex
	sessionScans int
}

func (s *countingStore) RetrieveSessions(ctx context.Context, apiKey, device, app string) ([]time.Time, error) {
	s.mu.Lock()
	s.sessionScans++
	s.mu.Unlock()
	return s.Store.RetrieveSessions(ctx, apiKey, device, app)
}

func (s *countingStore) scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionScans
}

func TestRouter_NoExistenceCheckWithoutEmitter(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	store := &countingStore{Store: repository.NewMemoryStore()}
	r := New(store, f.resolver, auth.NewNoAuthPolicy(), f.registry, nil, 0)

	for i := 0; i < 3; i++ {
		if err := r.Submit(context.Background(), batch("key1", "e")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if n := store.scans(); n != 0 {
		t.Errorf("session existence checked %d times with no emitter, want 0", n)
	}
}

// recordEmitter collects emitted event types.
type recordEmitter struct {
	mu    sync.Mutex
	types []string
}

func (e *recordEmitter) Emit(ctx context.Context, event *events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, event.Type)
	return nil
}

func (e *recordEmitter) Close() error { return nil }

func (e *recordEmitter) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, tp := range e.types {
		if tp == eventType {
			n++
		}
	}
	return n
}

func TestRouter_EmitsLifecycleEvents(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	emitter := &recordEmitter{}
	r := New(f.store, f.resolver, auth.NewNoAuthPolicy(), f.registry, emitter, 0)
	ctx := context.Background()

	b := batch("key1", "e1")
	if err := r.Submit(ctx, b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Submit(ctx, batch("key1", "e2")); err != nil {
		t.Fatalf("Submit second batch: %v", err)
	}
	if err := r.SessionOver(ctx, b.Key); err != nil {
		t.Fatalf("SessionOver: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && emitter.count(events.TypeSessionClosed) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// session_opened only for the first batch of a new session.
	if n := emitter.count(events.TypeSessionOpened); n != 1 {
		t.Errorf("session_opened emitted %d times, want 1", n)
	}
	if n := emitter.count(events.TypeBatchStored); n != 2 {
		t.Errorf("batch_stored emitted %d times, want 2", n)
	}
	if n := emitter.count(events.TypeSessionClosed); n != 1 {
		t.Errorf("session_closed emitted %d times, want 1", n)
	}
}

func TestRouter_ForwardDeliversWithoutPersisting(t *testing.T) {
	f := newFixture(auth.NewNoAuthPolicy())
	sink := f.addViewer(t, "")

	f.router.Forward("key1", []byte(`{"messageType":"deviceMetrics"}`))
	payloads := waitForPayloads(t, sink, 1)
	if string(payloads[0]) != `{"messageType":"deviceMetrics"}` {
		t.Errorf("forwarded payload = %s", payloads[0])
	}

	if _, err := f.store.RetrieveDevices(context.Background(), "key1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Forward persisted something: %v", err)
	}
}
