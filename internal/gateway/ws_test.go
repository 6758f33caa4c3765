package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/logflume/logflume/internal/alias"
	aliasrepo "github.com/logflume/logflume/internal/alias/repository"
	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/router"
	"github.com/logflume/logflume/internal/session/domain"
	"github.com/logflume/logflume/internal/session/repository"
	"github.com/logflume/logflume/internal/viewer"
)

// fakePipeline records the router calls the gateway makes.
type fakePipeline struct {
	batches   []router.Batch
	closed    []domain.SessionKey
	forwarded [][]byte
	submitErr error
}

func (f *fakePipeline) Submit(ctx context.Context, batch router.Batch) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakePipeline) SessionOver(ctx context.Context, key domain.SessionKey) error {
	f.closed = append(f.closed, key)
	return nil
}

func (f *fakePipeline) Forward(apiKey string, payload []byte) {
	f.forwarded = append(f.forwarded, payload)
}

func newTestServer(pipeline Pipeline, policy auth.Policy) (*Server, *repository.MemoryStore, *alias.Resolver) {
	store := repository.NewMemoryStore()
	resolver := alias.NewResolver(aliasrepo.NewMemoryRepository())
	return NewServer(pipeline, store, resolver, policy, viewer.NewRegistry(), 16), store, resolver
}

func TestHandleAgentMessage_SessionLifecycle(t *testing.T) {
	pipeline := &fakePipeline{}
	srv, _, _ := newTestServer(pipeline, auth.NewNoAuthPolicy())
	ctx := context.Background()
	sess := &agentSession{}

	start := `{"messageType":"startSession","apiKey":"key1","deviceName":"phoneA","appName":"app1","osType":"Android","startTime":"2026-03-01T12:00:00Z"}`
	if err := srv.handleAgentMessage(ctx, sess, []byte(start)); err != nil {
		t.Fatalf("startSession: %v", err)
	}
	if len(pipeline.batches) != 1 {
		t.Fatalf("submitted %d batches, want 1", len(pipeline.batches))
	}
	opened := pipeline.batches[0]
	if opened.Key.APIKey != "key1" || opened.Key.Device != "phoneA" || opened.Key.App != "app1" {
		t.Errorf("opening key = %+v", opened.Key)
	}
	if opened.OSType != domain.OSAndroid {
		t.Errorf("osType = %q, want Android", opened.OSType)
	}
	if len(opened.Entries) != 0 {
		t.Errorf("opening batch carried %d entries, want 0", len(opened.Entries))
	}

	// Later messages inherit the session identity without restating it.
	dump := `{"messageType":"logDump","logEntries":[{"time":"2026-03-01T12:00:01Z","logLevel":"Info","tag":"App","text":"started"}]}`
	if err := srv.handleAgentMessage(ctx, sess, []byte(dump)); err != nil {
		t.Fatalf("logDump: %v", err)
	}
	if len(pipeline.batches) != 2 {
		t.Fatalf("submitted %d batches, want 2", len(pipeline.batches))
	}
	dumped := pipeline.batches[1]
	if dumped.Key != opened.Key {
		t.Errorf("logDump key = %+v, want the session key %+v", dumped.Key, opened.Key)
	}
	if len(dumped.Entries) != 1 || dumped.Entries[0].Text != "started" {
		t.Errorf("logDump entries = %v", dumped.Entries)
	}

	if err := srv.handleAgentMessage(ctx, sess, []byte(`{"messageType":"endSession"}`)); err != nil {
		t.Fatalf("endSession: %v", err)
	}
	if len(pipeline.closed) != 1 || pipeline.closed[0] != opened.Key {
		t.Errorf("closed = %v, want the session key", pipeline.closed)
	}
}

func TestHandleAgentMessage_StartSessionDefaultsStartTime(t *testing.T) {
	pipeline := &fakePipeline{}
	srv, _, _ := newTestServer(pipeline, auth.NewNoAuthPolicy())
	sess := &agentSession{}

	msg := `{"messageType":"startSession","apiKey":"key1","deviceName":"phoneA","appName":"app1","osType":"iOS"}`
	if err := srv.handleAgentMessage(context.Background(), sess, []byte(msg)); err != nil {
		t.Fatalf("startSession: %v", err)
	}
	if pipeline.batches[0].Key.StartTime.IsZero() {
		t.Error("startSession without startTime left the key's StartTime zero")
	}
}

func TestHandleAgentMessage_DeviceMetricsForwardedNotStored(t *testing.T) {
	pipeline := &fakePipeline{}
	srv, _, _ := newTestServer(pipeline, auth.NewNoAuthPolicy())
	sess := &agentSession{key: domain.SessionKey{APIKey: "key1", Device: "phoneA", App: "app1", StartTime: time.Now()}}

	raw := `{"messageType":"deviceMetrics","cpuUsage":0.42,"memUsage":12345}`
	if err := srv.handleAgentMessage(context.Background(), sess, []byte(raw)); err != nil {
		t.Fatalf("deviceMetrics: %v", err)
	}
	if len(pipeline.batches) != 0 {
		t.Errorf("deviceMetrics submitted %d batches, want 0", len(pipeline.batches))
	}
	if len(pipeline.forwarded) != 1 || string(pipeline.forwarded[0]) != raw {
		t.Errorf("forwarded = %q, want the raw frame", pipeline.forwarded)
	}
}

func TestHandleAgentMessage_Errors(t *testing.T) {
	pipeline := &fakePipeline{}
	srv, _, _ := newTestServer(pipeline, auth.NewNoAuthPolicy())
	ctx := context.Background()

	if err := srv.handleAgentMessage(ctx, &agentSession{}, []byte("{not json")); err == nil {
		t.Error("malformed frame: want error, got nil")
	}
	if err := srv.handleAgentMessage(ctx, &agentSession{}, []byte(`{"messageType":"selfDestruct"}`)); err == nil {
		t.Error("unknown messageType: want error, got nil")
	}

	// Pipeline errors surface to the caller so the socket can report them.
	pipeline.submitErr = errors.New("store down")
	msg := `{"messageType":"logDump","apiKey":"key1","deviceName":"d","appName":"a","startTime":"2026-03-01T12:00:00Z"}`
	if err := srv.handleAgentMessage(ctx, &agentSession{}, []byte(msg)); err == nil {
		t.Error("pipeline failure: want error, got nil")
	}
}
