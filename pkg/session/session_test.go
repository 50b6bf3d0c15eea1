package session

import (
	"context"
	"testing"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
)

func TestCreateThenGetRoundTrips(t *testing.T) {
	s := New(bosonstore.NewMemoryStore(), time.Minute, time.Minute, nil)
	ctx := context.Background()

	sess, err := s.Create(ctx, "sess-1", "node-a", "client-a", "route-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != boson.SessionActive {
		t.Fatalf("expected active session, got %v", sess.Status)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NodeID != "node-a" || got.ClientID != "client-a" {
		t.Fatalf("unexpected session fields: %+v", got)
	}
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	s := New(bosonstore.NewMemoryStore(), time.Minute, time.Minute, nil)
	if _, err := s.Get(context.Background(), "sess-missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestGetFallsThroughToDurableStoreAndWarmsMemory(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	s := New(store, time.Minute, time.Minute, nil)
	ctx := context.Background()

	// bypass Create so the session exists only in the durable store, not
	// the in-process memory/cache layers s.Get warms on the way up.
	if err := store.PutSession(ctx, &boson.Session{ID: "sess-1", NodeID: "node-a", Status: boson.SessionActive}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NodeID != "node-a" {
		t.Fatalf("expected node-a, got %s", got.NodeID)
	}

	s.mu.RLock()
	_, warmed := s.memory["sess-1"]
	s.mu.RUnlock()
	if !warmed {
		t.Fatal("expected Get to warm the in-memory layer on a durable-store hit")
	}
}

func TestUpdateStatusPersistsChange(t *testing.T) {
	s := New(bosonstore.NewMemoryStore(), time.Minute, time.Minute, nil)
	ctx := context.Background()
	s.Create(ctx, "sess-1", "node-a", "client-a", "route-1", time.Now().Add(time.Hour))

	if err := s.UpdateStatus(ctx, "sess-1", boson.SessionError); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := s.Get(ctx, "sess-1")
	if got.Status != boson.SessionError {
		t.Fatalf("expected error status, got %v", got.Status)
	}
}

func TestCloseRemovesFromMemoryButKeepsDurableRecord(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	s := New(store, time.Minute, time.Minute, nil)
	ctx := context.Background()
	s.Create(ctx, "sess-1", "node-a", "client-a", "route-1", time.Now().Add(time.Hour))

	if err := s.Close(ctx, "sess-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s.mu.RLock()
	_, inMemory := s.memory["sess-1"]
	s.mu.RUnlock()
	if inMemory {
		t.Fatal("expected Close to drop the session from memory")
	}

	durable, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("expected durable record to survive Close: %v", err)
	}
	if durable.Status != boson.SessionClosed {
		t.Fatalf("expected closed status in durable record, got %v", durable.Status)
	}
}

func TestGetExpiredSessionReturnsNotFound(t *testing.T) {
	s := New(bosonstore.NewMemoryStore(), time.Minute, time.Hour, nil)
	ctx := context.Background()
	s.Create(ctx, "sess-1", "node-a", "client-a", "route-1", time.Now().Add(-time.Second))

	if _, err := s.Get(ctx, "sess-1"); err == nil {
		t.Fatal("expected expired session to read as not-found")
	}

	s.mu.RLock()
	_, inMemory := s.memory["sess-1"]
	s.mu.RUnlock()
	if inMemory {
		t.Fatal("expected Get to evict an expired session from memory")
	}
	if _, ok := s.cache.Get("sess-1"); ok {
		t.Fatal("expected Get to evict an expired session from cache")
	}
}

func TestRunSweepsExpiredSessions(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	s := New(store, time.Minute, 20*time.Millisecond, nil)
	ctx := context.Background()
	s.Create(ctx, "sess-expired", "node-a", "client-a", "route-1", time.Now().Add(-time.Minute))
	s.Create(ctx, "sess-live", "node-a", "client-b", "route-1", time.Now().Add(time.Hour))

	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	s.Run(runCtx)

	if _, err := store.GetSession(ctx, "sess-expired"); err == nil {
		t.Fatal("expected expired session to be swept")
	}
	if _, err := store.GetSession(ctx, "sess-live"); err != nil {
		t.Fatalf("expected live session to survive sweep: %v", err)
	}
}
