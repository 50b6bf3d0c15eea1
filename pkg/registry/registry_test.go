package registry

import (
	"context"
	"testing"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
)

type recordingWatcher struct {
	registered []boson.NodeID
	offline    []boson.NodeID
	removed    []boson.NodeID
}

func (w *recordingWatcher) OnNodeRegistered(n *boson.Node) { w.registered = append(w.registered, n.ID) }
func (w *recordingWatcher) OnNodeOffline(id boson.NodeID)  { w.offline = append(w.offline, id) }
func (w *recordingWatcher) OnNodeRemoved(id boson.NodeID)  { w.removed = append(w.removed, id) }

func TestRegisterThenGetRoundTrips(t *testing.T) {
	reg := New(bosonstore.NewMemoryStore(), time.Minute, nil)
	n, err := reg.Register(context.Background(), &boson.Node{ID: "node-a", PublicKey: "pk"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n.Status != boson.NodeOnline {
		t.Fatalf("expected newly registered node to be online, got %v", n.Status)
	}

	got, err := reg.Get(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "node-a" {
		t.Fatalf("expected node-a, got %s", got.ID)
	}
}

func TestRegisterPreservesRegisteredAtAcrossReregistration(t *testing.T) {
	reg := New(bosonstore.NewMemoryStore(), time.Minute, nil)
	ctx := context.Background()

	first, err := reg.Register(ctx, &boson.Node{ID: "node-a"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	second, err := reg.Register(ctx, &boson.Node{ID: "node-a", PublicKey: "new-key"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("expected registered_at to survive re-registration: %v != %v", second.RegisteredAt, first.RegisteredAt)
	}
	if second.PublicKey != "new-key" {
		t.Fatalf("expected public key to be overwritten, got %q", second.PublicKey)
	}
}

func TestGetUnknownNodeReturnsNotFound(t *testing.T) {
	reg := New(bosonstore.NewMemoryStore(), time.Minute, nil)
	if _, err := reg.Get(context.Background(), "node-missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestListActiveExcludesStaleAndOfflineNodes(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	reg := New(store, time.Minute, nil)
	ctx := context.Background()

	reg.Register(ctx, &boson.Node{ID: "node-fresh"})
	reg.Register(ctx, &boson.Node{ID: "node-stale"})
	reg.Touch(ctx, "node-stale", boson.NodeOnline, time.Now().Add(-10*time.Minute))
	reg.Register(ctx, &boson.Node{ID: "node-offline"})
	reg.Touch(ctx, "node-offline", boson.NodeOffline, time.Now())

	active, err := reg.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "node-fresh" {
		t.Fatalf("expected only node-fresh, got %+v", active)
	}
}

func TestMarkInactiveOfflineTransitionsStatusAndNotifiesWatchers(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	reg := New(store, time.Minute, nil)
	ctx := context.Background()
	watcher := &recordingWatcher{}
	reg.AddWatcher(watcher)

	reg.Register(ctx, &boson.Node{ID: "node-a"})
	reg.Touch(ctx, "node-a", boson.NodeOnline, time.Now().Add(-time.Hour))

	marked, err := reg.MarkInactiveOffline(ctx, time.Minute)
	if err != nil {
		t.Fatalf("MarkInactiveOffline: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 node marked offline, got %d", marked)
	}
	n, _ := reg.Get(ctx, "node-a")
	if n.Status != boson.NodeOffline {
		t.Fatalf("expected node-a offline, got %v", n.Status)
	}
	if len(watcher.offline) != 1 || watcher.offline[0] != "node-a" {
		t.Fatalf("expected OnNodeOffline callback for node-a, got %v", watcher.offline)
	}
}

func TestRemoveInactiveHardDeletesAndNotifies(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	reg := New(store, time.Minute, nil)
	ctx := context.Background()
	watcher := &recordingWatcher{}
	reg.AddWatcher(watcher)

	reg.Register(ctx, &boson.Node{ID: "node-a"})
	reg.Touch(ctx, "node-a", boson.NodeOffline, time.Now().Add(-time.Hour))

	removed, err := reg.RemoveInactive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RemoveInactive: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 node removed, got %d", removed)
	}
	if _, err := reg.Get(ctx, "node-a"); err == nil {
		t.Fatal("expected node-a to be gone")
	}
	if len(watcher.removed) != 1 || watcher.removed[0] != "node-a" {
		t.Fatalf("expected OnNodeRemoved callback for node-a, got %v", watcher.removed)
	}
}

func TestTouchNotifiesRegisteredWhenComingBackFromOffline(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	reg := New(store, time.Minute, nil)
	ctx := context.Background()
	watcher := &recordingWatcher{}
	reg.AddWatcher(watcher)

	reg.Register(ctx, &boson.Node{ID: "node-a"})
	reg.Touch(ctx, "node-a", boson.NodeOffline, time.Now())
	watcher.registered = nil // drop the registration event from Register itself

	if err := reg.Touch(ctx, "node-a", boson.NodeOnline, time.Now()); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if len(watcher.registered) != 1 || watcher.registered[0] != "node-a" {
		t.Fatalf("expected recovery-from-offline to fire OnNodeRegistered, got %v", watcher.registered)
	}
}

func TestUpdatePublicIPInvalidatesCacheOnChange(t *testing.T) {
	store := bosonstore.NewMemoryStore()
	reg := New(store, time.Minute, nil)
	ctx := context.Background()
	reg.Register(ctx, &boson.Node{ID: "node-a", NetworkInfo: boson.NetworkInfo{PublicIP: "1.1.1.1"}})

	reg.UpdatePublicIP(ctx, "node-a", "2.2.2.2")

	got, err := reg.Get(ctx, "node-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NetworkInfo.PublicIP != "2.2.2.2" {
		t.Fatalf("expected updated public ip, got %q", got.NetworkInfo.PublicIP)
	}
}
