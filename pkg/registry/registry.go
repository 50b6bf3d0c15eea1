// Package registry implements NodeRegistry (C2): the authoritative record
// of which Nodes exist, their advertised capabilities, and whether they are
// currently reachable. Adapted from pkg/fleet/node_manager.go's Register/
// Deregister/Heartbeat/RunGC shape, generalized to the Node model and the
// cache-then-store read path spec.md §4.1 requires.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bosonmesh/overlay/pkg/boscache"
	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonerr"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
)

const livenessWindow = 2 * time.Minute

// Watcher observes registry lifecycle transitions, mirroring NodeWatcher in
// pkg/fleet/node_manager.go.
type Watcher interface {
	OnNodeRegistered(n *boson.Node)
	OnNodeOffline(id boson.NodeID)
	OnNodeRemoved(id boson.NodeID)
}

// Registry is the NodeRegistry component.
type Registry struct {
	store  bosonstore.Store
	cache  *boscache.Cache[boson.NodeID, *boson.Node]
	log    *slog.Logger
	watchers []Watcher
}

// New builds a Registry over store, caching reads for cacheTTL (§9
// cache_ttl_node, default 60s).
func New(store bosonstore.Store, cacheTTL time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store: store,
		cache: boscache.New[boson.NodeID, *boson.Node](cacheTTL),
		log:   log,
	}
}

// AddWatcher registers w for future lifecycle events.
func (r *Registry) AddWatcher(w Watcher) {
	r.watchers = append(r.watchers, w)
}

// Register upserts a Node keyed by its ID. registered_at is preserved across
// re-registration; every other mutable field is overwritten. last_heartbeat
// is set to now and status to online.
func (r *Registry) Register(ctx context.Context, n *boson.Node) (*boson.Node, error) {
	existing, err := r.store.GetNode(ctx, n.ID)
	now := time.Now()
	registeredAt := now
	if err == nil {
		registeredAt = existing.RegisteredAt
	} else if err != bosonstore.ErrNotFound {
		return nil, bosonerr.Wrap(bosonerr.Unavailable, "read existing node", err)
	}

	out := *n
	out.RegisteredAt = registeredAt
	out.LastHeartbeat = now
	out.Status = boson.NodeOnline

	if err := r.store.PutNode(ctx, &out); err != nil {
		return nil, bosonerr.Wrap(bosonerr.Unavailable, "persist node", err)
	}
	r.cache.Set(out.ID, &out)

	for _, w := range r.watchers {
		w.OnNodeRegistered(&out)
	}
	r.log.Info("node registered", "node_id", out.ID)
	return &out, nil
}

// Get is cache-then-store.
func (r *Registry) Get(ctx context.Context, id boson.NodeID) (*boson.Node, error) {
	if n, ok := r.cache.Get(id); ok {
		return n, nil
	}
	n, err := r.store.GetNode(ctx, id)
	if err == bosonstore.ErrNotFound {
		return nil, bosonerr.New(bosonerr.NotFound, fmt.Sprintf("node %s not found", id))
	}
	if err != nil {
		return nil, bosonerr.Wrap(bosonerr.Unavailable, "read node", err)
	}
	r.cache.Set(id, n)
	return n, nil
}

// ListActive returns Nodes with status online or degraded whose last
// heartbeat is within the 2 minute liveness window, most-recent first.
func (r *Registry) ListActive(ctx context.Context) ([]*boson.Node, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, bosonerr.Wrap(bosonerr.Unavailable, "list nodes", err)
	}
	cutoff := time.Now().Add(-livenessWindow)
	var out []*boson.Node
	for _, n := range all {
		if (n.Status == boson.NodeOnline || n.Status == boson.NodeDegraded) && n.LastHeartbeat.After(cutoff) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
	})
	return out, nil
}

// UpdatePublicIP is a no-op when ip is unchanged; otherwise it updates the
// store and invalidates the cache entry. Failures are logged, never
// propagated — public-IP drift is best-effort.
func (r *Registry) UpdatePublicIP(ctx context.Context, id boson.NodeID, ip string) {
	n, err := r.store.GetNode(ctx, id)
	if err != nil {
		r.log.Warn("update public ip: node lookup failed", "node_id", id, "err", err)
		return
	}
	if n.NetworkInfo.PublicIP == ip {
		return
	}
	n.NetworkInfo.PublicIP = ip
	if err := r.store.PutNode(ctx, n); err != nil {
		r.log.Warn("update public ip: persist failed", "node_id", id, "err", err)
		return
	}
	r.cache.Delete(id)
}

// Delete hard-removes a Node.
func (r *Registry) Delete(ctx context.Context, id boson.NodeID) error {
	if err := r.store.DeleteNode(ctx, id); err != nil {
		return bosonerr.Wrap(bosonerr.Unavailable, "delete node", err)
	}
	r.cache.Delete(id)
	for _, w := range r.watchers {
		w.OnNodeRemoved(id)
	}
	return nil
}

// MarkInactiveOffline transitions any online/degraded Node whose last
// heartbeat is older than threshold to offline.
func (r *Registry) MarkInactiveOffline(ctx context.Context, threshold time.Duration) (int, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return 0, bosonerr.Wrap(bosonerr.Unavailable, "list nodes", err)
	}
	cutoff := time.Now().Add(-threshold)
	marked := 0
	for _, n := range all {
		if n.Status == boson.NodeOffline {
			continue
		}
		if n.LastHeartbeat.Before(cutoff) {
			n.Status = boson.NodeOffline
			if err := r.store.PutNode(ctx, n); err != nil {
				r.log.Warn("mark offline failed", "node_id", n.ID, "err", err)
				continue
			}
			r.cache.Delete(n.ID)
			marked++
			for _, w := range r.watchers {
				w.OnNodeOffline(n.ID)
			}
		}
	}
	return marked, nil
}

// RemoveInactive hard-removes any Node whose last heartbeat is older than
// threshold, regardless of status.
func (r *Registry) RemoveInactive(ctx context.Context, threshold time.Duration) (int, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return 0, bosonerr.Wrap(bosonerr.Unavailable, "list nodes", err)
	}
	cutoff := time.Now().Add(-threshold)
	removed := 0
	for _, n := range all {
		if n.LastHeartbeat.Before(cutoff) {
			if err := r.Delete(ctx, n.ID); err != nil {
				r.log.Warn("remove inactive failed", "node_id", n.ID, "err", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Touch advances a Node's last_heartbeat and status, used by the heartbeat
// manager after deriving a status hint. It bypasses the registered_at reset
// Register performs.
func (r *Registry) Touch(ctx context.Context, id boson.NodeID, status boson.NodeStatus, at time.Time) error {
	n, err := r.store.GetNode(ctx, id)
	if err == bosonstore.ErrNotFound {
		return bosonerr.New(bosonerr.NotFound, fmt.Sprintf("node %s not found", id))
	}
	if err != nil {
		return bosonerr.Wrap(bosonerr.Unavailable, "read node", err)
	}
	wasOffline := n.Status == boson.NodeOffline
	n.Status = status
	n.LastHeartbeat = at
	if err := r.store.PutNode(ctx, n); err != nil {
		return bosonerr.Wrap(bosonerr.Unavailable, "persist heartbeat", err)
	}
	r.cache.Set(id, n)
	if wasOffline {
		for _, w := range r.watchers {
			w.OnNodeRegistered(n)
		}
	}
	return nil
}
