package bosonstore

import (
	"context"
	"sync"

	"github.com/bosonmesh/overlay/pkg/boson"
)

// MemoryStore is an in-process Store backed by guarded maps, adapted from
// pkg/fleet/store_memory.go. Suitable for single-process deployments and
// tests; state does not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[boson.NodeID]*boson.Node
	routes   map[boson.RouteID]*boson.Route
	sessions map[boson.SessionID]*boson.Session
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[boson.NodeID]*boson.Node),
		routes:   make(map[boson.RouteID]*boson.Route),
		sessions: make(map[boson.SessionID]*boson.Session),
	}
}

func (s *MemoryStore) PutNode(_ context.Context, n *boson.Node) error {
	cp := *n
	s.mu.Lock()
	s.nodes[n.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id boson.NodeID) (*boson.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, id boson.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context) ([]*boson.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*boson.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutRoute(_ context.Context, r *boson.Route) error {
	cp := *r
	s.mu.Lock()
	s.routes[r.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetRoute(_ context.Context, id boson.RouteID) (*boson.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) DeleteRoute(_ context.Context, id boson.RouteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, id)
	return nil
}

func (s *MemoryStore) PutSession(_ context.Context, sess *boson.Session) error {
	cp := *sess
	s.mu.Lock()
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id boson.SessionID) (*boson.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id boson.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]*boson.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*boson.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListSessionsByNode(_ context.Context, nodeID boson.NodeID) ([]*boson.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*boson.Session
	for _, sess := range s.sessions {
		if sess.NodeID == nodeID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
