// Package session implements SessionStore (C5): the Client↔Node binding
// lifecycle, layered memory → cache → durable store exactly as §4.4
// specifies, mirroring the layered lookup pkg/fleet/store_memory.go performs
// for executions.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bosonmesh/overlay/pkg/boscache"
	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonerr"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
)

// Store is the SessionStore component.
type Store struct {
	mu     sync.RWMutex
	memory map[boson.SessionID]*boson.Session

	cache *boscache.Cache[boson.SessionID, *boson.Session]
	store bosonstore.Store
	log   *slog.Logger

	sweepInterval time.Duration
	stop          chan struct{}
}

// New builds a Store over durable, caching reads for cacheTTL (§9
// cache_ttl_session, default 3600s) and sweeping expired sessions at
// sweepInterval (§9 sweep_interval_sessions, default 300s).
func New(durable bosonstore.Store, cacheTTL, sweepInterval time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		memory:        make(map[boson.SessionID]*boson.Session),
		cache:         boscache.New[boson.SessionID, *boson.Session](cacheTTL),
		store:         durable,
		log:           log,
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
}

// Create opens a Session, status active, and places it in all three layers.
func (s *Store) Create(ctx context.Context, id boson.SessionID, nodeID boson.NodeID, clientID boson.ClientID, routeID boson.RouteID, expiresAt time.Time) (*boson.Session, error) {
	sess := &boson.Session{
		ID:        id,
		NodeID:    nodeID,
		ClientID:  clientID,
		RouteID:   routeID,
		Status:    boson.SessionActive,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, bosonerr.Wrap(bosonerr.Unavailable, "persist session", err)
	}
	s.mu.Lock()
	s.memory[id] = sess
	s.mu.Unlock()
	s.cache.Set(id, sess)
	return sess, nil
}

// Get checks memory, then cache, then the durable store, warming each
// predecessor layer on a hit further down the chain. A session past its
// expires_at is treated as NotFound regardless of which layer served it —
// callers (wsrelay admission included) must not see it as active just
// because the background sweeper hasn't reaped it yet.
func (s *Store) Get(ctx context.Context, id boson.SessionID) (*boson.Session, error) {
	s.mu.RLock()
	sess, ok := s.memory[id]
	s.mu.RUnlock()
	if ok {
		if s.expired(sess) {
			s.evict(id)
			return nil, bosonerr.New(bosonerr.NotFound, "session not found")
		}
		return sess, nil
	}

	if sess, ok := s.cache.Get(id); ok {
		if s.expired(sess) {
			s.evict(id)
			return nil, bosonerr.New(bosonerr.NotFound, "session not found")
		}
		s.mu.Lock()
		s.memory[id] = sess
		s.mu.Unlock()
		return sess, nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err == bosonstore.ErrNotFound {
		return nil, bosonerr.New(bosonerr.NotFound, "session not found")
	}
	if err != nil {
		return nil, bosonerr.Wrap(bosonerr.Unavailable, "read session", err)
	}
	if s.expired(sess) {
		s.evict(id)
		return nil, bosonerr.New(bosonerr.NotFound, "session not found")
	}
	s.cache.Set(id, sess)
	s.mu.Lock()
	s.memory[id] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *Store) expired(sess *boson.Session) bool {
	return sess.ExpiresAt.Before(time.Now())
}

// evict drops a stale session from memory and cache; the durable record is
// left for sweepOnce, matching Close's audit-trail treatment.
func (s *Store) evict(id boson.SessionID) {
	s.mu.Lock()
	delete(s.memory, id)
	s.mu.Unlock()
	s.cache.Delete(id)
}

// UpdateStatus persists a status change.
func (s *Store) UpdateStatus(ctx context.Context, id boson.SessionID, status boson.SessionStatus) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	cp := *sess
	cp.Status = status
	if err := s.store.PutSession(ctx, &cp); err != nil {
		return bosonerr.Wrap(bosonerr.Unavailable, "persist session status", err)
	}
	s.mu.Lock()
	s.memory[id] = &cp
	s.mu.Unlock()
	s.cache.Set(id, &cp)
	return nil
}

// Close transitions the Session to closed and removes it from memory and
// cache; the durable record is kept for audit/history.
func (s *Store) Close(ctx context.Context, id boson.SessionID) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	cp := *sess
	cp.Status = boson.SessionClosed
	if err := s.store.PutSession(ctx, &cp); err != nil {
		return bosonerr.Wrap(bosonerr.Unavailable, "persist session close", err)
	}
	s.mu.Lock()
	delete(s.memory, id)
	s.mu.Unlock()
	s.cache.Delete(id)
	return nil
}

// Run drives the background sweeper, deleting expired Sessions and
// invalidating their cache entries, until ctx is done or Stop is called.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// Stop signals Run to exit.
func (s *Store) Stop() {
	close(s.stop)
}

func (s *Store) sweepOnce(ctx context.Context) {
	all, err := s.store.ListSessions(ctx)
	if err != nil {
		s.log.Warn("session sweep: list failed", "err", err)
		return
	}
	now := time.Now()
	expired := 0
	for _, sess := range all {
		if sess.ExpiresAt.Before(now) {
			if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
				s.log.Warn("session sweep: delete failed", "session_id", sess.ID, "err", err)
				continue
			}
			s.mu.Lock()
			delete(s.memory, sess.ID)
			s.mu.Unlock()
			s.cache.Delete(sess.ID)
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("session sweep: removed expired sessions", "count", expired)
	}
}
