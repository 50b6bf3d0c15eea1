// Package bosonstore defines the durable Store interface for Nodes, Routes,
// and Sessions (§9's Store+Cache component, C1) and its backends, adapted
// from pkg/fleet's Store/MemoryStore/SQLiteStore/PostgresStore split.
package bosonstore

import (
	"context"
	"errors"

	"github.com/bosonmesh/overlay/pkg/boson"
)

// ErrNotFound is returned by a backend when the requested record does not
// exist. Callers translate it to bosonerr.NotFound at the package boundary.
var ErrNotFound = errors.New("bosonstore: not found")

// Store is the durable persistence boundary for the control plane's three
// entity kinds. Implementations must be safe for concurrent use.
type Store interface {
	PutNode(ctx context.Context, n *boson.Node) error
	GetNode(ctx context.Context, id boson.NodeID) (*boson.Node, error)
	DeleteNode(ctx context.Context, id boson.NodeID) error
	ListNodes(ctx context.Context) ([]*boson.Node, error)

	PutRoute(ctx context.Context, r *boson.Route) error
	GetRoute(ctx context.Context, id boson.RouteID) (*boson.Route, error)
	DeleteRoute(ctx context.Context, id boson.RouteID) error

	PutSession(ctx context.Context, s *boson.Session) error
	GetSession(ctx context.Context, id boson.SessionID) (*boson.Session, error)
	DeleteSession(ctx context.Context, id boson.SessionID) error
	ListSessions(ctx context.Context) ([]*boson.Session, error)
	ListSessionsByNode(ctx context.Context, nodeID boson.NodeID) ([]*boson.Session, error)

	Close() error
}
