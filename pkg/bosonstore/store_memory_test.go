package bosonstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosonmesh/overlay/pkg/boson"
)

func TestMemoryStoreNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n := &boson.Node{ID: "node-1", PublicKey: "pk", Status: boson.NodeOnline, RegisteredAt: time.Now()}
	require.NoError(t, s.PutNode(ctx, n))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, n.PublicKey, got.PublicKey)

	// Mutating the returned copy must not affect stored state.
	got.PublicKey = "mutated"
	got2, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "pk", got2.PublicKey)

	require.NoError(t, s.DeleteNode(ctx, "node-1"))
	_, err = s.GetNode(ctx, "node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSessionsByNode(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutSession(ctx, &boson.Session{ID: "s1", NodeID: "n1"}))
	require.NoError(t, s.PutSession(ctx, &boson.Session{ID: "s2", NodeID: "n1"}))
	require.NoError(t, s.PutSession(ctx, &boson.Session{ID: "s3", NodeID: "n2"}))

	got, err := s.ListSessionsByNode(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
