package bosonstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/bosonmesh/overlay/pkg/boson"
)

// SQLiteStore is a Store backed by a local SQLite file, adapted from
// pkg/fleet/store_sqlite.go: one JSON-blob table per entity kind, WAL mode
// for concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the SQLite database at path and
// runs its migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS boson_nodes (
			node_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS boson_routes (
			route_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS boson_sessions (
			session_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_boson_sessions_node ON boson_sessions(node_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) PutNode(ctx context.Context, n *boson.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boson_nodes (node_id, data) VALUES (?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET data = excluded.data`,
		string(n.ID), string(data))
	return err
}

func (s *SQLiteStore) GetNode(ctx context.Context, id boson.NodeID) (*boson.Node, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM boson_nodes WHERE node_id = ?`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var n boson.Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id boson.NodeID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boson_nodes WHERE node_id = ?`, string(id))
	return err
}

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*boson.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM boson_nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*boson.Node
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var n boson.Node
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutRoute(ctx context.Context, r *boson.Route) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boson_routes (route_id, data) VALUES (?, ?)
		 ON CONFLICT(route_id) DO UPDATE SET data = excluded.data`,
		string(r.ID), string(data))
	return err
}

func (s *SQLiteStore) GetRoute(ctx context.Context, id boson.RouteID) (*boson.Route, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM boson_routes WHERE route_id = ?`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r boson.Route
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) DeleteRoute(ctx context.Context, id boson.RouteID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boson_routes WHERE route_id = ?`, string(id))
	return err
}

func (s *SQLiteStore) PutSession(ctx context.Context, sess *boson.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boson_sessions (session_id, node_id, data) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id = excluded.node_id, data = excluded.data`,
		string(sess.ID), string(sess.NodeID), string(data))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id boson.SessionID) (*boson.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM boson_sessions WHERE session_id = ?`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess boson.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id boson.SessionID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boson_sessions WHERE session_id = ?`, string(id))
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*boson.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM boson_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*boson.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess boson.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSessionsByNode(ctx context.Context, nodeID boson.NodeID) ([]*boson.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM boson_sessions WHERE node_id = ?`, string(nodeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*boson.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess boson.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
