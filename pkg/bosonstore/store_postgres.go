package bosonstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bosonmesh/overlay/pkg/boson"
)

// PostgresConfig configures the Postgres-backed Store, mirroring the
// env-tag style of pkg/fleet/store_postgres.go's PostgresConfig.
type PostgresConfig struct {
	Host     string `json:"host" env:"BOSON_PG_HOST"`
	Port     int    `json:"port" env:"BOSON_PG_PORT" envDefault:"5432"`
	User     string `json:"user" env:"BOSON_PG_USER"`
	Password string `json:"password" env:"BOSON_PG_PASSWORD"`
	Database string `json:"database" env:"BOSON_PG_DATABASE"`
	SSLMode  string `json:"sslmode" env:"BOSON_PG_SSLMODE" envDefault:"require"`
}

// DSN builds the libpq connection string for this config.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// PostgresStore is a Store backed by Postgres, for multi-instance
// coordinator deployments sharing one durable backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against cfg and runs its
// migration.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS boson_nodes (
			node_id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS boson_routes (
			route_id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS boson_sessions (
			session_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			data JSONB NOT NULL
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

func (s *PostgresStore) PutNode(ctx context.Context, n *boson.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boson_nodes (node_id, data) VALUES ($1, $2)
		 ON CONFLICT (node_id) DO UPDATE SET data = excluded.data`,
		string(n.ID), data)
	return err
}

func (s *PostgresStore) GetNode(ctx context.Context, id boson.NodeID) (*boson.Node, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM boson_nodes WHERE node_id = $1`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var n boson.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id boson.NodeID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boson_nodes WHERE node_id = $1`, string(id))
	return err
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*boson.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM boson_nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*boson.Node
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var n boson.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutRoute(ctx context.Context, r *boson.Route) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boson_routes (route_id, data) VALUES ($1, $2)
		 ON CONFLICT (route_id) DO UPDATE SET data = excluded.data`,
		string(r.ID), data)
	return err
}

func (s *PostgresStore) GetRoute(ctx context.Context, id boson.RouteID) (*boson.Route, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM boson_routes WHERE route_id = $1`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r boson.Route
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) DeleteRoute(ctx context.Context, id boson.RouteID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boson_routes WHERE route_id = $1`, string(id))
	return err
}

func (s *PostgresStore) PutSession(ctx context.Context, sess *boson.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO boson_sessions (session_id, node_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET node_id = excluded.node_id, data = excluded.data`,
		string(sess.ID), string(sess.NodeID), data)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id boson.SessionID) (*boson.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM boson_sessions WHERE session_id = $1`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess boson.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id boson.SessionID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boson_sessions WHERE session_id = $1`, string(id))
	return err
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]*boson.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM boson_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*boson.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess boson.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSessionsByNode(ctx context.Context, nodeID boson.NodeID) ([]*boson.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM boson_sessions WHERE node_id = $1`, string(nodeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*boson.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess boson.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
