// Package audit provides an immutable, append-only audit log for the
// overlay control plane. Every node registration, session open/close, and
// routing decision is recorded as a structured event, exportable as JSON for
// downstream ingestion. Adapted from pkg/audit/audit.go's event/Store/
// FileStore shape, with the event taxonomy narrowed to this domain.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
)

// EventType categorizes audit events.
type EventType string

const (
	EventNodeRegister  EventType = "node.register"
	EventNodeOffline   EventType = "node.offline"
	EventNodeRemove    EventType = "node.remove"
	EventSessionOpen   EventType = "session.open"
	EventSessionClose  EventType = "session.close"
	EventRouteSelected EventType = "route.selected"
	EventRouteFailed   EventType = "route.failed"
	EventDispatchNoPath EventType = "dispatch.no_path"
	EventAuth          EventType = "auth"
	EventConfig        EventType = "config.change"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor"` // node id, client id, or "coordinator"
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	NodeID    boson.NodeID    `json:"node_id,omitempty"`
	ClientID  boson.ClientID  `json:"client_id,omitempty"`
	SessionID boson.SessionID `json:"session_id,omitempty"`
	RouteID   boson.RouteID   `json:"route_id,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status   string        `json:"status"` // "success", "failure"
	Duration time.Duration `json:"duration_ms,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	Actor string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// FileStore is an append-only file-based audit store using JSON Lines
// format. The file is never modified, only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(_ context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(_ context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.Actor != "" && e.Actor != opts.Actor {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store Store
}

// NewLogger creates an audit logger backed by store.
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

// LogNodeRegistered records a Node registering with the Coordinator.
func (l *Logger) LogNodeRegistered(ctx context.Context, nodeID boson.NodeID) error {
	return l.store.Append(ctx, &Event{
		Type:   EventNodeRegister,
		Actor:  string(nodeID),
		Action: "node.register",
		Target: &EventTarget{NodeID: nodeID},
		Result: &EventResult{Status: "success"},
	})
}

// LogNodeRemoved records a Node being hard-removed through the API's node
// delete endpoint.
func (l *Logger) LogNodeRemoved(ctx context.Context, nodeID boson.NodeID) error {
	return l.store.Append(ctx, &Event{
		Type:   EventNodeRemove,
		Actor:  "coordinator",
		Action: "node.remove",
		Target: &EventTarget{NodeID: nodeID},
		Result: &EventResult{Status: "success"},
	})
}

// LogSessionOpened records a Session being created by the route selector.
func (l *Logger) LogSessionOpened(ctx context.Context, sessionID boson.SessionID, nodeID boson.NodeID, clientID boson.ClientID, routeID boson.RouteID) error {
	return l.store.Append(ctx, &Event{
		Type:   EventSessionOpen,
		Actor:  string(clientID),
		Action: "session.open",
		Target: &EventTarget{SessionID: sessionID, NodeID: nodeID, ClientID: clientID, RouteID: routeID},
		Result: &EventResult{Status: "success"},
	})
}

// LogSessionClosed records a Session ending.
func (l *Logger) LogSessionClosed(ctx context.Context, sessionID boson.SessionID, reason string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventSessionClose,
		Actor:  "coordinator",
		Action: "session.close",
		Target: &EventTarget{SessionID: sessionID},
		Result: &EventResult{Status: "success"},
		Metadata: map[string]any{
			"reason": reason,
		},
	})
}

// LogRouteFailed records a failed route selection.
func (l *Logger) LogRouteFailed(ctx context.Context, clientID boson.ClientID, reason string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventRouteFailed,
		Actor:  string(clientID),
		Action: "route.select",
		Target: &EventTarget{ClientID: clientID},
		Result: &EventResult{Status: "failure", Error: reason},
	})
}

// LogDispatchNoPath records the Dispatcher raising a "no path" event.
func (l *Logger) LogDispatchNoPath(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, sessionID boson.SessionID, reason string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventDispatchNoPath,
		Actor:  "coordinator",
		Action: "dispatch.no_path",
		Target: &EventTarget{NodeID: nodeID, ClientID: clientID, SessionID: sessionID},
		Result: &EventResult{Status: "failure", Error: reason},
	})
}
