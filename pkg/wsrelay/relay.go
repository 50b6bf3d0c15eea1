// Package wsrelay implements WSRelay on the Coordinator (C6): the
// session-scoped WebSocket endpoint Clients attach to, its frame
// discrimination, outbound batching, and heartbeat timer. Structured after
// pkg/relay/ws_relay.go's WSServer — a guarded map of live connections, a
// per-connection read loop, and a ticker-driven ping loop — generalized
// from devopsclaw's node-tunnel RPC shape to the session-attachment/
// data-frame shape this relay needs.
package wsrelay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonerr"
)

// connState is the per-connection state machine (§4.5).
type connState int

const (
	stateOpening connState = iota
	stateOpen
	stateClosed
)

// Forwarder routes client-to-node payloads onward, implemented by
// pkg/dispatch.Dispatcher. Kept as an interface here to break the
// Dispatcher↔WSRelay↔UDPRelay reference cycle.
type Forwarder interface {
	Forward(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, sessionID boson.SessionID, payload []byte) error
}

// sessionLookup is the subset of pkg/session.Store the relay needs for
// admission checks and close notification.
type sessionLookup interface {
	Get(ctx context.Context, id boson.SessionID) (*boson.Session, error)
	Close(ctx context.Context, id boson.SessionID) error
}

// Config tunes batching and heartbeat cadence (§9).
type Config struct {
	HeartbeatPeriod time.Duration
	BatchMax        int
	BatchWindow     time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 10
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 10 * time.Millisecond
	}
}

// attachment is one live Client↔Coordinator WS connection for a session.
type attachment struct {
	sessionID boson.SessionID
	nodeID    boson.NodeID
	clientID  boson.ClientID
	conn      *websocket.Conn

	writeMu sync.Mutex
	state   connState

	outCh chan []byte
	stop  chan struct{}
}

// Relay is the WSRelay component.
type Relay struct {
	cfg       Config
	sessions  sessionLookup
	forwarder Forwarder
	logger    *slog.Logger

	mu          sync.RWMutex
	attachments map[boson.SessionID]*attachment
}

// New builds a Relay. forwarder may be nil until the dispatcher is wired in
// (tests exercise framing without a live forward path).
func New(sessions sessionLookup, forwarder Forwarder, cfg Config, logger *slog.Logger) *Relay {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:         cfg,
		sessions:    sessions,
		forwarder:   forwarder,
		logger:      logger,
		attachments: make(map[boson.SessionID]*attachment),
	}
}

// SetForwarder wires the Dispatcher in after both sides are constructed,
// avoiding an import cycle at package-init time.
func (r *Relay) SetForwarder(f Forwarder) { r.forwarder = f }

// Handler returns the HTTP handler to mount at the "/relay/" prefix; the
// session id is the path segment following the prefix.
func (r *Relay) Handler() http.HandlerFunc {
	return r.handleConnect
}

func (r *Relay) handleConnect(w http.ResponseWriter, req *http.Request) {
	sessionID := boson.SessionID(strings.TrimPrefix(req.URL.Path, "/relay/"))
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil || sess.Status != boson.SessionActive {
		http.Error(w, "policy violation: session not active", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Error("relay accept failed", "session_id", sessionID, "err", err)
		return
	}

	att := &attachment{
		sessionID: sessionID,
		nodeID:    sess.NodeID,
		clientID:  sess.ClientID,
		conn:      conn,
		state:     stateOpening,
		outCh:     make(chan []byte, 64),
		stop:      make(chan struct{}),
	}

	r.mu.Lock()
	if existing, ok := r.attachments[sessionID]; ok {
		existing.conn.Close(websocket.StatusGoingAway, "replaced")
	}
	r.attachments[sessionID] = att
	r.mu.Unlock()

	r.sendControl(ctx, att, "connected")
	att.state = stateOpen

	go r.writerLoop(ctx, att)
	r.readLoop(ctx, att)

	r.closeAttachment(ctx, att)
}

// readLoop consumes inbound frames until the socket errors or closes.
// Frames for one session are processed in receive order on this goroutine.
func (r *Relay) readLoop(ctx context.Context, att *attachment) {
	for {
		_, raw, err := att.conn.Read(ctx)
		if err != nil {
			return
		}
		parsed, err := Parse(raw)
		if err != nil {
			r.logger.Warn("frame parse failed", "session_id", att.sessionID, "err", err)
			continue
		}
		if r.handleFrame(ctx, att, parsed) {
			return
		}
	}
}

// isCloseAction reports whether a control action ends the session, per the
// Open -> Closed transition in §4.5.
func isCloseAction(action string) bool {
	switch action {
	case "disconnect", "close":
		return true
	default:
		return false
	}
}

// handleFrame acts on one parsed frame. It returns true when the frame
// closed the attachment, so the caller's read loop stops reading from a
// connection that is being torn down.
func (r *Relay) handleFrame(ctx context.Context, att *attachment, f *ParsedFrame) bool {
	switch f.Kind {
	case FrameHeartbeat:
		r.sendControl(ctx, att, "pong")
	case FrameControl:
		if isCloseAction(f.Control.Action) {
			r.closeAttachment(ctx, att)
			return true
		}
		r.logger.Debug("control frame", "session_id", att.sessionID, "action", f.Control.Action)
	case FrameData:
		for _, pkt := range f.Packets {
			if pkt.Direction == "node-to-client" {
				// Looped back from a misbehaving client; Clients only send
				// client-to-node traffic over this socket.
				continue
			}
			if r.forwarder == nil {
				continue
			}
			if err := r.forwarder.Forward(ctx, att.nodeID, att.clientID, att.sessionID, pkt.Payload); err != nil {
				r.logger.Warn("forward failed", "session_id", att.sessionID, "err", err)
			}
		}
	}
	return false
}

// writerLoop serializes outbound writes — data frames batched within a
// small time budget, heartbeats on their own ticker — against the same
// connection the readLoop consumes.
func (r *Relay) writerLoop(ctx context.Context, att *attachment) {
	heartbeat := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer heartbeat.Stop()

	var pending [][]byte
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if len(pending) == 1 {
			r.writeRaw(ctx, att, pending[0])
		} else {
			r.writeRaw(ctx, att, EncodeBatch(pending))
		}
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-att.stop:
			flush()
			return
		case <-heartbeat.C:
			r.sendControl(ctx, att, "heartbeat")
		case pkt, ok := <-att.outCh:
			if !ok {
				return
			}
			pending = append(pending, pkt)
			if len(pending) >= r.cfg.BatchMax {
				flush()
				continue
			}
			if flushTimer == nil {
				flushTimer = time.NewTimer(r.cfg.BatchWindow)
				flushCh = flushTimer.C
			}
		case <-flushCh:
			flush()
			flushTimer = nil
			flushCh = nil
		}
	}
}

func (r *Relay) writeRaw(ctx context.Context, att *attachment, data []byte) {
	att.writeMu.Lock()
	defer att.writeMu.Unlock()
	if err := att.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		r.logger.Debug("write failed", "session_id", att.sessionID, "err", err)
	}
}

func (r *Relay) sendControl(ctx context.Context, att *attachment, action string) {
	att.writeMu.Lock()
	defer att.writeMu.Unlock()
	msg := map[string]any{
		"type":      "control",
		"action":    action,
		"sessionId": string(att.sessionID),
		"direction": "server",
	}
	if err := wsjson.Write(ctx, att.conn, msg); err != nil {
		r.logger.Debug("control write failed", "session_id", att.sessionID, "err", err)
	}
}

// closeAttachment tears down att: removes the per-session attachment,
// closes the session, and stops the writer loop. Idempotent — calling it
// for a session already closed by another path is a no-op error.
func (r *Relay) closeAttachment(_ context.Context, att *attachment) {
	r.mu.Lock()
	if att.state == stateClosed {
		r.mu.Unlock()
		return
	}
	att.state = stateClosed
	if current, ok := r.attachments[att.sessionID]; ok && current == att {
		delete(r.attachments, att.sessionID)
	}
	r.mu.Unlock()

	close(att.stop)
	att.conn.Close(websocket.StatusNormalClosure, "session closed")

	if err := r.sessions.Close(context.Background(), att.sessionID); err != nil {
		if kind, ok := bosonerr.KindOf(err); !ok || kind != bosonerr.NotFound {
			r.logger.Warn("session close failed", "session_id", att.sessionID, "err", err)
		}
	}
}

// SendToSession implements dispatch.SessionSender: send payload over the
// attached WS for sessionID, if Open. Returns (false, nil) when no such
// attachment exists so the Dispatcher can fall through to its next path.
func (r *Relay) SendToSession(ctx context.Context, sessionID boson.SessionID, payload []byte) (bool, error) {
	r.mu.RLock()
	att, ok := r.attachments[sessionID]
	r.mu.RUnlock()
	if !ok || att.state != stateOpen {
		return false, nil
	}
	select {
	case att.outCh <- payload:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SendByScan implements dispatch.SessionSender's fallback path: find an
// attached session matching (clientID, nodeID) and send over it.
func (r *Relay) SendByScan(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, payload []byte) (bool, error) {
	r.mu.RLock()
	var match *attachment
	for _, att := range r.attachments {
		if att.nodeID == nodeID && att.clientID == clientID && att.state == stateOpen {
			match = att
			break
		}
	}
	r.mu.RUnlock()
	if match == nil {
		return false, nil
	}
	select {
	case match.outCh <- payload:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// KnownSessions returns the currently attached session IDs.
func (r *Relay) KnownSessions() []boson.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]boson.SessionID, 0, len(r.attachments))
	for id := range r.attachments {
		ids = append(ids, id)
	}
	return ids
}
