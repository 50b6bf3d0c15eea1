package wsrelay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bosonmesh/overlay/pkg/boson"
)

// ReplySink delivers a Node's reply payload back to the Client that
// originated the session, implemented by pkg/dispatch.Dispatcher.
type ReplySink interface {
	SendToClient(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, sessionID boson.SessionID, clientIP string, clientPort int, payload []byte) error
}

// nodeConn is one Node's durable WS attachment, multiplexed across every
// session that Node currently serves — unlike the Client side's attachment
// (one WS per session), a Node keeps a single long-lived connection and
// carries sessionId in-band on every data frame.
type nodeConn struct {
	nodeID boson.NodeID
	conn   *websocket.Conn

	writeMu sync.Mutex
	state   connState

	outCh chan []byte
	stop  chan struct{}
}

// NodeRelay is the Node-facing half of C6: it accepts the durable WS
// attachment each Node-Agent makes in §4.8 step 6 and both delivers
// client-to-node payloads onto it and reads node-to-client replies off it.
type NodeRelay struct {
	cfg       Config
	sessions  sessionLookup
	reply     ReplySink
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[boson.NodeID]*nodeConn
}

// NewNodeRelay builds a NodeRelay. reply may be nil until the Dispatcher is
// constructed and wired in via SetReplySink.
func NewNodeRelay(sessions sessionLookup, reply ReplySink, cfg Config, logger *slog.Logger) *NodeRelay {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeRelay{
		cfg:      cfg,
		sessions: sessions,
		reply:    reply,
		logger:   logger,
		conns:    make(map[boson.NodeID]*nodeConn),
	}
}

// SetReplySink wires the Dispatcher in once both sides exist.
func (r *NodeRelay) SetReplySink(reply ReplySink) { r.reply = reply }

// Handler returns the HTTP handler to mount at the Node-facing relay
// prefix; the node id is the path segment following it.
func (r *NodeRelay) Handler(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		nodeID := boson.NodeID(strings.TrimPrefix(req.URL.Path, prefix))
		if nodeID == "" {
			http.Error(w, "node id required", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			r.logger.Error("node relay accept failed", "node_id", nodeID, "err", err)
			return
		}

		nc := &nodeConn{
			nodeID: nodeID,
			conn:   conn,
			state:  stateOpen,
			outCh:  make(chan []byte, 64),
			stop:   make(chan struct{}),
		}

		r.mu.Lock()
		if existing, ok := r.conns[nodeID]; ok {
			existing.conn.Close(websocket.StatusGoingAway, "replaced")
		}
		r.conns[nodeID] = nc
		r.mu.Unlock()

		ctx := req.Context()
		go r.writerLoop(ctx, nc)
		r.readLoop(ctx, nc)

		r.closeConn(nc)
	}
}

func (r *NodeRelay) readLoop(ctx context.Context, nc *nodeConn) {
	for {
		_, raw, err := nc.conn.Read(ctx)
		if err != nil {
			return
		}
		parsed, err := Parse(raw)
		if err != nil {
			r.logger.Warn("node frame parse failed", "node_id", nc.nodeID, "err", err)
			continue
		}
		switch parsed.Kind {
		case FrameHeartbeat:
			r.sendControl(ctx, nc, "pong", "")
		case FrameData:
			for _, pkt := range parsed.Packets {
				if pkt.Direction != "node-to-client" || pkt.SessionID == "" {
					continue
				}
				r.deliverReply(ctx, nc.nodeID, boson.SessionID(pkt.SessionID), pkt.Payload)
			}
		}
	}
}

func (r *NodeRelay) deliverReply(ctx context.Context, nodeID boson.NodeID, sessionID boson.SessionID, payload []byte) {
	if r.reply == nil {
		return
	}
	var clientID boson.ClientID
	if r.sessions != nil {
		if sess, err := r.sessions.Get(ctx, sessionID); err == nil {
			clientID = sess.ClientID
		}
	}
	if err := r.reply.SendToClient(ctx, nodeID, clientID, sessionID, "", 0, payload); err != nil {
		r.logger.Warn("node relay reply delivery failed", "node_id", nodeID, "session_id", sessionID, "err", err)
	}
}

func (r *NodeRelay) writerLoop(ctx context.Context, nc *nodeConn) {
	heartbeat := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-nc.stop:
			return
		case <-heartbeat.C:
			r.sendControl(ctx, nc, "heartbeat", "")
		case frame, ok := <-nc.outCh:
			if !ok {
				return
			}
			r.writeRaw(ctx, nc, frame)
		}
	}
}

func (r *NodeRelay) writeRaw(ctx context.Context, nc *nodeConn, data []byte) {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	if err := nc.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		r.logger.Debug("node relay write failed", "node_id", nc.nodeID, "err", err)
	}
}

func (r *NodeRelay) sendControl(ctx context.Context, nc *nodeConn, action, sessionID string) {
	r.writeRaw(ctx, nc, EncodeControl(action, sessionID))
}

func (r *NodeRelay) closeConn(nc *nodeConn) {
	r.mu.Lock()
	if current, ok := r.conns[nc.nodeID]; ok && current == nc {
		delete(r.conns, nc.nodeID)
	}
	r.mu.Unlock()
	close(nc.stop)
	nc.conn.Close(websocket.StatusNormalClosure, "node disconnected")
}

// SendToNode implements dispatch's Node-facing sender: deliver payload to
// nodeID's attached WS, tagged with sessionID so the Node-Agent can route
// the reply back through the same multiplexed channel.
func (r *NodeRelay) SendToNode(ctx context.Context, nodeID boson.NodeID, sessionID boson.SessionID, payload []byte) (bool, error) {
	r.mu.RLock()
	nc, ok := r.conns[nodeID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	frame := EncodeDataEnvelope(string(sessionID), "client-to-node", payload)
	select {
	case nc.outCh <- frame:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// KnownNodes returns the currently attached Node ids.
func (r *NodeRelay) KnownNodes() []boson.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]boson.NodeID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
