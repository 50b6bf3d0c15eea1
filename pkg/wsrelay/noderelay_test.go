package wsrelay

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bosonmesh/overlay/pkg/boson"
)

type fakeReplySink struct {
	delivered []string
}

func (f *fakeReplySink) SendToClient(_ context.Context, _ boson.NodeID, _ boson.ClientID, sessionID boson.SessionID, _ string, _ int, _ []byte) error {
	f.delivered = append(f.delivered, string(sessionID))
	return nil
}

func TestNodeRelaySendToNodeDeliversDataFrame(t *testing.T) {
	sessions := &fakeSessions{sessions: map[boson.SessionID]*boson.Session{
		"sess-1": {ID: "sess-1", NodeID: "node-1", ClientID: "client-1"},
	}}
	reply := &fakeReplySink{}
	nr := NewNodeRelay(sessions, reply, Config{HeartbeatPeriod: time.Hour}, testLogger())

	ts := httptest.NewServer(nr.Handler("/node-relay/"))
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/node-relay/node-1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// give the handler a moment to register the connection.
	time.Sleep(50 * time.Millisecond)

	ok, err := nr.SendToNode(ctx, "node-1", "sess-1", []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("SendToNode: %v", err)
	}
	if !ok {
		t.Fatal("expected SendToNode to find the attached node")
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Kind != FrameData || len(parsed.Packets) != 1 {
		t.Fatalf("expected one data packet, got %+v", parsed)
	}
	if parsed.Packets[0].Direction != "client-to-node" || parsed.Packets[0].SessionID != "sess-1" {
		t.Fatalf("unexpected packet: %+v", parsed.Packets[0])
	}
}

func TestNodeRelaySendToNodeUnknownNodeReturnsFalse(t *testing.T) {
	nr := NewNodeRelay(nil, nil, Config{}, testLogger())
	ok, err := nr.SendToNode(context.Background(), "node-x", "sess-1", []byte{0x01})
	if err != nil {
		t.Fatalf("SendToNode: %v", err)
	}
	if ok {
		t.Fatal("expected false for an unattached node")
	}
}

func TestNodeRelayRoutesNodeToClientReply(t *testing.T) {
	sessions := &fakeSessions{sessions: map[boson.SessionID]*boson.Session{
		"sess-1": {ID: "sess-1", NodeID: "node-1", ClientID: "client-1"},
	}}
	reply := &fakeReplySink{}
	nr := NewNodeRelay(sessions, reply, Config{HeartbeatPeriod: time.Hour}, testLogger())

	ts := httptest.NewServer(nr.Handler("/node-relay/"))
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/node-relay/node-1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	frame := EncodeDataEnvelope("sess-1", "node-to-client", []byte{0x01, 0x02})
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(reply.delivered) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(reply.delivered) != 1 || reply.delivered[0] != "sess-1" {
		t.Fatalf("expected one delivery for sess-1, got %v", reply.delivered)
	}
}

func TestNodeRelayHeartbeatGetsPong(t *testing.T) {
	nr := NewNodeRelay(nil, nil, Config{HeartbeatPeriod: time.Hour}, testLogger())
	ts := httptest.NewServer(nr.Handler("/node-relay/"))
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/node-relay/node-1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, map[string]any{"type": "heartbeat"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Kind != FrameControl || parsed.Control.Action != "pong" {
		t.Fatalf("expected pong control frame, got %+v", parsed)
	}
}
