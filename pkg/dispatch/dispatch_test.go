package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
	"github.com/bosonmesh/overlay/pkg/registry"
)

type stubSender struct {
	sessionOK bool
	scanOK    bool
	nodeOK    bool
	sent      [][]byte
}

func (s *stubSender) SendToSession(_ context.Context, _ boson.SessionID, payload []byte) (bool, error) {
	if s.sessionOK {
		s.sent = append(s.sent, payload)
		return true, nil
	}
	return false, nil
}

func (s *stubSender) SendByScan(_ context.Context, _ boson.NodeID, _ boson.ClientID, payload []byte) (bool, error) {
	if s.scanOK {
		s.sent = append(s.sent, payload)
		return true, nil
	}
	return false, nil
}

func (s *stubSender) SendToNode(_ context.Context, _ boson.NodeID, _ boson.SessionID, payload []byte) (bool, error) {
	if s.nodeOK {
		s.sent = append(s.sent, payload)
		return true, nil
	}
	return false, nil
}

type recordingSink struct {
	events []NoPathEvent
}

func (r *recordingSink) NoPath(e NoPathEvent) { r.events = append(r.events, e) }

func newTestDispatcher(t *testing.T, sink EventSink) (*Dispatcher, *registry.Registry) {
	t.Helper()
	store := bosonstore.NewMemoryStore()
	reg := registry.New(store, time.Minute, slog.Default())
	d := New(reg, 9000, sink, slog.Default())
	return d, reg
}

func TestForwardPrefersNodeWSChannel(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	sender := &stubSender{nodeOK: true}
	d.SetWSSender(sender)
	d.SetNodeSender(sender)

	err := d.Forward(context.Background(), "node-1", "client-1", "sess-1", []byte{0x01})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send via the node channel, got %d", len(sender.sent))
	}
}

func TestForwardFallsBackToScanWhenNodeChannelAbsent(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	sender := &stubSender{scanOK: true}
	d.SetWSSender(sender)

	err := d.Forward(context.Background(), "node-1", "client-1", "sess-1", []byte{0x01})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send via scan fallback, got %d", len(sender.sent))
	}
}

func TestForwardFallsBackToHTTP(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, reg := newTestDispatcher(t, nil)
	d.SetWSSender(&stubSender{})
	_, err := reg.Register(context.Background(), &boson.Node{
		ID: "node-1",
		NetworkInfo: boson.NetworkInfo{IPv4: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// Point the dispatcher's node-api target at the test server's port by
	// overriding nodeAPIPort to match httptest's ephemeral port.
	d.nodeAPIPort = mustPort(t, srv.URL)

	if err := d.Forward(context.Background(), "node-1", "client-1", "", []byte{0x01}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !hit {
		t.Fatal("expected HTTP fallback to be hit")
	}
}

func TestForwardRaisesNoPathEvent(t *testing.T) {
	sink := &recordingSink{}
	d, reg := newTestDispatcher(t, sink)
	d.SetWSSender(&stubSender{})
	_, _ = reg.Register(context.Background(), &boson.Node{ID: "node-1", NetworkInfo: boson.NetworkInfo{IPv4: "127.0.0.1"}})
	d.nodeAPIPort = 1 // nothing listens here

	err := d.Forward(context.Background(), "node-1", "client-1", "", []byte{0x01})
	if err == nil {
		t.Fatal("expected error when no path exists")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 no-path event, got %d", len(sink.events))
	}
}

func mustPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}
