package nodeagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/bosonmesh/overlay/pkg/config"
	"github.com/bosonmesh/overlay/pkg/forwarder"
)

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if a.PublicKeyString() == b.PublicKeyString() {
		t.Fatal("expected distinct key pairs")
	}
	if a.PublicKeyString() == "" {
		t.Fatal("expected non-empty encoded public key")
	}
}

func TestRegisterSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	keys, _ := GenerateKeyPair()
	a := New(&config.NodeAgent{NodeID: "node-1", Coordinator: srv.URL}, nil, nil)
	a.keys = keys

	if err := a.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestRegisterReturnsRateLimitedErrorOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	keys, _ := GenerateKeyPair()
	a := New(&config.NodeAgent{NodeID: "node-1", Coordinator: srv.URL}, nil, nil)
	a.keys = keys

	err := a.register(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var rl *rateLimitedError
	if !isRateLimited(err, &rl) {
		t.Fatalf("expected rateLimitedError, got %T: %v", err, err)
	}
}

func TestRegisterWithBackoffEventuallySucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	keys, _ := GenerateKeyPair()
	a := New(&config.NodeAgent{NodeID: "node-1", Coordinator: srv.URL}, nil, nil)
	a.keys = keys

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.registerWithBackoff(ctx); err != nil {
		t.Fatalf("registerWithBackoff: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestSwitchingBackOffUsesRateLimitWindowAfter429(t *testing.T) {
	s := &switchingBackOff{
		normal:    constBackOff(time.Second),
		rateLimit: constBackOff(10 * time.Second),
		useRateLim: func(err error) bool {
			var rl *rateLimitedError
			return isRateLimited(err, &rl)
		},
	}
	s.lastErr = &rateLimitedError{}
	if d := s.NextBackOff(); d != 10*time.Second {
		t.Fatalf("expected rate-limit window, got %v", d)
	}
	s.lastErr = nil
}

type constBackOff time.Duration

func (c constBackOff) NextBackOff() time.Duration { return time.Duration(c) }
func (c constBackOff) Reset()                     {}

func TestUnregisterSendsDelete(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(&config.NodeAgent{NodeID: "node-1", Coordinator: srv.URL}, nil, nil)
	if err := a.unregister(context.Background()); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if method != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", method)
	}
}

func TestConnectWSDialsNodeRelayPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	a := New(&config.NodeAgent{NodeID: "node-1", Coordinator: srv.URL}, nil, nil)
	if err := a.connectWS(context.Background()); err != nil {
		t.Fatalf("connectWS: %v", err)
	}
	if gotPath != "/node-relay/node-1" {
		t.Fatalf("expected /node-relay/node-1, got %q", gotPath)
	}
}

func TestSendDataFailsWithoutConnection(t *testing.T) {
	a := New(&config.NodeAgent{NodeID: "node-1"}, nil, nil)
	if err := a.SendData(context.Background(), "sess-1", []byte{0x01}); err == nil {
		t.Fatal("expected error with no ws connection")
	}
}

func TestConnectedReflectsConnState(t *testing.T) {
	a := New(&config.NodeAgent{NodeID: "node-1"}, nil, nil)
	if a.Connected() {
		t.Fatal("expected not connected before dial")
	}
}

func TestForwardImplementsForwarderSink(t *testing.T) {
	a := New(&config.NodeAgent{NodeID: "node-1"}, nil, nil)
	// Forward must not panic with no live connection; SendData's internal
	// failure is logged and swallowed per forwarder.Sink's signature.
	a.Forward(forwarder.IncomingPacket{SessionID: "sess-1", Payload: []byte{0x01}})
}

func TestReenableNATNoopInAPIMode(t *testing.T) {
	a := New(&config.NodeAgent{NodeID: "node-1"}, nil, nil)
	if err := a.ReenableNAT(context.Background()); err != nil {
		t.Fatalf("expected nil nat enabler to be a no-op, got %v", err)
	}
}

func TestNewFallsBackToPlainClientWhenMTLSFilesMissing(t *testing.T) {
	a := New(&config.NodeAgent{
		NodeID:             "node-1",
		MTLSEnabled:        true,
		MTLSCACertFile:     "/nonexistent/ca.pem",
		MTLSClientCertFile: "/nonexistent/client.pem",
		MTLSClientKeyFile:  "/nonexistent/client-key.pem",
	}, nil, nil)
	if a.client == nil {
		t.Fatal("expected a usable HTTP client even when mtls config fails to load")
	}
}

func TestShutdownRunsCleanupsInReverseOrder(t *testing.T) {
	a := New(&config.NodeAgent{NodeID: "node-1", ShutdownTimeout: time.Second}, nil, nil)

	var order []string
	a.pushCleanup("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	a.pushCleanup("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("expected reverse order [second first], got %v", order)
	}
}
