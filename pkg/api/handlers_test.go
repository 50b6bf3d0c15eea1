package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bosonmesh/overlay/pkg/audit"
	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
	"github.com/bosonmesh/overlay/pkg/config"
	"github.com/bosonmesh/overlay/pkg/dispatch"
	"github.com/bosonmesh/overlay/pkg/heartbeat"
	"github.com/bosonmesh/overlay/pkg/observability"
	"github.com/bosonmesh/overlay/pkg/registry"
	"github.com/bosonmesh/overlay/pkg/routing"
	"github.com/bosonmesh/overlay/pkg/session"
)

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := bosonstore.NewMemoryStore()
	reg := registry.New(store, time.Minute, nil)
	hb := heartbeat.New(reg, time.Minute, nil)
	sel := routing.New(reg, time.Hour)
	sess := session.New(store, time.Hour, time.Hour, nil)
	disp := dispatch.New(reg, 9000, nil, nil)
	metrics := observability.NewBosonMetrics()
	auditLog := audit.NewLogger(audit.NewFileStore(t.TempDir()))

	cfg := &config.Coordinator{
		RelayHost: "localhost", RelayPort: 8080, RelayProtocol: config.RelayWS,
		STUNHost: "stun.example.org", STUNPort: 19302, JWTExpiry: time.Hour,
	}

	h := New(cfg, reg, hb, sel, sess, disp, metrics, auditLog)
	engine := gin.New()
	RegisterRoutes(engine, h)
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestRegisterNodeReturns201WithSessionToken(t *testing.T) {
	engine := newTestEngine(t)
	rec := doJSON(t, engine, http.MethodPost, "/api/v1/nodes/register", registerRequest{
		NodeID:      "node-a",
		PublicKey:   "pk-a",
		NetworkInfo: boson.NetworkInfo{NATType: boson.NATFullCone},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionToken == "" {
		t.Fatal("expected non-empty session token")
	}
}

func TestRegisterThenHeartbeatRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	regRec := doJSON(t, engine, http.MethodPost, "/api/v1/nodes/register", map[string]any{
		"node_id":    "node-a",
		"public_key": "pk-a",
		"network_info": map[string]any{"nat_type": "FullCone"},
		"capabilities": map[string]any{"bandwidth_down": 200},
	})
	if regRec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", regRec.Code, regRec.Body.String())
	}
	var reg registerResponse
	json.Unmarshal(regRec.Body.Bytes(), &reg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nodes/node-a/heartbeat", bytes.NewBufferString(
		`{"metrics":{"cpu_usage":10,"memory_usage":20,"packet_loss":0}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+reg.SessionToken)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	listRec := httptest.NewRecorder()
	engine.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil))
	var listed map[string]any
	json.Unmarshal(listRec.Body.Bytes(), &listed)
	nodes := listed["nodes"].([]any)
	if len(nodes) != 1 {
		t.Fatalf("expected 1 listed node, got %d", len(nodes))
	}
}

func TestHeartbeatWithoutBearerTokenRejected(t *testing.T) {
	engine := newTestEngine(t)
	doJSON(t, engine, http.MethodPost, "/api/v1/nodes/register", map[string]any{
		"node_id": "node-a", "public_key": "pk-a",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nodes/node-a/heartbeat", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeleteNodeRequiresAuth(t *testing.T) {
	engine := newTestEngine(t)
	regRec := doJSON(t, engine, http.MethodPost, "/api/v1/nodes/register", map[string]any{
		"node_id": "node-a", "public_key": "pk-a",
	})
	var reg registerResponse
	json.Unmarshal(regRec.Body.Bytes(), &reg)

	badReq := httptest.NewRequest(http.MethodDelete, "/api/v1/nodes/node-a", nil)
	badRec := httptest.NewRecorder()
	engine.ServeHTTP(badRec, badReq)
	if badRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", badRec.Code)
	}

	goodReq := httptest.NewRequest(http.MethodDelete, "/api/v1/nodes/node-a", nil)
	goodReq.Header.Set("Authorization", "Bearer "+reg.SessionToken)
	goodRec := httptest.NewRecorder()
	engine.ServeHTTP(goodRec, goodReq)
	if goodRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", goodRec.Code, goodRec.Body.String())
	}
}

func TestRequestRouteCreatesSessionAndReturnsRoute(t *testing.T) {
	engine := newTestEngine(t)
	doJSON(t, engine, http.MethodPost, "/api/v1/nodes/register", map[string]any{
		"node_id": "node-a", "public_key": "pk-a",
		"network_info": map[string]any{"nat_type": "FullCone", "ipv4": "10.0.0.5"},
		"capabilities": map[string]any{"bandwidth_down": 200, "max_connections": 500},
	})

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/routing/request", map[string]any{
		"client_id": "client-1",
		"client_network_info": map[string]any{"nat_type": "FullCone", "ipv4": "203.0.113.5"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["selected_route"] == nil {
		t.Fatal("expected a selected_route in the response")
	}
}

func TestSTUNServersEndpointReturnsConfiguredHost(t *testing.T) {
	engine := newTestEngine(t)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stun", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	servers := resp["servers"].([]any)
	if len(servers) != 1 || servers[0] != "stun.example.org:19302" {
		t.Fatalf("unexpected servers: %v", servers)
	}
}
