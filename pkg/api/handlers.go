// Package api implements the Coordinator's HTTP API (§6): node
// registration/heartbeat/lookup, routing requests, metrics ingestion,
// packet relay fallbacks, WireGuard peer registration, and TURN/STUN
// server discovery. Routed with gin, grounded on
// jroosing-HydraDNS/internal/api's Handler/RegisterRoutes/Server split.
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bosonmesh/overlay/pkg/audit"
	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonerr"
	"github.com/bosonmesh/overlay/pkg/config"
	"github.com/bosonmesh/overlay/pkg/dispatch"
	"github.com/bosonmesh/overlay/pkg/heartbeat"
	"github.com/bosonmesh/overlay/pkg/observability"
	"github.com/bosonmesh/overlay/pkg/registry"
	"github.com/bosonmesh/overlay/pkg/routing"
	"github.com/bosonmesh/overlay/pkg/session"
)

// Handler wires the Coordinator's domain components to HTTP handlers.
type Handler struct {
	cfg       *config.Coordinator
	registry  *registry.Registry
	heartbeat *heartbeat.Manager
	routing   *routing.Selector
	sessions  *session.Store
	dispatch  *dispatch.Dispatcher
	metrics   *observability.BosonMetrics
	audit     *audit.Logger

	tokens           *tokenStore
	submittedMetrics *submittedMetricsStore
}

// New builds a Handler over the Coordinator's already-constructed
// components.
func New(cfg *config.Coordinator, reg *registry.Registry, hb *heartbeat.Manager, sel *routing.Selector, sessions *session.Store, disp *dispatch.Dispatcher, metrics *observability.BosonMetrics, auditLog *audit.Logger) *Handler {
	return &Handler{
		cfg:              cfg,
		registry:         reg,
		heartbeat:        hb,
		routing:          sel,
		sessions:         sessions,
		dispatch:         disp,
		metrics:          metrics,
		audit:            auditLog,
		tokens:           newTokenStore(),
		submittedMetrics: newSubmittedMetricsStore(),
	}
}

// ------------------------------------------------------------------
// POST /api/v1/nodes/register
// ------------------------------------------------------------------

type registerRequest struct {
	NodeID           boson.NodeID          `json:"node_id" binding:"required"`
	PublicKey        string                `json:"public_key" binding:"required"`
	NetworkInfo      boson.NetworkInfo     `json:"network_info"`
	Capabilities     boson.Capabilities    `json:"capabilities"`
	Location         boson.Location        `json:"location"`
	HeartbeatIntervalSeconds int           `json:"heartbeat_interval,omitempty"`
}

type registerResponse struct {
	NodeID       boson.NodeID `json:"node_id"`
	Status       string       `json:"status"`
	RelayServers []string     `json:"relay_servers"`
	STUNServers  []string     `json:"stun_servers"`
	SessionToken string       `json:"session_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

func (h *Handler) RegisterNode(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.HeartbeatIntervalSeconds != 0 && (req.HeartbeatIntervalSeconds < 10 || req.HeartbeatIntervalSeconds > 300) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "heartbeat_interval must be between 10 and 300 seconds"})
		return
	}

	n := &boson.Node{
		ID:           req.NodeID,
		PublicKey:    req.PublicKey,
		NetworkInfo:  req.NetworkInfo,
		Capabilities: req.Capabilities,
		Location:     req.Location,
	}
	out, err := h.registry.Register(c.Request.Context(), n)
	if err != nil {
		respondErr(c, err)
		return
	}

	token := h.tokens.issue(out.ID)
	h.metrics.NodesRegisteredTotal.Inc()
	if err := h.audit.LogNodeRegistered(c.Request.Context(), out.ID); err != nil {
		// Audit persistence failure must not fail the registration itself.
	}

	c.JSON(http.StatusCreated, registerResponse{
		NodeID:       out.ID,
		Status:       string(out.Status),
		RelayServers: []string{h.cfg.RelayEndpoint()},
		STUNServers:  []string{fmt.Sprintf("%s:%d", h.cfg.STUNHost, h.cfg.STUNPort)},
		SessionToken: token,
		ExpiresAt:    time.Now().Add(h.cfg.JWTExpiry),
	})
}

// ------------------------------------------------------------------
// POST /api/v1/nodes/:id/heartbeat
// ------------------------------------------------------------------

type heartbeatRequest struct {
	Metrics boson.HeartbeatPayload `json:"metrics"`
	Status  boson.NodeStatus       `json:"status,omitempty"`
}

func (h *Handler) Heartbeat(c *gin.Context) {
	nodeID := boson.NodeID(c.Param("id"))
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload := req.Metrics
	if req.Status != "" {
		payload.Status = req.Status
	}

	result, err := h.heartbeat.ProcessHeartbeat(c.Request.Context(), nodeID, payload)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.metrics.HeartbeatsTotal.WithLabelValues(result.Status).Inc()
	c.JSON(http.StatusOK, gin.H{
		"status":         result.Status,
		"next_heartbeat": result.NextHeartbeatSeconds,
		"actions":        result.Actions,
	})
}

// ------------------------------------------------------------------
// GET /api/v1/nodes/:id, GET /api/v1/nodes, DELETE /api/v1/nodes/:id
// ------------------------------------------------------------------

func (h *Handler) GetNode(c *gin.Context) {
	nodeID := boson.NodeID(c.Param("id"))
	n, err := h.registry.Get(c.Request.Context(), nodeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) ListNodes(c *gin.Context) {
	nodes, err := h.registry.ListActive(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (h *Handler) DeleteNode(c *gin.Context) {
	nodeID := boson.NodeID(c.Param("id"))
	if err := h.registry.Delete(c.Request.Context(), nodeID); err != nil {
		respondErr(c, err)
		return
	}
	if err := h.audit.LogNodeRemoved(c.Request.Context(), nodeID); err != nil {
		// best-effort
	}
	c.Status(http.StatusNoContent)
}

// ------------------------------------------------------------------
// POST /api/v1/routing/request
// ------------------------------------------------------------------

type routingRequest struct {
	ClientID      boson.ClientID           `json:"client_id" binding:"required"`
	TargetNodeID  boson.NodeID             `json:"target_node_id,omitempty"`
	Requirements  boson.RequirementFilter  `json:"requirements"`
	ClientNetInfo boson.ClientNetworkInfo  `json:"client_network_info"`
}

func (h *Handler) RequestRoute(c *gin.Context) {
	var req routingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	route, err := h.routing.Select(c.Request.Context(), routing.Request{
		ClientID:     req.ClientID,
		ClientNet:    req.ClientNetInfo,
		TargetNodeID: req.TargetNodeID,
		Filter:       req.Requirements,
	})
	h.metrics.RouteSelectLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.RouteSelectionErrors.Inc()
		if logErr := h.audit.LogRouteFailed(c.Request.Context(), req.ClientID, err.Error()); logErr != nil {
			// best-effort
		}
		respondErr(c, err)
		return
	}
	h.metrics.RouteSelectionsTotal.WithLabelValues(string(route.Type)).Inc()

	sessionID := boson.SessionID(uuid.NewString())
	sess, err := h.sessions.Create(c.Request.Context(), sessionID, route.Path[0], req.ClientID, route.ID, route.ExpiresAt)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.metrics.SessionsOpenedTotal.Inc()
	h.metrics.SessionsActive.Inc()
	if err := h.audit.LogSessionOpened(c.Request.Context(), sess.ID, sess.NodeID, sess.ClientID, sess.RouteID); err != nil {
		// best-effort
	}

	c.JSON(http.StatusOK, gin.H{
		"routes": []*boson.Route{route},
		"selected_route": gin.H{
			"id":              route.ID,
			"relay_endpoint":  h.cfg.RelayEndpoint() + "/relay/" + string(sess.ID),
			"node_endpoint":   route.Path[0],
			"session_token":   sess.ID,
			"expires_at":      route.ExpiresAt,
		},
	})
}

// ------------------------------------------------------------------
// POST /api/v1/metrics, GET /api/v1/metrics/:id/latest|history|aggregated
// ------------------------------------------------------------------

// submittedMetricsStore buffers recently submitted samples per Node.
// Durable metrics storage/export is out of scope (§1); this keeps just
// enough in memory that history/aggregated aren't disguised no-ops.
type submittedMetricsStore struct {
	mu      sync.RWMutex
	samples map[boson.NodeID][]submittedMetric
}

type submittedMetric struct {
	ReceivedAt time.Time      `json:"received_at"`
	Body       map[string]any `json:"body"`
}

const submittedMetricsPerNode = 50

func newSubmittedMetricsStore() *submittedMetricsStore {
	return &submittedMetricsStore{samples: make(map[boson.NodeID][]submittedMetric)}
}

func (s *submittedMetricsStore) record(id boson.NodeID, body map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.samples[id], submittedMetric{ReceivedAt: time.Now(), Body: body})
	if len(entries) > submittedMetricsPerNode {
		entries = entries[len(entries)-submittedMetricsPerNode:]
	}
	s.samples[id] = entries
}

func (s *submittedMetricsStore) history(id boson.NodeID) []submittedMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]submittedMetric, len(s.samples[id]))
	copy(out, s.samples[id])
	return out
}

// aggregate reports only the sample count and most recent submission —
// numeric roll-ups (avg/p95/...) belong to a real metrics backend, not this
// buffer.
func (s *submittedMetricsStore) aggregate(id boson.NodeID) gin.H {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.samples[id]
	agg := gin.H{"count": len(entries)}
	if len(entries) > 0 {
		agg["last_received_at"] = entries[len(entries)-1].ReceivedAt
	}
	return agg
}

func (h *Handler) SubmitMetrics(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	nodeID := boson.NodeID(fmt.Sprint(body["node_id"]))
	h.submittedMetrics.record(nodeID, body)
	c.Status(http.StatusCreated)
}

func (h *Handler) LatestMetrics(c *gin.Context) {
	n, err := h.registry.Get(c.Request.Context(), boson.NodeID(c.Param("id")))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": n.ID, "last_heartbeat": n.LastHeartbeat, "status": n.Status})
}

// MetricsHistory returns the recent samples SubmitMetrics has buffered for
// this Node; export/aggregation into a time-series store is out of scope
// (§1), so this is a bounded in-memory window, not a durable history.
func (h *Handler) MetricsHistory(c *gin.Context) {
	id := boson.NodeID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"node_id": id, "history": h.submittedMetrics.history(id)})
}

func (h *Handler) MetricsAggregated(c *gin.Context) {
	id := boson.NodeID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"node_id": id, "aggregated": h.submittedMetrics.aggregate(id)})
}

// ------------------------------------------------------------------
// POST /api/v1/packets, POST /api/v1/packets/from-client
// ------------------------------------------------------------------

type packetEnvelope struct {
	NodeID    boson.NodeID    `json:"node_id"`
	ClientID  boson.ClientID  `json:"client_id"`
	SessionID boson.SessionID `json:"session_id"`
	Payload   []byte          `json:"payload" binding:"required"` // base64, decoded by encoding/json
}

// InboundPacket routes a datagram bound for a Client (the Node-originated
// "packets" path).
func (h *Handler) InboundPacket(c *gin.Context) {
	var env packetEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.dispatch.SendToClient(c.Request.Context(), env.NodeID, env.ClientID, env.SessionID, "", 0, env.Payload); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// FromClientPacket routes a Client-originated datagram to its bound Node.
func (h *Handler) FromClientPacket(c *gin.Context) {
	var env packetEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.dispatch.Forward(c.Request.Context(), env.NodeID, env.ClientID, env.SessionID, env.Payload); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ------------------------------------------------------------------
// POST /api/v1/wireguard/register, POST /api/v1/wireguard/unregister
// ------------------------------------------------------------------

type wireguardRequest struct {
	NodeID    boson.NodeID `json:"node_id" binding:"required"`
	PublicKey string       `json:"public_key"`
}

// WireguardRegister records a Node's WireGuard peer public key. The
// coordinator doesn't itself run a WireGuard interface — it hands this
// straight to the registry so route selection can surface it to Clients —
// but the endpoint exists so an out-of-process WireGuard mesh can use this
// control plane for peer discovery per the spec's non-API deployment mode.
func (h *Handler) WireguardRegister(c *gin.Context) {
	var req wireguardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := h.registry.Get(c.Request.Context(), req.NodeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	n.PublicKey = req.PublicKey
	if _, err := h.registry.Register(c.Request.Context(), n); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) WireguardUnregister(c *gin.Context) {
	c.Status(http.StatusOK)
}

// ------------------------------------------------------------------
// GET /api/v1/turn/servers, /stun, /ice
// ------------------------------------------------------------------

func (h *Handler) TurnServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": []string{}})
}

func (h *Handler) STUNServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": []string{fmt.Sprintf("%s:%d", h.cfg.STUNHost, h.cfg.STUNPort)}})
}

func (h *Handler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ice_servers": []gin.H{
		{"urls": fmt.Sprintf("stun:%s:%d", h.cfg.STUNHost, h.cfg.STUNPort)},
	}})
}

func respondErr(c *gin.Context, err error) {
	c.JSON(bosonerr.StatusFor(err), gin.H{"error": err.Error()})
}
