package api

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts every /api/v1 endpoint §6 documents, plus the
// Prometheus exposition endpoint at /metrics.
func RegisterRoutes(r *gin.Engine, h *Handler) {
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")

	v1.POST("/nodes/register", h.RegisterNode)
	v1.POST("/nodes/:id/heartbeat", h.requireAuth, h.Heartbeat)
	v1.GET("/nodes/:id", h.GetNode)
	v1.GET("/nodes", h.ListNodes)
	v1.DELETE("/nodes/:id", h.requireAuth, h.DeleteNode)

	v1.POST("/routing/request", h.RequestRoute)

	v1.POST("/metrics", h.SubmitMetrics)
	v1.GET("/metrics/:id/latest", h.LatestMetrics)
	v1.GET("/metrics/:id/history", h.MetricsHistory)
	v1.GET("/metrics/:id/aggregated", h.MetricsAggregated)

	v1.POST("/packets", h.InboundPacket)
	v1.POST("/packets/from-client", h.FromClientPacket)

	v1.POST("/wireguard/register", h.WireguardRegister)
	v1.POST("/wireguard/unregister", h.WireguardUnregister)

	v1.GET("/turn/servers", h.TurnServers)
	v1.GET("/stun", h.STUNServers)
	v1.GET("/ice", h.ICEServers)
}
