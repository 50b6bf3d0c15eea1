// Package nodeapi is the Node-Agent's own HTTP surface: the Coordinator's
// direct-POST fallback target when no WS path is available (§4.7 step 3),
// grounded on pkg/api.Server's gin engine/httpServer split.
package nodeapi

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Forwarder decodes and dispatches one client-to-node datagram.
type Forwarder interface {
	Forward(ctx context.Context, sessionID string, datagram []byte) error
}

type fromServerRequest struct {
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

// Server is the Node-Agent's HTTP listener.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a Server bound to host:port, not yet listening.
func New(host string, port int, fwd Forwarder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/api/v1/packets/from-server", func(c *gin.Context) {
		var req fromServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 payload"})
			return
		}
		if err := fwd.Forward(c.Request.Context(), req.SessionID, payload); err != nil {
			logger.Warn("node api forward failed", "session_id", req.SessionID, "err", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string { return s.httpServer.Addr }

func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
