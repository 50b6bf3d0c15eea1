package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/mtls"
)

// tokenStore tracks the Bearer session token issued at registration for
// each Node, used by the heartbeat and delete endpoints' auth check.
type tokenStore struct {
	mu     sync.RWMutex
	tokens map[boson.NodeID]string
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[boson.NodeID]string)}
}

func (t *tokenStore) issue(id boson.NodeID) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.tokens[id] = token
	t.mu.Unlock()
	return token
}

func (t *tokenStore) valid(id boson.NodeID, token string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	want, ok := t.tokens[id]
	return ok && want == token
}

// requireAuth admits a request whose mTLS client certificate's CN matches
// the :id path parameter's Node (§6), falling back to the Bearer token
// issued at registration when no client certificate was presented.
func (h *Handler) requireAuth(c *gin.Context) {
	id := boson.NodeID(c.Param("id"))

	if c.Request.TLS != nil && len(c.Request.TLS.PeerCertificates) > 0 {
		identity, err := mtls.VerifyClientCert(c.Request.TLS)
		if err == nil && boson.NodeID(identity.NodeID) == id {
			c.Next()
			return
		}
	}

	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth || !h.tokens.valid(id, token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
