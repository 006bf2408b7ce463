package handlers

import (
	"net/http"
	"strings"

	"stablepay-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler manages WebSocket connections for payment updates
type WebSocketHandler struct {
	pushService *services.WebSocketPushService
}

func NewWebSocketHandler(pushService *services.WebSocketPushService) *WebSocketHandler {
	return &WebSocketHandler{pushService: pushService}
}

// HandleWebSocket upgrades the connection. ?payment_id= limits the stream
// to one payment; without it every update is delivered.
// GET /ws/payments
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Query("payment_id"))
	h.pushService.HandleWebSocket(c.Writer, c.Request, paymentID)
}

// GetStatsHandler GET /ws/stats
func (h *WebSocketHandler) GetStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"active_connections": h.pushService.GetActiveConnections(),
	})
}
