package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/chorus-dev/chorus/internal/common/logger"
	ws "github.com/chorus-dev/chorus/pkg/websocket"
)

// Gateway bundles the WebSocket hub, dispatcher and handler
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
}

// NewGateway creates a fully wired WebSocket gateway
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)

	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
	}
}

// SetupRoutes mounts the WebSocket endpoint on the router
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
