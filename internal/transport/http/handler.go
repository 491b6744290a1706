package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/finresearch/backend/internal/relay"
	"github.com/finresearch/backend/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	svc   *service.Service
	relay *relay.Relay
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, r *relay.Relay) *Handler {
	return &Handler{svc: svc, relay: r}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run coordination
	e.POST("/api/agent/run", h.RunBlocking)
	e.POST("/api/agent/start", h.StartRun)
	e.GET("/api/agent/stream", h.Stream)
	e.GET("/api/agent/checkpoint", h.GetCheckpoint)

	// Threads
	e.POST("/api/threads/:conversation_id/messages", h.AppendMessage)
	e.GET("/api/threads/:conversation_id/messages", h.GetMessages)
	e.DELETE("/api/threads/:conversation_id", h.DeleteThread)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
