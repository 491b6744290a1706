// Package http provides the HTTP server for the research backend.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/finresearch/backend/internal/relay"
	"github.com/finresearch/backend/internal/service"
)

// NewServer creates and configures the HTTP server: run coordination
// endpoints, the event stream, and thread management.
func NewServer(svc *service.Service, r *relay.Relay) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	h := NewHandler(svc, r)
	h.RegisterRoutes(e)

	return e
}
