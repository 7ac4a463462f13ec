// Package http provides the HTTP server for the agent daemon.
package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/embercore/ember/internal/config"
	"github.com/embercore/ember/internal/hub"
	"github.com/embercore/ember/internal/provider"
	"github.com/embercore/ember/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	cfg      *config.Config
	store    store.Store
	provider provider.Provider
	hub      *hub.Hub
}

// NewHandler creates a new handler.
func NewHandler(cfg *config.Config, st store.Store, p provider.Provider, h *hub.Hub) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		provider: p,
		hub:      h,
	}
}

// NewServer creates and configures the echo server with all routes.
func NewServer(cfg *config.Config, st store.Store, p provider.Provider, h *hub.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := NewHandler(cfg, st, p, h)
	handler.RegisterRoutes(e)

	ws := hub.NewWSServer(cfg, h)
	e.GET("/api/v1/stream", ws.HandleStream)

	return e
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1", h.requireAuth)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:session_key/messages", h.GetSessionMessages)
	api.GET("/models", h.ListModels)

	e.GET("/healthz", h.Health)
}

// requireAuth rejects requests without the configured bearer token. With
// no token configured the API is open.
func (h *Handler) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.cfg.AuthToken == "" {
			return next(c)
		}
		auth := c.Request().Header.Get("Authorization")
		if strings.TrimPrefix(auth, "Bearer ") == h.cfg.AuthToken {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": h.hub.ConnectionCount(),
	})
}

// ListSessions returns all known sessions without their histories.
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.store.ListSessions(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSessionMessages returns the message history for one session.
func (h *Handler) GetSessionMessages(c echo.Context) error {
	key := c.Param("session_key")
	session, err := h.store.GetSession(c.Request().Context(), key)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if session == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": session.Messages})
}

// ListModels returns the models available from the LLM backend.
func (h *Handler) ListModels(c echo.Context) error {
	models, err := h.provider.ListModels(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"models": models})
}
