package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	Mode         string   `json:"mode"`
	TargetDomain string   `json:"target_domain"`
	Routes       []string `json:"routes"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	routes  *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, routes *route.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, routes: routes, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. The bypass token is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	rules := h.routes.Rules()
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Version:      string(h.version),
		Mode:         h.cfg.Proxy.Mode,
		TargetDomain: h.routes.TargetDomain(),
		Routes:       names,
	})
}
