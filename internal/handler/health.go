// Package handler provides the HTTP handlers and route wiring for the proxy.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/reproject"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg       *config.Config
	version   Version
	targetCRS string
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, r *reproject.Reprojector) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, targetCRS: r.Target.Code()}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"proxy_url":    h.cfg.Proxy.PublicURL,
		"source_crs":   reproject.SourceCRS,
		"target_crs":   h.targetCRS,
	})
}
