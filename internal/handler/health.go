package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	Storage Pinger
	Driver  string
}

// Health reports whether storage answers (GET /api/health).
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.Storage.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": h.Driver,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":   "healthy",
		"database": h.Driver,
	})
}
