package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/akave-ai/hookbuffer/internal/engine"
	"github.com/akave-ai/hookbuffer/internal/response"
)

type flushRequest struct {
	Key     *string `json:"key"`
	Unkeyed bool    `json:"unkeyed"`
}

// ListBuckets shows the open buckets of a buffer (GET /api/buffer-configs/:id/buckets).
func (h *ConfigHandler) ListBuckets(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	cfg, err := h.Store.GetBufferConfig(c.Request().Context(), id)
	if err != nil {
		return internalError(c, h.Logger, "get buffer config failed", err)
	}
	if cfg == nil {
		return response.NotFound(c, "Buffer config not found", id.String())
	}
	buckets := h.Engine.Buckets(id)
	if buckets == nil {
		buckets = []engine.BucketInfo{}
	}
	return response.OK(c, map[string]any{"buffer_id": id, "buckets": buckets}, "")
}

// FlushBuckets flushes one bucket now, or every open bucket of the buffer
// when the body names none (POST /api/buffer-configs/:id/flush).
func (h *ConfigHandler) FlushBuckets(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	var req flushRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return response.BadRequest(c, "invalid JSON body", err.Error())
		}
	}
	cfg, err := h.Store.GetBufferConfig(c.Request().Context(), id)
	if err != nil {
		return internalError(c, h.Logger, "get buffer config failed", err)
	}
	if cfg == nil {
		return response.NotFound(c, "Buffer config not found", id.String())
	}

	flushed := 0
	switch {
	case req.Unkeyed:
		flushed = h.Engine.Flush(id, "", true)
	case req.Key != nil:
		flushed = h.Engine.Flush(id, *req.Key, false)
	default:
		for _, b := range h.Engine.Buckets(id) {
			flushed += h.Engine.Flush(id, b.Key, b.Unkeyed)
		}
	}
	h.Logger.Info().Str("buffer_id", id.String()).Int("messages", flushed).Msg("manual flush")
	return response.OK(c, map[string]any{"buffer_id": id, "flushed": flushed}, "")
}
