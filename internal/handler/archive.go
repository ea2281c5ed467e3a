package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/model"
	"github.com/akave-ai/hookbuffer/internal/response"
	"github.com/akave-ai/hookbuffer/internal/storage"
)

type ArchiveReader interface {
	ListFlushes(ctx context.Context, bufferID *uuid.UUID, limit int) ([]storage.ObjectInfo, error)
	GetFlush(ctx context.Context, key string) (*model.FlushRecord, error)
}

// ArchiveHandler browses archived flushes.
type ArchiveHandler struct {
	Archive ArchiveReader
	Logger  zerolog.Logger
}

// ListFlushes (GET /api/archive/flushes?buffer_id&limit).
func (h *ArchiveHandler) ListFlushes(c echo.Context) error {
	bufferID, err := optionalUUID(c, "buffer_id")
	if err != nil {
		return response.BadRequest(c, "invalid query", err.Error())
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.Archive.ListFlushes(c.Request().Context(), bufferID, limit)
	if errors.Is(err, storage.ErrNotConfigured) {
		return response.OK(c, map[string]any{"objects": []storage.ObjectInfo{}}, "archive not configured")
	}
	if err != nil {
		return internalError(c, h.Logger, "list archived flushes failed", err)
	}
	return response.OK(c, map[string]any{"objects": list}, "")
}

// GetFlush returns one archived flush record (GET /api/archive/flushes/content?key=).
func (h *ArchiveHandler) GetFlush(c echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return response.BadRequest(c, "missing key", "query param key is required")
	}
	rec, err := h.Archive.GetFlush(c.Request().Context(), key)
	if errors.Is(err, storage.ErrNotConfigured) {
		return response.BadRequest(c, "archive not configured", err.Error())
	}
	if err != nil {
		return internalError(c, h.Logger, "get archived flush failed", err)
	}
	return response.OK(c, map[string]any{"key": key, "flush": rec}, "")
}
