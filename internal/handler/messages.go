package handler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/model"
	"github.com/akave-ai/hookbuffer/internal/response"
)

// MessageHandler serves the read-only message history.
type MessageHandler struct {
	Store  MessageQueries
	Logger zerolog.Logger
}

// ListReceived (GET /api/messages/received?start&end&buffer_id&forwarded_id&status&limit).
func (h *MessageHandler) ListReceived(c echo.Context) error {
	var (
		f   model.ReceivedFilter
		err error
	)
	if f.Start, f.End, f.Limit, err = commonFilters(c); err != nil {
		return response.BadRequest(c, "invalid query", err.Error())
	}
	if f.BufferID, err = optionalUUID(c, "buffer_id"); err != nil {
		return response.BadRequest(c, "invalid query", err.Error())
	}
	if f.ForwardedID, err = optionalUUID(c, "forwarded_id"); err != nil {
		return response.BadRequest(c, "invalid query", err.Error())
	}
	if s := c.QueryParam("status"); s != "" {
		f.Status = model.ReceivedStatus(s)
		if !f.Status.Valid() {
			return response.BadRequest(c, "invalid query", "status: must be pending, processed or cancelled")
		}
	}

	list, err := h.Store.ListReceived(c.Request().Context(), f)
	if err != nil {
		return internalError(c, h.Logger, "list received messages failed", err)
	}
	return response.List(c, list)
}

// ListForwarded (GET /api/messages/forwarded?start&end&forwarding_config_id&forwarding_config_name&status&limit).
func (h *MessageHandler) ListForwarded(c echo.Context) error {
	var (
		f   model.ForwardedFilter
		err error
	)
	if f.Start, f.End, f.Limit, err = commonFilters(c); err != nil {
		return response.BadRequest(c, "invalid query", err.Error())
	}
	if f.ForwardingConfigID, err = optionalUUID(c, "forwarding_config_id"); err != nil {
		return response.BadRequest(c, "invalid query", err.Error())
	}
	f.ForwardingConfigName = c.QueryParam("forwarding_config_name")
	if s := c.QueryParam("status"); s != "" {
		f.Status = model.ForwardStatus(s)
		if !f.Status.Valid() {
			return response.BadRequest(c, "invalid query", "status: must be success or error")
		}
	}

	list, err := h.Store.ListForwarded(c.Request().Context(), f)
	if err != nil {
		return internalError(c, h.Logger, "list forwarded messages failed", err)
	}
	return response.List(c, list)
}

// commonFilters reads start, end (RFC 3339 or YYYY-MM-DD) and limit.
func commonFilters(c echo.Context) (start, end *time.Time, limit int, err error) {
	if start, err = optionalTime(c, "start", false); err != nil {
		return
	}
	if end, err = optionalTime(c, "end", true); err != nil {
		return
	}
	if start != nil && end != nil && end.Before(*start) {
		err = fmt.Errorf("end is before start")
		return
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			err = fmt.Errorf("limit: must be a positive integer")
			return
		}
	}
	return
}

// optionalTime parses a timestamp; a bare date used as an end bound covers
// the whole day.
func optionalTime(c echo.Context, name string, endOfDay bool) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: expected RFC 3339 timestamp or YYYY-MM-DD", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &id, nil
}
