package handler

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/model"
	"github.com/akave-ai/hookbuffer/internal/response"
)

// ConfigHandler serves /api/buffer-configs and /api/forwarding-configs.
// Changes to a buffer's active flag go through the engine so queued
// messages are cancelled or replayed.
type ConfigHandler struct {
	Store  ConfigStore
	Engine Engine
	Logger zerolog.Logger
}

// Absent fields keep their current value on update, so every field is a
// pointer.
type bufferConfigRequest struct {
	Name                *string `json:"name"`
	FilterField         *string `json:"filter_field"`
	MaxSize             *int    `json:"max_size"`
	MaxTime             *int    `json:"max_time"`
	ResetTimerOnMessage *bool   `json:"reset_timer_on_message"`
	Active              *bool   `json:"active"`
}

func (r *bufferConfigRequest) apply(cfg *model.BufferConfig) {
	if r.Name != nil {
		cfg.Name = strings.TrimSpace(*r.Name)
	}
	if r.FilterField != nil {
		cfg.FilterField = strings.TrimSpace(*r.FilterField)
	}
	if r.MaxSize != nil {
		cfg.MaxSize = *r.MaxSize
	}
	if r.MaxTime != nil {
		cfg.MaxTime = *r.MaxTime
	}
	if r.ResetTimerOnMessage != nil {
		cfg.ResetTimerOnMessage = *r.ResetTimerOnMessage
	}
	if r.Active != nil {
		cfg.Active = *r.Active
	}
}

// fieldList accepts ["a","b"] as well as the comma separated "a,b".
type fieldList []string

func (f *fieldList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*f = cleanFields(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = cleanFields(strings.Split(s, ","))
	return nil
}

func cleanFields(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type forwardingConfigRequest struct {
	BufferConfigID *uuid.UUID         `json:"buffer_config_id"`
	Name           *string            `json:"name"`
	URL            *string            `json:"url"`
	Method         *string            `json:"method"`
	Headers        *map[string]string `json:"headers"`
	Fields         *fieldList         `json:"fields"`
	Template       *string            `json:"template"`
	Active         *bool              `json:"active"`
}

func (r *forwardingConfigRequest) apply(fc *model.ForwardingConfig) {
	if r.BufferConfigID != nil {
		fc.BufferConfigID = *r.BufferConfigID
	}
	if r.Name != nil {
		fc.Name = strings.TrimSpace(*r.Name)
	}
	if r.URL != nil {
		fc.URL = strings.TrimSpace(*r.URL)
	}
	if r.Method != nil {
		fc.Method = strings.ToUpper(strings.TrimSpace(*r.Method))
	}
	if r.Headers != nil {
		fc.Headers = *r.Headers
	}
	if r.Fields != nil {
		fc.Fields = *r.Fields
	}
	if r.Template != nil {
		fc.Template = *r.Template
	}
	if r.Active != nil {
		fc.Active = *r.Active
	}
}

// ListBufferConfigs returns every buffer config, newest first (GET /api/buffer-configs).
func (h *ConfigHandler) ListBufferConfigs(c echo.Context) error {
	list, err := h.Store.ListBufferConfigs(c.Request().Context())
	if err != nil {
		return internalError(c, h.Logger, "list buffer configs failed", err)
	}
	return response.List(c, list)
}

func (h *ConfigHandler) GetBufferConfig(c echo.Context) error {
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
	return response.OK(c, cfg, "")
}

// CreateBufferConfig (POST /api/buffer-configs). max_size and max_time
// default to 10 and 60; new buffers are active.
func (h *ConfigHandler) CreateBufferConfig(c echo.Context) error {
	var req bufferConfigRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid JSON body", err.Error())
	}
	cfg := model.BufferConfig{
		MaxSize: model.DefaultMaxSize,
		MaxTime: model.DefaultMaxTime,
		Active:  true,
	}
	req.apply(&cfg)
	if err := validate.Struct(cfg); err != nil {
		return response.BadRequest(c, "invalid buffer config", validationMessage(err))
	}
	if err := h.Store.CreateBufferConfig(c.Request().Context(), &cfg); err != nil {
		return internalError(c, h.Logger, "create buffer config failed", err)
	}
	h.Logger.Info().Str("buffer_id", cfg.ID.String()).Str("name", cfg.Name).Msg("buffer config created")
	return response.Created(c, cfg, "buffer config created")
}

// UpdateBufferConfig applies a partial update (PUT /api/buffer-configs/:id).
// Deactivating cancels the buffer's queued messages; activating replays its
// pending ones.
func (h *ConfigHandler) UpdateBufferConfig(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	var req bufferConfigRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid JSON body", err.Error())
	}
	cfg, err := h.Store.GetBufferConfig(ctx, id)
	if err != nil {
		return internalError(c, h.Logger, "get buffer config failed", err)
	}
	if cfg == nil {
		return response.NotFound(c, "Buffer config not found", id.String())
	}

	wasActive := cfg.Active
	req.apply(cfg)
	cfg.ID = id
	if err := validate.Struct(cfg); err != nil {
		return response.BadRequest(c, "invalid buffer config", validationMessage(err))
	}

	// storage first: the engine only follows a state that was stored
	if err := h.Store.UpdateBufferConfig(ctx, cfg); err != nil {
		return internalError(c, h.Logger, "update buffer config failed", err)
	}
	switch {
	case wasActive && !cfg.Active:
		n, err := h.Engine.Deactivate(ctx, id)
		if err != nil {
			return internalError(c, h.Logger, "deactivate buffer failed", err)
		}
		h.Logger.Info().Str("buffer_id", id.String()).Int("cancelled", n).Msg("buffer deactivated")
	case cfg.Active:
		// also heals an engine that still holds the buffer disabled
		n, err := h.Engine.Activate(ctx, id)
		if err != nil {
			return internalError(c, h.Logger, "activate buffer failed", err)
		}
		if n > 0 || !wasActive {
			h.Logger.Info().Str("buffer_id", id.String()).Int("replayed", n).Msg("buffer activated")
		}
	}
	return response.OK(c, cfg, "buffer config updated")
}

// DeleteBufferConfig removes the config and its forwarding configs, then
// cancels its buffered and parked messages (DELETE /api/buffer-configs/:id).
func (h *ConfigHandler) DeleteBufferConfig(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	cfg, err := h.Store.GetBufferConfig(ctx, id)
	if err != nil {
		return internalError(c, h.Logger, "get buffer config failed", err)
	}
	if cfg == nil {
		return response.NotFound(c, "Buffer config not found", id.String())
	}

	if _, err := h.Store.DeleteBufferConfig(ctx, id); err != nil {
		return internalError(c, h.Logger, "delete buffer config failed", err)
	}
	cancelled, err := h.Engine.Remove(ctx, id)
	if err != nil {
		return internalError(c, h.Logger, "cancel messages of deleted buffer failed", err)
	}
	h.Logger.Info().Str("buffer_id", id.String()).Int("cancelled", cancelled).Msg("buffer config deleted")
	return response.OK(c, map[string]any{"id": id, "cancelled": cancelled}, "deleted")
}

// ListForwardingConfigs (GET /api/forwarding-configs), optionally filtered
// by ?buffer_config_id=.
func (h *ConfigHandler) ListForwardingConfigs(c echo.Context) error {
	var bufferID *uuid.UUID
	if raw := c.QueryParam("buffer_config_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return response.BadRequest(c, "invalid buffer_config_id", err.Error())
		}
		bufferID = &id
	}
	list, err := h.Store.ListForwardingConfigs(c.Request().Context(), bufferID)
	if err != nil {
		return internalError(c, h.Logger, "list forwarding configs failed", err)
	}
	return response.List(c, list)
}

func (h *ConfigHandler) GetForwardingConfig(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	fc, err := h.Store.GetForwardingConfig(c.Request().Context(), id)
	if err != nil {
		return internalError(c, h.Logger, "get forwarding config failed", err)
	}
	if fc == nil {
		return response.NotFound(c, "Forwarding config not found", id.String())
	}
	return response.OK(c, fc, "")
}

// CreateForwardingConfig (POST /api/forwarding-configs). method defaults to
// POST; the buffer config must exist.
func (h *ConfigHandler) CreateForwardingConfig(c echo.Context) error {
	ctx := c.Request().Context()
	var req forwardingConfigRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid JSON body", err.Error())
	}
	fc := model.ForwardingConfig{
		Method:  model.DefaultMethod,
		Headers: map[string]string{},
		Active:  true,
	}
	req.apply(&fc)
	if err := validate.Struct(fc); err != nil {
		return response.BadRequest(c, "invalid forwarding config", validationMessage(err))
	}
	if ok, err := h.bufferExists(c, fc.BufferConfigID); !ok {
		return err
	}
	if err := h.Store.CreateForwardingConfig(ctx, &fc); err != nil {
		return internalError(c, h.Logger, "create forwarding config failed", err)
	}
	h.Logger.Info().Str("forwarding_config_id", fc.ID.String()).Str("url", fc.URL).Msg("forwarding config created")
	return response.Created(c, fc, "forwarding config created")
}

// UpdateForwardingConfig applies a partial update (PUT /api/forwarding-configs/:id).
// It takes effect from the next flush.
func (h *ConfigHandler) UpdateForwardingConfig(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	var req forwardingConfigRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid JSON body", err.Error())
	}
	fc, err := h.Store.GetForwardingConfig(ctx, id)
	if err != nil {
		return internalError(c, h.Logger, "get forwarding config failed", err)
	}
	if fc == nil {
		return response.NotFound(c, "Forwarding config not found", id.String())
	}
	req.apply(fc)
	fc.ID = id
	if err := validate.Struct(fc); err != nil {
		return response.BadRequest(c, "invalid forwarding config", validationMessage(err))
	}
	if req.BufferConfigID != nil {
		if ok, err := h.bufferExists(c, fc.BufferConfigID); !ok {
			return err
		}
	}
	if err := h.Store.UpdateForwardingConfig(ctx, fc); err != nil {
		return internalError(c, h.Logger, "update forwarding config failed", err)
	}
	return response.OK(c, fc, "forwarding config updated")
}

func (h *ConfigHandler) DeleteForwardingConfig(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	deleted, err := h.Store.DeleteForwardingConfig(c.Request().Context(), id)
	if err != nil {
		return internalError(c, h.Logger, "delete forwarding config failed", err)
	}
	if !deleted {
		return response.NotFound(c, "Forwarding config not found", id.String())
	}
	return response.OK(c, map[string]any{"id": id}, "deleted")
}

// bufferExists writes the error response itself when it returns false.
func (h *ConfigHandler) bufferExists(c echo.Context, id uuid.UUID) (bool, error) {
	cfg, err := h.Store.GetBufferConfig(c.Request().Context(), id)
	if err != nil {
		return false, internalError(c, h.Logger, "get buffer config failed", err)
	}
	if cfg == nil {
		return false, response.BadRequest(c, "invalid forwarding config", "buffer_config_id: unknown buffer config "+id.String())
	}
	return true, nil
}
