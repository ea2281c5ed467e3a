package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akave-ai/hookbuffer/internal/model"
)

// ErrNotFound is returned by updates of a row that does not exist. Lookups
// return nil, nil instead.
var ErrNotFound = errors.New("not found")

// ConfigRepository persists buffer and forwarding configs in Postgres.
type ConfigRepository struct {
	pool *pgxpool.Pool
}

// NewConfigRepository returns a ConfigRepository using the given pool.
func NewConfigRepository(pool *pgxpool.Pool) *ConfigRepository {
	return &ConfigRepository{pool: pool}
}

func (r *ConfigRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const bufferColumns = `id, name, filter_field, max_size, max_time, reset_timer_on_message, active, created_at`

func scanBuffer(row pgx.Row, cfg *model.BufferConfig) error {
	return row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.FilterField,
		&cfg.MaxSize,
		&cfg.MaxTime,
		&cfg.ResetTimerOnMessage,
		&cfg.Active,
		&cfg.CreatedAt,
	)
}

// CreateBufferConfig inserts cfg and sets its ID and CreatedAt.
func (r *ConfigRepository) CreateBufferConfig(ctx context.Context, cfg *model.BufferConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO buffer_configs (id, name, filter_field, max_size, max_time, reset_timer_on_message, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		cfg.ID,
		cfg.Name,
		cfg.FilterField,
		cfg.MaxSize,
		cfg.MaxTime,
		cfg.ResetTimerOnMessage,
		cfg.Active,
	).Scan(&cfg.CreatedAt)
}

// UpdateBufferConfig overwrites every mutable column of cfg.
func (r *ConfigRepository) UpdateBufferConfig(ctx context.Context, cfg *model.BufferConfig) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE buffer_configs
		SET name = $2, filter_field = $3, max_size = $4, max_time = $5, reset_timer_on_message = $6, active = $7
		WHERE id = $1
		RETURNING created_at`,
		cfg.ID,
		cfg.Name,
		cfg.FilterField,
		cfg.MaxSize,
		cfg.MaxTime,
		cfg.ResetTimerOnMessage,
		cfg.Active,
	).Scan(&cfg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// DeleteBufferConfig removes the config; its forwarding configs go with it.
func (r *ConfigRepository) DeleteBufferConfig(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM buffer_configs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetBufferConfig returns one config by id, or nil if not found.
func (r *ConfigRepository) GetBufferConfig(ctx context.Context, id uuid.UUID) (*model.BufferConfig, error) {
	var cfg model.BufferConfig
	err := scanBuffer(r.pool.QueryRow(ctx, `SELECT `+bufferColumns+` FROM buffer_configs WHERE id = $1`, id), &cfg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// ListBufferConfigs returns all configs ordered by created_at descending.
func (r *ConfigRepository) ListBufferConfigs(ctx context.Context) ([]model.BufferConfig, error) {
	return r.listBuffers(ctx, `SELECT `+bufferColumns+` FROM buffer_configs ORDER BY created_at DESC`)
}

func (r *ConfigRepository) ListActiveBufferConfigs(ctx context.Context) ([]model.BufferConfig, error) {
	return r.listBuffers(ctx, `SELECT `+bufferColumns+` FROM buffer_configs WHERE active ORDER BY created_at DESC`)
}

func (r *ConfigRepository) listBuffers(ctx context.Context, query string) ([]model.BufferConfig, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []model.BufferConfig{}
	for rows.Next() {
		var cfg model.BufferConfig
		if err := scanBuffer(rows, &cfg); err != nil {
			return nil, err
		}
		list = append(list, cfg)
	}
	return list, rows.Err()
}

const forwardingColumns = `id, buffer_config_id, name, url, method, headers, fields, template, active, created_at`

func scanForwarding(row pgx.Row, fc *model.ForwardingConfig) error {
	return row.Scan(
		&fc.ID,
		&fc.BufferConfigID,
		&fc.Name,
		&fc.URL,
		&fc.Method,
		&fc.Headers,
		&fc.Fields,
		&fc.Template,
		&fc.Active,
		&fc.CreatedAt,
	)
}

// headers and fields columns are NOT NULL.
func forwardingArgs(fc *model.ForwardingConfig) (map[string]string, []string) {
	headers := fc.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	fields := fc.Fields
	if fields == nil {
		fields = []string{}
	}
	return headers, fields
}

// CreateForwardingConfig inserts fc and sets its ID and CreatedAt.
func (r *ConfigRepository) CreateForwardingConfig(ctx context.Context, fc *model.ForwardingConfig) error {
	if fc.ID == uuid.Nil {
		fc.ID = uuid.New()
	}
	headers, fields := forwardingArgs(fc)
	return r.pool.QueryRow(ctx, `
		INSERT INTO forwarding_configs (id, buffer_config_id, name, url, method, headers, fields, template, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		fc.ID,
		fc.BufferConfigID,
		fc.Name,
		fc.URL,
		fc.Method,
		headers,
		fields,
		fc.Template,
		fc.Active,
	).Scan(&fc.CreatedAt)
}

func (r *ConfigRepository) UpdateForwardingConfig(ctx context.Context, fc *model.ForwardingConfig) error {
	headers, fields := forwardingArgs(fc)
	err := r.pool.QueryRow(ctx, `
		UPDATE forwarding_configs
		SET buffer_config_id = $2, name = $3, url = $4, method = $5, headers = $6, fields = $7, template = $8, active = $9
		WHERE id = $1
		RETURNING created_at`,
		fc.ID,
		fc.BufferConfigID,
		fc.Name,
		fc.URL,
		fc.Method,
		headers,
		fields,
		fc.Template,
		fc.Active,
	).Scan(&fc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *ConfigRepository) DeleteForwardingConfig(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM forwarding_configs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetForwardingConfig returns one config by id, or nil if not found.
func (r *ConfigRepository) GetForwardingConfig(ctx context.Context, id uuid.UUID) (*model.ForwardingConfig, error) {
	var fc model.ForwardingConfig
	err := scanForwarding(r.pool.QueryRow(ctx, `SELECT `+forwardingColumns+` FROM forwarding_configs WHERE id = $1`, id), &fc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &fc, nil
}

// ListForwardingConfigs returns configs newest first, optionally for one buffer.
func (r *ConfigRepository) ListForwardingConfigs(ctx context.Context, bufferID *uuid.UUID) ([]model.ForwardingConfig, error) {
	if bufferID != nil {
		return r.listForwards(ctx, `SELECT `+forwardingColumns+` FROM forwarding_configs
			WHERE buffer_config_id = $1 ORDER BY created_at DESC`, *bufferID)
	}
	return r.listForwards(ctx, `SELECT `+forwardingColumns+` FROM forwarding_configs ORDER BY created_at DESC`)
}

// ListActiveForwardingConfigs returns the active destinations of a buffer
// oldest first.
func (r *ConfigRepository) ListActiveForwardingConfigs(ctx context.Context, bufferID uuid.UUID) ([]model.ForwardingConfig, error) {
	return r.listForwards(ctx, `SELECT `+forwardingColumns+` FROM forwarding_configs
		WHERE buffer_config_id = $1 AND active ORDER BY created_at, id`, bufferID)
}

func (r *ConfigRepository) listForwards(ctx context.Context, query string, args ...any) ([]model.ForwardingConfig, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []model.ForwardingConfig{}
	for rows.Next() {
		var fc model.ForwardingConfig
		if err := scanForwarding(rows, &fc); err != nil {
			return nil, err
		}
		list = append(list, fc)
	}
	return list, rows.Err()
}
