package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akave-ai/hookbuffer/internal/model"
)

// MessageRepository persists received and forwarded messages in Postgres.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const receivedColumns = `id, buffer_id, source, message_data, received_at, status, forwarded_id`

func scanReceived(row pgx.Row, msg *model.ReceivedMessage) error {
	return row.Scan(
		&msg.ID,
		&msg.BufferID,
		&msg.Source,
		&msg.MessageData,
		&msg.ReceivedAt,
		&msg.Status,
		&msg.ForwardedID,
	)
}

// InsertReceived stores an inbound message and sets its ID.
func (r *MessageRepository) InsertReceived(ctx context.Context, msg *model.ReceivedMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Status == "" {
		msg.Status = model.StatusPending
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO received_messages (id, buffer_id, source, message_data, received_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID,
		msg.BufferID,
		msg.Source,
		msg.MessageData,
		msg.ReceivedAt,
		msg.Status,
	)
	return err
}

// GetReceivedMessages returns the given messages in arrival order.
func (r *MessageRepository) GetReceivedMessages(ctx context.Context, ids []uuid.UUID) ([]model.ReceivedMessage, error) {
	return r.queryReceived(ctx, `SELECT `+receivedColumns+` FROM received_messages
		WHERE id = ANY($1) ORDER BY seq`, ids)
}

func (r *MessageRepository) ListPendingReceived(ctx context.Context, bufferID uuid.UUID) ([]model.ReceivedMessage, error) {
	return r.queryReceived(ctx, `SELECT `+receivedColumns+` FROM received_messages
		WHERE buffer_id = $1 AND status = 'pending' ORDER BY seq`, bufferID)
}

// UpdateReceivedStatus sets status on every id. A nil forwardedID keeps the
// current reference.
func (r *MessageRepository) UpdateReceivedStatus(ctx context.Context, ids []uuid.UUID, status model.ReceivedStatus, forwardedID *uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE received_messages
		SET status = $2, forwarded_id = COALESCE($3::uuid, forwarded_id)
		WHERE id = ANY($1)`,
		ids, status, forwardedID)
	return err
}

// CancelParked cancels old pending messages whose buffer is inactive or deleted.
func (r *MessageRepository) CancelParked(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE received_messages m
		SET status = 'cancelled'
		WHERE m.status = 'pending'
		  AND m.received_at < $1
		  AND NOT EXISTS (
		    SELECT 1 FROM buffer_configs b
		    WHERE b.id = m.buffer_id AND b.active
		  )`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertForwarded stores one forward record and sets its ID.
func (r *MessageRepository) InsertForwarded(ctx context.Context, fwd *model.ForwardedMessage) error {
	if fwd.ID == uuid.Nil {
		fwd.ID = uuid.New()
	}
	if fwd.ForwardedAt.IsZero() {
		fwd.ForwardedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO forwarded_messages (id, forwarding_config_id, status, forwarded_at, response)
		VALUES ($1, $2, $3, $4, $5)`,
		fwd.ID,
		fwd.ForwardingConfigID,
		fwd.Status,
		fwd.ForwardedAt,
		fwd.Response,
	)
	return err
}

// where accumulates AND-ed conditions with positional args.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	w.args = append(w.args, model.EffectiveLimit(n))
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

// ListReceived returns matching messages newest first.
func (r *MessageRepository) ListReceived(ctx context.Context, f model.ReceivedFilter) ([]model.ReceivedMessage, error) {
	var w where
	if f.Start != nil {
		w.add("received_at >= $%d", *f.Start)
	}
	if f.End != nil {
		w.add("received_at <= $%d", *f.End)
	}
	if f.BufferID != nil {
		w.add("buffer_id = $%d", *f.BufferID)
	}
	if f.ForwardedID != nil {
		w.add("forwarded_id = $%d", *f.ForwardedID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	query := `SELECT ` + receivedColumns + ` FROM received_messages` + w.String() +
		` ORDER BY received_at DESC, seq DESC`
	query += w.limit(f.Limit)
	return r.queryReceived(ctx, query, w.args...)
}

// ListForwarded returns matching forward records newest first with the name
// of their forwarding config.
func (r *MessageRepository) ListForwarded(ctx context.Context, f model.ForwardedFilter) ([]model.ForwardedMessage, error) {
	var w where
	if f.Start != nil {
		w.add("f.forwarded_at >= $%d", *f.Start)
	}
	if f.End != nil {
		w.add("f.forwarded_at <= $%d", *f.End)
	}
	if f.ForwardingConfigID != nil {
		w.add("f.forwarding_config_id = $%d", *f.ForwardingConfigID)
	}
	if f.ForwardingConfigName != "" {
		w.add("fc.name = $%d", f.ForwardingConfigName)
	}
	if f.Status != "" {
		w.add("f.status = $%d", f.Status)
	}
	query := `
		SELECT f.id, f.forwarding_config_id, COALESCE(fc.name, ''), f.status, f.forwarded_at, f.response
		FROM forwarded_messages f
		LEFT JOIN forwarding_configs fc ON fc.id = f.forwarding_config_id` + w.String() +
		` ORDER BY f.forwarded_at DESC`
	query += w.limit(f.Limit)

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []model.ForwardedMessage{}
	for rows.Next() {
		var fwd model.ForwardedMessage
		if err := rows.Scan(
			&fwd.ID,
			&fwd.ForwardingConfigID,
			&fwd.ForwardingConfigName,
			&fwd.Status,
			&fwd.ForwardedAt,
			&fwd.Response,
		); err != nil {
			return nil, err
		}
		list = append(list, fwd)
	}
	return list, rows.Err()
}

func (r *MessageRepository) queryReceived(ctx context.Context, query string, args ...any) ([]model.ReceivedMessage, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []model.ReceivedMessage{}
	for rows.Next() {
		var msg model.ReceivedMessage
		if err := scanReceived(rows, &msg); err != nil {
			return nil, err
		}
		list = append(list, msg)
	}
	return list, rows.Err()
}
