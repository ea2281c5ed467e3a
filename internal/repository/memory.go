package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akave-ai/hookbuffer/internal/model"
)

// MemoryRepository keeps configs and messages in process memory. It backs
// the "memory" database driver and the tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	buffers   map[uuid.UUID]model.BufferConfig
	forwards  map[uuid.UUID]model.ForwardingConfig
	received  []model.ReceivedMessage
	byID      map[uuid.UUID]int
	forwarded []model.ForwardedMessage
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		buffers:  make(map[uuid.UUID]model.BufferConfig),
		forwards: make(map[uuid.UUID]model.ForwardingConfig),
		byID:     make(map[uuid.UUID]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

// Buffer configs

func (r *MemoryRepository) CreateBufferConfig(_ context.Context, cfg *model.BufferConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	cfg.CreatedAt = r.now()
	r.buffers[cfg.ID] = *cfg
	return nil
}

func (r *MemoryRepository) UpdateBufferConfig(_ context.Context, cfg *model.BufferConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.buffers[cfg.ID]
	if !ok {
		return ErrNotFound
	}
	cfg.CreatedAt = old.CreatedAt
	r.buffers[cfg.ID] = *cfg
	return nil
}

// DeleteBufferConfig removes the config and its forwarding configs.
func (r *MemoryRepository) DeleteBufferConfig(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[id]; !ok {
		return false, nil
	}
	delete(r.buffers, id)
	for fid, fc := range r.forwards {
		if fc.BufferConfigID == id {
			delete(r.forwards, fid)
		}
	}
	return true, nil
}

func (r *MemoryRepository) GetBufferConfig(_ context.Context, id uuid.UUID) (*model.BufferConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.buffers[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (r *MemoryRepository) ListBufferConfigs(context.Context) ([]model.BufferConfig, error) {
	return r.listBuffers(false), nil
}

func (r *MemoryRepository) ListActiveBufferConfigs(context.Context) ([]model.BufferConfig, error) {
	return r.listBuffers(true), nil
}

func (r *MemoryRepository) listBuffers(activeOnly bool) []model.BufferConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.BufferConfig, 0, len(r.buffers))
	for _, cfg := range r.buffers {
		if activeOnly && !cfg.Active {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Forwarding configs

func (r *MemoryRepository) CreateForwardingConfig(_ context.Context, fc *model.ForwardingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fc.ID == uuid.Nil {
		fc.ID = uuid.New()
	}
	fc.CreatedAt = r.now()
	r.forwards[fc.ID] = cloneForwarding(*fc)
	return nil
}

func (r *MemoryRepository) UpdateForwardingConfig(_ context.Context, fc *model.ForwardingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.forwards[fc.ID]
	if !ok {
		return ErrNotFound
	}
	fc.CreatedAt = old.CreatedAt
	r.forwards[fc.ID] = cloneForwarding(*fc)
	return nil
}

func (r *MemoryRepository) DeleteForwardingConfig(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.forwards[id]; !ok {
		return false, nil
	}
	delete(r.forwards, id)
	return true, nil
}

func (r *MemoryRepository) GetForwardingConfig(_ context.Context, id uuid.UUID) (*model.ForwardingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fc, ok := r.forwards[id]
	if !ok {
		return nil, nil
	}
	fc = cloneForwarding(fc)
	return &fc, nil
}

func (r *MemoryRepository) ListForwardingConfigs(_ context.Context, bufferID *uuid.UUID) ([]model.ForwardingConfig, error) {
	return r.listForwards(bufferID, false), nil
}

func (r *MemoryRepository) ListActiveForwardingConfigs(_ context.Context, bufferID uuid.UUID) ([]model.ForwardingConfig, error) {
	list := r.listForwards(&bufferID, true)
	// oldest first so fan-out order is stable
	slices.Reverse(list)
	return list, nil
}

func (r *MemoryRepository) listForwards(bufferID *uuid.UUID, activeOnly bool) []model.ForwardingConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ForwardingConfig, 0, len(r.forwards))
	for _, fc := range r.forwards {
		if bufferID != nil && fc.BufferConfigID != *bufferID {
			continue
		}
		if activeOnly && !fc.Active {
			continue
		}
		out = append(out, cloneForwarding(fc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func cloneForwarding(fc model.ForwardingConfig) model.ForwardingConfig {
	if fc.Headers != nil {
		h := make(map[string]string, len(fc.Headers))
		for k, v := range fc.Headers {
			h[k] = v
		}
		fc.Headers = h
	}
	fc.Fields = slices.Clone(fc.Fields)
	return fc
}

// Messages

func (r *MemoryRepository) InsertReceived(_ context.Context, msg *model.ReceivedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = r.now()
	}
	if msg.Status == "" {
		msg.Status = model.StatusPending
	}
	r.byID[msg.ID] = len(r.received)
	r.received = append(r.received, cloneReceived(*msg))
	return nil
}

func (r *MemoryRepository) GetReceivedMessages(_ context.Context, ids []uuid.UUID) ([]model.ReceivedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		if i, ok := r.byID[id]; ok {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	out := make([]model.ReceivedMessage, len(idx))
	for n, i := range idx {
		out[n] = cloneReceived(r.received[i])
	}
	return out, nil
}

func (r *MemoryRepository) UpdateReceivedStatus(_ context.Context, ids []uuid.UUID, status model.ReceivedStatus, forwardedID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		i, ok := r.byID[id]
		if !ok {
			continue
		}
		r.received[i].Status = status
		if forwardedID != nil {
			fid := *forwardedID
			r.received[i].ForwardedID = &fid
		}
	}
	return nil
}

func (r *MemoryRepository) ListPendingReceived(_ context.Context, bufferID uuid.UUID) ([]model.ReceivedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ReceivedMessage
	for _, msg := range r.received {
		if msg.BufferID == bufferID && msg.Status == model.StatusPending {
			out = append(out, cloneReceived(msg))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CancelParked(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i, msg := range r.received {
		if msg.Status != model.StatusPending || !msg.ReceivedAt.Before(cutoff) {
			continue
		}
		if cfg, ok := r.buffers[msg.BufferID]; ok && cfg.Active {
			continue
		}
		r.received[i].Status = model.StatusCancelled
		n++
	}
	return n, nil
}

func (r *MemoryRepository) InsertForwarded(_ context.Context, fwd *model.ForwardedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fwd.ID == uuid.Nil {
		fwd.ID = uuid.New()
	}
	if fwd.ForwardedAt.IsZero() {
		fwd.ForwardedAt = r.now()
	}
	r.forwarded = append(r.forwarded, *fwd)
	return nil
}

// ListReceived returns matching messages newest first.
func (r *MemoryRepository) ListReceived(_ context.Context, f model.ReceivedFilter) ([]model.ReceivedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit := model.EffectiveLimit(f.Limit)
	out := []model.ReceivedMessage{}
	for i := len(r.received) - 1; i >= 0 && len(out) < limit; i-- {
		msg := r.received[i]
		if !inRange(msg.ReceivedAt, f.Start, f.End) {
			continue
		}
		if f.BufferID != nil && msg.BufferID != *f.BufferID {
			continue
		}
		if f.ForwardedID != nil && (msg.ForwardedID == nil || *msg.ForwardedID != *f.ForwardedID) {
			continue
		}
		if f.Status != "" && msg.Status != f.Status {
			continue
		}
		out = append(out, cloneReceived(msg))
	}
	return out, nil
}

// ListForwarded returns matching forward records newest first.
func (r *MemoryRepository) ListForwarded(_ context.Context, f model.ForwardedFilter) ([]model.ForwardedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit := model.EffectiveLimit(f.Limit)
	out := []model.ForwardedMessage{}
	for i := len(r.forwarded) - 1; i >= 0 && len(out) < limit; i-- {
		fwd := r.forwarded[i]
		if fc, ok := r.forwards[fwd.ForwardingConfigID]; ok {
			fwd.ForwardingConfigName = fc.Name
		}
		if !inRange(fwd.ForwardedAt, f.Start, f.End) {
			continue
		}
		if f.ForwardingConfigID != nil && fwd.ForwardingConfigID != *f.ForwardingConfigID {
			continue
		}
		if f.ForwardingConfigName != "" && fwd.ForwardingConfigName != f.ForwardingConfigName {
			continue
		}
		if f.Status != "" && fwd.Status != f.Status {
			continue
		}
		out = append(out, fwd)
	}
	return out, nil
}

func inRange(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}

func cloneReceived(msg model.ReceivedMessage) model.ReceivedMessage {
	msg.MessageData = slices.Clone(msg.MessageData)
	if msg.ForwardedID != nil {
		fid := *msg.ForwardedID
		msg.ForwardedID = &fid
	}
	return msg
}
