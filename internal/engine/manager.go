// Package engine buffers webhook messages per buffer config and key and
// forwards each flushed batch to the buffer's destinations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/dispatch"
	"github.com/akave-ai/hookbuffer/internal/model"
	"github.com/akave-ai/hookbuffer/internal/render"
	"github.com/akave-ai/hookbuffer/internal/telemetry"
)

// Trigger names what closed a bucket.
type Trigger string

const (
	TriggerSize   Trigger = "size"
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// ConfigRepository is the configuration lookup the engine needs.
// GetBufferConfig returns nil, nil for an unknown id.
type ConfigRepository interface {
	GetBufferConfig(ctx context.Context, id uuid.UUID) (*model.BufferConfig, error)
	ListActiveBufferConfigs(ctx context.Context) ([]model.BufferConfig, error)
	ListActiveForwardingConfigs(ctx context.Context, bufferID uuid.UUID) ([]model.ForwardingConfig, error)
}

// MessageRepository stores received and forwarded messages.
type MessageRepository interface {
	InsertReceived(ctx context.Context, msg *model.ReceivedMessage) error
	// GetReceivedMessages returns the messages with the given ids in arrival order.
	GetReceivedMessages(ctx context.Context, ids []uuid.UUID) ([]model.ReceivedMessage, error)
	UpdateReceivedStatus(ctx context.Context, ids []uuid.UUID, status model.ReceivedStatus, forwardedID *uuid.UUID) error
	InsertForwarded(ctx context.Context, fwd *model.ForwardedMessage) error
	// ListPendingReceived returns pending messages of a buffer in arrival order.
	ListPendingReceived(ctx context.Context, bufferID uuid.UUID) ([]model.ReceivedMessage, error)
	// CancelParked cancels pending messages received before cutoff whose
	// buffer is inactive or gone.
	CancelParked(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sender performs one forward call.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) dispatch.Result
}

// Archiver keeps a copy of every flush outside the database.
type Archiver interface {
	ArchiveFlush(ctx context.Context, rec model.FlushRecord) error
}

type Options struct {
	Clock    clock.Clock
	Locker   Locker
	Archiver Archiver
	Metrics  *telemetry.Metrics
	NewRelic *newrelic.Application
	Logger   zerolog.Logger
	// ParkedTTL is how long a message received for an inactive buffer stays
	// pending before housekeeping cancels it.
	ParkedTTL time.Duration
}

// Manager receives messages, applies the flush policy of their buffer and
// drives flushed batches through rendering and dispatch.
type Manager struct {
	configs  ConfigRepository
	messages MessageRepository
	sender   Sender
	store    *Store

	clk       clock.Clock
	locker    Locker
	archiver  Archiver
	metrics   *telemetry.Metrics
	nr        *newrelic.Application
	logger    zerolog.Logger
	parkedTTL time.Duration

	// stateMu orders appends against Deactivate: appends hold it shared,
	// Deactivate exclusively while it drains.
	stateMu  sync.RWMutex
	disabled map[uuid.UUID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	// owned holds every message id sitting in a bucket or in a flush that
	// has not finished. An id is owned at most once.
	owned map[uuid.UUID]struct{}
	wg    sync.WaitGroup
}

func NewManager(configs ConfigRepository, messages MessageRepository, sender Sender, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Locker == nil {
		opts.Locker = LocalLocker{}
	}
	if opts.ParkedTTL <= 0 {
		opts.ParkedTTL = 7 * 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		configs:   configs,
		messages:  messages,
		sender:    sender,
		clk:       opts.Clock,
		locker:    opts.Locker,
		archiver:  opts.Archiver,
		metrics:   opts.Metrics,
		nr:        opts.NewRelic,
		logger:    opts.Logger.With().Str("component", "engine").Logger(),
		parkedTTL: opts.ParkedTTL,
		disabled:  make(map[uuid.UUID]struct{}),
		owned:     make(map[uuid.UUID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.store = NewStore(opts.Clock, func(k Key, gen uint64, ids []uuid.UUID) {
		m.startFlush(k, gen, ids, TriggerTimer)
	})
	return m
}

// Store exposes the bucket store for inspection.
func (m *Manager) Store() *Store { return m.store }

// Buckets lists the open buckets of a buffer.
func (m *Manager) Buckets(bufferID uuid.UUID) []BucketInfo { return m.store.Buckets(bufferID) }

func policyOf(cfg *model.BufferConfig) Policy {
	return Policy{
		MaxSize:        cfg.MaxSize,
		Window:         cfg.Window(),
		ResetOnMessage: cfg.ResetTimerOnMessage,
	}
}

// KeyFor returns the bucket a payload belongs to. A missing or null filter
// field routes to the unkeyed bucket.
func KeyFor(cfg *model.BufferConfig, p model.Payload) Key {
	v, ok := p.Lookup(cfg.FilterField)
	if !ok || v == nil {
		return Key{BufferID: cfg.ID, Unkeyed: true}
	}
	return Key{BufferID: cfg.ID, Value: model.FormatValue(v)}
}

// Receive records an inbound message and buffers it. Messages for an
// inactive buffer are recorded as pending and an error wrapping
// ErrUnknownOrInactiveBuffer is returned with their id; they are replayed
// when the buffer is activated again.
func (m *Manager) Receive(ctx context.Context, bufferID uuid.UUID, source string, raw []byte) (uuid.UUID, error) {
	cfg, err := m.configs.GetBufferConfig(ctx, bufferID)
	if err != nil {
		m.metrics.RepositoryError(ctx, "get_buffer_config")
		return uuid.Nil, repoErr("get buffer config", err)
	}
	if cfg == nil {
		return uuid.Nil, ErrUnknownOrInactiveBuffer
	}

	payload, err := model.DecodePayload(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	msg := &model.ReceivedMessage{
		BufferID:    bufferID,
		Source:      source,
		MessageData: json.RawMessage(raw),
		ReceivedAt:  m.clk.Now().UTC(),
		Status:      model.StatusPending,
	}
	if err := m.messages.InsertReceived(ctx, msg); err != nil {
		m.metrics.RepositoryError(ctx, "insert_received")
		return uuid.Nil, repoErr("insert received message", err)
	}
	m.metrics.MessageReceived(ctx, !cfg.Active)

	if !cfg.Active {
		m.logger.Info().Str("buffer_id", bufferID.String()).Str("message_id", msg.ID.String()).
			Msg("message parked for inactive buffer")
		return msg.ID, fmt.Errorf("%w: message %s parked", ErrUnknownOrInactiveBuffer, msg.ID)
	}

	if !m.claim(msg.ID) {
		// a replay of pending messages picked it up first
		return msg.ID, nil
	}
	key := KeyFor(cfg, payload)
	snap, ok := m.append(key, msg.ID, policyOf(cfg))
	if !ok {
		// deactivated between lookup and append; the message stays parked
		m.release([]uuid.UUID{msg.ID})
		return msg.ID, fmt.Errorf("%w: message %s parked", ErrUnknownOrInactiveBuffer, msg.ID)
	}

	m.logger.Debug().
		Str("key", key.String()).
		Str("message_id", msg.ID.String()).
		Int("count", snap.Count).
		Bool("new_bucket", snap.IsNew).
		Msg("message buffered")

	if snap.Batch != nil {
		m.startFlush(key, snap.Generation, snap.Batch, TriggerSize)
	}
	return msg.ID, nil
}

// claim marks id as owned. It reports false when a bucket or a flush
// already owns it.
func (m *Manager) claim(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owned[id]; ok {
		return false
	}
	m.owned[id] = struct{}{}
	return true
}

func (m *Manager) release(ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.owned, id)
	}
	m.mu.Unlock()
}

// append adds an owned id to its bucket unless the buffer is disabled.
func (m *Manager) append(k Key, id uuid.UUID, p Policy) (Snapshot, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if _, off := m.disabled[k.BufferID]; off {
		return Snapshot{}, false
	}
	return m.store.Append(k, id, p), true
}

// Flush closes one bucket now. It returns the number of messages handed to
// the flush, zero when the bucket was empty.
func (m *Manager) Flush(bufferID uuid.UUID, value string, unkeyed bool) int {
	k := Key{BufferID: bufferID, Value: value, Unkeyed: unkeyed}
	if unkeyed {
		k.Value = ""
	}
	ids, gen := m.store.TakeForFlush(k)
	m.startFlush(k, gen, ids, TriggerManual)
	return len(ids)
}

// Deactivate cancels every open bucket of a buffer. Its queued messages are
// marked cancelled; flushes already handed off finish normally.
func (m *Manager) Deactivate(ctx context.Context, bufferID uuid.UUID) (int, error) {
	m.stateMu.Lock()
	m.disabled[bufferID] = struct{}{}
	ids := m.store.Drain(bufferID)
	m.stateMu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	// drained ids stay owned until their cancellation is stored
	defer m.release(ids)
	if err := m.messages.UpdateReceivedStatus(ctx, ids, model.StatusCancelled, nil); err != nil {
		m.metrics.RepositoryError(ctx, "update_received_status")
		return 0, repoErr("cancel drained messages", err)
	}
	m.metrics.Cancelled(ctx, len(ids))
	m.logger.Info().Str("buffer_id", bufferID.String()).Int("cancelled", len(ids)).Msg("buffer deactivated")
	return len(ids), nil
}

// Activate re-enables a buffer and re-buffers its pending messages, which
// covers messages parked while it was inactive.
func (m *Manager) Activate(ctx context.Context, bufferID uuid.UUID) (int, error) {
	m.stateMu.Lock()
	delete(m.disabled, bufferID)
	m.stateMu.Unlock()

	cfg, err := m.configs.GetBufferConfig(ctx, bufferID)
	if err != nil {
		return 0, repoErr("get buffer config", err)
	}
	if cfg == nil || !cfg.Active {
		return 0, ErrUnknownOrInactiveBuffer
	}
	return m.rebuffer(ctx, cfg)
}

// Remove is Deactivate for a deleted buffer: it also cancels the messages
// parked for it, which no reactivation can replay any more.
func (m *Manager) Remove(ctx context.Context, bufferID uuid.UUID) (int, error) {
	n, err := m.Deactivate(ctx, bufferID)
	if err != nil {
		return n, err
	}
	pending, err := m.messages.ListPendingReceived(ctx, bufferID)
	if err != nil {
		return n, repoErr("list pending messages", err)
	}
	var parked []uuid.UUID
	for _, msg := range pending {
		if m.claim(msg.ID) {
			parked = append(parked, msg.ID)
		}
	}
	if len(parked) == 0 {
		return n, nil
	}
	defer m.release(parked)
	if err := m.messages.UpdateReceivedStatus(ctx, parked, model.StatusCancelled, nil); err != nil {
		m.metrics.RepositoryError(ctx, "update_received_status")
		return n, repoErr("cancel parked messages", err)
	}
	m.metrics.Cancelled(ctx, len(parked))
	m.logger.Info().Str("buffer_id", bufferID.String()).Int("cancelled", len(parked)).Msg("parked messages of deleted buffer cancelled")
	return n + len(parked), nil
}

// Restore re-buffers the pending messages of every active buffer. It runs
// once at startup since buckets do not survive a restart.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	cfgs, err := m.configs.ListActiveBufferConfigs(ctx)
	if err != nil {
		return 0, repoErr("list buffer configs", err)
	}
	total := 0
	for i := range cfgs {
		n, err := m.rebuffer(ctx, &cfgs[i])
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		m.logger.Info().Int("messages", total).Int("buffers", len(cfgs)).Msg("restored pending messages")
	}
	return total, nil
}

func (m *Manager) rebuffer(ctx context.Context, cfg *model.BufferConfig) (int, error) {
	pending, err := m.messages.ListPendingReceived(ctx, cfg.ID)
	if err != nil {
		return 0, repoErr("list pending messages", err)
	}
	var claimed []uuid.UUID
	for _, msg := range pending {
		if m.claim(msg.ID) {
			claimed = append(claimed, msg.ID)
		}
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	// The listing may predate a flush that finished before the claims, so
	// read the rows again and keep only those still pending.
	fresh, err := m.messages.GetReceivedMessages(ctx, claimed)
	if err != nil {
		m.release(claimed)
		return 0, repoErr("get pending messages", err)
	}
	buffered := make(map[uuid.UUID]struct{}, len(fresh))
	defer func() {
		var unused []uuid.UUID
		for _, id := range claimed {
			if _, ok := buffered[id]; !ok {
				unused = append(unused, id)
			}
		}
		m.release(unused)
	}()

	policy := policyOf(cfg)
	var broken []uuid.UUID
	for _, msg := range fresh {
		if msg.Status != model.StatusPending {
			continue
		}
		payload, err := model.DecodePayload(msg.MessageData)
		if err != nil {
			broken = append(broken, msg.ID)
			continue
		}
		key := KeyFor(cfg, payload)
		snap, ok := m.append(key, msg.ID, policy)
		if !ok {
			break
		}
		buffered[msg.ID] = struct{}{}
		if snap.Batch != nil {
			m.startFlush(key, snap.Generation, snap.Batch, TriggerSize)
		}
	}
	if len(broken) > 0 {
		if err := m.messages.UpdateReceivedStatus(ctx, broken, model.StatusCancelled, nil); err != nil {
			return len(buffered), repoErr("cancel undecodable messages", err)
		}
		m.metrics.Cancelled(ctx, len(broken))
	}
	return len(buffered), nil
}

// Housekeep re-enables buffers whose deactivation never reached storage and
// cancels parked messages older than the parked TTL.
func (m *Manager) Housekeep(ctx context.Context) (int64, error) {
	m.reconcile(ctx)

	cutoff := m.clk.Now().Add(-m.parkedTTL)
	n, err := m.messages.CancelParked(ctx, cutoff)
	if err != nil {
		m.metrics.RepositoryError(ctx, "cancel_parked")
		return 0, repoErr("cancel parked messages", err)
	}
	if n > 0 {
		m.metrics.Cancelled(ctx, int(n))
		m.logger.Info().Int64("cancelled", n).Time("cutoff", cutoff).Msg("parked messages expired")
	}
	return n, nil
}

// reconcile activates buffers the engine holds disabled while storage says
// they are active.
func (m *Manager) reconcile(ctx context.Context) {
	m.stateMu.RLock()
	stale := make(map[uuid.UUID]struct{}, len(m.disabled))
	for id := range m.disabled {
		stale[id] = struct{}{}
	}
	m.stateMu.RUnlock()
	if len(stale) == 0 {
		return
	}

	cfgs, err := m.configs.ListActiveBufferConfigs(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list buffer configs failed, disabled buffers not checked")
		return
	}
	for _, cfg := range cfgs {
		if _, ok := stale[cfg.ID]; !ok {
			continue
		}
		n, err := m.Activate(ctx, cfg.ID)
		if err != nil {
			m.logger.Error().Err(err).Str("buffer_id", cfg.ID.String()).Msg("re-enable buffer failed")
			continue
		}
		m.logger.Warn().Str("buffer_id", cfg.ID.String()).Int("replayed", n).Msg("buffer was disabled but stored as active, re-enabled")
	}
}

// RunHousekeeping calls Housekeep every interval until ctx ends.
func (m *Manager) RunHousekeeping(ctx context.Context, interval time.Duration) error {
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Housekeep(ctx); err != nil {
				m.logger.Error().Err(err).Msg("housekeeping failed")
			}
		}
	}
}

// Close stops all timers and waits for flushes in flight. Messages still
// buffered stay pending and are picked up by Restore on the next start.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.store.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	defer m.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 5 * time.Minute
)

// retryDelay is the wait before flush attempt n+1, doubling up to retryMaxDelay.
func retryDelay(attempt int) time.Duration {
	if attempt >= 9 {
		return retryMaxDelay
	}
	return min(retryBaseDelay<<attempt, retryMaxDelay)
}

func (m *Manager) startFlush(k Key, gen uint64, ids []uuid.UUID, trigger Trigger) {
	m.runFlush(k, gen, ids, trigger, 0)
}

// runFlush flushes ids in the background. A flush that could not load its
// batch keeps the ids and tries again after retryDelay.
func (m *Manager) runFlush(k Key, gen uint64, ids []uuid.UUID, trigger Trigger, attempt int) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn().Str("key", k.String()).Int("messages", len(ids)).Msg("flush dropped after close, messages stay pending")
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if m.flush(m.ctx, k, gen, ids, trigger) {
			m.release(ids)
			return
		}
		d := retryDelay(attempt)
		m.logger.Warn().
			Str("key", k.String()).
			Uint64("generation", gen).
			Int("attempt", attempt+1).
			Dur("retry_in", d).
			Msg("flush postponed")
		m.clk.AfterFunc(d, func() { m.runFlush(k, gen, ids, trigger, attempt+1) })
	}()
}

// flush reports false when the batch could not be loaded and nothing was
// sent; the caller retries it.
func (m *Manager) flush(ctx context.Context, k Key, gen uint64, ids []uuid.UUID, trigger Trigger) bool {
	txn := m.nr.StartTransaction("flush")
	defer txn.End()
	txn.AddAttribute("buffer_id", k.BufferID.String())
	txn.AddAttribute("trigger", string(trigger))
	ctx = newrelic.NewContext(ctx, txn)

	log := m.logger.With().
		Str("key", k.String()).
		Uint64("generation", gen).
		Str("trigger", string(trigger)).
		Int("messages", len(ids)).
		Logger()

	unlock, err := m.locker.Lock(ctx, "flush:"+k.String())
	if err != nil {
		log.Warn().Err(err).Msg("flush lock unavailable, flushing without it")
		unlock = func() {}
	}
	defer unlock()

	msgs, err := m.messages.GetReceivedMessages(ctx, ids)
	if err != nil {
		m.metrics.RepositoryError(ctx, "get_received_messages")
		txn.NoticeError(err)
		log.Error().Err(err).Msg("load batch failed")
		return false
	}
	cfg, err := m.configs.GetBufferConfig(ctx, k.BufferID)
	if err != nil {
		m.metrics.RepositoryError(ctx, "get_buffer_config")
		txn.NoticeError(err)
		log.Error().Err(err).Msg("load buffer config failed")
		return false
	}
	fwds, err := m.configs.ListActiveForwardingConfigs(ctx, k.BufferID)
	if err != nil {
		m.metrics.RepositoryError(ctx, "list_forwarding_configs")
		txn.NoticeError(err)
		log.Error().Err(err).Msg("load forwarding configs failed")
		return false
	}
	m.metrics.Flushed(ctx, string(trigger), len(ids))

	rec := model.FlushRecord{
		BufferID:   k.BufferID,
		Key:        k.Value,
		Unkeyed:    k.Unkeyed,
		Generation: gen,
		Trigger:    string(trigger),
		FlushedAt:  m.clk.Now().UTC(),
		MessageIDs: ids,
	}

	if len(fwds) == 0 {
		if err := m.messages.UpdateReceivedStatus(ctx, ids, model.StatusProcessed, nil); err != nil {
			m.metrics.RepositoryError(ctx, "update_received_status")
			txn.NoticeError(err)
			log.Error().Err(err).Msg("mark batch processed failed")
			return false
		}
		log.Info().Msg("no active forwarding configs, batch processed without forwarding")
		m.archive(ctx, rec, log)
		return true
	}

	bodies := make([]json.RawMessage, len(msgs))
	for i, msg := range msgs {
		bodies[i] = msg.MessageData
	}
	keyField := ""
	if cfg != nil {
		keyField = cfg.FilterField
	}

	for _, fc := range fwds {
		outcome := m.forward(ctx, keyField, fc, bodies, log)
		rec.Forwards = append(rec.Forwards, outcome)
		if err := m.messages.UpdateReceivedStatus(ctx, ids, model.StatusProcessed, outcome.ForwardedID); err != nil {
			m.metrics.RepositoryError(ctx, "update_received_status")
			log.Error().Err(err).Str("forwarding_config_id", fc.ID.String()).Msg("mark batch processed failed")
		}
	}
	m.archive(ctx, rec, log)
	return true
}

// forward renders, sends and records the batch for one destination. The
// returned outcome carries the id of the stored forwarded message, nil when
// storing it failed.
func (m *Manager) forward(ctx context.Context, keyField string, fc model.ForwardingConfig, bodies []json.RawMessage, log zerolog.Logger) model.ForwardOutcome {
	log = log.With().Str("forwarding_config_id", fc.ID.String()).Str("url", fc.URL).Logger()

	req := dispatch.Request{Method: fc.Method, URL: fc.URL, Headers: fc.Headers}
	body, err := render.Render(render.Spec{KeyField: keyField, Template: fc.Template, Fields: fc.Fields}, bodies)

	var res dispatch.Result
	switch {
	case err != nil && !errors.Is(err, render.ErrTemplateRender):
		res = dispatch.Result{Status: model.ForwardError, Err: err}
		log.Error().Err(err).Msg("render failed, nothing sent")
	default:
		if err != nil {
			log.Warn().Err(err).Msg("rendered with problems")
		}
		req.Body = body
		res = m.sender.Send(ctx, req)
	}
	m.metrics.Dispatched(ctx, string(res.Status))

	ev := log.Info()
	if !res.OK() {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("status", string(res.Status)).Int("http_status", res.HTTPStatus).Dur("elapsed", res.Elapsed).Msg("batch forwarded")

	fwd := &model.ForwardedMessage{
		ForwardingConfigID: fc.ID,
		Status:             res.Status,
		ForwardedAt:        m.clk.Now().UTC(),
		Response:           dispatch.Record(req, res),
	}
	outcome := model.ForwardOutcome{ForwardingConfigID: fc.ID, Status: res.Status, HTTPStatus: res.HTTPStatus}
	if err := m.messages.InsertForwarded(ctx, fwd); err != nil {
		m.metrics.RepositoryError(ctx, "insert_forwarded")
		log.Error().Err(err).Msg("store forwarded message failed")
		return outcome
	}
	id := fwd.ID
	outcome.ForwardedID = &id
	return outcome
}

func (m *Manager) archive(ctx context.Context, rec model.FlushRecord, log zerolog.Logger) {
	if m.archiver == nil {
		return
	}
	if err := m.archiver.ArchiveFlush(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("archive flush failed")
	}
}
