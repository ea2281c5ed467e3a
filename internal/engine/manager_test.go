package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akave-ai/hookbuffer/internal/dispatch"
	"github.com/akave-ai/hookbuffer/internal/model"
	"github.com/akave-ai/hookbuffer/internal/repository"
)

type fakeSender struct {
	mu    sync.Mutex
	reqs  []dispatch.Request
	reply func(dispatch.Request) dispatch.Result
}

func (f *fakeSender) Send(_ context.Context, req dispatch.Request) dispatch.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(req)
	}
	return dispatch.Result{Status: model.ForwardSuccess, HTTPStatus: 200, Body: "ok"}
}

func (f *fakeSender) requests() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Request(nil), f.reqs...)
}

type fakeArchiver struct {
	mu   sync.Mutex
	recs []model.FlushRecord
}

func (a *fakeArchiver) ArchiveFlush(_ context.Context, rec model.FlushRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *fakeArchiver) records() []model.FlushRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.FlushRecord(nil), a.recs...)
}

type harness struct {
	m      *Manager
	repo   *repository.MemoryRepository
	sender *fakeSender
	arch   *fakeArchiver
	clk    *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:   repository.NewMemoryRepository(),
		sender: &fakeSender{},
		arch:   &fakeArchiver{},
		clk:    clock.NewMock(),
	}
	h.m = NewManager(h.repo, h.repo, h.sender, Options{
		Clock:    h.clk,
		Archiver: h.arch,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Close(ctx)
	})
	return h
}

func (h *harness) buffer(t *testing.T, mut func(*model.BufferConfig)) *model.BufferConfig {
	t.Helper()
	cfg := &model.BufferConfig{
		Name:        "orders",
		FilterField: "user_id",
		MaxSize:     10,
		MaxTime:     60,
		Active:      true,
	}
	if mut != nil {
		mut(cfg)
	}
	require.NoError(t, h.repo.CreateBufferConfig(context.Background(), cfg))
	return cfg
}

func (h *harness) forward(t *testing.T, bufferID uuid.UUID, url string, mut func(*model.ForwardingConfig)) *model.ForwardingConfig {
	t.Helper()
	fc := &model.ForwardingConfig{
		BufferConfigID: bufferID,
		Name:           url,
		URL:            url,
		Method:         model.DefaultMethod,
		Active:         true,
	}
	if mut != nil {
		mut(fc)
	}
	require.NoError(t, h.repo.CreateForwardingConfig(context.Background(), fc))
	return fc
}

func (h *harness) receive(t *testing.T, bufferID uuid.UUID, body string) uuid.UUID {
	t.Helper()
	id, err := h.m.Receive(context.Background(), bufferID, "127.0.0.1", []byte(body))
	require.NoError(t, err)
	return id
}

func (h *harness) received(t *testing.T, bufferID uuid.UUID) []model.ReceivedMessage {
	t.Helper()
	msgs, err := h.repo.ListReceived(context.Background(), model.ReceivedFilter{BufferID: &bufferID})
	require.NoError(t, err)
	return msgs
}

func (h *harness) allIn(t *testing.T, bufferID uuid.UUID, status model.ReceivedStatus) func() bool {
	return func() bool {
		msgs := h.received(t, bufferID)
		for _, msg := range msgs {
			if msg.Status != status {
				return false
			}
		}
		return len(msgs) > 0
	}
}

type envelope struct {
	Content []json.RawMessage `json:"content"`
}

func contentOf(t *testing.T, body []byte) []json.RawMessage {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Content
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestManager_SizeTriggeredFlush(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 3 })
	fc := h.forward(t, buf.ID, "http://dest.local/hook", nil)

	for i := 0; i < 3; i++ {
		h.receive(t, buf.ID, fmt.Sprintf(`{"user_id":"A","n":%d}`, i))
		h.clk.Add(time.Second)
	}

	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
	reqs := h.sender.requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t,
		`{"user_id":"A","content":[{"user_id":"A","n":0},{"user_id":"A","n":1},{"user_id":"A","n":2}]}`,
		string(reqs[0].Body))

	fwds, err := h.repo.ListForwarded(context.Background(), model.ForwardedFilter{})
	require.NoError(t, err)
	require.Len(t, fwds, 1)
	assert.Equal(t, fc.ID, fwds[0].ForwardingConfigID)
	assert.Equal(t, model.ForwardSuccess, fwds[0].Status)

	for _, msg := range h.received(t, buf.ID) {
		require.NotNil(t, msg.ForwardedID)
		assert.Equal(t, fwds[0].ID, *msg.ForwardedID)
	}

	require.Eventually(t, func() bool { return len(h.arch.records()) == 1 }, wait, tick)
	rec := h.arch.records()[0]
	assert.Equal(t, string(TriggerSize), rec.Trigger)
	assert.Equal(t, "A", rec.Key)
	assert.Len(t, rec.MessageIDs, 3)
}

func TestManager_DebouncedFlush(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) {
		c.MaxTime = 2
		c.ResetTimerOnMessage = true
	})
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":"B","n":0}`)
	h.clk.Add(time.Second)
	h.receive(t, buf.ID, `{"user_id":"B","n":1}`)
	h.clk.Add(time.Second)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sender.requests(), "nothing may flush at t=2")

	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.Len(t, contentOf(t, h.sender.requests()[0].Body), 2)
	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
}

func TestManager_FixedWindowFlush(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxTime = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":"C"}`)
	h.clk.Add(time.Second)
	h.receive(t, buf.ID, `{"user_id":"C"}`)
	h.clk.Add(time.Second)

	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.Len(t, contentOf(t, h.sender.requests()[0].Body), 2)
}

func TestManager_TemplateAppliesToEveryMessage(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) {
		c.FilterField = "team"
		c.MaxSize = 2
	})
	h.forward(t, buf.ID, "http://dest.local/hook", func(fc *model.ForwardingConfig) {
		fc.Template = `{"id":"{{user_id}}"}`
	})

	h.receive(t, buf.ID, `{"team":"red","user_id":"u1"}`)
	h.receive(t, buf.ID, `{"team":"red","user_id":"u2"}`)

	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.JSONEq(t, `{"team":"red","content":[{"id":"u1"},{"id":"u2"}]}`, string(h.sender.requests()[0].Body))
}

func TestManager_KeysBufferIndependently(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":"A"}`)
	h.receive(t, buf.ID, `{"user_id":"B"}`)
	h.receive(t, buf.ID, `{"other":1}`)
	assert.Len(t, h.m.Store().Buckets(buf.ID), 3)

	h.receive(t, buf.ID, `{"user_id":"A"}`)
	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.Len(t, h.m.Store().Buckets(buf.ID), 2)
}

func TestManager_UnkeyedManualFlush(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, nil)
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":null,"x":1}`)
	h.receive(t, buf.ID, `{"x":2}`)

	buckets := h.m.Store().Buckets(buf.ID)
	require.Len(t, buckets, 1)
	assert.True(t, buckets[0].Unkeyed)

	assert.Equal(t, 2, h.m.Flush(buf.ID, "", true))
	assert.Zero(t, h.m.Flush(buf.ID, "", true))

	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.JSONEq(t, `{"user_id":null,"content":[{"user_id":null,"x":1},{"x":2}]}`, string(h.sender.requests()[0].Body))
	require.Eventually(t, func() bool { return len(h.arch.records()) == 1 }, wait, tick)
	assert.Equal(t, string(TriggerManual), h.arch.records()[0].Trigger)
}

func TestManager_NoForwardingConfigsMarksProcessed(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 1 })
	h.forward(t, buf.ID, "http://dest.local/off", func(fc *model.ForwardingConfig) { fc.Active = false })

	h.receive(t, buf.ID, `{"user_id":"A"}`)

	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
	assert.Empty(t, h.sender.requests())
	fwds, err := h.repo.ListForwarded(context.Background(), model.ForwardedFilter{})
	require.NoError(t, err)
	assert.Empty(t, fwds)
	assert.Nil(t, h.received(t, buf.ID)[0].ForwardedID)
}

func TestManager_FanOutIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 1 })
	good := h.forward(t, buf.ID, "http://good.local/hook", nil)
	bad := h.forward(t, buf.ID, "http://bad.local/hook", nil)
	h.sender.reply = func(req dispatch.Request) dispatch.Result {
		if req.URL == bad.URL {
			return dispatch.Result{Status: model.ForwardError, HTTPStatus: 502, Body: "bad gateway", Err: dispatch.ErrDispatch}
		}
		return dispatch.Result{Status: model.ForwardSuccess, HTTPStatus: 200}
	}

	h.receive(t, buf.ID, `{"user_id":"A"}`)

	require.Eventually(t, func() bool {
		fwds, _ := h.repo.ListForwarded(context.Background(), model.ForwardedFilter{})
		return len(fwds) == 2
	}, wait, tick)
	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
	assert.Len(t, h.sender.requests(), 2)

	status := map[uuid.UUID]model.ForwardStatus{}
	fwds, _ := h.repo.ListForwarded(context.Background(), model.ForwardedFilter{})
	for _, f := range fwds {
		status[f.ForwardingConfigID] = f.Status
	}
	assert.Equal(t, model.ForwardSuccess, status[good.ID])
	assert.Equal(t, model.ForwardError, status[bad.ID])

	errs, _ := h.repo.ListForwarded(context.Background(), model.ForwardedFilter{Status: model.ForwardError})
	require.Len(t, errs, 1)
	assert.JSONEq(t, `{"status_code":502,"text":"bad gateway"}`, responseOf(t, errs[0].Response))
}

func responseOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var rec struct {
		Response json.RawMessage `json:"response"`
	}
	require.NoError(t, json.Unmarshal(raw, &rec))
	return string(rec.Response)
}

func TestManager_RejectsUnknownBufferAndBadPayload(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, nil)

	_, err := h.m.Receive(context.Background(), uuid.New(), "", []byte(`{"user_id":"A"}`))
	assert.ErrorIs(t, err, ErrUnknownOrInactiveBuffer)

	for _, body := range []string{`[1,2]`, `{"user_id":`, ``, `"str"`} {
		_, err = h.m.Receive(context.Background(), buf.ID, "", []byte(body))
		assert.ErrorIs(t, err, ErrMalformedPayload, body)
	}
	assert.Empty(t, h.received(t, buf.ID))
}

func TestManager_DeactivateCancelsThenActivateReplaysParked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	queued := h.receive(t, buf.ID, `{"user_id":"A"}`)

	n, err := h.m.Deactivate(ctx, buf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	buf.Active = false
	require.NoError(t, h.repo.UpdateBufferConfig(ctx, buf))

	parked, err := h.m.Receive(ctx, buf.ID, "", []byte(`{"user_id":"A","late":true}`))
	require.ErrorIs(t, err, ErrUnknownOrInactiveBuffer)
	require.NotEqual(t, uuid.Nil, parked)

	status := map[uuid.UUID]model.ReceivedStatus{}
	for _, msg := range h.received(t, buf.ID) {
		status[msg.ID] = msg.Status
	}
	assert.Equal(t, model.StatusCancelled, status[queued])
	assert.Equal(t, model.StatusPending, status[parked])
	assert.Empty(t, h.m.Store().Buckets(buf.ID))

	buf.Active = true
	require.NoError(t, h.repo.UpdateBufferConfig(ctx, buf))
	n, err = h.m.Activate(ctx, buf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.receive(t, buf.ID, `{"user_id":"A"}`)
	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.JSONEq(t, `{"user_id":"A","content":[{"user_id":"A","late":true},{"user_id":"A"}]}`,
		string(h.sender.requests()[0].Body))
}

func TestManager_DeactivateBeatsPendingTimer(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxTime = 1 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":"A"}`)
	_, err := h.m.Deactivate(context.Background(), buf.ID)
	require.NoError(t, err)

	h.clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sender.requests())
}

func TestManager_HousekeepCancelsStaleParked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := h.buffer(t, func(c *model.BufferConfig) { c.Active = false })

	_, err := h.m.Receive(ctx, buf.ID, "", []byte(`{"user_id":"A"}`))
	require.ErrorIs(t, err, ErrUnknownOrInactiveBuffer)

	n, err := h.m.Housekeep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.Add(7*24*time.Hour + time.Minute)
	n, err = h.m.Housekeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, model.StatusCancelled, h.received(t, buf.ID)[0].Status)
}

func TestManager_RunHousekeepingStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.RunHousekeeping(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("housekeeping did not stop")
	}
}

func TestManager_RestoreRebuffersPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.repo.InsertReceived(ctx, &model.ReceivedMessage{
			BufferID:    buf.ID,
			MessageData: json.RawMessage(fmt.Sprintf(`{"user_id":"A","n":%d}`, i)),
			ReceivedAt:  h.clk.Now(),
			Status:      model.StatusPending,
		}))
	}
	require.NoError(t, h.repo.InsertReceived(ctx, &model.ReceivedMessage{
		BufferID:    buf.ID,
		MessageData: json.RawMessage(`not json`),
		ReceivedAt:  h.clk.Now(),
		Status:      model.StatusPending,
	}))

	n, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Eventually(t, func() bool { return len(h.sender.requests()) == 1 }, wait, tick)
	assert.JSONEq(t, `{"user_id":"A","content":[{"user_id":"A","n":0},{"user_id":"A","n":1}]}`,
		string(h.sender.requests()[0].Body))

	buckets := h.m.Store().Buckets(buf.ID)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].Count)

	n, err = h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "messages already buffered or in flight are not buffered twice")

	cancelled, err := h.repo.ListReceived(ctx, model.ReceivedFilter{Status: model.StatusCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
}

func TestManager_SizeAndTimerRaceDispatchEachMessageOnce(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) {
		c.MaxSize = 2
		c.MaxTime = 1
	})
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	const keys = 25
	for i := 0; i < keys; i++ {
		h.receive(t, buf.ID, fmt.Sprintf(`{"user_id":"k%d"}`, i))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.clk.Add(time.Second)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < keys; i++ {
			_, _ = h.m.Receive(context.Background(), buf.ID, "", []byte(fmt.Sprintf(`{"user_id":"k%d"}`, i)))
		}
	}()
	wg.Wait()
	// second messages that missed the size close sit in a new generation
	h.clk.Add(time.Second)

	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
	total := 0
	for _, req := range h.sender.requests() {
		total += len(contentOf(t, req.Body))
	}
	assert.Equal(t, 2*keys, total)
}

// activateOnInsert replays pending messages of a buffer right after the
// first message row is stored, before Receive gets to buffer it.
type activateOnInsert struct {
	*repository.MemoryRepository
	m    *Manager
	once sync.Once
}

func (r *activateOnInsert) InsertReceived(ctx context.Context, msg *model.ReceivedMessage) error {
	if err := r.MemoryRepository.InsertReceived(ctx, msg); err != nil {
		return err
	}
	r.once.Do(func() { _, _ = r.m.Activate(ctx, msg.BufferID) })
	return nil
}

func TestManager_ActivateDuringReceiveBuffersOnce(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	repo := &activateOnInsert{MemoryRepository: h.repo}
	m := NewManager(h.repo, repo, h.sender, Options{Clock: h.clk, Logger: zerolog.Nop()})
	repo.m = m
	defer m.Close(context.Background())

	id, err := m.Receive(context.Background(), buf.ID, "", []byte(`{"user_id":"A","n":1}`))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	buckets := m.Buckets(buf.ID)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].Count)

	assert.Equal(t, 1, m.Flush(buf.ID, "A", false))
	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
	reqs := h.sender.requests()
	require.Len(t, reqs, 1)
	assert.Len(t, contentOf(t, reqs[0].Body), 1)
}

// flakyMessages fails the next n batch loads.
type flakyMessages struct {
	*repository.MemoryRepository
	mu sync.Mutex
	n  int
}

func (f *flakyMessages) GetReceivedMessages(ctx context.Context, ids []uuid.UUID) ([]model.ReceivedMessage, error) {
	f.mu.Lock()
	fail := f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.MemoryRepository.GetReceivedMessages(ctx, ids)
}

func TestManager_FlushRetriesAfterLoadFailure(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	msgs := &flakyMessages{MemoryRepository: h.repo, n: 2}
	m := NewManager(h.repo, msgs, h.sender, Options{Clock: h.clk, Logger: zerolog.Nop()})
	defer m.Close(context.Background())

	for i := 0; i < 2; i++ {
		_, err := m.Receive(context.Background(), buf.ID, "", []byte(fmt.Sprintf(`{"user_id":"A","n":%d}`, i)))
		require.NoError(t, err)
	}

	// each step moves the mock clock past the next retry delay
	require.Eventually(t, func() bool {
		h.clk.Add(5 * time.Second)
		return len(h.sender.requests()) == 1
	}, wait, tick)
	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)

	h.clk.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	reqs := h.sender.requests()
	require.Len(t, reqs, 1)
	assert.Len(t, contentOf(t, reqs[0].Body), 2)
	assert.Empty(t, m.Buckets(buf.ID))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0))
	assert.Equal(t, 4*time.Second, retryDelay(2))
	assert.Equal(t, 5*time.Minute, retryDelay(9))
	assert.Equal(t, 5*time.Minute, retryDelay(64))
}

func TestManager_HousekeepReenablesBufferStoredActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxSize = 2 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	// the deactivation never reaches storage
	_, err := h.m.Deactivate(ctx, buf.ID)
	require.NoError(t, err)

	parked, err := h.m.Receive(ctx, buf.ID, "", []byte(`{"user_id":"A","n":1}`))
	require.ErrorIs(t, err, ErrUnknownOrInactiveBuffer)

	_, err = h.m.Housekeep(ctx)
	require.NoError(t, err)

	buckets := h.m.Buckets(buf.ID)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].Count)

	h.receive(t, buf.ID, `{"user_id":"A","n":2}`)
	require.Eventually(t, h.allIn(t, buf.ID, model.StatusProcessed), wait, tick)
	reqs := h.sender.requests()
	require.Len(t, reqs, 1)
	assert.Len(t, contentOf(t, reqs[0].Body), 2)

	msgs, err := h.repo.GetReceivedMessages(ctx, []uuid.UUID{parked})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, msgs[0].Status)
}

func TestManager_RemoveCancelsBufferedAndParked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := h.buffer(t, nil)
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":"A"}`)
	_, err := h.m.Deactivate(ctx, buf.ID)
	require.NoError(t, err)
	_, err = h.m.Receive(ctx, buf.ID, "", []byte(`{"user_id":"B"}`))
	require.ErrorIs(t, err, ErrUnknownOrInactiveBuffer)

	n, err := h.m.Remove(ctx, buf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the buffered message was already cancelled by Deactivate")

	require.True(t, h.allIn(t, buf.ID, model.StatusCancelled)())
	assert.Empty(t, h.sender.requests())
}

func TestManager_CloseLeavesBufferedPending(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, func(c *model.BufferConfig) { c.MaxTime = 1 })
	h.forward(t, buf.ID, "http://dest.local/hook", nil)

	h.receive(t, buf.ID, `{"user_id":"A"}`)
	require.NoError(t, h.m.Close(context.Background()))

	h.clk.Add(5 * time.Second)
	assert.Zero(t, h.m.Flush(buf.ID, "B", false))
	assert.Equal(t, 1, h.m.Flush(buf.ID, "A", false))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.sender.requests())
	assert.Equal(t, model.StatusPending, h.received(t, buf.ID)[0].Status)
}

func TestManager_RepositoryErrorsAreTyped(t *testing.T) {
	h := newHarness(t)
	m := NewManager(failingConfigs{}, h.repo, h.sender, Options{Clock: h.clk, Logger: zerolog.Nop()})
	defer m.Close(context.Background())

	_, err := m.Receive(context.Background(), uuid.New(), "", []byte(`{}`))
	var rerr *RepositoryError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "get buffer config", rerr.Op)
}

type failingConfigs struct{}

func (failingConfigs) GetBufferConfig(context.Context, uuid.UUID) (*model.BufferConfig, error) {
	return nil, errors.New("db down")
}

func (failingConfigs) ListActiveBufferConfigs(context.Context) ([]model.BufferConfig, error) {
	return nil, errors.New("db down")
}

func (failingConfigs) ListActiveForwardingConfigs(context.Context, uuid.UUID) ([]model.ForwardingConfig, error) {
	return nil, errors.New("db down")
}
