package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiry struct {
	key Key
	gen uint64
	ids []uuid.UUID
}

type expiries struct {
	mu  sync.Mutex
	got []expiry
}

func (e *expiries) record(k Key, gen uint64, ids []uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, expiry{key: k, gen: gen, ids: ids})
}

func (e *expiries) all() []expiry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]expiry(nil), e.got...)
}

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestStore_SizeClosesBucket(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	k := Key{BufferID: uuid.New(), Value: "A"}
	p := Policy{MaxSize: 3, Window: time.Minute}
	in := ids(3)

	snap := s.Append(k, in[0], p)
	assert.True(t, snap.IsNew)
	assert.Nil(t, snap.Batch)
	snap = s.Append(k, in[1], p)
	assert.False(t, snap.IsNew)
	assert.Equal(t, 2, snap.Count)

	snap = s.Append(k, in[2], p)
	require.Equal(t, in, snap.Batch)
	assert.Equal(t, 0, s.Len())

	// the timer armed by the first message must not fire for a closed bucket
	clk.Add(2 * time.Minute)
	assert.Empty(t, exp.all())
}

func TestStore_NextGenerationAfterClose(t *testing.T) {
	s := NewStore(clock.NewMock(), nil)
	k := Key{BufferID: uuid.New(), Value: "A"}
	p := Policy{MaxSize: 1, Window: time.Minute}

	first := s.Append(k, uuid.New(), p)
	second := s.Append(k, uuid.New(), p)
	require.Len(t, first.Batch, 1)
	require.Len(t, second.Batch, 1)
	assert.Greater(t, second.Generation, first.Generation)
}

func TestStore_FixedWindowAnchorsOnFirstMessage(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	k := Key{BufferID: uuid.New(), Value: "A"}
	p := Policy{MaxSize: 10, Window: 3 * time.Second}

	s.Append(k, uuid.New(), p)
	clk.Add(2 * time.Second)
	s.Append(k, uuid.New(), p)
	clk.Add(999 * time.Millisecond)
	assert.Empty(t, exp.all())

	clk.Add(time.Millisecond)
	require.Eventually(t, func() bool { return len(exp.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, exp.all()[0].ids, 2)
	assert.Equal(t, 0, s.Len())
}

func TestStore_DebounceRestartsWindow(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	k := Key{BufferID: uuid.New(), Value: "B"}
	p := Policy{MaxSize: 10, Window: 2 * time.Second, ResetOnMessage: true}

	s.Append(k, uuid.New(), p)
	clk.Add(time.Second)
	s.Append(k, uuid.New(), p)

	clk.Add(time.Second) // t=2, the first deadline was replaced
	assert.Empty(t, exp.all())
	assert.Equal(t, 1, s.Len())

	clk.Add(time.Second) // t=3
	require.Eventually(t, func() bool { return len(exp.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, exp.all()[0].ids, 2)
}

func TestStore_TakeForFlushWinsOnce(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	k := Key{BufferID: uuid.New(), Value: "A"}
	s.Append(k, uuid.New(), Policy{MaxSize: 10, Window: time.Second})

	got, gen := s.TakeForFlush(k)
	assert.Len(t, got, 1)
	assert.NotZero(t, gen)

	again, _ := s.TakeForFlush(k)
	assert.Nil(t, again)

	clk.Add(5 * time.Second)
	assert.Empty(t, exp.all())
}

func TestStore_ConcurrentCloseDeliversEachIDOnce(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	k := Key{BufferID: uuid.New(), Value: "race"}
	p := Policy{MaxSize: 5, Window: time.Second}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)
	collect := func(batch []uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range batch {
			seen[id]++
		}
	}

	const writers, perWriter = 8, 50
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if snap := s.Append(k, uuid.New(), p); snap.Batch != nil {
					collect(snap.Batch)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			clk.Add(time.Second)
			got, _ := s.TakeForFlush(k)
			collect(got)
		}
	}()
	wg.Wait()

	clk.Add(time.Second)
	rest, _ := s.TakeForFlush(k)
	collect(rest)
	require.Eventually(t, func() bool {
		for _, e := range exp.all() {
			collect(e.ids)
		}
		exp.mu.Lock()
		exp.got = nil
		exp.mu.Unlock()
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == writers*perWriter
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s delivered %d times", id, n)
	}
}

func TestStore_ResetOrStartTimerAndCancel(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	k := Key{BufferID: uuid.New(), Value: "A"}

	assert.False(t, s.ResetOrStartTimer(k, time.Second))

	s.Append(k, uuid.New(), Policy{MaxSize: 10, Window: time.Minute})
	require.True(t, s.ResetOrStartTimer(k, time.Second))
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return len(exp.all()) == 1 }, time.Second, 5*time.Millisecond)

	s.Append(k, uuid.New(), Policy{MaxSize: 10, Window: time.Second})
	s.CancelTimer(k)
	clk.Add(10 * time.Second)
	assert.Len(t, exp.all(), 1)
	assert.Equal(t, 1, s.Len())
}

func TestStore_DrainAndBuckets(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	buf := uuid.New()
	other := uuid.New()
	p := Policy{MaxSize: 10, Window: time.Second}

	s.Append(Key{BufferID: buf, Value: "b"}, uuid.New(), p)
	s.Append(Key{BufferID: buf, Value: "a"}, uuid.New(), p)
	s.Append(Key{BufferID: buf, Unkeyed: true}, uuid.New(), p)
	s.Append(Key{BufferID: other, Value: "a"}, uuid.New(), p)

	infos := s.Buckets(buf)
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Key)
	assert.Equal(t, "b", infos[1].Key)
	assert.True(t, infos[2].Unkeyed)
	require.NotNil(t, infos[0].Deadline)
	assert.Equal(t, clk.Now().Add(time.Second), *infos[0].Deadline)
	assert.Len(t, s.Holds(buf), 3)

	drained := s.Drain(buf)
	assert.Len(t, drained, 3)
	assert.Empty(t, s.Buckets(buf))
	assert.Equal(t, 1, s.Len())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return len(exp.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, other, exp.all()[0].key.BufferID)
}

func TestStore_StopDisarmsTimers(t *testing.T) {
	clk := clock.NewMock()
	exp := &expiries{}
	s := NewStore(clk, exp.record)
	s.Append(Key{BufferID: uuid.New(), Value: "A"}, uuid.New(), Policy{MaxSize: 10, Window: time.Second})

	s.Stop()
	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, exp.all())
	assert.Equal(t, 1, s.Len())
}

func TestKey_String(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	assert.Equal(t, "00000000-0000-0000-0000-000000000001/acme", Key{BufferID: id, Value: "acme"}.String())
	assert.Equal(t, "00000000-0000-0000-0000-000000000001/-", Key{BufferID: id, Unkeyed: true}.String())
}
