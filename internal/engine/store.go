package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Key identifies one bucket: a buffer config and the value of its filter
// field. Messages without the field share the unkeyed bucket of the buffer.
type Key struct {
	BufferID uuid.UUID
	Value    string
	Unkeyed  bool
}

func (k Key) String() string {
	if k.Unkeyed {
		return k.BufferID.String() + "/-"
	}
	return k.BufferID.String() + "/" + k.Value
}

// Policy is the flush policy in force for an append.
type Policy struct {
	MaxSize        int
	Window         time.Duration
	ResetOnMessage bool
}

// Snapshot describes a bucket right after an append. Batch is set when the
// append filled the bucket; the bucket is already closed and the caller owns
// the flush of those ids.
type Snapshot struct {
	Count      int
	IsNew      bool
	Generation uint64
	Batch      []uuid.UUID
}

// BucketInfo is a read-only view of an open bucket.
type BucketInfo struct {
	Key        string     `json:"key"`
	Unkeyed    bool       `json:"unkeyed"`
	Count      int        `json:"count"`
	Generation uint64     `json:"generation"`
	OpenedAt   time.Time  `json:"opened_at"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// ExpireFunc receives the ids of a bucket whose timer fired.
type ExpireFunc func(k Key, generation uint64, ids []uuid.UUID)

type bucket struct {
	mu       sync.Mutex
	key      Key
	gen      uint64
	ids      []uuid.UUID
	openedAt time.Time

	timer    *clock.Timer
	armSeq   uint64
	deadline time.Time

	// closed buckets are unreachable from the map; appends that raced the
	// close retry on a fresh bucket.
	dead bool
}

// Store holds the open buckets. The map lock only guards lookup and
// creation; every bucket operation runs under that bucket's own lock.
type Store struct {
	clk      clock.Clock
	onExpire ExpireFunc
	seq      atomic.Uint64

	mu      sync.Mutex
	buckets map[Key]*bucket
}

func NewStore(clk clock.Clock, onExpire ExpireFunc) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clk:      clk,
		onExpire: onExpire,
		buckets:  make(map[Key]*bucket),
	}
}

func (s *Store) getOrCreate(k Key) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[k]
	if !ok {
		b = &bucket{key: k, gen: s.seq.Add(1), openedAt: s.clk.Now()}
		s.buckets[k] = b
	}
	return b
}

func (s *Store) lookup(k Key) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[k]
}

// Append adds id to the bucket for k. The first message of a generation arms
// the flush timer; later ones re-arm it only when the policy debounces. An
// append that brings the bucket to MaxSize closes it and returns the batch.
func (s *Store) Append(k Key, id uuid.UUID, p Policy) Snapshot {
	for {
		b := s.getOrCreate(k)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}

		b.ids = append(b.ids, id)
		snap := Snapshot{Count: len(b.ids), IsNew: len(b.ids) == 1, Generation: b.gen}
		switch {
		case p.MaxSize > 0 && len(b.ids) >= p.MaxSize:
			snap.Batch = s.closeLocked(b)
		case snap.IsNew, p.ResetOnMessage:
			s.armLocked(b, p.Window)
		}
		b.mu.Unlock()
		return snap
	}
}

// TakeForFlush closes the current generation of k and returns its ids. Only
// one caller wins a generation; the others get nil.
func (s *Store) TakeForFlush(k Key) ([]uuid.UUID, uint64) {
	b := s.lookup(k)
	if b == nil {
		return nil, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return nil, 0
	}
	return s.closeLocked(b), b.gen
}

// ResetOrStartTimer arms the timer of k to fire after d, replacing any
// pending one. It reports false when k has no open bucket.
func (s *Store) ResetOrStartTimer(k Key, d time.Duration) bool {
	b := s.lookup(k)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || len(b.ids) == 0 {
		return false
	}
	s.armLocked(b, d)
	return true
}

// CancelTimer disarms the timer of k without closing the bucket.
func (s *Store) CancelTimer(k Key) {
	b := s.lookup(k)
	if b == nil {
		return
	}
	b.mu.Lock()
	s.disarmLocked(b)
	b.mu.Unlock()
}

// Drain closes every bucket of a buffer without flushing and returns the
// ids they held.
func (s *Store) Drain(bufferID uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for _, b := range s.bucketsOf(bufferID) {
		b.mu.Lock()
		if !b.dead {
			ids = append(ids, s.closeLocked(b)...)
		}
		b.mu.Unlock()
	}
	return ids
}

// Buckets lists the open buckets of a buffer ordered by key.
func (s *Store) Buckets(bufferID uuid.UUID) []BucketInfo {
	var out []BucketInfo
	for _, b := range s.bucketsOf(bufferID) {
		b.mu.Lock()
		if !b.dead {
			info := BucketInfo{
				Key:        b.key.Value,
				Unkeyed:    b.key.Unkeyed,
				Count:      len(b.ids),
				Generation: b.gen,
				OpenedAt:   b.openedAt,
			}
			if b.timer != nil {
				d := b.deadline
				info.Deadline = &d
			}
			out = append(out, info)
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unkeyed != out[j].Unkeyed {
			return out[j].Unkeyed
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Holds returns the set of ids sitting in open buckets of the buffer.
func (s *Store) Holds(bufferID uuid.UUID) map[uuid.UUID]struct{} {
	held := make(map[uuid.UUID]struct{})
	for _, b := range s.bucketsOf(bufferID) {
		b.mu.Lock()
		if !b.dead {
			for _, id := range b.ids {
				held[id] = struct{}{}
			}
		}
		b.mu.Unlock()
	}
	return held
}

// Len is the number of open buckets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Stop disarms every timer. Buckets keep their ids; nothing flushes after Stop.
func (s *Store) Stop() {
	s.mu.Lock()
	all := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		all = append(all, b)
	}
	s.mu.Unlock()

	for _, b := range all {
		b.mu.Lock()
		s.disarmLocked(b)
		b.mu.Unlock()
	}
}

func (s *Store) bucketsOf(bufferID uuid.UUID) []*bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bucket
	for k, b := range s.buckets {
		if k.BufferID == bufferID {
			out = append(out, b)
		}
	}
	return out
}

// closeLocked ends the bucket's generation. Caller holds b.mu.
func (s *Store) closeLocked(b *bucket) []uuid.UUID {
	s.disarmLocked(b)
	b.dead = true
	ids := b.ids
	b.ids = nil

	s.mu.Lock()
	if s.buckets[b.key] == b {
		delete(s.buckets, b.key)
	}
	s.mu.Unlock()
	return ids
}

func (s *Store) armLocked(b *bucket, d time.Duration) {
	s.disarmLocked(b)
	if d <= 0 {
		return
	}
	seq := b.armSeq
	b.deadline = s.clk.Now().Add(d)
	b.timer = s.clk.AfterFunc(d, func() { s.expire(b, seq) })
}

func (s *Store) disarmLocked(b *bucket) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.armSeq++
}

// expire runs on the timer goroutine. A timer that was re-armed, cancelled
// or beaten by a size flush finds a different armSeq or a dead bucket.
func (s *Store) expire(b *bucket, seq uint64) {
	b.mu.Lock()
	if b.dead || b.armSeq != seq {
		b.mu.Unlock()
		return
	}
	ids := s.closeLocked(b)
	gen := b.gen
	b.mu.Unlock()

	if s.onExpire != nil && len(ids) > 0 {
		s.onExpire(b.key, gen, ids)
	}
}
