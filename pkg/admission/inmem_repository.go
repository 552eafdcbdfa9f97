package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-impersonate/pkg/errors"
)

const inMemoryShards = 32

// InMemoryStore implements Store using process-local maps. Keys are spread
// over shards, each guarded by its own lock; a transaction holds the shard
// of its key for its whole duration.
type InMemoryStore struct {
	shards [inMemoryShards]*memShard
	index  sync.Map // session id -> Key
}

type memShard struct {
	mu      sync.RWMutex
	buckets map[Key]*memBucket
}

type memBucket struct {
	sessions   map[string]Session
	events     []RateEvent
	violations []Violation
}

// NewInMemoryStore creates an empty in-memory store
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memShard{buckets: make(map[Key]*memBucket)}
	}
	return s
}

func (s *InMemoryStore) shard(key Key) *memShard {
	return s.shards[keyHash(key)%inMemoryShards]
}

func checkCtx(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errors.Storage(err, op)
	}
	return nil
}

// GetSession returns the session with id, or nil if there is none
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := checkCtx(ctx, "get session"); err != nil {
		return nil, err
	}
	v, ok := s.index.Load(id)
	if !ok {
		return nil, nil
	}
	key := v.(Key)
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, ok := sh.buckets[key]
	if !ok {
		return nil, nil
	}
	sess, ok := b.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// ListSessions returns all sessions for key ordered by start time
func (s *InMemoryStore) ListSessions(ctx context.Context, key Key) ([]Session, error) {
	if err := checkCtx(ctx, "list sessions"); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sortedSessions(sh.buckets[key]), nil
}

// ListExpiredSessions scans every shard for sessions with ExpiresAt < now
func (s *InMemoryStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]Session, error) {
	if err := checkCtx(ctx, "list expired sessions"); err != nil {
		return nil, err
	}
	expired := []Session{}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, b := range sh.buckets {
			for _, sess := range b.sessions {
				if sess.ExpiresAt.Before(now) {
					expired = append(expired, sess)
				}
			}
		}
		sh.mu.RUnlock()
	}
	return expired, nil
}

// ListEvents returns events for key newer than since
func (s *InMemoryStore) ListEvents(ctx context.Context, key Key, since time.Time) ([]RateEvent, error) {
	if err := checkCtx(ctx, "list rate events"); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return eventsSince(sh.buckets[key], since), nil
}

// PruneEvents drops events with At <= before from every key
func (s *InMemoryStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	if err := checkCtx(ctx, "prune rate events"); err != nil {
		return 0, err
	}
	pruned := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			kept := b.events[:0]
			for _, ev := range b.events {
				if ev.At.After(before) {
					kept = append(kept, ev)
				} else {
					pruned++
				}
			}
			b.events = kept
			if b.empty() {
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()
	}
	return pruned, nil
}

// ListViolations returns violations for key in insertion order
func (s *InMemoryStore) ListViolations(ctx context.Context, key Key) ([]Violation, error) {
	if err := checkCtx(ctx, "list violations"); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := []Violation{}
	if b, ok := sh.buckets[key]; ok {
		out = append(out, b.violations...)
	}
	return out, nil
}

// InTx locks the key's shard, runs fn and undoes its writes on failure
func (s *InMemoryStore) InTx(ctx context.Context, key Key, fn func(tx Tx) error) error {
	if err := checkCtx(ctx, "begin transaction"); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	tx := &memTx{store: s, shard: sh, key: key}
	defer tx.dropIfEmpty()
	err := fn(tx)
	if err == nil {
		err = checkCtx(ctx, "commit transaction")
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store
func (s *InMemoryStore) Close() error { return nil }

func sortedSessions(b *memBucket) []Session {
	out := []Session{}
	if b == nil {
		return out
	}
	for _, sess := range b.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func eventsSince(b *memBucket, since time.Time) []RateEvent {
	out := []RateEvent{}
	if b == nil {
		return out
	}
	for _, ev := range b.events {
		if ev.At.After(since) {
			out = append(out, ev)
		}
	}
	return out
}

// memTx mutates one bucket while its shard is write-locked. Every write
// pushes an inverse operation so rollback can restore the previous state.
type memTx struct {
	store *InMemoryStore
	shard *memShard
	key   Key
	undo  []func()
}

func (t *memTx) bucket() *memBucket {
	b, ok := t.shard.buckets[t.key]
	if !ok {
		b = &memBucket{sessions: make(map[string]Session)}
		t.shard.buckets[t.key] = b
	}
	return b
}

func (b *memBucket) empty() bool {
	return len(b.sessions) == 0 && len(b.events) == 0 && len(b.violations) == 0
}

// dropIfEmpty removes the key's bucket once nothing is left in it
func (t *memTx) dropIfEmpty() {
	if b, ok := t.shard.buckets[t.key]; ok && b.empty() {
		delete(t.shard.buckets, t.key)
	}
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) ListSessions(ctx context.Context) ([]Session, error) {
	if err := checkCtx(ctx, "list sessions"); err != nil {
		return nil, err
	}
	return sortedSessions(t.shard.buckets[t.key]), nil
}

func (t *memTx) InsertSession(ctx context.Context, s Session) error {
	if err := checkCtx(ctx, "insert session"); err != nil {
		return err
	}
	b := t.bucket()
	if _, exists := b.sessions[s.ID]; exists {
		return errors.Newf(errors.ErrCodeStorage, "session %s already exists", s.ID)
	}
	b.sessions[s.ID] = s
	t.store.index.Store(s.ID, t.key)
	t.undo = append(t.undo, func() {
		delete(b.sessions, s.ID)
		t.store.index.Delete(s.ID)
	})
	return nil
}

func (t *memTx) remove(b *memBucket, sess Session) {
	delete(b.sessions, sess.ID)
	t.store.index.Delete(sess.ID)
	t.undo = append(t.undo, func() {
		b.sessions[sess.ID] = sess
		t.store.index.Store(sess.ID, t.key)
	})
}

func (t *memTx) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := checkCtx(ctx, "delete session"); err != nil {
		return false, err
	}
	b, ok := t.shard.buckets[t.key]
	if !ok {
		return false, nil
	}
	sess, ok := b.sessions[id]
	if !ok {
		return false, nil
	}
	t.remove(b, sess)
	return true, nil
}

func (t *memTx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	if err := checkCtx(ctx, "delete expired sessions"); err != nil {
		return 0, err
	}
	b, ok := t.shard.buckets[t.key]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, sess := range b.sessions {
		if sess.ExpiresAt.Before(now) {
			t.remove(b, sess)
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteSessions(ctx context.Context) (int, error) {
	if err := checkCtx(ctx, "delete sessions"); err != nil {
		return 0, err
	}
	b, ok := t.shard.buckets[t.key]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, sess := range b.sessions {
		t.remove(b, sess)
		n++
	}
	return n, nil
}

func (t *memTx) ListEvents(ctx context.Context, since time.Time) ([]RateEvent, error) {
	if err := checkCtx(ctx, "list rate events"); err != nil {
		return nil, err
	}
	return eventsSince(t.shard.buckets[t.key], since), nil
}

func (t *memTx) RecordEvent(ctx context.Context, ev RateEvent) error {
	if err := checkCtx(ctx, "record rate event"); err != nil {
		return err
	}
	b := t.bucket()
	prev := b.events
	// copy so the undo snapshot is not aliased by append
	next := make([]RateEvent, len(prev), len(prev)+1)
	copy(next, prev)
	b.events = append(next, ev)
	t.undo = append(t.undo, func() { b.events = prev })
	return nil
}

func (t *memTx) ClearEvents(ctx context.Context) error {
	if err := checkCtx(ctx, "clear rate events"); err != nil {
		return err
	}
	b, ok := t.shard.buckets[t.key]
	if !ok {
		return nil
	}
	prev := b.events
	b.events = nil
	t.undo = append(t.undo, func() { b.events = prev })
	return nil
}

func (t *memTx) RecordViolation(ctx context.Context, v Violation) error {
	if err := checkCtx(ctx, "record violation"); err != nil {
		return err
	}
	b := t.bucket()
	prev := b.violations
	next := make([]Violation, len(prev), len(prev)+1)
	copy(next, prev)
	b.violations = append(next, v)
	t.undo = append(t.undo, func() { b.violations = prev })
	return nil
}

func (t *memTx) ClearViolations(ctx context.Context) (int, error) {
	if err := checkCtx(ctx, "clear violations"); err != nil {
		return 0, err
	}
	b, ok := t.shard.buckets[t.key]
	if !ok {
		return 0, nil
	}
	prev := b.violations
	b.violations = nil
	t.undo = append(t.undo, func() { b.violations = prev })
	return len(prev), nil
}
