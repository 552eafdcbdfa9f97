package admission

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

const defaultLockShards = 256

// keyLocks serializes mutating calls per (tenant, operator). Keys hash onto a
// fixed set of single-slot semaphores so memory stays bounded; two keys that
// share a shard only contend, they never deadlock because a call holds one shard at a time.
type keyLocks struct {
	shards []*semaphore.Weighted
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = defaultLockShards
	}
	l := &keyLocks{shards: make([]*semaphore.Weighted, n)}
	for i := range l.shards {
		l.shards[i] = semaphore.NewWeighted(1)
	}
	return l
}

func keyHash(key Key) uint64 {
	return xxhash.Sum64String(key.TenantID + "\x00" + key.OperatorID)
}

// lock blocks until the key's shard is free or ctx is done
func (l *keyLocks) lock(ctx context.Context, key Key) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sem := l.shards[keyHash(key)%uint64(len(l.shards))]
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
