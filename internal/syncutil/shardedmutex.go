// Package syncutil holds locking helpers shared by the services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed pool of mutexes keyed by string. Memory stays
// bounded however many deal ids pass through; two keys that hash to the
// same shard simply serialize.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// TryLock acquires the mutex for key only if it is free.
func (s *ShardedMutex) TryLock(key string) (func(), bool) {
	mu := s.shard(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
