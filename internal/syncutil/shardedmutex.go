// Package syncutil provides keyed locking primitives shared by the stores
// and the settlement service. Keys are account IDs or intent IDs; both lock
// types bound memory by hashing keys onto a fixed shard pool.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed pool of mutexes keyed by string. Two keys that
// hash to the same shard contend with each other; that false sharing is the
// price of never growing, unlike sync.Map-of-mutex schemes.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
//
//	unlock := locks.Lock(account)
//	defer unlock()
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIdx(key)]
	mu.Lock()
	return mu.Unlock
}
