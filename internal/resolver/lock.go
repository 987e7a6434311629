package resolver

import (
	"hash/fnv"
	"slices"
	"sync"
)

// numLockShards bounds the memory of the keyed lock. Distinct keys may
// share a shard; that only costs contention.
const numLockShards = 128

// keyedLock serializes work on the same company keys within the process.
type keyedLock struct {
	shards [numLockShards]sync.Mutex
}

// lock acquires the shards of every key in ascending order, so two callers
// with overlapping key sets cannot deadlock, and returns the release func.
func (l *keyedLock) lock(keys []string) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, shardOf(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		l.shards[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.shards[idx[i]].Unlock()
		}
	}
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numLockShards)
}
