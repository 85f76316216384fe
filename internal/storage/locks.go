package storage

import (
	"hash/fnv"
	"sort"
	"sync"
)

const lockStripes = 256

// keyLocks serializes work on individual keys (node ids, parent ids, blob
// refs) without one global mutex. Keys hash onto a fixed set of stripes.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func stripeOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

// lock acquires the stripes for all keys in ascending order and returns the
// matching unlock function. Duplicate stripes are taken once.
func (l *keyLocks) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := stripeOf(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
