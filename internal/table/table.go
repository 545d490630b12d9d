// Package table implements a fixed-capacity concurrent hash table.
//
// It mirrors the semantics of a kernel BPF hash map: lookups and updates are
// safe from any goroutine without an outer lock, updating an existing key
// always succeeds, and inserting a new key into a full table fails with
// ErrFull instead of evicting anything.
package table

import (
	"errors"
	"hash/maphash"
	"sync"

	"go.uber.org/atomic"
)

// ErrFull is returned by Insert when the table holds Capacity keys.
var ErrFull = errors.New("table full")

const shardCount = 64

type shard[K comparable, V comparable] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Table is a bounded map from K to V.
type Table[K comparable, V comparable] struct {
	seed     maphash.Seed
	shards   [shardCount]shard[K, V]
	capacity int64
	count    atomic.Int64
}

// New returns a table holding at most capacity keys. Shards are pre-sized
// so that a table filled evenly does not grow.
func New[K comparable, V comparable](capacity int) *Table[K, V] {
	if capacity <= 0 {
		panic("table.New: capacity must be positive")
	}
	t := &Table[K, V]{seed: maphash.MakeSeed(), capacity: int64(capacity)}
	hint := capacity/shardCount + 1
	for i := range t.shards {
		t.shards[i].m = make(map[K]V, hint)
	}
	return t
}

func (t *Table[K, V]) shard(k K) *shard[K, V] {
	return &t.shards[maphash.Comparable(t.seed, k)%shardCount]
}

// Insert sets k to v. It fails with ErrFull only when k is new and the
// table is at capacity.
func (t *Table[K, V]) Insert(k K, v V) error {
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[k]; ok {
		s.m[k] = v
		return nil
	}
	if !t.reserve() {
		return ErrFull
	}
	s.m[k] = v
	return nil
}

// reserve claims one slot of capacity.
func (t *Table[K, V]) reserve() bool {
	for {
		n := t.count.Load()
		if n >= t.capacity {
			return false
		}
		if t.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Lookup returns the value stored under k.
func (t *Table[K, V]) Lookup(k K) (V, bool) {
	s := t.shard(k)
	s.mu.RLock()
	v, ok := s.m[k]
	s.mu.RUnlock()
	return v, ok
}

// Delete removes k and reports whether it was present.
func (t *Table[K, V]) Delete(k K) bool {
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	t.count.Dec()
	return true
}

// CompareAndDelete removes k only if it currently maps to v.
func (t *Table[K, V]) CompareAndDelete(k K, v V) bool {
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[k]
	if !ok || cur != v {
		return false
	}
	delete(s.m, k)
	t.count.Dec()
	return true
}

// Len returns the number of keys currently stored.
func (t *Table[K, V]) Len() int {
	return int(t.count.Load())
}

// Capacity returns the maximum number of keys.
func (t *Table[K, V]) Capacity() int {
	return int(t.capacity)
}
