package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// DefaultLRUCapacity matches the volatile store's configured default.
const DefaultLRUCapacity = 100_000

// sentinel is the arena slot of the list root. root.next is the most
// recently used entry, root.prev the least.
const sentinel = 0

type lruNode struct {
	key        string
	value      any
	prev, next int32
}

// LRU is the volatile Store: a bounded map with least-recently-used eviction.
// Entries live in a fixed arena indexed by a key map and are threaded on an
// intrusive doubly linked recency list, so touch, insert and evict are O(1).
//
// TTLs are accepted and ignored. Entries leave only by eviction or Delete;
// the persistent backends are the ones that enforce expiry.
type LRU struct {
	mu        sync.Mutex
	capacity  int
	index     map[string]int32
	nodes     []lruNode
	free      []int32
	evictions int64
	onEvict   func(key string)
}

// NewLRU returns an LRU holding at most capacity entries.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	l := &LRU{
		capacity: capacity,
		index:    make(map[string]int32, min(capacity, 1024)),
		nodes:    make([]lruNode, 1, min(capacity, 1024)+1),
	}
	l.nodes[sentinel].prev = sentinel
	l.nodes[sentinel].next = sentinel
	return l
}

// OnEvict registers a callback invoked with the lock held for each evicted key.
func (l *LRU) OnEvict(fn func(key string)) {
	l.mu.Lock()
	l.onEvict = fn
	l.mu.Unlock()
}

func (l *LRU) Save(ctx context.Context, key string, value any) error {
	return l.SaveTTL(ctx, key, value, 0)
}

func (l *LRU) SaveTTL(_ context.Context, key string, value any, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(key, value)
	return nil
}

func (l *LRU) Get(_ context.Context, key string, dest any) (bool, error) {
	elem, err := checkTarget(dest)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.index[key]
	if !ok {
		return false, nil
	}
	l.touch(idx)
	if err := assignValue(key, elem, l.nodes[idx].value); err != nil {
		return true, err
	}
	return true, nil
}

func (l *LRU) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.index[key]; ok {
		l.remove(idx)
	}
	return nil
}

func (l *LRU) CompareAndSwap(_ context.Context, key string, prev, next any) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.index[key]
	switch {
	case prev == nil && ok:
		return false, nil
	case prev == nil:
		l.put(key, next)
		return true, nil
	case !ok:
		return false, nil
	}
	l.touch(idx)
	if !sameValue(l.nodes[idx].value, prev) {
		return false, nil
	}
	l.nodes[idx].value = next
	return true, nil
}

func (l *LRU) Close() error { return nil }

// Len returns the number of live entries.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// Evictions returns how many entries were dropped for capacity.
func (l *LRU) Evictions() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictions
}

// Keys lists keys from most to least recently used without touching them.
func (l *LRU) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.index))
	for idx := l.nodes[sentinel].next; idx != sentinel; idx = l.nodes[idx].next {
		keys = append(keys, l.nodes[idx].key)
	}
	return keys
}

func (l *LRU) put(key string, value any) {
	if idx, ok := l.index[key]; ok {
		l.nodes[idx].value = value
		l.touch(idx)
		return
	}
	if len(l.index) >= l.capacity {
		l.evictOldest()
	}
	idx := l.alloc()
	l.nodes[idx] = lruNode{key: key, value: value}
	l.index[key] = idx
	l.linkFront(idx)
}

func (l *LRU) alloc() int32 {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		return idx
	}
	l.nodes = append(l.nodes, lruNode{})
	return int32(len(l.nodes) - 1)
}

func (l *LRU) evictOldest() {
	idx := l.nodes[sentinel].prev
	if idx == sentinel {
		return
	}
	key := l.nodes[idx].key
	l.remove(idx)
	l.evictions++
	if l.onEvict != nil {
		l.onEvict(key)
	}
}

func (l *LRU) remove(idx int32) {
	l.unlink(idx)
	delete(l.index, l.nodes[idx].key)
	l.nodes[idx] = lruNode{}
	l.free = append(l.free, idx)
}

func (l *LRU) touch(idx int32) {
	if l.nodes[sentinel].next == idx {
		return
	}
	l.unlink(idx)
	l.linkFront(idx)
}

func (l *LRU) unlink(idx int32) {
	n := &l.nodes[idx]
	l.nodes[n.prev].next = n.next
	l.nodes[n.next].prev = n.prev
	n.prev, n.next = sentinel, sentinel
}

func (l *LRU) linkFront(idx int32) {
	first := l.nodes[sentinel].next
	l.nodes[idx].prev = sentinel
	l.nodes[idx].next = first
	l.nodes[first].prev = idx
	l.nodes[sentinel].next = idx
}

func isScalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// assignValue copies a stored value into elem. Named scalar types convert to
// their underlying kind (a WorkflowStatus reads back as a string); anything
// else must be directly assignable.
func assignValue(key string, elem reflect.Value, v any) error {
	if v == nil {
		elem.SetZero()
		return nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(elem.Type()):
		elem.Set(rv)
	case rv.Kind() == elem.Kind() && isScalarKind(rv.Kind()):
		elem.Set(rv.Convert(elem.Type()))
	default:
		return fmt.Errorf("%w: key %q holds %T, want %s", ErrTypeMismatch, key, v, elem.Type())
	}
	return nil
}

func sameValue(current, want any) bool {
	if reflect.DeepEqual(current, want) {
		return true
	}
	if current == nil || want == nil {
		return false
	}
	cv, wv := reflect.ValueOf(current), reflect.ValueOf(want)
	if cv.Kind() != wv.Kind() || !isScalarKind(cv.Kind()) {
		return false
	}
	return cv.Interface() == wv.Convert(cv.Type()).Interface()
}
