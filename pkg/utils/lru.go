package utils

import (
	"container/list"
	"sync"
)

// An item tracked by the LRU.
type LRUItem interface {
	Key() string
	Size() int64
}

// EvictFunc is a function that is called when an item is evicted.
type EvictFunc[E LRUItem] func(item E)

// LRU keeps items ordered by recency of use and evicts the oldest
// ones when the total size exceeds the maximum.
type LRU[E LRUItem] struct {
	mu sync.Mutex

	// The maximum total size in bytes. Zero means unbounded.
	maxSize int64

	// Current total size.
	currentSize int64

	// Doubly-linked list of items, most recently used in front.
	lruList *list.List

	// Map to access any item in constant time.
	lruMap map[string]*list.Element

	// Function to call when an item is evicted.
	onEvict EvictFunc[E]
}

// Creates a new LRU.
func NewLRU[E LRUItem](maxSize int64, onEvict EvictFunc[E]) *LRU[E] {
	return &LRU[E]{
		maxSize: maxSize,
		lruList: list.New(),
		lruMap:  make(map[string]*list.Element),
		onEvict: onEvict,
	}
}

// Add a new item, or refresh an existing one.
func (lru *LRU[E]) Add(item E) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ee, ok := lru.lruMap[item.Key()]; ok {
		lru.lruList.MoveToFront(ee)
		lru.currentSize += item.Size() - ee.Value.(E).Size()
		ee.Value = item
	} else {
		ele := lru.lruList.PushFront(item)
		lru.lruMap[item.Key()] = ele
		lru.currentSize += item.Size()
	}

	if lru.maxSize <= 0 {
		return
	}

	for lru.currentSize > lru.maxSize && lru.lruList.Len() > 1 {
		lru.removeOldest()
	}
}

// Touch moves an item to the front.
func (lru *LRU[E]) Touch(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.lruMap[key]; hit {
		lru.lruList.MoveToFront(ele)
	}
}

// Remove the oldest item.
func (lru *LRU[E]) removeOldest() {
	ele := lru.lruList.Back()
	if ele != nil {
		lru.removeElement(ele)

		if lru.onEvict != nil {
			lru.onEvict(ele.Value.(E))
		}
	}
}

func (lru *LRU[E]) removeElement(e *list.Element) {
	lru.lruList.Remove(e)
	kv := e.Value.(E)
	delete(lru.lruMap, kv.Key())
	lru.currentSize -= kv.Size()
}

func (lru *LRU[E]) Remove(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.lruMap[key]; hit {
		lru.removeElement(ele)
	}
}

// Current total size of the tracked items.
func (lru *LRU[E]) Size() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currentSize
}

// Number of tracked items.
func (lru *LRU[E]) Count() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}
