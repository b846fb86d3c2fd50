package merkletree

import (
	"container/list"
	"sync"
)

// cacheEntry is the payload held in each FIFO list node.
type cacheEntry struct {
	hash BlockHash
	tree *Tree
	size uint64
}

// MemoryCache is a bounded, strict-FIFO cache of Trees keyed by
// BlockHash. Unlike an LRU, a Get never moves an entry within the
// eviction order: only insertion order determines what is evicted next.
type MemoryCache struct {
	mu sync.Mutex

	maxBytes uint64
	curBytes uint64

	order *list.List
	index map[BlockHash]*list.Element
}

// NewMemoryCache creates an empty cache bounded at maxBytes.
func NewMemoryCache(maxBytes uint64) *MemoryCache {
	return &MemoryCache{
		maxBytes: maxBytes,
		order:    list.New(),
		index:    make(map[BlockHash]*list.Element),
	}
}

// Get returns the cached tree for hash, if present.
func (mc *MemoryCache) Get(hash BlockHash) (*Tree, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	elem, ok := mc.index[hash]
	if !ok {
		return nil, false
	}
	return elem.Value.(*cacheEntry).tree, true
}

// Insert adds tree under hash, evicting the oldest entries (in insertion
// order) until the cache fits within maxBytes. If tree alone is larger
// than maxBytes, it is not inserted. Insert is a no-op if hash is
// already present.
func (mc *MemoryCache) Insert(hash BlockHash, tree *Tree) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.index[hash]; ok {
		return
	}

	size := uint64(tree.Size())
	if mc.maxBytes > 0 && size > mc.maxBytes {
		return
	}

	for mc.maxBytes > 0 && mc.curBytes+size > mc.maxBytes && mc.order.Len() > 0 {
		mc.evictOldestLocked()
	}

	elem := mc.order.PushBack(&cacheEntry{hash: hash, tree: tree, size: size})
	mc.index[hash] = elem
	mc.curBytes += size
}

func (mc *MemoryCache) evictOldestLocked() {
	front := mc.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*cacheEntry)
	mc.order.Remove(front)
	delete(mc.index, entry.hash)
	mc.curBytes -= entry.size
}

// Len returns the number of entries currently cached.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.order.Len()
}

// Bytes returns the total size in bytes of all cached trees.
func (mc *MemoryCache) Bytes() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.curBytes
}
