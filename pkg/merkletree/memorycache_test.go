package merkletree

import "testing"

func TestMemoryCacheGetInsert(t *testing.T) {
	mc := NewMemoryCache(1 << 20)
	tree := &Tree{Leaves: []BlockHash{hashN(1)}, Levels: [][]BlockHash{{hashN(1)}}}
	hash := hashN(1)

	if _, ok := mc.Get(hash); ok {
		t.Fatal("expected miss before insert")
	}
	mc.Insert(hash, tree)
	got, ok := mc.Get(hash)
	if !ok {
		t.Fatal("expected hit after insert")
	}
	if got != tree {
		t.Error("Get returned a different *Tree than inserted")
	}
}

func TestMemoryCacheStrictFIFOEviction(t *testing.T) {
	tree := &Tree{Leaves: []BlockHash{hashN(1)}, Levels: [][]BlockHash{{hashN(1)}}}
	entrySize := uint64(tree.Size())

	mc := NewMemoryCache(entrySize * 2)

	h1, h2, h3 := hashN(1), hashN(2), hashN(3)
	mc.Insert(h1, tree)
	mc.Insert(h2, tree)

	// Touching h1 must NOT protect it from eviction: this is FIFO, not LRU.
	mc.Get(h1)

	mc.Insert(h3, tree)

	if _, ok := mc.Get(h1); ok {
		t.Error("h1 should have been evicted as the oldest insertion despite being recently read")
	}
	if _, ok := mc.Get(h2); !ok {
		t.Error("h2 should still be cached")
	}
	if _, ok := mc.Get(h3); !ok {
		t.Error("h3 should still be cached")
	}
}

func TestMemoryCacheOversizedEntryNotInserted(t *testing.T) {
	mc := NewMemoryCache(4)
	tree := &Tree{Leaves: []BlockHash{hashN(1)}, Levels: [][]BlockHash{{hashN(1)}}}
	mc.Insert(hashN(1), tree)
	if _, ok := mc.Get(hashN(1)); ok {
		t.Error("expected oversized tree to be rejected")
	}
	if mc.Len() != 0 {
		t.Errorf("Len() = %d, want 0", mc.Len())
	}
}
