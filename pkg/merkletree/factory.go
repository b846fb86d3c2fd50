package merkletree

import (
	"errors"
	"fmt"
	"sync"
)

// call tracks one in-flight computeAndStore for a single hash, so
// concurrent requests for that hash can wait on the same result instead
// of each starting their own load-and-compute.
type call struct {
	wg   sync.WaitGroup
	tree *Tree
	err  error
}

// Factory is the store's public entry point: given a block reference it
// returns the block's Merkle tree, computing it on demand and persisting
// it durably, transparently promoting disk hits back into the memory
// cache.
type Factory struct {
	cfg    Config
	cache  *MemoryCache
	disk   *DiskStore
	source BlockSource
	comp   TreeComputer
	owning bool // true if Factory created comp and must Close it

	mu sync.Mutex // guards cache/owning bookkeeping across Reset and Close

	callsMu sync.Mutex
	calls   map[BlockHash]*call // one entry per hash currently being computed
}

// New builds a Factory backed by cfg. If comp is nil, a ComputePool
// sized by cfg.MaxComputeThreads is created and owned by the Factory.
func New(cfg Config, source BlockSource, comp TreeComputer) (*Factory, error) {
	cfg.setDefaults()

	disk, err := OpenDiskStore(cfg)
	if err != nil {
		return nil, err
	}

	owning := false
	if comp == nil {
		comp = NewComputePool(cfg.MaxComputeThreads)
		owning = true
	}

	return &Factory{
		cfg:    cfg,
		cache:  NewMemoryCache(cfg.MaxCacheBytes),
		disk:   disk,
		source: source,
		comp:   comp,
		owning: owning,
		calls:  make(map[BlockHash]*call),
	}, nil
}

// GetTree returns the Merkle tree for ref, computing and persisting it
// if this is the first request for that block. chainHeight anchors the
// disk tier's retention window. The sole external failure mode is
// ErrNotAvailable, wrapping the underlying error (from the BlockSource,
// the TreeComputer, or the disk tier).
func (f *Factory) GetTree(ref BlockRef, chainHeight int32) (*Tree, error) {
	if tree, ok := f.cache.Get(ref.Hash); ok {
		return tree, nil
	}

	if data, err := f.disk.Get(ref.Hash); err == nil {
		tree, err := DeserializeTree(data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode stored tree: %w", ErrNotAvailable, err)
		}
		tree.Height = ref.Height
		f.cache.Insert(ref.Hash, tree)
		return tree, nil
	} else if err != ErrNotFound {
		return nil, fmt.Errorf("%w: read stored tree: %w", ErrNotAvailable, err)
	}

	return f.computeAndStore(ref, chainHeight)
}

// computeAndStore coalesces concurrent misses on the same hash onto a
// single load-and-compute, keyed per hash so unrelated blocks requested
// at the same time are computed in parallel.
func (f *Factory) computeAndStore(ref BlockRef, chainHeight int32) (*Tree, error) {
	f.callsMu.Lock()
	if c, ok := f.calls[ref.Hash]; ok {
		f.callsMu.Unlock()
		c.wg.Wait()
		return c.tree, c.err
	}
	c := &call{}
	c.wg.Add(1)
	f.calls[ref.Hash] = c
	f.callsMu.Unlock()

	c.tree, c.err = f.doCompute(ref, chainHeight)

	f.callsMu.Lock()
	delete(f.calls, ref.Hash)
	f.callsMu.Unlock()

	c.wg.Done()
	return c.tree, c.err
}

// doCompute loads the block, computes its tree, persists it to disk, and
// promotes it into the cache. Only one goroutine at a time runs this for
// a given hash; see computeAndStore.
func (f *Factory) doCompute(ref BlockRef, chainHeight int32) (*Tree, error) {
	block, err := f.source.LoadBlock(ref.Ordinal)
	if err != nil {
		return nil, fmt.Errorf("%w: load block: %v", ErrNotAvailable, err)
	}

	tree, err := f.comp.ComputeMerkleTree(block)
	if err != nil {
		return nil, fmt.Errorf("%w: compute tree: %v", ErrNotAvailable, err)
	}
	tree.Height = ref.Height

	data := tree.Serialize()
	if err := f.disk.Put(ref.Hash, ref.Height, data, chainHeight); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyPresent):
			f.cfg.Logger.Printf("merkletree: tree for %s already on disk", ref.Hash)
		case errors.Is(err, ErrCapacity):
			f.cfg.Logger.Printf("merkletree: disk capacity exhausted, serving %s from memory only", ref.Hash)
		default:
			return nil, fmt.Errorf("%w: store tree: %w", ErrNotAvailable, err)
		}
	}

	f.cache.Insert(ref.Hash, tree)
	return tree, nil
}

// Reset clears the disk tier and drops the memory cache. Existing Tree
// pointers previously returned by GetTree remain valid.
func (f *Factory) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = NewMemoryCache(f.cfg.MaxCacheBytes)
	return f.disk.Reset()
}

// Stats summarizes both tiers for introspection.
type Stats struct {
	CacheEntries int
	CacheBytes   uint64
	Disk         DiskStats
}

// Stats returns a snapshot of the store's current state.
func (f *Factory) Stats() Stats {
	return Stats{
		CacheEntries: f.cache.Len(),
		CacheBytes:   f.cache.Bytes(),
		Disk:         f.disk.Stats(),
	}
}

// Close releases the disk tier's index handle and, if this Factory
// created its own ComputePool, stops its workers.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owning {
		if cp, ok := f.comp.(*ComputePool); ok {
			cp.Close()
		}
	}
	return f.disk.Close()
}
