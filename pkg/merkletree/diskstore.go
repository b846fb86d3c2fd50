package merkletree

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
)

// DiskStore is the append-only, index-governed second tier of the store.
// Every mutation goes through a single mutex: like BoltStore, correctness
// matters far more than lock granularity for a store this size.
type DiskStore struct {
	mu sync.Mutex

	cfg    Config
	layout *FileLayout
	index  *IndexDB

	entries map[BlockHash]IndexEntry
	files   map[uint32]FileInfo
	next    DiskPosition

	diskBytes uint64
	closed    bool
}

// OpenDiskStore opens (or creates) the disk-backed tier rooted at
// cfg.StorePath, reconciling the index against the filesystem.
func OpenDiskStore(cfg Config) (*DiskStore, error) {
	layout, err := NewFileLayout(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndexDB(cfg.StorePath+"/index", cfg.IndexDBCacheBytes, cfg.Logger)
	if err != nil {
		return nil, err
	}

	ds := &DiskStore{
		cfg:    cfg,
		layout: layout,
		index:  index,
	}
	if err := ds.load(); err != nil {
		index.Close()
		return nil, err
	}
	return ds, nil
}

// load reads the index and reconciles it against the data files present
// on disk: a FileInfo row whose file is missing is dropped, and a data
// file with no corresponding FileInfo row is deleted as an orphan of an
// interrupted write. An empty or corrupt index resets the store: every
// data file is deleted and the index is rewritten empty at (0, 0).
func (ds *DiskStore) load() error {
	entries, files, next, err := ds.index.LoadAll()
	if errors.Is(err, ErrCorruptIndex) {
		ds.cfg.Logger.Printf("merkletree: resetting store: %v", err)
		if err := ds.layout.RemoveAll(); err != nil {
			return err
		}
		if err := ds.index.ResetAll(); err != nil {
			return err
		}
		entries = make(map[BlockHash]IndexEntry)
		files = make(map[uint32]FileInfo)
		next = DiskPosition{}
	} else if err != nil {
		return err
	}

	suffixes, err := ds.layout.ListSuffixes()
	if err != nil {
		return err
	}
	onDisk := make(map[uint32]bool, len(suffixes))
	for _, s := range suffixes {
		onDisk[s] = true
	}

	batch := ds.index.NewBatch()
	dirty := false

	for suffix := range files {
		if !onDisk[suffix] {
			ds.cfg.Logger.Printf("merkletree: dropping index entry for missing data file suffix=%d", suffix)
			delete(files, suffix)
			if err := batch.DeleteFileInfo(suffix); err != nil {
				batch.Cancel()
				return fmt.Errorf("%w: reconcile delete file info: %v", ErrIO, err)
			}
			dirty = true
		}
	}
	for hash, e := range entries {
		if !onDisk[e.Suffix] {
			delete(entries, hash)
			if err := batch.DeleteEntry(hash); err != nil {
				batch.Cancel()
				return fmt.Errorf("%w: reconcile delete entry: %v", ErrIO, err)
			}
			dirty = true
		}
	}
	for _, suffix := range suffixes {
		if _, ok := files[suffix]; !ok && suffix != next.Suffix {
			ds.cfg.Logger.Printf("merkletree: removing orphan data file suffix=%d", suffix)
			if err := ds.layout.Remove(suffix); err != nil {
				batch.Cancel()
				return err
			}
		}
	}

	if dirty {
		if err := batch.Commit(); err != nil {
			return err
		}
	} else {
		batch.Cancel()
	}

	var total uint64
	for _, fi := range files {
		total += fi.DiskBytes
	}

	ds.entries = entries
	ds.files = files
	ds.next = next
	ds.diskBytes = total
	return nil
}

// Reset clears every data file and index row, returning the store to its
// initial empty state.
func (ds *DiskStore) Reset() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.layout.RemoveAll(); err != nil {
		return err
	}
	if err := ds.index.ResetAll(); err != nil {
		return err
	}
	ds.entries = make(map[BlockHash]IndexEntry)
	ds.files = make(map[uint32]FileInfo)
	ds.next = DiskPosition{}
	ds.diskBytes = 0
	return nil
}

// Get returns the serialized tree bytes stored for hash.
func (ds *DiskStore) Get(hash BlockHash) ([]byte, error) {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil, ErrClosed
	}
	entry, ok := ds.entries[hash]
	ds.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	f, err := ds.layout.OpenRead(DiskPosition{Suffix: entry.Suffix, Offset: entry.Offset})
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, entry.Length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: read tree body: %v", ErrIO, err)
	}
	return buf, nil
}

// Put appends data (a serialized tree) for hash at the given height,
// rolling to a new file if the current one would exceed
// cfg.PreferredFileSize, and pruning whole sealed files if necessary to
// stay under cfg.MaxDiskSpace. chainHeight anchors the retention window:
// files holding any block within MinBlocksToKeep of chainHeight are never
// pruned. Returns ErrAlreadyPresent if hash is already stored.
func (ds *DiskStore) Put(hash BlockHash, height int32, data []byte, chainHeight int32) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return ErrClosed
	}
	if _, ok := ds.entries[hash]; ok {
		return ErrAlreadyPresent
	}

	writePos := ds.next
	if writePos.Offset > 0 && writePos.Offset+uint64(len(data)) > ds.cfg.PreferredFileSize {
		writePos = DiskPosition{Suffix: ds.next.Suffix + 1, Offset: 0}
	}

	if err := ds.ensureCapacityLocked(uint64(len(data)), writePos.Suffix, chainHeight); err != nil {
		return err
	}

	f, err := ds.layout.OpenAppend(writePos)
	if err != nil {
		return err
	}
	n, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr != nil {
		ds.layout.Truncate(writePos.Suffix, writePos.Offset)
		return fmt.Errorf("%w: write tree body: %v", ErrIO, werr)
	}
	if cerr != nil {
		return fmt.Errorf("%w: close after write: %v", ErrIO, cerr)
	}

	entry := IndexEntry{Suffix: writePos.Suffix, Offset: writePos.Offset, Length: uint64(n), Height: height}
	fi := ds.files[writePos.Suffix]
	fi.DiskBytes += uint64(n)
	if height > fi.GreatestHeight {
		fi.GreatestHeight = height
	}
	next := DiskPosition{Suffix: writePos.Suffix, Offset: writePos.Offset + uint64(n)}

	batch := ds.index.NewBatch()
	if err := batch.PutEntry(hash, entry); err != nil {
		batch.Cancel()
		return fmt.Errorf("%w: stage entry: %v", ErrIO, err)
	}
	if err := batch.PutFileInfo(writePos.Suffix, fi); err != nil {
		batch.Cancel()
		return fmt.Errorf("%w: stage file info: %v", ErrIO, err)
	}
	if err := batch.PutNext(next); err != nil {
		batch.Cancel()
		return fmt.Errorf("%w: stage next: %v", ErrIO, err)
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	ds.entries[hash] = entry
	ds.files[writePos.Suffix] = fi
	ds.next = next
	ds.diskBytes += uint64(n)
	return nil
}

// ensureCapacityLocked prunes whole sealed files, oldest first, until
// adding size bytes to targetSuffix would fit under MaxDiskSpace. Files
// still open for append, or holding any block within the retention
// window of chainHeight, are never pruned. Called with ds.mu held.
func (ds *DiskStore) ensureCapacityLocked(size uint64, targetSuffix uint32, chainHeight int32) error {
	if ds.cfg.MaxDiskSpace == 0 || ds.diskBytes+size <= ds.cfg.MaxDiskSpace {
		return nil
	}

	cutoff := chainHeight - MinBlocksToKeep + 1

	suffixes := make([]uint32, 0, len(ds.files))
	for s := range ds.files {
		suffixes = append(suffixes, s)
	}
	sort.Slice(suffixes, func(i, j int) bool { return suffixes[i] < suffixes[j] })

	for _, suffix := range suffixes {
		if ds.diskBytes+size <= ds.cfg.MaxDiskSpace {
			return nil
		}
		if suffix == ds.next.Suffix || suffix == targetSuffix {
			continue
		}
		fi := ds.files[suffix]
		if fi.GreatestHeight >= cutoff {
			continue
		}
		if err := ds.pruneFileLocked(suffix); err != nil {
			return err
		}
	}

	if ds.diskBytes+size > ds.cfg.MaxDiskSpace {
		return fmt.Errorf("%w: need %s, have %s of %s used", ErrCapacity,
			humanize.Bytes(size), humanize.Bytes(ds.diskBytes), humanize.Bytes(ds.cfg.MaxDiskSpace))
	}
	return nil
}

// pruneFileLocked deletes one sealed data file and every index row that
// points into it. Called with ds.mu held.
func (ds *DiskStore) pruneFileLocked(suffix uint32) error {
	var toDelete []BlockHash
	for hash, e := range ds.entries {
		if e.Suffix == suffix {
			toDelete = append(toDelete, hash)
		}
	}

	batch := ds.index.NewBatch()
	for _, hash := range toDelete {
		if err := batch.DeleteEntry(hash); err != nil {
			batch.Cancel()
			return fmt.Errorf("%w: stage prune entry delete: %v", ErrIO, err)
		}
	}
	if err := batch.DeleteFileInfo(suffix); err != nil {
		batch.Cancel()
		return fmt.Errorf("%w: stage prune file info delete: %v", ErrIO, err)
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	if err := ds.layout.Remove(suffix); err != nil {
		return err
	}

	fi := ds.files[suffix]
	ds.diskBytes -= fi.DiskBytes
	delete(ds.files, suffix)
	for _, hash := range toDelete {
		delete(ds.entries, hash)
	}
	ds.cfg.Logger.Printf("merkletree: pruned data file suffix=%d freed=%s", suffix, humanize.Bytes(fi.DiskBytes))
	return nil
}

// DiskStats summarizes the disk tier for introspection.
type DiskStats struct {
	Files     int
	Entries   int
	DiskBytes uint64
}

// Stats returns a snapshot of the disk tier's current state.
func (ds *DiskStore) Stats() DiskStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return DiskStats{
		Files:     len(ds.files),
		Entries:   len(ds.entries),
		DiskBytes: ds.diskBytes,
	}
}

// Close releases the index database handle.
func (ds *DiskStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return nil
	}
	ds.closed = true
	return ds.index.Close()
}
