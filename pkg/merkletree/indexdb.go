package merkletree

import (
	"encoding/binary"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/merkstore/internal/types"
)

// Key family prefixes, per the on-disk index format.
const (
	prefixEntry    byte = 'E' // 'E' || blockHash -> varint(suffix)||varint(offset)||varint(length)||varint(height)
	prefixFileInfo byte = 'F' // 'F' || be32(suffix) -> varint(diskBytes)||varint(greatestHeight)
)

// keyNext is the singleton NextWritePosition key.
var keyNext = []byte{'N'}

// IndexDB is the durable key-value mapping backing DiskStore, implemented
// on top of an embedded ordered KV store (badger). It owns no in-memory
// state of its own: DiskStore keeps the authoritative maps and treats
// IndexDB purely as the durable log of the last committed batch.
type IndexDB struct {
	db *badger.DB
}

// OpenIndexDB opens (creating if absent) the badger database at path.
func OpenIndexDB(path string, cacheBytes int64, logger *log.Logger) (*IndexDB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithBlockCacheSize(cacheBytes).
		WithLogger(badgerLogAdapter{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open index db: %v", ErrIO, err)
	}
	return &IndexDB{db: db}, nil
}

// Close closes the underlying database.
func (idx *IndexDB) Close() error {
	return idx.db.Close()
}

func entryKey(hash BlockHash) []byte {
	key := make([]byte, 1+types.HashSize)
	key[0] = prefixEntry
	copy(key[1:], hash[:])
	return key
}

func fileInfoKey(suffix uint32) []byte {
	key := make([]byte, 1+4)
	key[0] = prefixFileInfo
	binary.BigEndian.PutUint32(key[1:], suffix)
	return key
}

func encodeEntry(e IndexEntry) []byte {
	buf := make([]byte, 0, 4*binary.MaxVarintLen64)
	buf = appendUvarint(buf, uint64(e.Suffix))
	buf = appendUvarint(buf, e.Offset)
	buf = appendUvarint(buf, e.Length)
	buf = appendUvarint(buf, uint64(e.Height))
	return buf
}

func decodeEntry(data []byte) (IndexEntry, error) {
	var e IndexEntry
	r := byteReader{data: data}
	suffix, err := r.uvarint()
	if err != nil {
		return e, err
	}
	offset, err := r.uvarint()
	if err != nil {
		return e, err
	}
	length, err := r.uvarint()
	if err != nil {
		return e, err
	}
	height, err := r.uvarint()
	if err != nil {
		return e, err
	}
	e.Suffix = uint32(suffix)
	e.Offset = offset
	e.Length = length
	e.Height = int32(height)
	return e, nil
}

func encodeFileInfo(fi FileInfo) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64)
	buf = appendUvarint(buf, fi.DiskBytes)
	buf = appendUvarint(buf, uint64(fi.GreatestHeight))
	return buf
}

func decodeFileInfo(data []byte) (FileInfo, error) {
	var fi FileInfo
	r := byteReader{data: data}
	diskBytes, err := r.uvarint()
	if err != nil {
		return fi, err
	}
	greatest, err := r.uvarint()
	if err != nil {
		return fi, err
	}
	fi.DiskBytes = diskBytes
	fi.GreatestHeight = int32(greatest)
	return fi, nil
}

func encodeNext(pos DiskPosition) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64)
	buf = appendUvarint(buf, uint64(pos.Suffix))
	buf = appendUvarint(buf, pos.Offset)
	return buf
}

func decodeNext(data []byte) (DiskPosition, error) {
	var pos DiskPosition
	r := byteReader{data: data}
	suffix, err := r.uvarint()
	if err != nil {
		return pos, err
	}
	offset, err := r.uvarint()
	if err != nil {
		return pos, err
	}
	pos.Suffix = uint32(suffix)
	pos.Offset = offset
	return pos, nil
}

// byteReader is a tiny cursor over a byte slice for varint decoding
// without pulling in bytes.Reader's io.Reader machinery for values this small.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrDecode)
	}
	r.pos += n
	return v, nil
}

// LoadAll reads the full index: every IndexEntry, every FileInfo, and the
// NextWritePosition singleton. It returns ErrCorruptIndex if the
// singleton is missing or any row fails to decode.
func (idx *IndexDB) LoadAll() (map[BlockHash]IndexEntry, map[uint32]FileInfo, DiskPosition, error) {
	entries := make(map[BlockHash]IndexEntry)
	files := make(map[uint32]FileInfo)
	var next DiskPosition
	var haveNext bool

	err := idx.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if len(key) == 0 {
				continue
			}

			switch {
			case key[0] == prefixEntry && len(key) == 1+types.HashSize:
				var hash BlockHash
				copy(hash[:], key[1:])
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				entry, err := decodeEntry(val)
				if err != nil {
					return fmt.Errorf("decode entry %s: %w", hash, err)
				}
				entries[hash] = entry

			case key[0] == prefixFileInfo && len(key) == 1+4:
				suffix := binary.BigEndian.Uint32(key[1:])
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				fi, err := decodeFileInfo(val)
				if err != nil {
					return fmt.Errorf("decode file info %d: %w", suffix, err)
				}
				files[suffix] = fi

			case len(key) == 1 && key[0] == keyNext[0]:
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				pos, err := decodeNext(val)
				if err != nil {
					return fmt.Errorf("decode next: %w", err)
				}
				next = pos
				haveNext = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, DiskPosition{}, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if !haveNext {
		return nil, nil, DiskPosition{}, fmt.Errorf("%w: missing NextWritePosition", ErrCorruptIndex)
	}
	return entries, files, next, nil
}

// Batch accumulates put/delete operations for one atomic, durable commit.
type Batch struct {
	wb *badger.WriteBatch
}

// NewBatch starts a new atomic batch.
func (idx *IndexDB) NewBatch() *Batch {
	return &Batch{wb: idx.db.NewWriteBatch()}
}

// PutEntry stages an 'E' row.
func (b *Batch) PutEntry(hash BlockHash, e IndexEntry) error {
	return b.wb.Set(entryKey(hash), encodeEntry(e))
}

// DeleteEntry stages deletion of an 'E' row.
func (b *Batch) DeleteEntry(hash BlockHash) error {
	return b.wb.Delete(entryKey(hash))
}

// PutFileInfo stages an 'F' row.
func (b *Batch) PutFileInfo(suffix uint32, fi FileInfo) error {
	return b.wb.Set(fileInfoKey(suffix), encodeFileInfo(fi))
}

// DeleteFileInfo stages deletion of an 'F' row.
func (b *Batch) DeleteFileInfo(suffix uint32) error {
	return b.wb.Delete(fileInfoKey(suffix))
}

// PutNext stages the singleton 'N' row.
func (b *Batch) PutNext(pos DiskPosition) error {
	return b.wb.Set(keyNext, encodeNext(pos))
}

// Commit applies every staged operation atomically and durably.
func (b *Batch) Commit() error {
	if err := b.wb.Flush(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", ErrIO, err)
	}
	return nil
}

// Cancel discards the batch without writing.
func (b *Batch) Cancel() {
	b.wb.Cancel()
}

// ResetAll clears every 'E' and 'F' row and rewrites the singleton to
// (0, 0), atomically. Used by DiskStore.Reset.
func (idx *IndexDB) ResetAll() error {
	var keysToDelete [][]byte
	err := idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) > 0 && (key[0] == prefixEntry || key[0] == prefixFileInfo) {
				keysToDelete = append(keysToDelete, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan for reset: %v", ErrIO, err)
	}

	batch := idx.NewBatch()
	for _, k := range keysToDelete {
		if err := batch.wb.Delete(k); err != nil {
			batch.Cancel()
			return fmt.Errorf("%w: stage reset delete: %v", ErrIO, err)
		}
	}
	if err := batch.PutNext(DiskPosition{}); err != nil {
		batch.Cancel()
		return fmt.Errorf("%w: stage reset next: %v", ErrIO, err)
	}
	return batch.Commit()
}

// badgerLogAdapter routes badger's internal logging through the store's
// injected *log.Logger, the same "accept an optional Logger" shape
// BadgerDBConfig.Logger uses.
type badgerLogAdapter struct {
	l *log.Logger
}

func (a badgerLogAdapter) Errorf(f string, args ...interface{})   { a.l.Printf("badger error: "+f, args...) }
func (a badgerLogAdapter) Warningf(f string, args ...interface{}) { a.l.Printf("badger warn: "+f, args...) }
func (a badgerLogAdapter) Infof(f string, args ...interface{})    {}
func (a badgerLogAdapter) Debugf(f string, args ...interface{})   {}
