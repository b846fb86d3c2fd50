package merkletree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fortiblox/merkstore/internal/types"
)

// BlockHash is the 32-byte content-addressed key of a stored Merkle tree.
type BlockHash = types.Hash

// MinBlocksToKeep is the retention window: trees for blocks within this
// many blocks of the chain tip are never pruned. Fixed by the spec, not
// configurable.
const MinBlocksToKeep = 288

// Errors returned by this package. Sentinels are wrapped with fmt.Errorf's
// %w so callers can use errors.Is against them.
var (
	// ErrNotFound is returned by DiskStore.Get on a miss. MemoryCache.Get
	// reports a miss with a false second result instead.
	ErrNotFound = errors.New("merkletree: not found")

	// ErrAlreadyPresent is returned by DiskStore.Put when the key already exists.
	ErrAlreadyPresent = errors.New("merkletree: already present")

	// ErrCapacity is returned when pruning cannot free enough space for a write.
	ErrCapacity = errors.New("merkletree: insufficient disk capacity")

	// ErrCorruptIndex is returned when IndexDB fails to load or is missing
	// its singleton NextWritePosition row.
	ErrCorruptIndex = errors.New("merkletree: corrupt index")

	// ErrDecode is returned when on-disk bytes fail to decode into a Tree.
	ErrDecode = errors.New("merkletree: decode error")

	// ErrIO wraps filesystem read/write/flush failures.
	ErrIO = errors.New("merkletree: io error")

	// ErrNotAvailable is the sole external failure mode of Factory.GetTree:
	// the block could not be loaded or computed.
	ErrNotAvailable = errors.New("merkletree: block not available")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("merkletree: closed")
)

// DiskPosition addresses a tree's first byte on disk.
type DiskPosition struct {
	Suffix uint32
	Offset uint64
}

// IndexEntry maps a BlockHash to the bytes that hold its serialized tree.
type IndexEntry struct {
	Suffix uint32
	Offset uint64
	Length uint64
	Height int32
}

// FileInfo tracks the live size and tallest retained block of one data file.
type FileInfo struct {
	DiskBytes      uint64
	GreatestHeight int32
}

// Config holds the tunables consumed by Factory and its components.
type Config struct {
	// StorePath is the absolute path to the store's root directory. Data
	// files live directly under it; the index database lives in an
	// "index" subdirectory.
	StorePath string

	// PreferredFileSize is the soft cap on per-file bytes.
	PreferredFileSize uint64

	// MaxDiskSpace is the hard cap on the sum of data file sizes.
	MaxDiskSpace uint64

	// MaxCacheBytes is the hard cap on the memory cache.
	MaxCacheBytes uint64

	// MaxComputeThreads sizes the ComputePool worker pool.
	MaxComputeThreads int

	// IndexDBCacheBytes sizes the embedded KV store's block cache.
	IndexDBCacheBytes int64

	// Logger receives diagnostics for recoverable conditions (prune
	// activity, AlreadyPresent/CapacityError swallowed by Factory, index
	// reconciliation at load). Defaults to log.Default().
	Logger *log.Logger

	// now is a clock seam defaulting to time.Now. Nothing in this package
	// reads it; Stats carries no timestamps.
	now func() time.Time
}

// DefaultConfig returns sensible defaults for a store rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		StorePath:         path,
		PreferredFileSize: 32 << 20, // 32 MiB
		MaxDiskSpace:      8 << 30,  // 8 GiB
		MaxCacheBytes:     32 << 20, // 32 MiB
		MaxComputeThreads: 4,
		IndexDBCacheBytes: 64 << 20, // 64 MiB
		Logger:            log.Default(),
		now:               time.Now,
	}
}

func (c *Config) setDefaults() {
	if c.PreferredFileSize == 0 {
		c.PreferredFileSize = 32 << 20
	}
	if c.MaxCacheBytes == 0 {
		c.MaxCacheBytes = 32 << 20
	}
	if c.MaxComputeThreads <= 0 {
		c.MaxComputeThreads = 4
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Block is the minimal view of a block this package needs: enough leaf
// material to build a Merkle tree from. Retrieval is external
// (BlockSource); this type only carries what ComputeMerkleTree consumes.
type Block struct {
	Hash   BlockHash
	Height int32
	Leaves [][]byte
}

// BlockRef is the lightweight handle Factory.GetTree is called with,
// analogous to a chain index entry: hash and height are already known
// without touching the block store, while Ordinal identifies the block
// for BlockSource.LoadBlock on a cache/disk miss.
type BlockRef struct {
	Hash    BlockHash
	Height  int32
	Ordinal uint64
}

// BlockSource loads full block data on a cache/disk miss.
type BlockSource interface {
	LoadBlock(ordinal uint64) (*Block, error)
}

// TreeComputer builds a Merkle tree from a block. ComputePool provides a
// concrete, worker-pool-backed implementation; callers may substitute
// their own.
type TreeComputer interface {
	ComputeMerkleTree(block *Block) (*Tree, error)
}

// Tree is the full set of hash layers derived from a block: every
// intermediate level plus the leaves, not just the root. It is immutable
// once returned by ComputeMerkleTree and is safe to share across
// goroutines without copying.
type Tree struct {
	// Height is the block height this tree was computed from. It is
	// carried alongside the tree for convenience but is not part of the
	// on-disk byte layout (the index stores it separately).
	Height int32

	// Leaves holds the hashed leaf layer.
	Leaves []BlockHash

	// Levels holds every reduction level above the leaves, in ascending
	// order; the last level always has exactly one hash, the root.
	Levels [][]BlockHash
}

// Root returns the tree's root hash. For an empty tree it returns the
// zero hash.
func (t *Tree) Root() BlockHash {
	if n := len(t.Levels); n > 0 && len(t.Levels[n-1]) > 0 {
		return t.Levels[n-1][0]
	}
	if len(t.Leaves) == 1 {
		return t.Leaves[0]
	}
	return BlockHash{}
}

// Size returns the serialized byte length of the tree without allocating
// the encoding, so callers can check capacity before serializing.
func (t *Tree) Size() int {
	size := uvarintLen(uint64(len(t.Leaves))) + len(t.Leaves)*types.HashSize
	size += uvarintLen(uint64(len(t.Levels)))
	for _, lvl := range t.Levels {
		size += uvarintLen(uint64(len(lvl))) + len(lvl)*types.HashSize
	}
	return size
}

// Serialize encodes the tree using the on-disk format:
//
//	varint(numLeaves) || numLeaves*32 bytes
//	varint(numLevels) || for each level: varint(numHashes) || numHashes*32 bytes
func (t *Tree) Serialize() []byte {
	buf := make([]byte, 0, t.Size())
	buf = appendUvarint(buf, uint64(len(t.Leaves)))
	for _, h := range t.Leaves {
		buf = append(buf, h[:]...)
	}
	buf = appendUvarint(buf, uint64(len(t.Levels)))
	for _, lvl := range t.Levels {
		buf = appendUvarint(buf, uint64(len(lvl)))
		for _, h := range lvl {
			buf = append(buf, h[:]...)
		}
	}
	return buf
}

// DeserializeTree decodes bytes produced by Tree.Serialize.
func DeserializeTree(data []byte) (*Tree, error) {
	r := bytes.NewReader(data)

	numLeaves, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read numLeaves: %v", ErrDecode, err)
	}
	leaves, err := readHashes(r, numLeaves)
	if err != nil {
		return nil, fmt.Errorf("%w: read leaves: %v", ErrDecode, err)
	}

	numLevels, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read numLevels: %v", ErrDecode, err)
	}
	levels := make([][]BlockHash, 0, numLevels)
	for i := uint64(0); i < numLevels; i++ {
		numHashes, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read level %d size: %v", ErrDecode, i, err)
		}
		hashes, err := readHashes(r, numHashes)
		if err != nil {
			return nil, fmt.Errorf("%w: read level %d: %v", ErrDecode, i, err)
		}
		levels = append(levels, hashes)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}

	return &Tree{Leaves: leaves, Levels: levels}, nil
}

func readHashes(r *bytes.Reader, count uint64) ([]BlockHash, error) {
	if count == 0 {
		return nil, nil
	}
	// Guard against a corrupt count larger than remaining bytes could hold.
	if count > uint64(r.Len())/types.HashSize {
		return nil, fmt.Errorf("count %d exceeds remaining bytes", count)
	}
	out := make([]BlockHash, count)
	for i := range out {
		if _, err := readFull(r, out[i][:]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func appendUvarint(buf []byte, v uint64) []byte {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	return append(buf, scratch[:n]...)
}
