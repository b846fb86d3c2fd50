package merkletree

import (
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
)

// leafDomain and nodeDomain separate leaf hashes from internal node
// hashes so a leaf can never be replayed as an internal node and vice
// versa.
const (
	leafDomain byte = 0x00
	nodeDomain byte = 0x01
)

// job is one unit of work submitted to a ComputePool: hash a leaf's raw
// bytes, or combine two child hashes into their parent.
type job struct {
	leaf     []byte
	left     BlockHash
	right    BlockHash
	isLeaf   bool
	resultCh chan BlockHash
}

// ComputePool is a fixed-size worker pool that computes Merkle trees. It
// implements TreeComputer and is the store's default, but callers may
// supply any TreeComputer of their own.
type ComputePool struct {
	jobs   chan job
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewComputePool starts n worker goroutines. n is clamped to at least 1.
func NewComputePool(n int) *ComputePool {
	if n < 1 {
		n = 1
	}
	cp := &ComputePool{
		jobs:   make(chan job, n*4),
		stopCh: make(chan struct{}),
	}
	cp.wg.Add(n)
	for i := 0; i < n; i++ {
		go cp.worker()
	}
	return cp
}

func (cp *ComputePool) worker() {
	defer cp.wg.Done()
	for {
		select {
		case <-cp.stopCh:
			return
		case j, ok := <-cp.jobs:
			if !ok {
				return
			}
			j.resultCh <- hashJob(j)
		}
	}
}

func hashJob(j job) BlockHash {
	h := blake3.New()
	if j.isLeaf {
		h.Write([]byte{leafDomain})
		h.Write(j.leaf)
	} else {
		h.Write([]byte{nodeDomain})
		h.Write(j.left[:])
		h.Write(j.right[:])
	}
	var out BlockHash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeMerkleTree hashes every leaf and reduces level by level,
// spreading both phases across the pool's workers. An odd node at any
// level is promoted unhashed to the next level, matching the classic
// unbalanced-tree convention.
func (cp *ComputePool) ComputeMerkleTree(block *Block) (*Tree, error) {
	if block == nil {
		return nil, fmt.Errorf("%w: nil block", ErrDecode)
	}

	leaves, err := cp.hashLeaves(block.Leaves)
	if err != nil {
		return nil, err
	}

	tree := &Tree{Height: block.Height, Leaves: leaves}
	if len(leaves) == 0 {
		tree.Levels = [][]BlockHash{{{}}}
		return tree, nil
	}

	current := leaves
	for len(current) > 1 {
		next, err := cp.reduceLevel(current)
		if err != nil {
			return nil, err
		}
		tree.Levels = append(tree.Levels, next)
		current = next
	}
	if len(tree.Levels) == 0 {
		// Single leaf: it is its own root, but Levels must still carry it
		// so Root() and Serialize() see a consistent shape.
		tree.Levels = [][]BlockHash{{leaves[0]}}
	}
	return tree, nil
}

func (cp *ComputePool) hashLeaves(raw [][]byte) ([]BlockHash, error) {
	out := make([]BlockHash, len(raw))
	results := make([]chan BlockHash, len(raw))
	for i, leaf := range raw {
		ch := make(chan BlockHash, 1)
		results[i] = ch
		cp.jobs <- job{leaf: leaf, isLeaf: true, resultCh: ch}
	}
	for i, ch := range results {
		out[i] = <-ch
	}
	return out, nil
}

func (cp *ComputePool) reduceLevel(level []BlockHash) ([]BlockHash, error) {
	n := len(level)
	next := make([]BlockHash, 0, (n+1)/2)
	results := make([]chan BlockHash, 0, (n+1)/2)

	for i := 0; i < n; i += 2 {
		if i+1 == n {
			// odd one out, carried forward without rehashing
			continue
		}
		ch := make(chan BlockHash, 1)
		results = append(results, ch)
		cp.jobs <- job{left: level[i], right: level[i+1], resultCh: ch}
	}
	for _, ch := range results {
		next = append(next, <-ch)
	}
	if n%2 == 1 {
		next = append(next, level[n-1])
	}
	return next, nil
}

// Close stops every worker goroutine. It does not wait for in-flight
// jobs' results to be consumed; callers must drain any results they
// submitted before calling Close.
func (cp *ComputePool) Close() {
	close(cp.stopCh)
	cp.wg.Wait()
}

var _ TreeComputer = (*ComputePool)(nil)
