package nanobatch

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// BlockHandle is a plain index into the allocator's block pool
// (spec.md §9: "block handles are plain indices", no back-pointers).
type BlockHandle int

const noHandle BlockHandle = -1

// block is one fixed-size KV region. refCount == 0 means reclaimable;
// hasHash means a prefix lookup can return this block by content hash.
type block struct {
	refCount    int
	hash        uint64
	hasHash     bool
	tokenIDs    []int32 // snapshot of the content the hash was computed over
	lastFreedAt int64   // logical clock value set on release, for LRU eviction
}

// BlockAllocator owns the fixed pool of KV blocks (spec.md §4.1). It is
// driven by exactly one goroutine (spec.md §5) and performs no locking
// of its own.
type BlockAllocator struct {
	blockSize int
	blocks    []block

	freeList   []BlockHandle         // ref_count == 0, never hashed (or hash evicted)
	cachedFree map[BlockHandle]bool  // ref_count == 0, still hashed, reusable via lookup_prefix
	hashIndex  map[uint64]BlockHandle

	enablePrefixCaching bool
	clock               int64

	logger *logrus.Logger
}

// NewBlockAllocator creates a pool of n blocks of the given size.
func NewBlockAllocator(n, blockSize int, enablePrefixCaching bool, logger *logrus.Logger) *BlockAllocator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	free := make([]BlockHandle, n)
	for i := 0; i < n; i++ {
		free[i] = BlockHandle(i)
	}
	return &BlockAllocator{
		blockSize:           blockSize,
		blocks:              make([]block, n),
		freeList:            free,
		cachedFree:          make(map[BlockHandle]bool),
		hashIndex:           make(map[uint64]BlockHandle),
		enablePrefixCaching: enablePrefixCaching,
		logger:              logger,
	}
}

// NumBlocks returns the total pool size.
func (a *BlockAllocator) NumBlocks() int { return len(a.blocks) }

// BlockSize returns B.
func (a *BlockAllocator) BlockSize() int { return a.blockSize }

// FreeCount returns the number of blocks with ref_count == 0, whether
// truly free or merely cached-and-evictable.
func (a *BlockAllocator) FreeCount() int {
	return len(a.freeList) + len(a.cachedFree)
}

// RefCount exposes a block's reference count, mostly for tests asserting
// the invariants of spec.md §8.
func (a *BlockAllocator) RefCount(h BlockHandle) int {
	return a.blocks[h].refCount
}

// Hash exposes a block's registered content hash (0 if unset), used by
// the scheduler to chain prefix hashes across consecutive blocks.
func (a *BlockAllocator) Hash(h BlockHandle) uint64 {
	return a.blocks[h].hash
}

// CanAllocate reports whether n more blocks could be handed out right
// now (after evicting cached-but-unreferenced blocks if necessary).
func (a *BlockAllocator) CanAllocate(n int) bool {
	return a.FreeCount() >= n
}

// Allocate returns a fresh block with ref_count 1 and no hash. It
// evicts the least-recently-released cached block before reporting
// ErrNoFreeBlocks.
func (a *BlockAllocator) Allocate() (BlockHandle, error) {
	if len(a.freeList) == 0 {
		if !a.evictOne() {
			return noHandle, ErrNoFreeBlocks
		}
	}
	h := a.freeList[0]
	a.freeList = a.freeList[1:]
	a.blocks[h] = block{refCount: 1}
	return h, nil
}

// evictOne reclaims the least-recently-released cached-and-hashed block,
// per spec.md §3's documented LRU-by-last-release-time policy (see
// DESIGN.md for the Open Question this resolves). Reclaimed blocks lose
// their hash mapping.
func (a *BlockAllocator) evictOne() bool {
	var victim BlockHandle = noHandle
	var oldest int64
	for h := range a.cachedFree {
		if victim == noHandle || a.blocks[h].lastFreedAt < oldest {
			victim, oldest = h, a.blocks[h].lastFreedAt
		}
	}
	if victim == noHandle {
		return false
	}
	a.evict(victim)
	a.freeList = append(a.freeList, victim)
	return true
}

func (a *BlockAllocator) evict(h BlockHandle) {
	delete(a.cachedFree, h)
	if a.blocks[h].hasHash {
		delete(a.hashIndex, a.blocks[h].hash)
	}
	a.logger.WithField("block", int(h)).Debug("evicting cached prefix block")
	a.blocks[h] = block{}
}

// Fork implements copy-on-write's cheap half: increment the reference
// count and hand back the same index (spec.md §4.1).
func (a *BlockAllocator) Fork(src BlockHandle) BlockHandle {
	a.blocks[src].refCount++
	return src
}

// CopyOnWrite returns src unchanged if it is not shared; otherwise it
// allocates a new block, decrements src's ref count, and returns the
// new handle plus copied=true so the caller can record a content-copy
// instruction in Batch.BlocksToCopy.
func (a *BlockAllocator) CopyOnWrite(src BlockHandle) (dst BlockHandle, copied bool, err error) {
	if a.blocks[src].refCount == 1 {
		return src, false, nil
	}
	dst, err = a.Allocate()
	if err != nil {
		return noHandle, false, err
	}
	a.blocks[src].refCount--
	return dst, true, nil
}

// Free decrements src's reference count. At zero, a hashed block is
// retained in the prefix index (subject to later LRU eviction) when
// prefix caching is enabled; otherwise it returns straight to the free
// list.
func (a *BlockAllocator) Free(h BlockHandle) {
	b := &a.blocks[h]
	if b.refCount <= 0 {
		panic("nanobatch: freeing a block with non-positive ref_count")
	}
	b.refCount--
	if b.refCount > 0 {
		return
	}
	if a.enablePrefixCaching && b.hasHash {
		a.clock++
		b.lastFreedAt = a.clock
		a.cachedFree[h] = true
		return
	}
	b.hasHash = false
	b.tokenIDs = nil
	a.freeList = append(a.freeList, h)
}

// ComputeBlockHash rolls a 64-bit hash of a full block's token content,
// chained with the previous block's hash (0 for the first block),
// mirroring the teacher's BlockManager.ComputeHash (block_manager.go),
// itself built on the teacher's cespare/xxhash/v2 dependency.
func (a *BlockAllocator) ComputeBlockHash(tokenIDs []int32, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, id := range tokenIDs {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// LookupPrefix returns a block registered under hash, incrementing its
// ref count, if one is present — reactivating it out of the cached-free
// pool when necessary (spec.md §4.1 lookup_prefix).
func (a *BlockAllocator) LookupPrefix(hash uint64) (BlockHandle, bool) {
	h, ok := a.hashIndex[hash]
	if !ok {
		return noHandle, false
	}
	if a.cachedFree[h] {
		delete(a.cachedFree, h)
		a.blocks[h].refCount = 1
	} else {
		a.blocks[h].refCount++
	}
	return h, true
}

// RegisterHash marks a now-full block as reusable under hash, the way
// BlockManager.MayAppend registers a hash once a block fills up.
func (a *BlockAllocator) RegisterHash(h BlockHandle, hash uint64, tokenIDs []int32) {
	b := &a.blocks[h]
	b.hash = hash
	b.hasHash = true
	b.tokenIDs = append([]int32(nil), tokenIDs...)
	a.hashIndex[hash] = h
}
