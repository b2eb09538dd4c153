package nanobatch

// BlockTable is the ordered list of physical block handles backing one
// sequence's KV cache, mirroring the teacher's per-sequence block list
// in block_manager.go, but pulled out into its own type so SequenceGroup
// can own one table per forked beam (spec.md §4.1/§4.2).
type BlockTable struct {
	blocks []BlockHandle
	// prefixHash is the rolling hash of the last hashed block in this
	// table, chained into ComputeBlockHash for the next one. 0 means no
	// block has been hashed yet.
	prefixHash uint64
	// hashedBlocks counts how many leading blocks already have a
	// registered content hash, so RegisterCompletedBlocks knows where to
	// resume without re-hashing.
	hashedBlocks int
}

// Len returns the number of blocks currently held.
func (t *BlockTable) Len() int { return len(t.blocks) }

// Blocks returns the handles in order, for the model runner to resolve
// into physical KV addresses.
func (t *BlockTable) Blocks() []BlockHandle {
	return t.blocks
}

// Last returns the most recently appended block and whether one exists.
func (t *BlockTable) Last() (BlockHandle, bool) {
	if len(t.blocks) == 0 {
		return noHandle, false
	}
	return t.blocks[len(t.blocks)-1], true
}

// BlockTableStore owns one BlockTable per tracked sequence id and the
// single BlockAllocator they all draw from, the role the teacher's
// BlockManager plays for the whole engine (nanovllm/block_manager.go).
// Like BlockAllocator, it is driven by exactly one goroutine.
type BlockTableStore struct {
	alloc  *BlockAllocator
	tables map[int64]*BlockTable
}

// NewBlockTableStore creates a store backed by alloc.
func NewBlockTableStore(alloc *BlockAllocator) *BlockTableStore {
	return &BlockTableStore{alloc: alloc, tables: make(map[int64]*BlockTable)}
}

// Get returns the table for seqID, creating an empty one on first use.
func (s *BlockTableStore) Get(seqID int64) *BlockTable {
	t, ok := s.tables[seqID]
	if !ok {
		t = &BlockTable{}
		s.tables[seqID] = t
	}
	return t
}

// Has reports whether seqID currently holds any blocks.
func (s *BlockTableStore) Has(seqID int64) bool {
	t, ok := s.tables[seqID]
	return ok && len(t.blocks) > 0
}

// BlocksNeededFor reports how many additional blocks must be allocated
// for seqID's table to hold newLen tokens, given whatever blocks (fresh
// or prefix-cache-restored) it already holds.
func (s *BlockTableStore) BlocksNeededFor(seqID int64, newLen int) int {
	t := s.Get(seqID)
	need := NumBlocksForLen(newLen, s.alloc.BlockSize()) - len(t.blocks)
	if need < 0 {
		return 0
	}
	return need
}

// CanAllocateSlots reports whether n additional blocks could be handed
// out right now. Used by the scheduler's admission checks (spec.md
// §4.2).
func (s *BlockTableStore) CanAllocateSlots(n int) bool {
	return s.alloc.CanAllocate(n)
}

// FreeBlockCount returns how many blocks the allocator could hand out
// right now, for the scheduler's generate-step deficit calculation.
func (s *BlockTableStore) FreeBlockCount() int {
	return s.alloc.FreeCount()
}

// AllocateBlocks appends n freshly-allocated, unhashed blocks to seqID's
// table, used whenever BlocksNeededFor reports a shortfall.
func (s *BlockTableStore) AllocateBlocks(seqID int64, n int) error {
	t := s.Get(seqID)
	for i := 0; i < n; i++ {
		h, err := s.alloc.Allocate()
		if err != nil {
			return err
		}
		t.blocks = append(t.blocks, h)
	}
	return nil
}

// EnsureCapacity grows seqID's table with freshly-allocated blocks, if
// needed, so it can hold newLen tokens.
func (s *BlockTableStore) EnsureCapacity(seqID int64, newLen int) error {
	need := s.BlocksNeededFor(seqID, newLen)
	if need == 0 {
		return nil
	}
	return s.AllocateBlocks(seqID, need)
}

// RestoreFromPrefixCache walks tokenIDs in block-size chunks, looking up
// each full chunk's hash in the allocator's prefix index and reusing the
// hit; it stops at the first chunk that misses (or is incomplete) and
// returns how many whole tokens were covered by the reused blocks, so
// the caller knows how much of the prompt can skip recomputation
// (spec.md §4.1 lookup_prefix, §8 scenario S4). Restored blocks count as
// already hashed, since they were hashed when first registered.
func (s *BlockTableStore) RestoreFromPrefixCache(seqID int64, tokenIDs []int32) (tokensCovered int) {
	t := s.Get(seqID)
	blockSize := s.alloc.BlockSize()
	prefixHash := t.prefixHash

	for start := len(t.blocks) * blockSize; start+blockSize <= len(tokenIDs); start += blockSize {
		chunk := tokenIDs[start : start+blockSize]
		hash := s.alloc.ComputeBlockHash(chunk, prefixHash)
		h, ok := s.alloc.LookupPrefix(hash)
		if !ok {
			break
		}
		t.blocks = append(t.blocks, h)
		t.hashedBlocks++
		prefixHash = hash
		tokensCovered = start + blockSize
	}
	t.prefixHash = prefixHash
	return tokensCovered
}

// RegisterCompletedBlocks hashes and registers every block in seqID's
// table that became full as of newLen tokens (content taken from
// tokenIDs) but had not yet been hashed, chaining each block's hash off
// the previous one. Safe to call after any chunk of prefill or after a
// single generate token: it is idempotent with respect to blocks already
// hashed (including ones restored from the prefix cache).
//
// Hash registration happens strictly after the tokens it covers are
// known, which is why the scheduler never calls this from inside
// Schedule for a not-yet-sampled generate token — see
// Scheduler.NotifyTokenAppended.
func (s *BlockTableStore) RegisterCompletedBlocks(seqID int64, newLen int, tokenIDs []int32) {
	t := s.Get(seqID)
	blockSize := s.alloc.BlockSize()

	for t.hashedBlocks < len(t.blocks) {
		end := (t.hashedBlocks + 1) * blockSize
		if end > newLen {
			break
		}
		start := end - blockSize
		chunk := tokenIDs[start:end]
		hash := s.alloc.ComputeBlockHash(chunk, t.prefixHash)
		s.alloc.RegisterHash(t.blocks[t.hashedBlocks], hash, chunk)
		t.prefixHash = hash
		t.hashedBlocks++
	}
}

// ForkTable creates a new table for dstSeqID that shares every block
// currently held by srcSeqID via copy-on-write reference counting
// (spec.md §4.1 fork / §8 beam-search forking scenario).
func (s *BlockTableStore) ForkTable(srcSeqID, dstSeqID int64) {
	src := s.Get(srcSeqID)
	dst := &BlockTable{prefixHash: src.prefixHash, hashedBlocks: src.hashedBlocks}
	dst.blocks = make([]BlockHandle, len(src.blocks))
	for i, h := range src.blocks {
		dst.blocks[i] = s.alloc.Fork(h)
	}
	s.tables[dstSeqID] = dst
}

// CopyOnWriteLast ensures the table's last block is not shared before
// the caller mutates its content in place (used when a beam's most
// recent block must diverge from a sibling beam's). Returns whether a
// physical copy was made, for the caller to record in
// Batch.BlocksToCopy.
func (s *BlockTableStore) CopyOnWriteLast(seqID int64) (srcBlock, dstBlock BlockHandle, copied bool, err error) {
	t := s.Get(seqID)
	if len(t.blocks) == 0 {
		return noHandle, noHandle, false, nil
	}
	last := t.blocks[len(t.blocks)-1]
	dst, didCopy, err := s.alloc.CopyOnWrite(last)
	if err != nil {
		return noHandle, noHandle, false, err
	}
	if didCopy {
		t.blocks[len(t.blocks)-1] = dst
	}
	return last, dst, didCopy, nil
}

// TruncateTo frees every block beyond the one covering tokenCount tokens,
// used by speculative-decoding rollback to discard KV state for rejected
// draft tokens (spec.md §4.3).
func (s *BlockTableStore) TruncateTo(seqID int64, tokenCount int) {
	t := s.Get(seqID)
	blockSize := s.alloc.BlockSize()
	keep := NumBlocksForLen(tokenCount, blockSize)
	if keep >= len(t.blocks) {
		return
	}
	for _, h := range t.blocks[keep:] {
		s.alloc.Free(h)
	}
	t.blocks = t.blocks[:keep]
	if t.hashedBlocks > keep {
		t.hashedBlocks = keep
	}
}

// FreeAll releases every block held by seqID and drops the table. Called
// when a sequence finishes, is dropped, or is preempted (spec.md §4.2).
func (s *BlockTableStore) FreeAll(seqID int64) {
	t, ok := s.tables[seqID]
	if !ok {
		return
	}
	for _, h := range t.blocks {
		s.alloc.Free(h)
	}
	delete(s.tables, seqID)
}
