package nanobatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, opts ...SchedulerConfigOption) (*Scheduler, *BlockTableStore) {
	t.Helper()
	cfg := NewSchedulerConfig(opts...)
	alloc := NewBlockAllocator(cfg.NumKVBlocks, cfg.BlockSize, cfg.EnablePrefixCaching, nil)
	store := NewBlockTableStore(alloc)
	return NewScheduler(cfg, store, nil), store
}

func mkPrompt(n int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i) + 100
	}
	return out
}

func TestSchedulerAdmitsSingleWaitingGroup(t *testing.T) {
	sched, _ := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(8))
	ids := NewSeqIDGenerator()
	g := NewSequenceGroup("req-1", 0, mkPrompt(4), NewSamplingConfig(), ids)
	sched.AddRequest(g)

	result := sched.Schedule()
	require.Len(t, result.Batch.Entries, 1)
	assert.Equal(t, BatchEntryPrompt, result.Batch.Entries[0].Kind)
	assert.Equal(t, 1, sched.NumRunning())
	assert.Equal(t, 0, sched.NumWaiting())
}

func TestSchedulerGenerateStepAfterPrefill(t *testing.T) {
	sched, store := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(8))
	ids := NewSeqIDGenerator()
	g := NewSequenceGroup("req-1", 0, mkPrompt(4), NewSamplingConfig(), ids)
	sched.AddRequest(g)
	sched.Schedule() // admits the prompt; g is now RUNNING

	seq := g.Sequences()[0]

	// The next Schedule call reserves a KV slot for the not-yet-sampled
	// token before any model runner has been invoked.
	result := sched.Schedule()
	require.Len(t, result.Batch.Entries, 1)
	assert.Equal(t, BatchEntryGenerate, result.Batch.Entries[0].Kind)
	assert.True(t, store.Has(seq.ID))

	// Only once the slot exists does the caller append the sampled token
	// and tell the scheduler about it.
	seq.AppendToken(1)
	sched.NotifyTokenAppended(seq)
}

func TestSchedulerOutOfMemoryIgnoresOversizedPrompt(t *testing.T) {
	sched, _ := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(2))
	ids := NewSeqIDGenerator()
	g := NewSequenceGroup("req-huge", 0, mkPrompt(100), NewSamplingConfig(), ids)
	sched.AddRequest(g)

	result := sched.Schedule()
	require.Len(t, result.Ignored, 1)
	assert.Equal(t, "req-huge", result.Ignored[0].RequestID)
	assert.True(t, g.IsFinished())
}

func TestSchedulerPreemptsLIFOWhenGenerateRoomRunsOut(t *testing.T) {
	// 2 blocks total, block size 4: exactly enough for two 4-token prompts,
	// none left over for either one to grow into a second block.
	sched, _ := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(2), WithMaxNumSeqs(4))
	ids := NewSeqIDGenerator()

	g1 := NewSequenceGroup("req-1", 0, mkPrompt(4), NewSamplingConfig(), ids)
	g2 := NewSequenceGroup("req-2", 0, mkPrompt(4), NewSamplingConfig(), ids)
	sched.AddRequest(g1)
	sched.AddRequest(g2)
	sched.Schedule() // admits both prompts in one pass; neither has run a generate step yet

	require.Equal(t, 2, sched.NumRunning())

	// Both groups' single block is already full; advancing either one to
	// its first generate token needs a second block each, but only two
	// blocks exist in total and both are spoken for.
	result := sched.Schedule()
	require.Len(t, result.Preempted, 1, "one group must be preempted to make room for the other's new block")
	assert.Equal(t, "req-2", result.Preempted[0].RequestID, "the most recently admitted group is preempted first")
	assert.Equal(t, 1, sched.NumRunning())
	assert.Equal(t, 1, sched.NumWaiting())
}

func TestSchedulerPartialPreemptionKeepsPromptBlocks(t *testing.T) {
	// 3 blocks total, block size 4: exactly enough for two 4-token prompts,
	// plus room for one of them to grow into a second block for its first
	// generate token, but not both.
	sched, store := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(3), WithMaxNumSeqs(4), WithCanUsePartialPreemption(true))
	ids := NewSeqIDGenerator()

	g1 := NewSequenceGroup("req-1", 0, mkPrompt(4), NewSamplingConfig(), ids)
	g2 := NewSequenceGroup("req-2", 0, mkPrompt(4), NewSamplingConfig(), ids)
	sched.AddRequest(g1)
	sched.AddRequest(g2)
	sched.Schedule() // admits both prompts; each holds exactly 1 block

	seq1 := g1.Sequences()[0]
	seq2 := g2.Sequences()[0]
	seq1.Status = SequenceRunning
	seq1.AppendToken(1)
	sched.NotifyTokenAppended(seq1)
	seq2.Status = SequenceRunning
	seq2.AppendToken(1)
	sched.NotifyTokenAppended(seq2)

	// Both beams now need a second block to append their next generate
	// token, but only one spare block exists in the whole pool.
	result := sched.Schedule()
	require.Len(t, result.Preempted, 1)
	assert.Equal(t, "req-2", result.Preempted[0].RequestID)

	// Partial preemption must truncate back to the prompt, not free
	// everything: the block table still holds the one block covering
	// the 4-token prompt, and the sequence's own bookkeeping reports the
	// prompt length, not zero.
	assert.Equal(t, 1, store.Get(seq2.ID).Len())
	assert.Equal(t, seq2.PromptLen(), seq2.Len())
	assert.Equal(t, seq2.PromptLen(), seq2.NumProcessedTokens())
}

func TestSchedulerSplitFuseMixesPromptAndGenerate(t *testing.T) {
	sched, _ := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(16), WithDynamicSplitFuse(true), WithMaxNumBatchedTokens(8))
	ids := NewSeqIDGenerator()

	g1 := NewSequenceGroup("req-1", 0, mkPrompt(4), NewSamplingConfig(), ids)
	sched.AddRequest(g1)
	sched.Schedule()
	seq1 := g1.Sequences()[0]
	seq1.Status = SequenceRunning
	seq1.AppendToken(1)
	sched.NotifyTokenAppended(seq1)

	g2 := NewSequenceGroup("req-2", 0, mkPrompt(4), NewSamplingConfig(), ids)
	sched.AddRequest(g2)

	result := sched.Schedule()
	var sawGenerate, sawPrompt bool
	for _, e := range result.Batch.Entries {
		if e.Kind == BatchEntryGenerate {
			sawGenerate = true
		}
		if e.Kind == BatchEntryPrompt {
			sawPrompt = true
		}
	}
	assert.True(t, sawGenerate, "split-fuse step should keep advancing the running beam")
	assert.True(t, sawPrompt, "split-fuse step should also admit fresh prompt work in the same batch")
}

func TestSchedulerPrefixCacheReusesSharedPromptBlocks(t *testing.T) {
	sched, store := newTestScheduler(t, WithBlockSize(4), WithNumKVBlocks(8), WithEnablePrefixCaching(true))
	ids := NewSeqIDGenerator()

	shared := mkPrompt(4)
	g1 := NewSequenceGroup("req-1", 0, shared, NewSamplingConfig(), ids)
	sched.AddRequest(g1)
	sched.Schedule()
	seq1 := g1.Sequences()[0]

	freeBefore := store.FreeBlockCount()

	g2 := NewSequenceGroup("req-2", 0, shared, NewSamplingConfig(), ids)
	sched.AddRequest(g2)
	result := sched.Schedule()

	require.Len(t, result.Batch.Entries, 1)
	// Entirely covered by the cached block: no new tokens to process.
	assert.Empty(t, result.Batch.Entries[0].TokenIDs)

	seq2 := g2.Sequences()[0]
	assert.Equal(t, store.Get(seq1.ID).Blocks(), store.Get(seq2.ID).Blocks())
	assert.Equal(t, freeBefore, store.FreeBlockCount(), "reused block must not consume a fresh allocation")
}
