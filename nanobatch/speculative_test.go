package nanobatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedDraftRunner always proposes the next token from a scripted
// sequence, ignoring its input.
type fixedDraftRunner struct {
	script []int32
	calls  int
}

func (r *fixedDraftRunner) Forward(ctx context.Context, batch Batch) ([]int32, error) {
	tok := r.script[r.calls]
	r.calls++
	return []int32{tok}, nil
}

// agreeUpToRunner is a target model that agrees with the draft's
// proposed continuation up to agreeCount positions, then diverges.
type agreeUpToRunner struct {
	agreeCount  int
	divergeWith int32
}

// Forward returns, at position i, the draft's own token i (agreement)
// for i < agreeCount, and divergeWith otherwise — matching
// validateWithTarget's contract that out[i] is the target's greedy
// choice for the token following input[i], i.e. draftTokens[i] when
// input[i+1] == draftTokens[i].
func (r *agreeUpToRunner) Forward(ctx context.Context, batch Batch) ([]int32, error) {
	input := batch.Entries[0].TokenIDs // [lastConfirmed, draft0, draft1, ...]
	out := make([]int32, len(input))
	for i := range out {
		if i < r.agreeCount && i+1 < len(input) {
			out[i] = input[i+1]
			continue
		}
		out[i] = r.divergeWith
	}
	return out, nil
}

func TestSpeculativeCoordinatorAcceptsFullPrefixOnAgreement(t *testing.T) {
	alloc := NewBlockAllocator(4, 4, false, nil)
	store := NewBlockTableStore(alloc)
	require.NoError(t, store.AllocateBlocks(0, 1))

	draft := &fixedDraftRunner{script: []int32{10, 11, 12}}
	target := &agreeUpToRunner{agreeCount: 3, divergeWith: 999}

	cfg := NewSpeculativeConfig(draft, target, WithNumSpeculativeTokens(3))
	coord := NewSpeculativeCoordinator(cfg, store, nil)

	seq := NewSequence(0, []int32{1, 2, 3})
	seq.numProcessedTokens = 3

	out, err := coord.Step(context.Background(), seq, store.Get(0).Blocks())
	require.NoError(t, err)

	// All 3 draft tokens agreed; no bonus token beyond the 3 proposed.
	assert.Equal(t, []int32{10, 11, 12}, out)
	assert.Equal(t, 1, coord.Rounds())
	hist := coord.AcceptanceHistogram()
	assert.Equal(t, 1, hist[3])
}

func TestSpeculativeCoordinatorRollsBackOnMismatch(t *testing.T) {
	alloc := NewBlockAllocator(4, 4, false, nil)
	store := NewBlockTableStore(alloc)
	require.NoError(t, store.AllocateBlocks(0, 1))

	draft := &fixedDraftRunner{script: []int32{10, 11, 12}}
	target := &agreeUpToRunner{agreeCount: 1, divergeWith: 999}

	cfg := NewSpeculativeConfig(draft, target, WithNumSpeculativeTokens(3))
	coord := NewSpeculativeCoordinator(cfg, store, nil)

	seq := NewSequence(0, []int32{1, 2, 3})
	seq.numProcessedTokens = 3

	out, err := coord.Step(context.Background(), seq, store.Get(0).Blocks())
	require.NoError(t, err)

	// Only the first draft token agreed; the second position diverges,
	// so the corrective token replaces it and nothing past it is kept.
	// The round's total accepted count (2) includes that corrective
	// token, not just the 1 draft token that matched.
	assert.Equal(t, []int32{10, 999}, out)
	hist := coord.AcceptanceHistogram()
	assert.Equal(t, 1, hist[2])
}

func TestSpeculativeConfigRejectsNonPositiveK(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a panic for a non-positive speculative token count")
		}
	}()
	NewSpeculativeConfig(&fixedDraftRunner{}, &agreeUpToRunner{}, WithNumSpeculativeTokens(0))
}
