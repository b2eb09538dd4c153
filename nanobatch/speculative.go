package nanobatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SpeculativeConfig configures one SpeculativeCoordinator, grounded on
// the shape of _examples/other_examples's SpeculativeConfig but
// expressing greedy longest-common-prefix acceptance rather than
// rejection sampling, per spec.md §4.3.
type SpeculativeConfig struct {
	DraftModel  ModelRunner
	TargetModel ModelRunner
	// NumSpeculativeTokens is K, how many tokens the draft model
	// proposes per round.
	NumSpeculativeTokens int
}

// SpeculativeConfigOption is a functional option for SpeculativeConfig.
type SpeculativeConfigOption func(*SpeculativeConfig)

// NewSpeculativeConfig builds a SpeculativeConfig with K defaulted to 4.
func NewSpeculativeConfig(draft, target ModelRunner, opts ...SpeculativeConfigOption) *SpeculativeConfig {
	c := &SpeculativeConfig{
		DraftModel:           draft,
		TargetModel:          target,
		NumSpeculativeTokens: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.NumSpeculativeTokens <= 0 {
		panic(fmt.Errorf("%w: num_speculative_tokens must be positive, got %d", ErrInvalidConfig, c.NumSpeculativeTokens))
	}
	return c
}

func WithNumSpeculativeTokens(k int) SpeculativeConfigOption {
	return func(c *SpeculativeConfig) { c.NumSpeculativeTokens = k }
}

// RoundStats records one speculative round's outcome, accumulated into
// the coordinator's running histogram.
type RoundStats struct {
	Proposed int
	Accepted int
}

// SpeculativeCoordinator drives the draft-propose / target-validate /
// accept-or-roll-back loop (spec.md §4.3). Like Scheduler, it is driven
// by exactly one goroutine and keeps no internal locking.
type SpeculativeCoordinator struct {
	cfg    *SpeculativeConfig
	store  *BlockTableStore
	logger *logrus.Logger

	histogram []int // histogram[i] = rounds that accepted exactly i tokens, corrective token included
	rounds    int
}

// NewSpeculativeCoordinator creates a coordinator over store. It panics
// with ErrVocabMismatch if both models expose VocabSizer and disagree,
// a fatal configuration error per spec.md §4.3.
func NewSpeculativeCoordinator(cfg *SpeculativeConfig, store *BlockTableStore, logger *logrus.Logger) *SpeculativeCoordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if dv, ok := cfg.DraftModel.(VocabSizer); ok {
		if tv, ok := cfg.TargetModel.(VocabSizer); ok {
			if dv.VocabSize() != tv.VocabSize() {
				panic(fmt.Errorf("%w: draft=%d target=%d", ErrVocabMismatch, dv.VocabSize(), tv.VocabSize()))
			}
		}
	}
	return &SpeculativeCoordinator{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		histogram: make([]int, cfg.NumSpeculativeTokens+1),
	}
}

// Step runs one speculative round for seq: the draft model proposes K
// tokens, the target model validates all of them in a single forward
// pass, and the longest agreeing prefix (by greedy equality between the
// draft's proposed token and the target's own greedy choice at that
// position) is kept. On a mismatch, everything past the agreeing prefix
// is rolled back in the draft model's KV cache and replaced with the
// target's own corrective token at the mismatch position; on full
// agreement the target's forward pass contributes no extra token beyond
// the K already accepted (spec.md §4.3).
//
// Returns the tokens appended to seq this round: K on full agreement,
// or the agreeing prefix plus one corrective token on a mismatch —
// always at least one token.
func (c *SpeculativeCoordinator) Step(ctx context.Context, seq *Sequence, blocks []BlockHandle) ([]int32, error) {
	draftTokens, err := c.proposeDraft(ctx, seq, blocks)
	if err != nil {
		return nil, fmt.Errorf("%w: draft proposal failed: %w", ErrModelRunner, err)
	}

	targetTokens, err := c.validateWithTarget(ctx, seq, blocks, draftTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: target validation failed: %w", ErrModelRunner, err)
	}

	agreed := longestCommonPrefix(draftTokens, targetTokens[:len(draftTokens)])

	var out []int32
	var totalAccepted int
	if agreed < len(draftTokens) {
		// Mismatch at position `agreed`: the draft's KV cache holds
		// speculative state for tokens beyond the agreeing prefix and
		// must be rolled back before the next round's proposal. The
		// round's total accepted count includes the corrective token,
		// since it is what the group actually advances by.
		c.store.TruncateTo(seq.ID, seq.Len()+agreed)
		out = make([]int32, 0, agreed+1)
		out = append(out, draftTokens[:agreed]...)
		out = append(out, targetTokens[agreed])
		totalAccepted = agreed + 1
	} else {
		// Every draft token agreed; nothing to roll back and no bonus
		// token beyond the K proposed.
		out = append([]int32(nil), draftTokens...)
		totalAccepted = agreed
	}
	c.recordRound(RoundStats{Proposed: len(draftTokens), Accepted: totalAccepted})

	c.logger.WithFields(logrus.Fields{
		"seq_id":   seq.ID,
		"proposed": len(draftTokens),
		"accepted": totalAccepted,
	}).Info("speculative round complete")

	return out, nil
}

// proposeDraft asks the draft model for up to K tokens, one forward
// pass at a time (the draft model is small and cheap per spec.md §4.3's
// premise).
func (c *SpeculativeCoordinator) proposeDraft(ctx context.Context, seq *Sequence, blocks []BlockHandle) ([]int32, error) {
	tokens := make([]int32, 0, c.cfg.NumSpeculativeTokens)
	lastToken := seq.LastTokenID()

	for i := 0; i < c.cfg.NumSpeculativeTokens; i++ {
		batch := Batch{Entries: []BatchEntry{{
			SeqID:    seq.ID,
			Kind:     BatchEntryGenerate,
			TokenIDs: []int32{lastToken},
			Blocks:   blocks,
		}}}
		out, err := c.cfg.DraftModel.Forward(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			panic("nanobatch: draft model returned more than one token for a single-entry batch")
		}
		lastToken = out[0]
		tokens = append(tokens, lastToken)
	}
	return tokens, nil
}

// validateWithTarget runs the target model once over [last confirmed
// token] + draftTokens, returning one token (the target's own greedy
// choice) per input position, length len(draftTokens)+1. Step never uses
// the extra position past the draft tokens: a mismatch's corrective
// token comes from the mismatch position itself, and on full agreement
// the extra position is discarded.
func (c *SpeculativeCoordinator) validateWithTarget(ctx context.Context, seq *Sequence, blocks []BlockHandle, draftTokens []int32) ([]int32, error) {
	input := make([]int32, 0, len(draftTokens)+1)
	input = append(input, seq.LastTokenID())
	input = append(input, draftTokens...)

	batch := Batch{Entries: []BatchEntry{{
		SeqID:    seq.ID,
		Kind:     BatchEntryValidateK,
		TokenIDs: input,
		Blocks:   blocks,
	}}}
	out, err := c.cfg.TargetModel.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(out) != len(input) {
		panic("nanobatch: target model must return one token per validated position")
	}
	return out, nil
}

// longestCommonPrefix returns how many leading elements of a and b
// match.
func longestCommonPrefix(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (c *SpeculativeCoordinator) recordRound(r RoundStats) {
	c.rounds++
	if r.Accepted < len(c.histogram) {
		c.histogram[r.Accepted]++
	}
}

// Rounds returns how many speculative rounds have run.
func (c *SpeculativeCoordinator) Rounds() int { return c.rounds }

// AcceptanceHistogram returns a copy of the round-by-round acceptance
// count histogram: index i holds how many rounds accepted exactly i
// tokens, counting the agreeing draft tokens plus, on a mismatch, the
// target's corrective token.
func (c *SpeculativeCoordinator) AcceptanceHistogram() []int {
	return append([]int(nil), c.histogram...)
}

// MeanAcceptanceRate returns the tokens accepted across every round so
// far (corrective tokens included, as in AcceptanceHistogram) divided by
// the tokens proposed (K per round); 0 if no rounds have run.
func (c *SpeculativeCoordinator) MeanAcceptanceRate() float64 {
	if c.rounds == 0 {
		return 0
	}
	totalAccepted := 0
	totalProposed := c.rounds * c.cfg.NumSpeculativeTokens
	for accepted, count := range c.histogram {
		totalAccepted += accepted * count
	}
	return float64(totalAccepted) / float64(totalProposed)
}
