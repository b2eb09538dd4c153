package nanobatch

import "strings"

// SequenceGroup is the scheduling unit: one external request, carrying
// one or more beams (Sequences) that share the same prompt. This plays
// the role the teacher splits across Sequence and its own bookkeeping in
// llm_engine.go, gathered here the way spec.md §4.2 describes it as a
// first-class type.
type SequenceGroup struct {
	RequestID  string
	AdmittedAt int64 // logical admission counter, ascending tie-break order

	Sampling *SamplingConfig

	seqs  map[int64]*Sequence
	seqID *SeqIDGenerator

	Status       SequenceStatus
	genStatus    GenerationStatus
	numPreempted int
}

// SeqIDGenerator mints globally unique Sequence ids across every
// SequenceGroup a Pipeline tracks. A BlockTableStore keys its tables by
// Sequence id, so two groups minting ids independently (e.g. both
// starting at 0) would collide and silently corrupt each other's block
// tables; a single shared generator, owned by the Pipeline, rules that
// out.
type SeqIDGenerator struct {
	next int64
}

// NewSeqIDGenerator creates a generator starting at 0.
func NewSeqIDGenerator() *SeqIDGenerator {
	return &SeqIDGenerator{}
}

// Next returns the next unused id.
func (g *SeqIDGenerator) Next() int64 {
	id := g.next
	g.next++
	return id
}

// NewSequenceGroup creates a group with a single initial beam over
// promptIDs, minting its Sequence id from ids.
func NewSequenceGroup(requestID string, admittedAt int64, promptIDs []int32, sampling *SamplingConfig, ids *SeqIDGenerator) *SequenceGroup {
	g := &SequenceGroup{
		RequestID:  requestID,
		AdmittedAt: admittedAt,
		Sampling:   sampling,
		seqs:       make(map[int64]*Sequence),
		seqID:      ids,
		Status:     SequenceWaiting,
	}
	seq := NewSequence(ids.Next(), promptIDs)
	g.seqs[seq.ID] = seq
	return g
}

// PromptLen returns the shared prompt length (all beams start equal).
func (g *SequenceGroup) PromptLen() int {
	for _, s := range g.seqs {
		return s.PromptLen()
	}
	return 0
}

// Sequences returns every beam, finished or not.
func (g *SequenceGroup) Sequences() []*Sequence {
	out := make([]*Sequence, 0, len(g.seqs))
	for _, s := range g.seqs {
		out = append(out, s)
	}
	return out
}

// RunningSequences returns beams currently in RUNNING status, the set
// the scheduler batches into the next forward pass (spec.md §4.2
// running_sequences).
func (g *SequenceGroup) RunningSequences() []*Sequence {
	var out []*Sequence
	for _, s := range g.seqs {
		if s.Status == SequenceRunning {
			out = append(out, s)
		}
	}
	return out
}

// NotFinishedSequences returns beams that have not reached FINISHED,
// mirroring spec.md §4.2 not_finished_sequences.
func (g *SequenceGroup) NotFinishedSequences() []*Sequence {
	var out []*Sequence
	for _, s := range g.seqs {
		if s.Status != SequenceFinished {
			out = append(out, s)
		}
	}
	return out
}

// IsFinished reports whether every beam has finished.
func (g *SequenceGroup) IsFinished() bool {
	for _, s := range g.seqs {
		if s.Status != SequenceFinished {
			return false
		}
	}
	return true
}

// SetStatus propagates a status change to every non-finished beam and to
// the group itself (spec.md §4.2 set_status).
func (g *SequenceGroup) SetStatus(status SequenceStatus) {
	g.Status = status
	for _, s := range g.seqs {
		if s.Status != SequenceFinished {
			s.Status = status
		}
	}
}

// ForkSequence creates a new beam sharing src's token history, used by
// beam search when the sampler wants to branch a beam into multiple
// candidates (spec.md §4.2 fork_sequence). Returns the new Sequence; the
// caller is responsible for forking its KV blocks via
// BlockTableStore.ForkTable.
func (g *SequenceGroup) ForkSequence(src *Sequence) *Sequence {
	child := src.Fork(g.seqID.Next())
	g.seqs[child.ID] = child
	return child
}

// RemoveSequence drops a beam entirely (e.g. a losing beam-search
// candidate pruned after a step). The caller must free its KV blocks via
// BlockTableStore.FreeAll first.
func (g *SequenceGroup) RemoveSequence(id int64) {
	delete(g.seqs, id)
}

// Finish marks seq and the whole group finished immediately, used when
// admission determines a prompt can never fit in the pool
// (spec.md §4.2 OUT_OF_MEMORY / IGNORED).
func (g *SequenceGroup) Finish(seq *Sequence) {
	seq.Finish(FinishLength)
	g.SetStatus(SequenceFinished)
}

// Resume reopens a finished group for another chat turn: every beam is
// returned to WAITING and the group's terminal GenerationStatus is
// cleared, so the scheduler and Pipeline treat it as freshly admitted
// work again.
func (g *SequenceGroup) Resume() {
	g.Status = SequenceWaiting
	g.genStatus = GenNone
	for _, s := range g.seqs {
		s.Resume()
	}
}

// NumBeams returns how many beams currently exist (not necessarily equal
// to Sampling.NumBeams while the group is still expanding or has already
// pruned some).
func (g *SequenceGroup) NumBeams() int { return len(g.seqs) }

// GenerationStatus returns the pipeline-facing terminal status.
func (g *SequenceGroup) GenerationStatus() GenerationStatus { return g.genStatus }

// SetGenerationStatus marks the group with a terminal, pipeline-facing
// status (spec.md §6).
func (g *SequenceGroup) SetGenerationStatus(s GenerationStatus) {
	g.genStatus = s
}

// NumPreempted returns how many times this group has been preempted
// since admission. The scheduler's LIFO-by-admission victim selection
// does not consult it; selection is purely by AdmittedAt order
// (spec.md §4.2).
func (g *SequenceGroup) NumPreempted() int { return g.numPreempted }

// RecordPreemption increments the preemption counter.
func (g *SequenceGroup) RecordPreemption() { g.numPreempted++ }

// MaxNewTokensReached reports whether seq has produced
// Sampling.MaxNewTokens tokens beyond the prompt.
func (g *SequenceGroup) MaxNewTokensReached(seq *Sequence) bool {
	return len(seq.GeneratedIDs()) >= g.Sampling.MaxNewTokens
}

// EOSTokenID resolves the effective EOS id for this group: a per-request
// override if set, otherwise the scheduler-wide default.
func (g *SequenceGroup) EOSTokenID(schedulerDefault int32) int32 {
	if g.Sampling.EOSTokenID != nil {
		return *g.Sampling.EOSTokenID
	}
	return schedulerDefault
}

// FinishIteration checks every running beam's most recently appended
// token against the group's termination conditions (EOS, stop strings,
// max new tokens) and finishes any that match, mirroring the teacher's
// post-step bookkeeping in llm_engine.go's Generate loop, generalized to
// spec.md §4.2 finish_iteration across multiple beams.
func (g *SequenceGroup) FinishIteration(schedulerDefault int32, decode func([]int32) string) {
	for _, s := range g.seqs {
		if s.Status != SequenceRunning {
			continue
		}
		if !s.IsPrefillComplete() {
			continue
		}
		if g.Sampling.NumBeams == 0 {
			continue
		}
		last := s.LastTokenID()
		if !g.Sampling.IgnoreEOS && last == g.EOSTokenID(schedulerDefault) {
			s.Finish(FinishEOS)
			continue
		}
		if g.MaxNewTokensReached(s) {
			s.Finish(FinishLength)
			continue
		}
		if len(g.Sampling.StopStrings) > 0 && decode != nil {
			text := decode(s.GeneratedIDs())
			for _, stop := range g.Sampling.StopStrings {
				if stop != "" && strings.Contains(text, stop) {
					s.Finish(FinishStop)
					break
				}
			}
		}
	}
}
