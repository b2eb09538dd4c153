package nanobatch

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// Scheduler decides, on each step, which SequenceGroups run and what
// work a ModelRunner should do, owning admission, preemption and
// prefix-cache restoration. It mirrors the shape of the teacher's
// Scheduler (nanovllm/scheduler.go) — a container/list-backed
// WAITING/RUNNING queue pair driven by a single goroutine — generalized
// to spec.md §4.2's two batching regimes and preemption policy.
//
// Scheduler is not safe for concurrent use; only Pipeline.AddRequest
// (the ingress path) is (spec.md §5).
type Scheduler struct {
	cfg    *SchedulerConfig
	store  *BlockTableStore
	logger *logrus.Logger

	waiting *list.List // *SequenceGroup, FIFO admission order
	running *list.List // *SequenceGroup, running order

	clock int64 // logical admission counter
}

// NewScheduler creates a Scheduler over store, which must be backed by
// an allocator already sized per cfg.NumKVBlocks/BlockSize.
func NewScheduler(cfg *SchedulerConfig, store *BlockTableStore, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		waiting: list.New(),
		running: list.New(),
	}
}

// AddRequest enqueues a newly admitted group at the back of WAITING,
// stamping it with the next logical admission tick.
func (s *Scheduler) AddRequest(g *SequenceGroup) {
	s.clock++
	g.AdmittedAt = s.clock
	s.waiting.PushBack(g)
}

// NumWaiting returns the WAITING queue depth.
func (s *Scheduler) NumWaiting() int { return s.waiting.Len() }

// NumRunning returns the RUNNING queue depth.
func (s *Scheduler) NumRunning() int { return s.running.Len() }

// RunningGroups returns every group currently in RUNNING, in schedule
// order.
func (s *Scheduler) RunningGroups() []*SequenceGroup {
	out := make([]*SequenceGroup, 0, s.running.Len())
	for e := s.running.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*SequenceGroup))
	}
	return out
}

// StepResult is what one Schedule call hands back to the Pipeline: the
// batch to run, plus groups that left the scheduler's queues this step.
type StepResult struct {
	Batch     Batch
	Preempted []*SequenceGroup
	Ignored   []*SequenceGroup // OUT_OF_MEMORY: prompt alone can't ever fit
}

// Schedule runs one admission/batching decision. It dispatches to the
// configured regime (vLLM-style phase separation or dynamic split-fuse)
// per spec.md §4.2.
func (s *Scheduler) Schedule() StepResult {
	if s.cfg.DynamicSplitFuse {
		return s.scheduleSplitFuse()
	}
	return s.schedulePhaseSeparated()
}

// schedulePhaseSeparated implements the vLLM-style regime: it first
// tries to admit waiting prompts, and if any prompt was admitted the
// whole step is a prompt step in which no RUNNING group advances. Only
// when no prompt could be admitted does it advance the RUNNING groups'
// generate tokens, preempting victims if a generate step can't find
// room.
func (s *Scheduler) schedulePhaseSeparated() StepResult {
	var result StepResult

	result.Ignored = s.admitPrompts(&result.Batch)
	if len(result.Batch.Entries) > 0 || s.running.Len() == 0 {
		return result
	}

	result.Preempted = s.ensureGenerateRoom()
	result.Batch = s.buildGenerateBatch()
	return result
}

// scheduleSplitFuse implements dynamic split-fuse: one step mixes
// generate tokens for already-running beams with as much fresh prompt
// work (chunked to the remaining token budget) as fits, per spec.md
// §4.2.
func (s *Scheduler) scheduleSplitFuse() StepResult {
	var result StepResult

	result.Preempted = s.ensureGenerateRoom()
	result.Batch = s.buildGenerateBatch()

	budget := s.cfg.MaxNumBatchedTokens - len(result.Batch.Entries)
	if budget > 0 {
		ignored := s.admitPromptChunks(&result.Batch, budget)
		result.Ignored = append(result.Ignored, ignored...)
	}
	return result
}

// ensureGenerateRoom guarantees every RUNNING group's next generate
// token has a KV slot, preempting the LIFO-most-recently-admitted
// running groups as victims until it does (spec.md §4.2 preemption
// policy). A partially preempted victim whose kept prompt blocks still
// leave a deficit has those blocks released too before the next victim
// is chosen. Returns the preempted groups, already moved back onto
// WAITING (or dropped, under full preemption, from the block store).
func (s *Scheduler) ensureGenerateRoom() []*SequenceGroup {
	var preempted []*SequenceGroup

	for {
		deficit := s.generateDeficit()
		if deficit <= 0 {
			return preempted
		}
		victim := s.pickPreemptionVictim()
		if victim == nil {
			// Nothing left to preempt: RUNNING is empty, so there are
			// no beams for the generate batch build to place.
			return preempted
		}
		s.preempt(victim)
		preempted = append(preempted, victim)
		if s.generateDeficit() > 0 {
			// Keeping the victim's prompt blocks did not free enough
			// room; release them as well before touching an
			// earlier-admitted group.
			for _, seq := range victim.Sequences() {
				if seq.Status != SequenceFinished && s.store.Has(seq.ID) {
					s.store.FreeAll(seq.ID)
					seq.ResetProcessedForResume()
				}
			}
		}
	}
}

// generateDeficit reports how many additional blocks the RUNNING set
// needs this step to append one generate token per beam.
func (s *Scheduler) generateDeficit() int {
	need := 0
	for e := s.running.Front(); e != nil; e = e.Next() {
		g := e.Value.(*SequenceGroup)
		for _, seq := range g.RunningSequences() {
			if !seq.IsPrefillComplete() {
				continue
			}
			need += s.store.BlocksNeededFor(seq.ID, seq.Len()+1)
		}
	}
	have := s.store.FreeBlockCount()
	if need <= have {
		return 0
	}
	return need - have
}

// pickPreemptionVictim selects the most-recently-admitted RUNNING group
// (LIFO by AdmittedAt), per spec.md §4.2's preemption victim rule.
func (s *Scheduler) pickPreemptionVictim() *SequenceGroup {
	var victim *list.Element
	for e := s.running.Front(); e != nil; e = e.Next() {
		if victim == nil || e.Value.(*SequenceGroup).AdmittedAt > victim.Value.(*SequenceGroup).AdmittedAt {
			victim = e
		}
	}
	if victim == nil {
		return nil
	}
	s.running.Remove(victim)
	return victim.Value.(*SequenceGroup)
}

// preempt releases a running group's resources and returns it to the
// front of WAITING so it is the next group reconsidered for admission,
// per spec.md §4.2. Full preemption drops every generated token and
// frees every block. Partial preemption (single-beam groups only, when
// enabled) truncates back to the prompt and keeps the prompt's own
// blocks, so resumption only has to redo the generate steps, not the
// prefill.
func (s *Scheduler) preempt(g *SequenceGroup) {
	g.RecordPreemption()
	g.SetStatus(SequenceWaiting)

	canPartial := s.cfg.CanUsePartialPreemption && g.NumBeams() == 1
	for _, seq := range g.Sequences() {
		if seq.Status == SequenceFinished {
			continue
		}
		if canPartial {
			s.store.TruncateTo(seq.ID, seq.PromptLen())
			seq.TruncateTo(seq.PromptLen())
			continue
		}
		s.store.FreeAll(seq.ID)
		seq.ResetProcessedForResume()
	}

	s.logger.WithFields(logrus.Fields{
		"request_id": g.RequestID,
		"partial":    canPartial,
	}).Warn("preempting sequence group")

	s.waiting.PushFront(g)
}

// buildGenerateBatch appends one generate-step BatchEntry per running,
// prefill-complete beam whose room ensureGenerateRoom already secured.
func (s *Scheduler) buildGenerateBatch() Batch {
	var batch Batch
	for e := s.running.Front(); e != nil; e = e.Next() {
		g := e.Value.(*SequenceGroup)
		for _, seq := range g.RunningSequences() {
			if !seq.IsPrefillComplete() {
				continue
			}
			if err := s.store.EnsureCapacity(seq.ID, seq.Len()+1); err != nil {
				// Room was already secured by ensureGenerateRoom; this
				// should be unreachable.
				panic("nanobatch: generate slot unavailable after preemption pass: " + err.Error())
			}
			table := s.store.Get(seq.ID)
			batch.Entries = append(batch.Entries, BatchEntry{
				RequestID: g.RequestID,
				SeqID:     seq.ID,
				Kind:      BatchEntryGenerate,
				TokenIDs:  []int32{seq.LastTokenID()},
				Blocks:    table.Blocks(),
			})
		}
	}
	return batch
}

// admitPrompts moves WAITING groups into RUNNING (phase-separated
// regime) as capacity allows, restoring prefix-cache hits first. Groups
// whose prompt alone exceeds the whole pool are finished with IGNORED
// and never re-enqueued.
func (s *Scheduler) admitPrompts(batch *Batch) []*SequenceGroup {
	var ignored []*SequenceGroup
	tokenBudget := s.cfg.MaxNumBatchedTokens

	for s.waiting.Len() > 0 && s.running.Len() < s.cfg.MaxNumSeqs {
		e := s.waiting.Front()
		g := e.Value.(*SequenceGroup)
		seq := g.Sequences()[0] // single beam at admission time

		if NumBlocksForLen(seq.PromptLen(), s.cfg.BlockSize) > s.cfg.NumKVBlocks {
			s.logger.WithError(ErrOutOfBlocks).WithField("request_id", g.RequestID).Warn("ignoring request")
			s.waiting.Remove(e)
			g.Finish(seq)
			g.SetGenerationStatus(GenIgnored)
			ignored = append(ignored, g)
			continue
		}

		if seq.PromptLen() > tokenBudget {
			break // next group can't fit this step's token budget either in the common case; stop trying
		}

		// Tokens the model already ran a forward pass over in an earlier
		// admission (a resumed chat turn reusing its session's KV blocks)
		// must never be resent, same as a prefix-cache hit.
		covered := seq.NumProcessedTokens()
		if hit := s.restoreOrZero(seq); hit > covered {
			covered = hit
		}
		needed := s.store.BlocksNeededFor(seq.ID, seq.PromptLen())
		if !s.store.CanAllocateSlots(needed) {
			break
		}
		if err := s.store.AllocateBlocks(seq.ID, needed); err != nil {
			break
		}

		s.waiting.Remove(e)
		g.SetStatus(SequenceRunning)
		s.running.PushBack(g)
		seq.MarkChunkProcessed(seq.PromptLen() - seq.NumProcessedTokens())
		s.store.RegisterCompletedBlocks(seq.ID, seq.PromptLen(), seq.TokenIDs())

		tokenBudget -= seq.PromptLen()
		table := s.store.Get(seq.ID)
		batch.Entries = append(batch.Entries, BatchEntry{
			RequestID: g.RequestID,
			SeqID:     seq.ID,
			Kind:      BatchEntryPrompt,
			TokenIDs:  seq.TokenIDs()[covered:],
			Blocks:    table.Blocks(),
		})
	}
	return ignored
}

// admitPromptChunks implements split-fuse prompt admission: each
// waiting group contributes at most one chunk, sized to whatever
// remains of tokenBudget, and becomes (or remains) RUNNING as soon as
// its first chunk is scheduled even though the scheduler's internal
// queue only moves it to the running list once its prefill is fully
// done — this is the status-vs-queue-membership distinction spec.md
// draws for split-fuse groups.
func (s *Scheduler) admitPromptChunks(batch *Batch, tokenBudget int) []*SequenceGroup {
	var ignored []*SequenceGroup

	for s.waiting.Len() > 0 && tokenBudget > 0 && s.running.Len() < s.cfg.MaxNumSeqs {
		e := s.waiting.Front()
		g := e.Value.(*SequenceGroup)
		seq := g.Sequences()[0]

		if NumBlocksForLen(seq.PromptLen(), s.cfg.BlockSize) > s.cfg.NumKVBlocks {
			s.logger.WithError(ErrOutOfBlocks).WithField("request_id", g.RequestID).Warn("ignoring request")
			s.waiting.Remove(e)
			g.Finish(seq)
			g.SetGenerationStatus(GenIgnored)
			ignored = append(ignored, g)
			continue
		}

		covered := 0
		if !s.store.Has(seq.ID) {
			covered = s.restoreOrZero(seq)
			seq.MarkChunkProcessed(covered)
		}

		chunkLen := seq.NumPendingPromptTokens()
		if chunkLen > tokenBudget {
			chunkLen = tokenBudget
		}
		if chunkLen <= 0 {
			if seq.IsPrefillComplete() {
				// A partially preempted group kept its prompt blocks and
				// has no prompt work left: it goes straight back to
				// RUNNING.
				s.waiting.Remove(e)
				g.SetStatus(SequenceRunning)
				s.running.PushBack(g)
				continue
			}
			break
		}

		chunkStart := seq.NumProcessedTokens()
		needed := s.store.BlocksNeededFor(seq.ID, chunkStart+chunkLen)
		if !s.store.CanAllocateSlots(needed) {
			break
		}
		if err := s.store.AllocateBlocks(seq.ID, needed); err != nil {
			break
		}

		if g.Status != SequenceRunning {
			g.SetStatus(SequenceRunning)
		}
		chunk := seq.TokenIDs()[chunkStart : chunkStart+chunkLen]
		seq.MarkChunkProcessed(chunkLen)
		s.store.RegisterCompletedBlocks(seq.ID, chunkStart+chunkLen, seq.TokenIDs())
		tokenBudget -= chunkLen

		table := s.store.Get(seq.ID)
		batch.Entries = append(batch.Entries, BatchEntry{
			RequestID: g.RequestID,
			SeqID:     seq.ID,
			Kind:      BatchEntryPrompt,
			TokenIDs:  chunk,
			Blocks:    table.Blocks(),
		})

		if seq.IsPrefillComplete() {
			s.waiting.Remove(e)
			s.running.PushBack(g)
		}
	}
	return ignored
}

// restoreOrZero attempts a prefix-cache restore for seq and returns the
// number of tokens it covered (0 if prefix caching is disabled or
// nothing matched).
func (s *Scheduler) restoreOrZero(seq *Sequence) int {
	if !s.cfg.EnablePrefixCaching {
		return 0
	}
	return s.store.RestoreFromPrefixCache(seq.ID, seq.TokenIDs())
}

// NotifyTokenAppended must be called immediately after a beam's
// Sequence.AppendToken, once the sampled token's content is known, so
// the scheduler can register the now-complete block's hash. Schedule
// itself runs before the model produces that token and so cannot do
// this bookkeeping inline (spec.md §4.1 register_hash timing).
func (s *Scheduler) NotifyTokenAppended(seq *Sequence) {
	if !s.cfg.EnablePrefixCaching {
		return
	}
	s.store.RegisterCompletedBlocks(seq.ID, seq.Len(), seq.TokenIDs())
}

// RemoveFinished drops g from the RUNNING queue once every beam has
// finished; the caller (Pipeline) is responsible for freeing its blocks
// via BlockTableStore.FreeAll afterward.
func (s *Scheduler) RemoveFinished(g *SequenceGroup) {
	for e := s.running.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup) == g {
			s.running.Remove(e)
			return
		}
	}
}
