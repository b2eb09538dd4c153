package nanobatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pipeline is the external entry point: it owns the BlockAllocator,
// BlockTableStore, Scheduler and (optionally) a SpeculativeCoordinator,
// and drives the add_request/step loop spec.md §6 describes. Unlike
// Scheduler and BlockTableStore, Pipeline.AddRequest is safe to call
// from any goroutine (spec.md §5); Step is not and must be driven by a
// single loop, mirroring the teacher's LLMEngine (nanovllm/llm_engine.go).
type Pipeline struct {
	cfg    *SchedulerConfig
	store  *BlockTableStore
	sched  *Scheduler
	spec   *SpeculativeCoordinator // nil unless speculative decoding is configured
	runner ModelRunner
	logger *logrus.Logger

	seqIDs *SeqIDGenerator

	mu      sync.Mutex // guards only the ingress queue below
	ingress []*SequenceGroup

	groups map[string]*SequenceGroup

	chats map[string]*chatSession

	lastScheduled int
}

type chatSession struct {
	group *SequenceGroup
}

// NewPipeline creates a Pipeline. runner serves ordinary generate/prompt
// batches; pass a non-nil spec to additionally drive speculative rounds
// for RUNNING beams instead of a plain one-token generate step.
func NewPipeline(cfg *SchedulerConfig, runner ModelRunner, spec *SpeculativeCoordinator, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	alloc := NewBlockAllocator(cfg.NumKVBlocks, cfg.BlockSize, cfg.EnablePrefixCaching, logger)
	store := NewBlockTableStore(alloc)
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		sched:   NewScheduler(cfg, store, logger),
		spec:    spec,
		runner:  runner,
		logger:  logger,
		seqIDs:  NewSeqIDGenerator(),
		groups:  make(map[string]*SequenceGroup),
		chats:   make(map[string]*chatSession),
	}
}

// AddRequest admits a new request. If requestID is empty, a uuid is
// minted. Safe to call from any goroutine, concurrently with itself and
// with Step: it only mints sequence ids and enqueues under the ingress
// lock (spec.md §5).
func (p *Pipeline) AddRequest(requestID string, promptIDs []int32, sampling *SamplingConfig) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	p.mu.Lock()
	g := NewSequenceGroup(requestID, 0, promptIDs, sampling, p.seqIDs)
	p.ingress = append(p.ingress, g)
	p.mu.Unlock()

	return requestID
}

// drainIngress moves every request queued by AddRequest since the last
// Step into the scheduler, stamping admission order. Only Step calls
// this, so it never races with Scheduler's single-goroutine contract.
func (p *Pipeline) drainIngress() {
	p.mu.Lock()
	pending := p.ingress
	p.ingress = nil
	p.mu.Unlock()

	for _, g := range pending {
		p.groups[g.RequestID] = g
		p.sched.AddRequest(g)
	}
}

// StepOutput reports what happened during one Pipeline.Step call.
type StepOutput struct {
	Finished  []*SequenceGroup
	Preempted []*SequenceGroup
	Ignored   []*SequenceGroup
	NumTokens int // tokens processed this step, across the whole batch
}

// Step runs exactly one scheduling + model-forward round: drain
// ingress, ask the Scheduler for a batch, run it (via the
// SpeculativeCoordinator if configured, otherwise the plain
// ModelRunner), append sampled tokens, register newly-completed prefix
// blocks, and finish any beam that has met a termination condition.
// Not safe for concurrent use (spec.md §5) — call this from a single
// loop.
func (p *Pipeline) Step(ctx context.Context, decode func([]int32) string) (StepOutput, error) {
	p.drainIngress()

	result := p.sched.Schedule()
	p.lastScheduled = len(result.Batch.Entries)

	var out StepOutput
	out.Preempted = result.Preempted
	out.Ignored = result.Ignored
	for _, g := range result.Ignored {
		p.forget(g)
	}

	if len(result.Batch.Entries) == 0 {
		return out, nil
	}

	tokens, err := p.runStep(ctx, result.Batch)
	if err != nil {
		return out, err
	}

	touched := make(map[string]*SequenceGroup)
	for i, entry := range result.Batch.Entries {
		out.NumTokens += len(entry.TokenIDs)
		if entry.Kind != BatchEntryGenerate && p.spec == nil {
			continue // prompt-only chunk: no sampled token to append yet
		}
		g, seq := p.lookupSeq(entry.RequestID, entry.SeqID)
		if seq == nil {
			continue
		}
		for _, tok := range tokens[i] {
			seq.AppendToken(tok)
			p.sched.NotifyTokenAppended(seq)
		}
		g.FinishIteration(p.cfg.EOSTokenID, decode)
		touched[g.RequestID] = g
	}

	for _, g := range touched {
		if g.IsFinished() {
			p.finishGroup(g)
			out.Finished = append(out.Finished, g)
		}
	}

	return out, nil
}

// runStep executes batch and returns, per entry, the tokens produced:
// exactly one for a plain generate/prompt step, or the speculative
// round's accepted+corrective tokens when a SpeculativeCoordinator is
// configured and the entry is a generate step.
func (p *Pipeline) runStep(ctx context.Context, batch Batch) ([][]int32, error) {
	if p.spec == nil {
		out, err := p.runner.Forward(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrModelRunner, err)
		}
		tokens := make([][]int32, len(batch.Entries))
		for i, t := range out {
			tokens[i] = []int32{t}
		}
		return tokens, nil
	}

	tokens := make([][]int32, len(batch.Entries))
	for i, entry := range batch.Entries {
		if entry.Kind != BatchEntryGenerate {
			// Prompt chunks still run through the plain runner; only
			// RUNNING generate steps are sped up speculatively.
			out, err := p.runner.Forward(ctx, Batch{Entries: []BatchEntry{entry}})
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrModelRunner, err)
			}
			tokens[i] = out
			continue
		}
		g, seq := p.lookupSeq(entry.RequestID, entry.SeqID)
		if seq == nil {
			continue
		}
		round, err := p.spec.Step(ctx, seq, entry.Blocks)
		if err != nil {
			return nil, err
		}
		tokens[i] = round
		_ = g
	}
	return tokens, nil
}

func (p *Pipeline) lookupSeq(requestID string, seqID int64) (*SequenceGroup, *Sequence) {
	g, ok := p.groups[requestID]
	if !ok {
		return nil, nil
	}
	for _, s := range g.Sequences() {
		if s.ID == seqID {
			return g, s
		}
	}
	return g, nil
}

func (p *Pipeline) finishGroup(g *SequenceGroup) {
	g.SetGenerationStatus(GenFinished)
	p.sched.RemoveFinished(g)
	if _, inChat := p.chats[g.RequestID]; inChat {
		return // chat sessions keep their blocks alive across turns
	}
	for _, seq := range g.Sequences() {
		p.store.FreeAll(seq.ID)
	}
	p.forget(g)
}

func (p *Pipeline) forget(g *SequenceGroup) {
	delete(p.groups, g.RequestID)
}

// DropRequest removes a tracked request before it finishes naturally
// (client disconnect, explicit cancellation), freeing its blocks and
// marking it DROPPED_BY_HANDLE (spec.md §6).
func (p *Pipeline) DropRequest(requestID string) error {
	g, ok := p.groups[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	g.SetGenerationStatus(GenDroppedByHandle)
	p.sched.RemoveFinished(g)
	for _, seq := range g.Sequences() {
		p.store.FreeAll(seq.ID)
	}
	p.forget(g)
	return nil
}

// Group returns the tracked SequenceGroup for requestID, if any.
func (p *Pipeline) Group(requestID string) (*SequenceGroup, bool) {
	g, ok := p.groups[requestID]
	return g, ok
}

// Metrics is a point-in-time snapshot of pipeline health, mirroring
// OpenVINO GenAI's PipelineMetrics (continuous_batching_pipeline.hpp):
// total tracked requests, how many were scheduled in the most recent
// Step, and the KV block pool's utilization fraction.
type Metrics struct {
	TrackedRequests   int
	ScheduledLastStep int
	CacheUsage        float64
}

// Metrics computes a snapshot on demand; it holds no state of its own.
func (p *Pipeline) Metrics() Metrics {
	used := p.cfg.NumKVBlocks - p.store.FreeBlockCount()
	return Metrics{
		TrackedRequests:   len(p.groups),
		ScheduledLastStep: p.lastScheduled,
		CacheUsage:        float64(used) / float64(p.cfg.NumKVBlocks),
	}
}

// StartChat begins a multi-turn session keyed by requestID: the first
// call behaves like AddRequest, and FinishChat must be called exactly
// once to release the session's KV blocks, mirroring OpenVINO GenAI's
// start_chat/finish_chat (continuous_batching_pipeline.hpp). Interleaving
// turns is the caller's responsibility — AddChatTurn appends the new
// prompt directly onto the existing sequence's token history so the
// scheduler's prefix-cache machinery can reuse everything already
// computed.
func (p *Pipeline) StartChat(requestID string, promptIDs []int32, sampling *SamplingConfig) string {
	id := p.AddRequest(requestID, promptIDs, sampling)
	p.mu.Lock()
	var g *SequenceGroup
	for _, pending := range p.ingress {
		if pending.RequestID == id {
			g = pending
			break
		}
	}
	p.mu.Unlock()
	p.chats[id] = &chatSession{group: g}
	return id
}

// AddChatTurn appends newPromptIDs as the next turn of an active chat
// session and re-admits it for generation, reusing whatever KV blocks
// and prefix-cache hashes the session already holds instead of starting
// a fresh SequenceGroup (spec.md §8 scenario S4).
func (p *Pipeline) AddChatTurn(requestID string, newPromptIDs []int32) error {
	session, ok := p.chats[requestID]
	if !ok {
		return fmt.Errorf("%w: %s is not an active chat session", ErrUnknownRequest, requestID)
	}
	g := session.group
	for _, seq := range g.Sequences() {
		seq.ExtendPrompt(newPromptIDs)
	}
	g.Resume()
	p.groups[requestID] = g
	p.sched.AddRequest(g)
	return nil
}

// FinishChat releases a chat session's KV blocks unconditionally.
func (p *Pipeline) FinishChat(requestID string) error {
	session, ok := p.chats[requestID]
	if !ok {
		return fmt.Errorf("%w: %s is not an active chat session", ErrUnknownRequest, requestID)
	}
	delete(p.chats, requestID)
	if session.group != nil {
		for _, seq := range session.group.Sequences() {
			p.store.FreeAll(seq.ID)
		}
	}
	p.forget(session.group)
	return nil
}
