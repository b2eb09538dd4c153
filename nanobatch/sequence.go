package nanobatch

// SequenceStatus mirrors the teacher's SequenceStatus enum
// (nanovllm/sequence.go), extended with the split-fuse intermediate
// states spec.md §4.2 requires.
type SequenceStatus int

const (
	SequenceWaiting SequenceStatus = iota
	SequenceRunning
	SequenceSwapped // preempted, blocks released, waiting to be resumed
	SequenceFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case SequenceWaiting:
		return "WAITING"
	case SequenceRunning:
		return "RUNNING"
	case SequenceSwapped:
		return "SWAPPED"
	case SequenceFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// FinishReason records why a Sequence stopped generating, distinct from
// the Pipeline-level GenerationStatus surfaced to callers.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishEOS
	FinishLength
	FinishStop
)

// Sequence is one token stream: a prompt followed by the tokens
// generated so far. A SequenceGroup holds one Sequence per active beam
// (spec.md §4.2's NumBeams), the way the teacher's Sequence tracks a
// single generation stream inside llm_engine.go's bookkeeping.
type Sequence struct {
	ID     int64
	Status SequenceStatus

	promptLen int
	tokenIDs  []int32

	// numProcessedTokens counts how many of tokenIDs the model has
	// already run a forward pass over (prompt prefill is chunked under
	// dynamic split-fuse, so this can sit strictly between 0 and
	// promptLen for several steps).
	numProcessedTokens int

	finishReason FinishReason
}

// NewSequence creates a fresh sequence over promptIDs, not yet scheduled.
func NewSequence(id int64, promptIDs []int32) *Sequence {
	tokenIDs := append([]int32(nil), promptIDs...)
	return &Sequence{
		ID:        id,
		Status:    SequenceWaiting,
		promptLen: len(promptIDs),
		tokenIDs:  tokenIDs,
	}
}

// Len returns the total number of tokens (prompt + generated so far).
func (s *Sequence) Len() int { return len(s.tokenIDs) }

// PromptLen returns the original prompt length.
func (s *Sequence) PromptLen() int { return s.promptLen }

// NumProcessedTokens returns how many leading tokens have already been
// run through the model.
func (s *Sequence) NumProcessedTokens() int { return s.numProcessedTokens }

// NumPendingPromptTokens returns how many prompt tokens have not yet had
// a forward pass run over them (0 once prefill is complete).
func (s *Sequence) NumPendingPromptTokens() int {
	pending := s.promptLen - s.numProcessedTokens
	if pending < 0 {
		return 0
	}
	return pending
}

// IsPrefillComplete reports whether every prompt token has been
// processed at least once.
func (s *Sequence) IsPrefillComplete() bool {
	return s.numProcessedTokens >= s.promptLen
}

// TokenIDs returns the full prompt+generated token stream.
func (s *Sequence) TokenIDs() []int32 { return s.tokenIDs }

// GeneratedIDs returns only the tokens produced after the prompt,
// mirroring the teacher's Sequence.CompletionTokenIds.
func (s *Sequence) GeneratedIDs() []int32 {
	if len(s.tokenIDs) <= s.promptLen {
		return nil
	}
	return s.tokenIDs[s.promptLen:]
}

// LastTokenID returns the most recently appended token.
func (s *Sequence) LastTokenID() int32 {
	return s.tokenIDs[len(s.tokenIDs)-1]
}

// MarkChunkProcessed advances the prefill cursor by n tokens, called by
// the scheduler after it decides to run a prompt chunk of that size
// under dynamic split-fuse (or the whole prompt at once otherwise).
func (s *Sequence) MarkChunkProcessed(n int) {
	s.numProcessedTokens += n
	if s.numProcessedTokens > len(s.tokenIDs) {
		panic("nanobatch: processed more tokens than the sequence holds")
	}
}

// AppendToken appends a newly sampled token and advances the prefill
// cursor to match, the way the teacher's Sequence.Append does.
func (s *Sequence) AppendToken(id int32) {
	s.tokenIDs = append(s.tokenIDs, id)
	s.numProcessedTokens = len(s.tokenIDs) - 1
}

// ExtendPrompt appends a new chat turn's tokens as additional prompt
// content: promptLen grows to cover them, but numProcessedTokens is left
// untouched, so NumPendingPromptTokens immediately reports them as
// pending and the scheduler's ordinary prefill path (chunked or not)
// processes them exactly like the sequence's original prompt.
func (s *Sequence) ExtendPrompt(ids []int32) {
	s.tokenIDs = append(s.tokenIDs, ids...)
	s.promptLen = len(s.tokenIDs)
}

// Resume reopens a FINISHED sequence for another chat turn: clears the
// finish reason and returns it to WAITING so the scheduler picks it back
// up.
func (s *Sequence) Resume() {
	s.Status = SequenceWaiting
	s.finishReason = FinishNone
}

// ResetProcessedForResume rewinds the prefill cursor to zero after the
// sequence's KV blocks have been released by preemption, so the
// scheduler recomputes from scratch (or from whatever a prefix-cache
// restore can still recover) on resumption.
func (s *Sequence) ResetProcessedForResume() {
	s.numProcessedTokens = 0
}

// TruncateTo discards tokens beyond position n (n >= promptLen), used by
// the scheduler's partial preemption to drop generated tokens.
func (s *Sequence) TruncateTo(n int) {
	if n < s.promptLen {
		panic("nanobatch: cannot truncate a sequence below its prompt length")
	}
	s.tokenIDs = s.tokenIDs[:n]
	if s.numProcessedTokens > n {
		s.numProcessedTokens = n
	}
}

// Fork returns a new Sequence with the same token history and processed
// cursor as s but a distinct id, for beam-search branching. KV block
// sharing is handled separately by BlockTableStore.ForkTable.
func (s *Sequence) Fork(newID int64) *Sequence {
	return &Sequence{
		ID:                 newID,
		Status:             s.Status,
		promptLen:          s.promptLen,
		tokenIDs:           append([]int32(nil), s.tokenIDs...),
		numProcessedTokens: s.numProcessedTokens,
	}
}

// Finish marks the sequence finished for reason.
func (s *Sequence) Finish(reason FinishReason) {
	s.Status = SequenceFinished
	s.finishReason = reason
}

// GetFinishReason returns why the sequence stopped, FinishNone if it has
// not finished.
func (s *Sequence) GetFinishReason() FinishReason { return s.finishReason }

// NumBlocksForLen returns how many fixed-size KV blocks are needed to
// hold n tokens.
func NumBlocksForLen(n, blockSize int) int {
	if n <= 0 {
		return 0
	}
	return (n + blockSize - 1) / blockSize
}
