package nanobatch

import "context"

// ModelRunner is the external collaborator that actually runs a forward
// pass over a scheduled batch. Model execution is explicitly out of
// scope for this package (spec.md §1) — only the contract is defined
// here, mirroring the way the teacher's own ModelRunner interface
// (nanovllm/model_runner.go) sits between the scheduler and its
// purego/pytorch backends, except here no concrete backend is bound.
type ModelRunner interface {
	// Forward runs one batched step: batch holds one entry per scheduled
	// sequence (prompt chunk or single generate token, per
	// BatchEntry.Kind), and returns one sampled token id per entry, in
	// the same order as batch.Entries — except for a BatchEntryValidateK
	// entry, which gets one token per position of its TokenIDs.
	Forward(ctx context.Context, batch Batch) ([]int32, error)
}

// VocabSizer is an optional ModelRunner capability exposing the model's
// vocabulary size. A SpeculativeCoordinator checks it, when both the
// draft and target model implement it, to catch a mismatched pair at
// construction time rather than producing nonsense draft tokens the
// target can never agree with (spec.md §4.3/§7 VocabMismatch).
type VocabSizer interface {
	VocabSize() int
}

// Sampler turns per-position logits into token ids. Sampling algorithms
// (temperature, top-k/top-p, beam scoring) are out of scope (spec.md
// §1); this contract only describes the shape a ModelRunner or
// SpeculativeCoordinator invokes.
type Sampler interface {
	Sample(logits []float32, cfg *SamplingConfig) int32
}

// Tokenizer converts between text and token ids for stop-string
// matching and chat-session prompt assembly. Concrete tokenization is
// out of scope (spec.md §1).
type Tokenizer interface {
	Encode(text string) []int32
	Decode(ids []int32) string
}

// BatchEntryKind distinguishes the three shapes a ModelRunner must
// handle: a full or chunked prompt, a single-token generate step, and a
// speculative-decoding validation pass appending K draft tokens to an
// existing context in one forward pass (spec.md §6/§9: implementers
// must not smuggle this third case through a boolean-typed field, since
// it needs causal masking among the K candidates that neither a fresh
// prompt nor a single generate token requires).
type BatchEntryKind int

const (
	BatchEntryGenerate BatchEntryKind = iota
	BatchEntryPrompt
	BatchEntryValidateK
)

// BatchEntry describes one sequence's contribution to a scheduled step.
type BatchEntry struct {
	RequestID string
	SeqID     int64
	Kind      BatchEntryKind

	// TokenIDs holds the prompt chunk being processed this step
	// (BatchEntryPrompt) or the single most recent token
	// (BatchEntryGenerate) — whatever the ModelRunner needs appended to
	// its KV cache this step.
	TokenIDs []int32

	// Blocks is the physical KV block list backing this sequence, in
	// order, for the runner to resolve into device addresses.
	Blocks []BlockHandle
}

// Batch is one scheduler step's output handed to a ModelRunner.
type Batch struct {
	Entries []BatchEntry
	// BlocksToCopy lists (src, dst) physical block pairs the runner must
	// content-copy before running forward, emitted by copy-on-write
	// beam forks (spec.md §4.1).
	BlocksToCopy [][2]BlockHandle
}
