package nanobatch

import "errors"

// Sentinel errors for the conditions spec.md §7 calls out explicitly.
// Everything else that can go wrong in this package (a ref count driven
// negative, a scheduler that overcommitted its own budget) is a bug in
// this package, not a caller error, and panics instead of returning one
// of these.
var (
	// ErrNoFreeBlocks is returned by BlockAllocator.Allocate and
	// BlockAllocator.CopyOnWrite when the pool is momentarily exhausted.
	// The scheduler treats it as the internal PreemptionRequired signal:
	// it is never surfaced to a caller of Pipeline.
	ErrNoFreeBlocks = errors.New("nanobatch: no free KV blocks available")

	// ErrOutOfBlocks means a group's prompt alone can never fit in the
	// whole pool, regardless of preemption. The group is finished with
	// GenIgnored.
	ErrOutOfBlocks = errors.New("nanobatch: prompt exceeds total KV block pool capacity")

	// ErrVocabMismatch is a fatal speculative-decoding configuration
	// error: draft and target models disagree on vocabulary size.
	ErrVocabMismatch = errors.New("nanobatch: draft and target model vocabulary sizes differ")

	// ErrInvalidConfig wraps construction-time validation failures.
	ErrInvalidConfig = errors.New("nanobatch: invalid configuration")

	// ErrModelRunner wraps an opaque failure returned by a ModelRunner.
	ErrModelRunner = errors.New("nanobatch: model runner failure")

	// ErrUnknownRequest is returned by Pipeline operations addressing a
	// request id that is not currently tracked.
	ErrUnknownRequest = errors.New("nanobatch: unknown request id")
)

// GenerationStatus is the terminal status surfaced to a Pipeline caller,
// distinct from the internal Sequence FinishReason (spec.md §6).
type GenerationStatus int

const (
	// GenNone means the group has not finished yet.
	GenNone GenerationStatus = iota
	GenFinished
	GenIgnored
	GenDroppedByPipeline
	GenDroppedByHandle
)

func (s GenerationStatus) String() string {
	switch s {
	case GenFinished:
		return "FINISHED"
	case GenIgnored:
		return "IGNORED"
	case GenDroppedByPipeline:
		return "DROPPED_BY_PIPELINE"
	case GenDroppedByHandle:
		return "DROPPED_BY_HANDLE"
	default:
		return "NONE"
	}
}
