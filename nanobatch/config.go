package nanobatch

import "fmt"

// SchedulerConfig holds the options spec.md §6 recognizes. It is built
// with functional options and validated once at construction, the way
// the teacher's Config and SamplingParams are (nanovllm/config.go).
type SchedulerConfig struct {
	BlockSize               int
	NumKVBlocks             int
	MaxNumBatchedTokens     int
	MaxNumSeqs              int
	DynamicSplitFuse        bool
	EnablePrefixCaching     bool
	CanUsePartialPreemption bool
	EOSTokenID              int32
}

// SchedulerConfigOption is a functional option for SchedulerConfig.
type SchedulerConfigOption func(*SchedulerConfig)

// NewSchedulerConfig builds a SchedulerConfig with sane defaults,
// applies opts, and validates. It panics on an invalid configuration,
// matching the teacher's NewConfig/NewSamplingParams.
func NewSchedulerConfig(opts ...SchedulerConfigOption) *SchedulerConfig {
	c := &SchedulerConfig{
		BlockSize:               16,
		NumKVBlocks:             256,
		MaxNumBatchedTokens:     2048,
		MaxNumSeqs:              64,
		DynamicSplitFuse:        false,
		EnablePrefixCaching:     false,
		CanUsePartialPreemption: true,
		EOSTokenID:              2,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		panic(err)
	}
	return c
}

func (c *SchedulerConfig) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalidConfig, c.BlockSize)
	}
	if c.NumKVBlocks <= 0 {
		return fmt.Errorf("%w: num_kv_blocks must be positive, got %d", ErrInvalidConfig, c.NumKVBlocks)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("%w: max_num_seqs must be positive, got %d", ErrInvalidConfig, c.MaxNumSeqs)
	}
	if c.MaxNumBatchedTokens < c.BlockSize {
		return fmt.Errorf("%w: max_num_batched_tokens (%d) must be >= block_size (%d)", ErrInvalidConfig, c.MaxNumBatchedTokens, c.BlockSize)
	}
	return nil
}

func WithBlockSize(n int) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.BlockSize = n }
}

func WithNumKVBlocks(n int) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.NumKVBlocks = n }
}

func WithMaxNumBatchedTokens(n int) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.MaxNumBatchedTokens = n }
}

func WithMaxNumSeqs(n int) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.MaxNumSeqs = n }
}

func WithDynamicSplitFuse(b bool) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.DynamicSplitFuse = b }
}

func WithEnablePrefixCaching(b bool) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.EnablePrefixCaching = b }
}

func WithCanUsePartialPreemption(b bool) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.CanUsePartialPreemption = b }
}

func WithEOSTokenID(id int32) SchedulerConfigOption {
	return func(c *SchedulerConfig) { c.EOSTokenID = id }
}

// SamplingConfig holds the per-request sampling configuration. Actual
// sampling algorithms are a Sampler collaborator (spec.md §1); this
// struct only carries the knobs the scheduler and SequenceGroup need to
// know about (termination conditions, beam fan-out count).
type SamplingConfig struct {
	Temperature  float64
	MaxNewTokens int
	IgnoreEOS    bool
	StopStrings  []string
	NumBeams     int
	// EOSTokenID overrides SchedulerConfig.EOSTokenID for this request
	// when non-nil, the way vLLM's GenerationConfig can.
	EOSTokenID *int32
}

type SamplingOption func(*SamplingConfig)

func NewSamplingConfig(opts ...SamplingOption) *SamplingConfig {
	sp := &SamplingConfig{
		Temperature:  1.0,
		MaxNewTokens: 64,
		NumBeams:     1,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if err := sp.validate(); err != nil {
		panic(err)
	}
	return sp
}

func (sp *SamplingConfig) validate() error {
	if sp.MaxNewTokens <= 0 {
		return fmt.Errorf("%w: max_new_tokens must be positive, got %d", ErrInvalidConfig, sp.MaxNewTokens)
	}
	if sp.NumBeams <= 0 {
		return fmt.Errorf("%w: num_beams must be positive, got %d", ErrInvalidConfig, sp.NumBeams)
	}
	return nil
}

func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingConfig) { sp.Temperature = t }
}

func WithMaxNewTokens(n int) SamplingOption {
	return func(sp *SamplingConfig) { sp.MaxNewTokens = n }
}

func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingConfig) { sp.IgnoreEOS = b }
}

func WithStopStrings(ss ...string) SamplingOption {
	return func(sp *SamplingConfig) { sp.StopStrings = ss }
}

func WithNumBeams(n int) SamplingOption {
	return func(sp *SamplingConfig) { sp.NumBeams = n }
}

func WithRequestEOSTokenID(id int32) SamplingOption {
	return func(sp *SamplingConfig) { sp.EOSTokenID = &id }
}
