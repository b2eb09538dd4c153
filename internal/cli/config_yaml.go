package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"nanobatch-go/nanobatch"
)

// fileConfig is the on-disk shape for a SchedulerConfig, loaded via
// gopkg.in/yaml.v3 the way inference-sim's cmd/workload_config.go loads
// its own run configuration.
type fileConfig struct {
	BlockSize               int   `yaml:"block_size"`
	NumKVBlocks             int   `yaml:"num_kv_blocks"`
	MaxNumBatchedTokens     int   `yaml:"max_num_batched_tokens"`
	MaxNumSeqs              int   `yaml:"max_num_seqs"`
	DynamicSplitFuse        bool  `yaml:"dynamic_split_fuse"`
	EnablePrefixCaching     bool  `yaml:"enable_prefix_caching"`
	CanUsePartialPreemption bool  `yaml:"can_use_partial_preemption"`
	EOSTokenID              int32 `yaml:"eos_token_id"`
}

// loadSchedulerConfig reads path and builds a SchedulerConfig, falling
// back to the package defaults for any zero-valued field a YAML file
// omits except the booleans, which always take the file's value.
func loadSchedulerConfig(path string) (*nanobatch.SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	logrus.WithField("path", path).Info("loaded scheduler configuration")

	opts := []nanobatch.SchedulerConfigOption{
		nanobatch.WithDynamicSplitFuse(fc.DynamicSplitFuse),
		nanobatch.WithEnablePrefixCaching(fc.EnablePrefixCaching),
		nanobatch.WithCanUsePartialPreemption(fc.CanUsePartialPreemption),
	}
	if fc.BlockSize > 0 {
		opts = append(opts, nanobatch.WithBlockSize(fc.BlockSize))
	}
	if fc.NumKVBlocks > 0 {
		opts = append(opts, nanobatch.WithNumKVBlocks(fc.NumKVBlocks))
	}
	if fc.MaxNumBatchedTokens > 0 {
		opts = append(opts, nanobatch.WithMaxNumBatchedTokens(fc.MaxNumBatchedTokens))
	}
	if fc.MaxNumSeqs > 0 {
		opts = append(opts, nanobatch.WithMaxNumSeqs(fc.MaxNumSeqs))
	}
	if fc.EOSTokenID != 0 {
		opts = append(opts, nanobatch.WithEOSTokenID(fc.EOSTokenID))
	}

	return nanobatch.NewSchedulerConfig(opts...), nil
}
