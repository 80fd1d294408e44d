// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"os"

	"github.com/gomlx/pipemesh/internal/settings"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Setting keys, used in settings strings ("pipeline_size=2;tensor_size=1") and YAML files.
const (
	ParamPipelineSize                 = "pipeline_size"
	ParamDataSize                     = "data_size"
	ParamTensorSize                   = "tensor_size"
	ParamPartitionMethod              = "partition_method"
	ParamActivationCheckpointInterval = "activation_checkpoint_interval"
	ParamCheckpointableLayerKinds     = "checkpointable_layer_kinds"
	ParamUseCache                     = "use_cache"
	ParamSeedLayers                   = "seed_layers"
	ParamBaseSeed                     = "base_seed"
	ParamMicroBatches                 = "micro_batches"
)

// Partition methods.
const (
	PartitionParameters = "parameters"
	PartitionUniform    = "uniform"

	// PartitionTypePrefix is followed by a regular expression: layers whose Kind matches weigh 1, others 0.
	PartitionTypePrefix = "type:"
)

// Config of the pipeline executor.
type Config struct {
	// PipelineSize, DataSize and TensorSize are the requested mesh dimensions. DataSize 0 is derived from the
	// world size; a product that disagrees with the world size is corrected (see distributed.ResolveMesh).
	PipelineSize int `yaml:"pipeline_size"`
	DataSize     int `yaml:"data_size"`
	TensorSize   int `yaml:"tensor_size"`

	// PartitionMethod is one of "parameters", "uniform" or "type:<regexp>".
	PartitionMethod string `yaml:"partition_method"`

	// ActivationCheckpointInterval is the number of consecutive layers per checkpointed chunk. 0 disables it.
	ActivationCheckpointInterval int `yaml:"activation_checkpoint_interval"`

	// CheckpointableLayerKinds lists the layer kinds eligible for activation checkpointing. If empty, a chunk is
	// checkpointed when any of its layers has parameters.
	CheckpointableLayerKinds []string `yaml:"checkpointable_layer_kinds"`

	// UseCache is the default of the generation use_cache flag.
	UseCache bool `yaml:"use_cache"`

	// SeedLayers seeds each layer build with BaseSeed plus its index.
	SeedLayers bool  `yaml:"seed_layers"`
	BaseSeed   int64 `yaml:"base_seed"`

	// MicroBatches is the number of micro-batches TrainBatch splits each batch in.
	MicroBatches int `yaml:"micro_batches"`
}

// DefaultConfig returns the configuration of a single-stage, single-shard pipeline.
func DefaultConfig() Config {
	return Config{
		PipelineSize:    1,
		TensorSize:      1,
		PartitionMethod: PartitionParameters,
		UseCache:        true,
		BaseSeed:        1234,
		MicroBatches:    1,
	}
}

// Params returns the configuration as settings parameters, with the current values as defaults.
func (c Config) Params() settings.Params {
	kinds := c.CheckpointableLayerKinds
	if kinds == nil {
		kinds = []string{}
	}
	return settings.Params{
		ParamPipelineSize:                 c.PipelineSize,
		ParamDataSize:                     c.DataSize,
		ParamTensorSize:                   c.TensorSize,
		ParamPartitionMethod:              c.PartitionMethod,
		ParamActivationCheckpointInterval: c.ActivationCheckpointInterval,
		ParamCheckpointableLayerKinds:     kinds,
		ParamUseCache:                     c.UseCache,
		ParamSeedLayers:                   c.SeedLayers,
		ParamBaseSeed:                     c.BaseSeed,
		ParamMicroBatches:                 c.MicroBatches,
	}
}

// FromParams updates the configuration from params holding the keys returned by Params.
func (c *Config) FromParams(params settings.Params) {
	c.PipelineSize = settings.Get[int](params, ParamPipelineSize)
	c.DataSize = settings.Get[int](params, ParamDataSize)
	c.TensorSize = settings.Get[int](params, ParamTensorSize)
	c.PartitionMethod = settings.Get[string](params, ParamPartitionMethod)
	c.ActivationCheckpointInterval = settings.Get[int](params, ParamActivationCheckpointInterval)
	c.CheckpointableLayerKinds = settings.Get[[]string](params, ParamCheckpointableLayerKinds)
	c.UseCache = settings.Get[bool](params, ParamUseCache)
	c.SeedLayers = settings.Get[bool](params, ParamSeedLayers)
	c.BaseSeed = settings.Get[int64](params, ParamBaseSeed)
	c.MicroBatches = settings.Get[int](params, ParamMicroBatches)
}

// ParseSettings applies a settings string (see settings.Parse) to the configuration.
func (c *Config) ParseSettings(s string) error {
	params := c.Params()
	if _, err := settings.Parse(params, s); err != nil {
		return err
	}
	c.FromParams(params)
	return c.Validate()
}

// LoadConfigFile reads a YAML configuration, with the fields not present in the file taking the values of
// DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read pipeline configuration %q", path)
	}
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse pipeline configuration %q", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration values that don't depend on the world or the model.
func (c Config) Validate() error {
	if c.PipelineSize < 1 || c.TensorSize < 1 || c.DataSize < 0 {
		return errors.Errorf("invalid parallel sizes pipeline_size=%d, data_size=%d, tensor_size=%d",
			c.PipelineSize, c.DataSize, c.TensorSize)
	}
	if c.ActivationCheckpointInterval < 0 {
		return errors.Errorf("invalid activation_checkpoint_interval=%d", c.ActivationCheckpointInterval)
	}
	if c.MicroBatches < 1 {
		return errors.Errorf("invalid micro_batches=%d", c.MicroBatches)
	}
	if _, err := newLayerWeigher(c.PartitionMethod); err != nil {
		return err
	}
	return nil
}
