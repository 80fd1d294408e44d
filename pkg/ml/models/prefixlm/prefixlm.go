// Package prefixlm builds a small causal language model out of the reference layers: a vocab-parallel
// embedding, a stack of prefix mixers, and an LM head tied to the embedding.
//
// It is small enough to run in tests and in the CLI simulations, while exercising every part of a pipeline:
// cross-stage tied weights, cache slots, hidden-state slots and tensor-parallel shards.
package prefixlm

import (
	"github.com/gomlx/pipemesh/internal/settings"
	"github.com/gomlx/pipemesh/pkg/ml/layers"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
)

// EmbeddingTie is the key tying the embedding table with the LM head.
const EmbeddingTie = "embedding"

// Config of the model.
type Config struct {
	VocabSize int `yaml:"vocab_size"`
	Hidden    int `yaml:"hidden"`
	NumBlocks int `yaml:"num_blocks"`
}

// DefaultConfig returns a tiny model.
func DefaultConfig() Config {
	return Config{VocabSize: 16, Hidden: 8, NumBlocks: 4}
}

// Setting keys of the model configuration.
const (
	ParamVocabSize = "vocab_size"
	ParamHidden    = "hidden"
	ParamNumBlocks = "num_blocks"
)

// Params returns the configuration as settings parameters, with the current values as defaults.
func (c Config) Params() settings.Params {
	return settings.Params{
		ParamVocabSize: c.VocabSize,
		ParamHidden:    c.Hidden,
		ParamNumBlocks: c.NumBlocks,
	}
}

// FromParams updates the configuration from params holding the keys returned by Params.
func (c *Config) FromParams(params settings.Params) error {
	c.VocabSize = settings.Get[int](params, ParamVocabSize)
	c.Hidden = settings.Get[int](params, ParamHidden)
	c.NumBlocks = settings.Get[int](params, ParamNumBlocks)
	return c.Validate()
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.VocabSize <= 0 || c.Hidden <= 0 || c.NumBlocks < 0 {
		return errors.Errorf("invalid prefixlm configuration %+v", c)
	}
	return nil
}

// NumLayers returns the length of the layer sequence: embedding, blocks and head.
func (c Config) NumLayers() int { return c.NumBlocks + 2 }

// Specs returns the layer sequence of the model.
func Specs(cfg Config) []pipeline.LayerSpec {
	specs := make([]pipeline.LayerSpec, 0, cfg.NumLayers())
	tableSize := int64(cfg.VocabSize) * int64(cfg.Hidden)
	specs = append(specs, pipeline.LayerSpec{
		Kind:      layers.KindEmbedding,
		NumParams: tableSize,
		Build: func(bc pipeline.BuildContext) (pipeline.Layer, error) {
			return layers.NewEmbedding(bc, cfg.VocabSize, cfg.Hidden)
		},
	}.WithTie(EmbeddingTie, ""))
	for range cfg.NumBlocks {
		specs = append(specs, pipeline.LayerSpec{
			Kind:      layers.KindMixer,
			NumParams: int64(cfg.Hidden),
			Build: func(bc pipeline.BuildContext) (pipeline.Layer, error) {
				return layers.NewPrefixMixer(bc, cfg.Hidden)
			},
		})
	}
	specs = append(specs, pipeline.LayerSpec{
		Kind:      layers.KindLMHead,
		NumParams: tableSize,
		Build: func(bc pipeline.BuildContext) (pipeline.Layer, error) {
			return layers.NewLMHead(bc, cfg.VocabSize, cfg.Hidden)
		},
	}.WithTie(EmbeddingTie, ""))
	return specs
}
