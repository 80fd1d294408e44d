// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generation

import (
	"github.com/gomlx/pipemesh/internal/settings"
	"github.com/pkg/errors"
)

// Setting keys of the generation configuration.
const (
	ParamMaxNewTokens = "max_new_tokens"
	ParamStrategy     = "strategy"
	ParamTemperature  = "temperature"
	ParamTopK         = "top_k"
	ParamSeed         = "seed"
	ParamEosTokenID   = "eos_token_id"
	ParamGatherPolicy = "gather_policy"
)

// Sampling strategies.
const (
	StrategyGreedy      = "greedy"
	StrategyTemperature = "temperature"
	StrategyTopK        = "top_k"
)

// GatherPolicy decides when the gathered cache or hidden-state lists are reported by Generator.Forward.
type GatherPolicy int

const (
	// GatherNonEmpty reports any non-empty list.
	GatherNonEmpty GatherPolicy = iota

	// GatherAtLeastTwo reports a list only if it holds two or more entries: a single entry is reported as
	// nothing. Kept for compatibility with pipelines relying on that behavior.
	GatherAtLeastTwo
)

// String implements fmt.Stringer.
func (p GatherPolicy) String() string {
	switch p {
	case GatherNonEmpty:
		return "non_empty"
	case GatherAtLeastTwo:
		return "at_least_two"
	}
	return "unknown"
}

// ParseGatherPolicy parses the names returned by GatherPolicy.String.
func ParseGatherPolicy(s string) (GatherPolicy, error) {
	for _, p := range []GatherPolicy{GatherNonEmpty, GatherAtLeastTwo} {
		if p.String() == s {
			return p, nil
		}
	}
	return GatherNonEmpty, errors.Errorf("unknown gather policy %q, valid values are %q or %q",
		s, GatherNonEmpty, GatherAtLeastTwo)
}

// Config of a Generator.
type Config struct {
	// MaxNewTokens is the number of tokens generated after the prompt.
	MaxNewTokens int `yaml:"max_new_tokens"`

	// UseCache enables the incremental decoding cache of the layers. It is usually taken from the pipeline
	// configuration (pipeline.Config.UseCache).
	UseCache bool `yaml:"use_cache"`

	// Strategy is one of "greedy", "temperature" or "top_k".
	Strategy    string  `yaml:"strategy"`
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`

	// Seed of the sampler. Every rank draws the same tokens from the same logits.
	Seed int64 `yaml:"seed"`

	// EosTokenID stops the generation of a row once produced. -1 disables it.
	EosTokenID int `yaml:"eos_token_id"`

	GatherPolicy GatherPolicy `yaml:"-"`
}

// DefaultConfig returns greedy decoding of 20 tokens with the cache enabled.
func DefaultConfig() Config {
	return Config{
		MaxNewTokens: 20,
		UseCache:     true,
		Strategy:     StrategyGreedy,
		Temperature:  1.0,
		TopK:         50,
		Seed:         42,
		EosTokenID:   -1,
		GatherPolicy: GatherNonEmpty,
	}
}

// Params returns the configuration as settings parameters, with the current values as defaults.
// UseCache is not included: it is configured with the pipeline.
func (c Config) Params() settings.Params {
	return settings.Params{
		ParamMaxNewTokens: c.MaxNewTokens,
		ParamStrategy:     c.Strategy,
		ParamTemperature:  c.Temperature,
		ParamTopK:         c.TopK,
		ParamSeed:         c.Seed,
		ParamEosTokenID:   c.EosTokenID,
		ParamGatherPolicy: c.GatherPolicy.String(),
	}
}

// FromParams updates the configuration from params holding the keys returned by Params.
func (c *Config) FromParams(params settings.Params) error {
	c.MaxNewTokens = settings.Get[int](params, ParamMaxNewTokens)
	c.Strategy = settings.Get[string](params, ParamStrategy)
	c.Temperature = settings.Get[float64](params, ParamTemperature)
	c.TopK = settings.Get[int](params, ParamTopK)
	c.Seed = settings.Get[int64](params, ParamSeed)
	c.EosTokenID = settings.Get[int](params, ParamEosTokenID)
	var err error
	c.GatherPolicy, err = ParseGatherPolicy(settings.Get[string](params, ParamGatherPolicy))
	if err != nil {
		return err
	}
	return c.Validate()
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.MaxNewTokens < 0 {
		return errors.Errorf("invalid %s=%d", ParamMaxNewTokens, c.MaxNewTokens)
	}
	switch c.Strategy {
	case StrategyGreedy:
	case StrategyTemperature:
		if c.Temperature <= 0 {
			return errors.Errorf("strategy %q requires a positive temperature, got %g", c.Strategy, c.Temperature)
		}
	case StrategyTopK:
		if c.TopK <= 0 || c.Temperature <= 0 {
			return errors.Errorf("strategy %q requires positive top_k and temperature, got top_k=%d, temperature=%g",
				c.Strategy, c.TopK, c.Temperature)
		}
	default:
		return errors.Errorf("unknown sampling strategy %q, valid values are %q, %q or %q",
			c.Strategy, StrategyGreedy, StrategyTemperature, StrategyTopK)
	}
	return nil
}
