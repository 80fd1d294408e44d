package prefixlm

import (
	"testing"

	"github.com/gomlx/pipemesh/internal/settings"
	"github.com/gomlx/pipemesh/pkg/ml/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecs(t *testing.T) {
	cfg := Config{VocabSize: 10, Hidden: 3, NumBlocks: 2}
	specs := Specs(cfg)
	require.Len(t, specs, cfg.NumLayers())
	kinds := make([]string, len(specs))
	for ii, spec := range specs {
		kinds[ii] = spec.Kind
	}
	assert.Equal(t, []string{layers.KindEmbedding, layers.KindMixer, layers.KindMixer, layers.KindLMHead}, kinds)
	assert.Equal(t, int64(30), specs[0].NumParams)
	assert.Equal(t, int64(3), specs[1].NumParams)
	for _, ii := range []int{0, len(specs) - 1} {
		require.NotNil(t, specs[ii].Tie)
		assert.Equal(t, EmbeddingTie, specs[ii].Tie.Key)
	}
	assert.Nil(t, specs[1].Tie)
}

func TestConfigParams(t *testing.T) {
	cfg := DefaultConfig()
	params := cfg.Params()
	_, err := settings.Parse(params, "vocab_size=32;num_blocks=0")
	require.NoError(t, err)
	require.NoError(t, cfg.FromParams(params))
	assert.Equal(t, Config{VocabSize: 32, Hidden: 8, NumBlocks: 0}, cfg)
	assert.Len(t, Specs(cfg), 2)

	_, err = settings.Parse(params, "hidden=0")
	require.NoError(t, err)
	assert.Error(t, cfg.FromParams(params))
}
