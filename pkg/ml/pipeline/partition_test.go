package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func specsOf(kinds []string, numParams []int64) []LayerSpec {
	specs := make([]LayerSpec, len(kinds))
	for ii, kind := range kinds {
		specs[ii].Kind = kind
		if numParams != nil {
			specs[ii].NumParams = numParams[ii]
		}
	}
	return specs
}

func uniformSpecs(n int) []LayerSpec {
	kinds := make([]string, n)
	for ii := range kinds {
		kinds[ii] = "block"
	}
	return specsOf(kinds, nil)
}

func TestPartitionLayers(t *testing.T) {
	lm := []string{"embedding", "mixer", "mixer", "mixer", "mixer", "lm_head"}
	testCases := []struct {
		name      string
		specs     []LayerSpec
		numStages int
		method    string
		want      []int
	}{
		{"uniform even", uniformSpecs(10), 2, PartitionUniform, []int{0, 5, 10}},
		{"uniform remainder first", uniformSpecs(10), 3, PartitionUniform, []int{0, 4, 7, 10}},
		{"one stage", uniformSpecs(3), 1, PartitionParameters, []int{0, 3}},
		{"one layer per stage", uniformSpecs(4), 4, PartitionParameters, []int{0, 1, 2, 3, 4}},
		{"parameters", specsOf(lm, []int64{100, 1, 1, 1, 1, 100}), 2, PartitionParameters, []int{0, 3, 6}},
		{"parameters heavy tail", specsOf(lm, []int64{1, 1, 1, 1, 1, 50}), 2, PartitionParameters, []int{0, 5, 6}},
		{"unknown costs", specsOf(lm, nil), 2, PartitionParameters, []int{0, 3, 6}},
		{"unknown costs 4 stages", specsOf(lm, nil), 4, "", []int{0, 2, 4, 5, 6}},
		{"type", specsOf(lm, nil), 2, "type:mixer", []int{0, 3, 6}},
		{"type case-insensitive", specsOf(lm, nil), 2, "type:MIXER", []int{0, 3, 6}},
		{"type regexp", specsOf(lm, nil), 3, "type:^(embedding|lm_head)$", []int{0, 4, 5, 6}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := PartitionLayers(tc.specs, tc.numStages, tc.method)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Parts)
			require.NoError(t, p.Validate(len(tc.specs), tc.numStages))
		})
	}
}

func TestPartitionErrors(t *testing.T) {
	_, err := PartitionLayers(uniformSpecs(2), 3, PartitionUniform)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooFewLayers))

	_, err = PartitionLayers(uniformSpecs(4), 2, "random")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTooFewLayers))

	_, err = PartitionLayers(uniformSpecs(4), 2, "type:(")
	require.Error(t, err)

	_, err = PartitionLayers(uniformSpecs(4), 0, PartitionUniform)
	require.Error(t, err)
}

func TestPartitionCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	methods := []string{PartitionUniform, PartitionParameters, "type:odd"}
	for numLayers := 1; numLayers <= 12; numLayers++ {
		kinds := make([]string, numLayers)
		numParams := make([]int64, numLayers)
		for ii := range kinds {
			kinds[ii] = "even"
			if ii%2 == 1 {
				kinds[ii] = "odd"
			}
			numParams[ii] = int64(rng.Intn(1000))
		}
		specs := specsOf(kinds, numParams)
		for numStages := 1; numStages <= numLayers; numStages++ {
			for _, method := range methods {
				p, err := PartitionLayers(specs, numStages, method)
				require.NoError(t, err, "%d layers, %d stages, %s", numLayers, numStages, method)
				require.NoError(t, p.Validate(numLayers, numStages), "%d layers, %d stages, %s",
					numLayers, numStages, method)
				for layer := range numLayers {
					stage := p.StageOf(layer)
					start, end := p.Range(stage)
					require.True(t, layer >= start && layer < end)
				}
				assert.Equal(t, -1, p.StageOf(numLayers))
			}
		}
	}
}

func TestPartitionString(t *testing.T) {
	p := Partition{Parts: []int{0, 5, 10}}
	assert.Equal(t, "Partition(0:[0,5) 1:[5,10))", p.String())
	assert.Equal(t, 2, p.NumStages())
	assert.Equal(t, 10, p.NumLayers())
	assert.Error(t, Partition{Parts: []int{0, 5, 5}}.Validate(5, 2))
}

func TestConfigSettings(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ParseSettings(
		"pipeline_size=2;tensor_size=1;partition_method=uniform;checkpointable_layer_kinds=mixer,embedding;"+
			"activation_checkpoint_interval=2;base_seed=1_000;seed_layers=true"))
	assert.Equal(t, 2, cfg.PipelineSize)
	assert.Equal(t, PartitionUniform, cfg.PartitionMethod)
	assert.Equal(t, []string{"mixer", "embedding"}, cfg.CheckpointableLayerKinds)
	assert.Equal(t, 2, cfg.ActivationCheckpointInterval)
	assert.Equal(t, int64(1000), cfg.BaseSeed)
	assert.True(t, cfg.SeedLayers)
	assert.True(t, cfg.UseCache)

	for _, bad := range []string{"micro_batches=0", "partition_method=random", "pipeline_size=0", "unknown_key=1"} {
		cfg := DefaultConfig()
		assert.Error(t, cfg.ParseSettings(bad), "settings %q", bad)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	contents := "pipeline_size: 4\nmicro_batches: 2\ncheckpointable_layer_kinds: [mixer]\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.PipelineSize)
	assert.Equal(t, 2, cfg.MicroBatches)
	assert.Equal(t, []string{"mixer"}, cfg.CheckpointableLayerKinds)
	// Defaults are kept for the missing keys.
	assert.Equal(t, PartitionParameters, cfg.PartitionMethod)
	assert.Equal(t, int64(1234), cfg.BaseSeed)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDiscoveryEnviron(t *testing.T) {
	d := Discovery{Parts: []int{0, 3, 6}, StageID: 1, DataParallelID: 2, PipelineSize: 2, DataSize: 3, TensorSize: 1}
	environ := d.Environ()
	assert.Contains(t, environ, "PIPEMESH_PP_PARTS=[0,3,6]")
	assert.Contains(t, environ, "PIPEMESH_PP_RANK=1")
	assert.Contains(t, environ, "PIPEMESH_DP_RANK=2")

	parsed, err := DiscoveryFromEnviron(append([]string{"HOME=/root", "PATH=/bin"}, environ...))
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	for ii := range environ {
		partial := append(append([]string{}, environ[:ii]...), environ[ii+1:]...)
		_, err := DiscoveryFromEnviron(partial)
		assert.Error(t, err, fmt.Sprintf("missing %s", environ[ii]))
	}
	_, err = DiscoveryFromEnviron([]string{EnvParts + "=[0,"})
	require.Error(t, err)
}
