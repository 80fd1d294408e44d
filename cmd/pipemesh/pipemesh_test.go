package main

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/ml/generation"
	"github.com/gomlx/pipemesh/pkg/ml/models/prefixlm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestParsePrompt(t *testing.T) {
	prompt, err := parsePrompt("1,2,3; 4, 5, 6", 8)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, prompt.Rows())

	for _, invalid := range []string{"", "1,2;3", "1,x", "1,8", "-1"} {
		_, err := parsePrompt(invalid, 8)
		assert.Error(t, err, "prompt %q", invalid)
	}
}

func TestOptionsParse(t *testing.T) {
	o := newOptions("test")
	require.NoError(t, o.parse([]string{"-world=4", "-batch=6",
		"-set=pipeline_size=2;micro_batches=3;num_blocks=2;strategy=top_k;top_k=3;use_cache=false"}))
	assert.Equal(t, 4, o.world)
	assert.Equal(t, 2, o.pipeline.PipelineSize)
	assert.Equal(t, 3, o.pipeline.MicroBatches)
	assert.True(t, o.pipeline.SeedLayers)
	assert.Equal(t, 2, o.model.NumBlocks)
	assert.Equal(t, generation.StrategyTopK, o.generation.Strategy)
	assert.Equal(t, 3, o.generation.TopK)
	assert.False(t, o.generation.UseCache)

	for _, args := range [][]string{
		{"-set=unknown_param=1"},
		{"-batch=5", "-set=micro_batches=2"},
		{"-set=vocab_size=0"},
		{"-prompt=99"},
		{"-set=strategy=beam"},
		{"extra"},
	} {
		t.Run(fmt.Sprint(args), func(t *testing.T) {
			assert.Error(t, newOptions("test").parse(args))
		})
	}
}

func TestWorkerEnv(t *testing.T) {
	env, err := workerEnvFromEnviron([]string{"HOME=/root", EnvRank + "=1", EnvWorldSize + "=2",
		EnvAddrs + "=127.0.0.1:5000,127.0.0.1:5001", EnvRunID + "=abc"})
	require.NoError(t, err)
	assert.Equal(t, 1, env.rank)
	assert.Equal(t, []string{"127.0.0.1:5000", "127.0.0.1:5001"}, env.addrs)
	assert.Equal(t, "abc", env.runID)

	env, err = workerEnvFromEnviron([]string{EnvRank + "=0", EnvWorldSize + "=1", EnvAddrs + "=127.0.0.1:5000"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.runID)

	for _, environ := range [][]string{
		{EnvWorldSize + "=1", EnvAddrs + "=a"},
		{EnvRank + "=x", EnvWorldSize + "=1", EnvAddrs + "=a"},
		{EnvRank + "=0", EnvWorldSize + "=2", EnvAddrs + "=a"},
		{EnvRank + "=2", EnvWorldSize + "=2", EnvAddrs + "=a,b"},
	} {
		_, err := workerEnvFromEnviron(environ)
		assert.Error(t, err, "environ %v", environ)
	}
}

func TestKindCounts(t *testing.T) {
	specs := prefixlm.Specs(prefixlm.Config{VocabSize: 4, Hidden: 2, NumBlocks: 3})
	assert.Equal(t, "embedding, 3 x mixer, lm_head", kindCounts(specs))
	assert.Equal(t, "mixer", kindCounts(specs[1:2]))
}

func TestPlainTable(t *testing.T) {
	rendered := newPlainTable().Headers("Rank", "Stage").Row("0", "7").Row("1", "8").Render()
	lines := strings.Split(rendered, "\n")
	separator := -1
	for ii, line := range lines {
		if strings.Contains(line, "├") {
			separator = ii
			break
		}
	}
	require.Greater(t, separator, 0, "header separator missing in:\n%s", rendered)
	assert.Contains(t, strings.Join(lines[:separator], "\n"), "Rank")
	assert.Contains(t, strings.Join(lines[separator:], "\n"), "7")
	assert.NotContains(t, strings.Join(lines[separator:], "\n"), "Rank")

	// Without headers, the first data row is not styled or separated as a header.
	rendered = newPlainTable().Row("world size", "4").Row("stages", "2").Render()
	assert.NotContains(t, rendered, "├")
	assert.Contains(t, rendered, "world size")
}

func TestSyntheticBatch(t *testing.T) {
	ids := syntheticBatch(rand.New(rand.NewSource(1)), 3, 5, 4)
	require.Equal(t, []int{3, 5}, ids.Dimensions())
	for _, row := range ids.Rows() {
		for ii := 1; ii < len(row); ii++ {
			assert.Equal(t, (row[ii-1]+1)%4, row[ii])
		}
	}
}

func TestRunRank(t *testing.T) {
	run := func(settings string, world int) []*rankReport {
		o := newOptions("test")
		require.NoError(t, o.parse([]string{"-steps=3", "-batch=2", "-seq_len=4", "-prompt=1,2;3,4",
			"-set=max_new_tokens=3;" + settings}))
		reports := make([]*rankReport, world)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := collective.RunLocal(ctx, world, func(ctx context.Context, rank int, tr collective.Transport) error {
			report, err := runRank(ctx, tr, o, nil)
			reports[rank] = report
			return err
		})
		require.NoError(t, err)
		return reports
	}

	single := run("pipeline_size=1", 1)[0]
	require.Len(t, single.losses, 3)
	require.Len(t, single.sequences, 2)
	assert.Len(t, single.sequences[0], 5)

	pipelined := run("pipeline_size=2", 2)
	for _, report := range pipelined {
		assert.InDeltaSlice(t, single.losses, report.losses, 1e-5, "rank %d", report.rank)
		assert.Equal(t, single.sequences, report.sequences, "rank %d", report.rank)
	}
	assert.Equal(t, 0, pipelined[0].layersStart)
	assert.Equal(t, pipelined[0].layersEnd, pipelined[1].layersStart)
	assert.Equal(t, []int{0, pipelined[1].layersStart, 6}, pipelined[1].discovery.Parts)
}
