package layers

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func randomTensor(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensors.Zeros(dtypes.Float32, dims...)
	values := x.Floats()
	for ii := range values {
		values[ii] = float32(rng.NormFloat64())
	}
	return x
}

func seededContext(seed uint64) pipeline.BuildContext {
	return pipeline.BuildContext{Seed: int64(seed), Rand: rand.New(rand.NewSource(seed))}
}

func TestPrefixMixerIncremental(t *testing.T) {
	ctx := context.Background()
	x := randomTensor(1, 2, 5, 3)
	mixer, err := NewPrefixMixer(seededContext(0), 3)
	require.NoError(t, err)
	mixer.gain.Value = randomTensor(2, 3)

	full, err := mixer.Forward(ctx, x)
	require.NoError(t, err)
	assert.Nil(t, mixer.Cache(), "cache must not be populated unless enabled")

	mixer.SetUseCache(true)
	var parts []*tensors.Tensor
	for _, r := range [][2]int{{0, 3}, {3, 4}, {4, 5}} {
		out, err := mixer.Forward(ctx, x.Slice(1, r[0], r[1]))
		require.NoError(t, err)
		parts = append(parts, out)
	}
	assert.True(t, full.Equal(tensors.Concatenate(1, parts...)))
	cache, ok := mixer.Cache().(*MixerCache)
	require.True(t, ok)
	assert.Equal(t, 5, cache.Count)

	// A cache of another batch size is rejected.
	_, err = mixer.Forward(ctx, randomTensor(3, 1, 1, 3))
	require.Error(t, err)

	// Training ignores the cache.
	mixer.SetTraining(true)
	trainOut, err := mixer.Forward(ctx, x)
	require.NoError(t, err)
	assert.True(t, full.Equal(trainOut))

	mixer.ClearCache()
	assert.Nil(t, mixer.Cache())
}

func TestPrefixMixerBackward(t *testing.T) {
	ctx := context.Background()
	x := randomTensor(1, 2, 4, 3)
	gradOut := randomTensor(2, 2, 4, 3)
	mixer, err := NewPrefixMixer(seededContext(0), 3)
	require.NoError(t, err)
	mixer.gain.Value = randomTensor(3, 3)
	mixer.SetTraining(true)

	// objective is linear in x and gain, so finite differences are exact up to rounding.
	objective := func() float64 {
		y, err := mixer.Forward(ctx, x)
		require.NoError(t, err)
		var sum float64
		for ii, v := range y.Floats() {
			sum += float64(v) * float64(gradOut.Floats()[ii])
		}
		return sum
	}

	gradX, err := mixer.Backward(ctx, x, gradOut)
	require.NoError(t, err)
	base := objective()
	for ii := range x.Floats() {
		x.Floats()[ii] += 1
		assert.InDelta(t, objective()-base, gradX.Floats()[ii], 1e-3, "dx[%d]", ii)
		x.Floats()[ii] -= 1
	}
	for ii := range mixer.gain.Value.Floats() {
		mixer.gain.Value.Floats()[ii] += 1
		assert.InDelta(t, objective()-base, mixer.gain.Grad.Floats()[ii], 1e-3, "dgain[%d]", ii)
		mixer.gain.Value.Floats()[ii] -= 1
	}
}

func TestEmbeddingBackward(t *testing.T) {
	ctx := context.Background()
	emb, err := NewEmbedding(seededContext(5), 4, 2)
	require.NoError(t, err)
	ids := tensors.FromRows([][]int32{{1, 3, 1}})
	out, err := emb.Forward(ctx, ids)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 2}, out.Dimensions())
	assert.Equal(t, emb.Weight().Floats()[2:4], out.Floats()[0:2])

	gradOut := tensors.FromFlatData([]float32{1, 2, 3, 4, 5, 6}, 1, 3, 2)
	gradIDs, err := emb.Backward(ctx, ids, gradOut)
	require.NoError(t, err)
	assert.Nil(t, gradIDs)
	assert.Equal(t, []float32{0, 0, 6, 8, 0, 0, 3, 4}, emb.Parameters()[0].Grad.Floats())

	_, err = emb.Forward(ctx, tensors.FromRows([][]int32{{4}}))
	require.Error(t, err)
}

func TestLMHeadHiddenState(t *testing.T) {
	ctx := context.Background()
	head, err := NewLMHead(seededContext(5), 4, 2)
	require.NoError(t, err)
	x := randomTensor(1, 1, 3, 2)

	head.SetTraining(true)
	_, err = head.Forward(ctx, x)
	require.NoError(t, err)
	assert.Nil(t, head.HiddenState())

	head.SetTraining(false)
	logits, err := head.Forward(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, logits.Dimensions())
	assert.True(t, x.Equal(head.HiddenState()))
	head.ClearHiddenState()
	assert.Nil(t, head.HiddenState())

	gradX, err := head.Backward(ctx, x, tensors.Zeros(dtypes.Float32, 1, 3, 4))
	require.NoError(t, err)
	assert.True(t, gradX.SameShape(x))
	_, err = head.Backward(ctx, x, tensors.Zeros(dtypes.Float32, 1, 3, 3))
	require.Error(t, err)
}

// forwardLM runs ids through an embedding and a head built from the same seeded stream.
func forwardLM(ctx context.Context, bc pipeline.BuildContext, ids *tensors.Tensor) (*tensors.Tensor, error) {
	emb, err := NewEmbedding(bc, 6, 4)
	if err != nil {
		return nil, err
	}
	head, err := NewLMHead(bc, 6, 4)
	if err != nil {
		return nil, err
	}
	x, err := emb.Forward(ctx, ids)
	if err != nil {
		return nil, err
	}
	return head.Forward(ctx, x)
}

func TestTensorParallelShards(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ids := tensors.FromRows([][]int32{{0, 5, 2}, {3, 3, 1}})
	want, err := forwardLM(ctx, seededContext(11), ids)
	require.NoError(t, err)

	results := make([]*tensors.Tensor, 2)
	err = collective.RunLocal(ctx, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		cfg := pipeline.DefaultConfig()
		cfg.TensorSize = 2
		grid, err := pipeline.NewGrid(transport, cfg)
		if err != nil {
			return err
		}
		bc := seededContext(11)
		bc.Grid = grid
		results[rank], err = forwardLM(ctx, bc, ids)
		return err
	})
	require.NoError(t, err)
	for rank, got := range results {
		assert.True(t, want.Equal(got), "rank %d logits differ from the unsharded layers", rank)
	}

	// Shards need a divisible vocabulary.
	err = collective.RunLocal(ctx, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		cfg := pipeline.DefaultConfig()
		cfg.TensorSize = 2
		grid, err := pipeline.NewGrid(transport, cfg)
		if err != nil {
			return err
		}
		bc := seededContext(11)
		bc.Grid = grid
		_, err = NewEmbedding(bc, 5, 4)
		return err
	})
	require.Error(t, err)
}
