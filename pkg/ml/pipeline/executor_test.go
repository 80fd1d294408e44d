package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/layers"
	"github.com/gomlx/pipemesh/pkg/ml/losses"
	"github.com/gomlx/pipemesh/pkg/ml/models/prefixlm"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lmConfig = prefixlm.Config{VocabSize: 8, Hidden: 4, NumBlocks: 2}

func runWorld(t *testing.T, world int, fn func(ctx context.Context, rank int, transport collective.Transport) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return collective.RunLocal(ctx, world, fn)
}

func newExecutor(ctx context.Context, transport collective.Transport, cfg pipeline.Config, specs []pipeline.LayerSpec,
	options ...pipeline.Option) (*pipeline.Executor, error) {
	grid, err := pipeline.NewGrid(transport, cfg)
	if err != nil {
		return nil, err
	}
	return pipeline.New(ctx, grid, specs, cfg, options...)
}

func lmPipelineConfig(pipelineSize, tensorSize int) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.PipelineSize = pipelineSize
	cfg.TensorSize = tensorSize
	cfg.PartitionMethod = pipeline.PartitionUniform
	cfg.SeedLayers = true
	return cfg
}

func TestTiedWeightsSynchronized(t *testing.T) {
	weights := make([]*tensors.Tensor, 2)
	err := runWorld(t, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		exec, err := newExecutor(ctx, transport, lmPipelineConfig(2, 1), prefixlm.Specs(lmConfig))
		if err != nil {
			return err
		}
		start, end := exec.LocalRange()
		switch exec.Grid().StageID() {
		case 0:
			assert.Equal(t, [2]int{0, 2}, [2]int{start, end})
			weights[rank] = exec.Layers()[0].(*layers.Embedding).Weight()
		case 1:
			assert.Equal(t, [2]int{2, 4}, [2]int{start, end})
			weights[rank] = exec.Layers()[1].(*layers.LMHead).Weight()
		}
		if len(exec.TiedGroups()) != 1 {
			return errors.Errorf("expected one tied group, got %d", len(exec.TiedGroups()))
		}
		tg := exec.TiedGroups()[0]
		assert.Equal(t, prefixlm.EmbeddingTie, tg.Key)
		assert.Equal(t, []int{0, 3}, tg.Layers)
		assert.Equal(t, []int{0, 1}, tg.Stages)
		assert.Equal(t, 0, tg.SourceStage)
		assert.True(t, tg.IsLocal())
		assert.Same(t, weights[rank], tg.LocalWeight())

		d := exec.Discovery()
		assert.Equal(t, []int{0, 2, 4}, d.Parts)
		assert.Equal(t, exec.Grid().StageID(), d.StageID)
		assert.Equal(t, 2, d.PipelineSize)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, weights[0].Equal(weights[1]), "tied weights differ across stages")
}

func TestLocalTiedWeightsShared(t *testing.T) {
	err := runWorld(t, 1, func(ctx context.Context, rank int, transport collective.Transport) error {
		exec, err := newExecutor(ctx, transport, lmPipelineConfig(1, 1), prefixlm.Specs(lmConfig))
		if err != nil {
			return err
		}
		localLayers := exec.Layers()
		if len(localLayers) != 4 {
			return errors.Errorf("expected 4 local layers, got %d", len(localLayers))
		}
		assert.Same(t, localLayers[0].(*layers.Embedding).Weight(), localLayers[3].(*layers.LMHead).Weight())
		// Shared weights are listed once.
		assert.Len(t, exec.Parameters(), 3)
		return nil
	})
	require.NoError(t, err)
}

// evalLogits runs EvalBatch on every rank of a world and returns the logits of each rank.
func evalLogits(t *testing.T, world int, cfg pipeline.Config, ids *tensors.Tensor) []*tensors.Tensor {
	results := make([]*tensors.Tensor, world)
	err := runWorld(t, world, func(ctx context.Context, rank int, transport collective.Transport) error {
		exec, err := newExecutor(ctx, transport, cfg, prefixlm.Specs(lmConfig))
		if err != nil {
			return err
		}
		results[rank], err = exec.EvalBatch(ctx, ids)
		return err
	})
	require.NoError(t, err)
	return results
}

func TestEvalBatch(t *testing.T) {
	ids := tensors.FromRows([][]int32{{1, 2, 3}, {7, 0, 5}})
	want := evalLogits(t, 1, lmPipelineConfig(1, 1), ids)[0]
	require.Equal(t, []int{2, 3, lmConfig.VocabSize}, want.Dimensions())

	testCases := []struct {
		name                string
		world, pipe, tensor int
	}{
		{"pipeline", 2, 2, 1},
		{"pipeline 4 stages", 4, 4, 1},
		{"pipeline and tensor", 4, 2, 2},
		{"pipeline and data", 4, 2, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for rank, got := range evalLogits(t, tc.world, lmPipelineConfig(tc.pipe, tc.tensor), ids) {
				assert.True(t, want.Equal(got), "rank %d logits %s differ from single stage logits %s", rank, got, want)
			}
		})
	}
}

func TestActivationShapeChange(t *testing.T) {
	cfg := lmPipelineConfig(2, 1)
	err := runWorld(t, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		exec, err := newExecutor(ctx, transport, cfg, prefixlm.Specs(lmConfig))
		if err != nil {
			return err
		}
		if _, err = exec.EvalBatch(ctx, tensors.FromRows([][]int32{{1, 2, 3}})); err != nil {
			return err
		}
		_, err = exec.EvalBatch(ctx, tensors.FromRows([][]int32{{1, 2, 3, 4}}))
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrShapeChanged), "unexpected error %+v", err)

	err = runWorld(t, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		exec, err := newExecutor(ctx, transport, cfg, prefixlm.Specs(lmConfig))
		if err != nil {
			return err
		}
		for _, ids := range [][][]int32{{{1, 2, 3}}, {{4, 5, 6}}, {{1, 2, 3, 4}}} {
			if len(ids[0]) == 4 {
				exec.ResetActivationShape()
			}
			logits, err := exec.EvalBatch(ctx, tensors.FromRows(ids))
			if err != nil {
				return err
			}
			assert.Equal(t, []int{1, len(ids[0]), lmConfig.VocabSize}, logits.Dimensions())
		}
		assert.Equal(t, 1, exec.ActivationResets())
		return nil
	})
	require.NoError(t, err)
}

func TestConstructionErrorsFailEveryRank(t *testing.T) {
	identitySpec := pipeline.LayerSpec{
		Kind:  "identity",
		Build: func(pipeline.BuildContext) (pipeline.Layer, error) { return identityLayer{}, nil },
	}
	specs := []pipeline.LayerSpec{
		scaleSpec(nil).WithTie("shared", ""),
		scaleSpec(nil),
		identitySpec.WithTie("shared", ""),
		scaleSpec(nil),
	}
	errs := make([]error, 2)
	err := runWorld(t, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		_, errs[rank] = newExecutor(ctx, transport, lmPipelineConfig(2, 1), specs)
		return nil
	})
	require.NoError(t, err)
	require.Error(t, errs[0])
	require.Error(t, errs[1])
	assert.True(t, errors.Is(errs[1], pipeline.ErrUnresolvedTie))

	err = runWorld(t, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
		_, err := newExecutor(ctx, transport, lmPipelineConfig(2, 1), specs[:1])
		return err
	})
	assert.True(t, errors.Is(err, pipeline.ErrTooFewLayers))
}

func TestTrainBatch(t *testing.T) {
	ids := tensors.FromRows([][]int32{{1, 2, 3, 4}, {7, 0, 5, 5}})
	lossFn := pipeline.WithLoss(losses.LanguageModel(losses.DefaultIgnoreIndex))

	var wantLoss float32
	err := runWorld(t, 1, func(ctx context.Context, rank int, transport collective.Transport) error {
		cfg := lmPipelineConfig(1, 1)
		cfg.MicroBatches = 2
		exec, err := newExecutor(ctx, transport, cfg, prefixlm.Specs(lmConfig), lossFn)
		if err != nil {
			return err
		}
		wantLoss, err = exec.TrainBatch(ctx, pipeline.Batch{Inputs: ids, Labels: ids})
		return err
	})
	require.NoError(t, err)
	assert.Greater(t, wantLoss, float32(0))

	t.Run("tied gradients", func(t *testing.T) {
		grads := make([]*tensors.Tensor, 2)
		lossValues := make([]float32, 2)
		err := runWorld(t, 2, func(ctx context.Context, rank int, transport collective.Transport) error {
			cfg := lmPipelineConfig(2, 1)
			cfg.MicroBatches = 2
			exec, err := newExecutor(ctx, transport, cfg, prefixlm.Specs(lmConfig), lossFn)
			if err != nil {
				return err
			}
			if lossValues[rank], err = exec.TrainBatch(ctx, pipeline.Batch{Inputs: ids, Labels: ids}); err != nil {
				return err
			}
			tied := exec.Layers()[0].(pipeline.Trainable)
			if exec.Grid().IsLastStage() {
				tied = exec.Layers()[1].(pipeline.Trainable)
			}
			grads[rank] = tied.Parameters()[0].Grad
			return nil
		})
		require.NoError(t, err)
		assert.True(t, grads[0].Equal(grads[1]), "tied gradients differ across stages")
		assert.Equal(t, lossValues[0], lossValues[1])
		assert.InDelta(t, wantLoss, lossValues[0], 1e-5)
	})

	t.Run("data parallel step", func(t *testing.T) {
		weights := make([]*tensors.Tensor, 4)
		lossValues := make([]float32, 4)
		err := runWorld(t, 4, func(ctx context.Context, rank int, transport collective.Transport) error {
			exec, err := newExecutor(ctx, transport, lmPipelineConfig(2, 1), prefixlm.Specs(lmConfig),
				lossFn, pipeline.WithOptimizer(pipeline.SGD{LearningRate: 0.5}))
			if err != nil {
				return err
			}
			batch := ids.Slice(0, exec.Grid().DataParallelID(), exec.Grid().DataParallelID()+1)
			for range 3 {
				if lossValues[rank], err = exec.TrainBatch(ctx, pipeline.Batch{Inputs: batch, Labels: batch}); err != nil {
					return err
				}
			}
			tg := exec.TiedGroups()[0]
			weights[rank] = tg.LocalWeight()
			for _, p := range exec.Parameters() {
				for _, g := range p.Grad.Floats() {
					assert.Zero(t, g, "gradients must be zeroed after the optimizer step")
				}
			}
			return nil
		})
		require.NoError(t, err)
		for rank := 1; rank < 4; rank++ {
			assert.True(t, weights[0].Equal(weights[rank]), "rank %d tied weight differs from rank 0", rank)
			assert.Equal(t, lossValues[0], lossValues[rank])
		}
	})

	t.Run("missing loss", func(t *testing.T) {
		err := runWorld(t, 1, func(ctx context.Context, rank int, transport collective.Transport) error {
			exec, err := newExecutor(ctx, transport, lmPipelineConfig(1, 1), prefixlm.Specs(lmConfig))
			if err != nil {
				return err
			}
			_, err = exec.TrainBatch(ctx, pipeline.Batch{Inputs: ids, Labels: ids})
			return err
		})
		require.Error(t, err)
	})
}

// scaleLayer multiplies its input by a scalar weight, counting its forward calls.
type scaleLayer struct {
	w        *pipeline.Parameter
	forwards *int
}

func scaleSpec(forwards *int) pipeline.LayerSpec {
	return pipeline.LayerSpec{
		Kind:      "scale",
		NumParams: 1,
		Build: func(bc pipeline.BuildContext) (pipeline.Layer, error) {
			w := tensors.Zeros(dtypes.Float32, 1)
			w.Fill(1 + 0.1*float32(bc.Index))
			return &scaleLayer{w: &pipeline.Parameter{Name: "weight", Value: w}, forwards: forwards}, nil
		},
	}
}

func (l *scaleLayer) Forward(_ context.Context, x *tensors.Tensor) (*tensors.Tensor, error) {
	if l.forwards != nil {
		*l.forwards++
	}
	y := x.Clone()
	y.ScaleInPlace(l.w.Value.Floats()[0])
	return y, nil
}

func (l *scaleLayer) Backward(_ context.Context, x, gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	var dw float32
	for ii, g := range gradOutput.Floats() {
		dw += g * x.Floats()[ii]
	}
	l.w.AccumulateGrad(tensors.FromFlatData([]float32{dw}, 1))
	gradX := gradOutput.Clone()
	gradX.ScaleInPlace(l.w.Value.Floats()[0])
	return gradX, nil
}

func (l *scaleLayer) Parameters() []*pipeline.Parameter { return []*pipeline.Parameter{l.w} }

type identityLayer struct{}

func (identityLayer) Forward(_ context.Context, x *tensors.Tensor) (*tensors.Tensor, error) { return x, nil }

func sumLoss(outputs, _ *tensors.Tensor) (float32, *tensors.Tensor, error) {
	var sum float32
	for _, v := range outputs.Floats() {
		sum += v
	}
	grad := tensors.Zeros(outputs.DType(), outputs.Dimensions()...)
	grad.Fill(1)
	return sum, grad, nil
}

func TestActivationCheckpointing(t *testing.T) {
	inputs := tensors.FromFlatData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	testCases := []struct {
		name                 string
		interval             int
		kinds                []string
		wantForwards, chunks int
	}{
		{"disabled", 0, nil, 4, 0},
		{"chunks with parameters", 2, nil, 6, 2},
		{"allowed kinds", 2, []string{"scale"}, 6, 2},
		{"kinds not allowed", 2, []string{"other"}, 4, 0},
		{"uneven chunks", 3, nil, 6, 2},
	}
	var wantGrads []float32
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			forwards := 0
			specs := []pipeline.LayerSpec{scaleSpec(&forwards), scaleSpec(&forwards), scaleSpec(&forwards), scaleSpec(&forwards)}
			cfg := pipeline.DefaultConfig()
			cfg.ActivationCheckpointInterval = tc.interval
			cfg.CheckpointableLayerKinds = tc.kinds
			var grads []float32
			err := runWorld(t, 1, func(ctx context.Context, rank int, transport collective.Transport) error {
				exec, err := newExecutor(ctx, transport, cfg, specs, pipeline.WithLoss(sumLoss))
				if err != nil {
					return err
				}
				assert.Equal(t, tc.chunks, exec.CheckpointedChunks())
				if _, err = exec.TrainBatch(ctx, pipeline.Batch{Inputs: inputs, Labels: inputs}); err != nil {
					return err
				}
				for _, p := range exec.Parameters() {
					grads = append(grads, p.Grad.Floats()...)
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantForwards, forwards)
			if wantGrads == nil {
				wantGrads = grads
			} else {
				assert.Equal(t, wantGrads, grads, "recomputed gradients differ")
			}
		})
	}
}
