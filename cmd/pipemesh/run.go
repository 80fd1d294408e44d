package main

import (
	"context"
	"time"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/distributed"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/generation"
	"github.com/gomlx/pipemesh/pkg/ml/losses"
	"github.com/gomlx/pipemesh/pkg/ml/models/prefixlm"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"
)

// rankReport is the outcome of a run on one rank.
type rankReport struct {
	rank                   int
	coordinate             distributed.Coordinate
	layersStart, layersEnd int
	losses                 []float32
	sequences              [][]int32
	bufferResets           int
	discovery              pipeline.Discovery
	elapsed                time.Duration
}

// syntheticBatch returns rows of consecutive token ids (modulo the vocabulary) starting at random offsets:
// the next token is always predictable from the current one.
func syntheticBatch(rng *rand.Rand, batchSize, seqLen, vocabSize int) *tensors.Tensor {
	rows := make([][]int32, batchSize)
	for b := range rows {
		start := rng.Intn(vocabSize)
		rows[b] = make([]int32, seqLen)
		for t := range rows[b] {
			rows[b][t] = int32((start + t) % vocabSize)
		}
	}
	return tensors.FromRows(rows)
}

// runRank trains the model on the local rank of transport for the configured number of steps, and then
// generates from the prompt. onStep, if not nil, is called after each training step.
func runRank(ctx context.Context, transport collective.Transport, o *options,
	onStep func(step int, loss float32)) (*rankReport, error) {
	start := time.Now()
	grid, err := pipeline.NewGrid(transport, o.pipeline)
	if err != nil {
		return nil, err
	}
	exec, err := pipeline.New(ctx, grid, prefixlm.Specs(o.model), o.pipeline,
		pipeline.WithLoss(losses.LanguageModel(losses.DefaultIgnoreIndex)),
		pipeline.WithOptimizer(pipeline.SGD{LearningRate: float32(o.learningRate)}))
	if err != nil {
		return nil, err
	}
	report := &rankReport{
		rank:       grid.Rank(),
		coordinate: grid.Coordinate(),
		discovery:  exec.Discovery(),
	}
	report.layersStart, report.layersEnd = exec.LocalRange()
	klog.V(1).Infof("rank %d %s: layers [%d, %d) of partition %s", report.rank, report.coordinate,
		report.layersStart, report.layersEnd, exec.Partition())

	// Ranks of the same data-parallel replica train on the same batches.
	rng := rand.New(rand.NewSource(uint64(o.pipeline.BaseSeed) + uint64(grid.DataParallelID())))
	for step := range o.steps {
		ids := syntheticBatch(rng, o.batchSize, o.seqLen, o.model.VocabSize)
		loss, err := exec.TrainBatch(ctx, pipeline.Batch{Inputs: ids, Labels: ids})
		if err != nil {
			return nil, errors.WithMessagef(err, "training step %d", step)
		}
		report.losses = append(report.losses, loss)
		if onStep != nil {
			onStep(step, loss)
		}
	}

	gen, err := generation.New(exec, o.generation)
	if err != nil {
		return nil, err
	}
	prompt, err := parsePrompt(o.prompt, o.model.VocabSize)
	if err != nil {
		return nil, err
	}
	sequences, err := gen.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if err := grid.WorldGroup().Barrier(ctx); err != nil {
		return nil, err
	}
	report.sequences = sequences.Rows()
	report.bufferResets = gen.BufferResets()
	report.elapsed = time.Since(start)
	return report, nil
}
