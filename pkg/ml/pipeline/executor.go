// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs a model, given as a sequence of LayerSpec, split across the stages of a process mesh.
//
// Each rank builds only the layers of its own stage (see PartitionLayers), ties weights shared across stages
// (see LayerSpec.WithTie), and moves activations between adjacent stages.
//
// Example:
//
//	grid, _ := pipeline.NewGrid(transport, cfg)
//	exec, _ := pipeline.New(ctx, grid, specs, cfg, pipeline.WithLoss(lossFn))
//	logits, _ := exec.EvalBatch(ctx, inputIDs) // Same logits on every stage.
package pipeline

import (
	"context"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/distributed"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"
)

// NewGrid resolves the mesh requested by cfg against the transport world size, and creates the
// communication grid of the local rank.
func NewGrid(transport collective.Transport, cfg Config) (*distributed.Grid, error) {
	mesh, err := distributed.ResolveMesh(cfg.PipelineSize, cfg.DataSize, cfg.TensorSize, transport.Size())
	if err != nil {
		return nil, err
	}
	topology, err := distributed.NewTopology(mesh)
	if err != nil {
		return nil, err
	}
	return distributed.NewGrid(transport, topology)
}

// Executor runs the local stage of a pipeline.
//
// All ranks of the pipeline group must call the same methods, in the same order, with inputs of the same
// shapes: the methods exchange messages and block until the adjacent stages do their part.
type Executor struct {
	cfg       Config
	grid      *distributed.Grid
	specs     []LayerSpec
	partition Partition

	// start is the global index of layers[0].
	start  int
	layers []Layer
	chunks []layerChunk
	tied   []*TiedGroup

	prev, next *stageLink

	loss      LossFn
	optimizer Optimizer
	training  bool
	resets    int
}

// Option configures an Executor.
type Option func(e *Executor)

// WithLoss sets the loss used by TrainBatch on the last stage.
func WithLoss(loss LossFn) Option {
	return func(e *Executor) { e.loss = loss }
}

// WithOptimizer sets the optimizer applied at the end of TrainBatch. Without one, gradients are left
// accumulated in the parameters.
func WithOptimizer(optimizer Optimizer) Option {
	return func(e *Executor) { e.optimizer = optimizer }
}

// New partitions specs among the pipeline stages of grid, builds the layers of the local stage, and
// synchronizes the tied weights. It must be called by every rank of the grid.
//
// Errors building layers or resolving ties on any stage make New fail on every rank.
func New(ctx context.Context, grid *distributed.Grid, specs []LayerSpec, cfg Config, options ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mesh := grid.Config()
	if cfg.PipelineSize != mesh.PipelineSize || cfg.TensorSize != mesh.TensorSize {
		return nil, errors.Errorf("configuration requests pipeline_size=%d and tensor_size=%d, but grid mesh is %s",
			cfg.PipelineSize, cfg.TensorSize, mesh)
	}
	partition, err := PartitionLayers(specs, grid.NumStages(), cfg.PartitionMethod)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:       cfg,
		grid:      grid,
		specs:     specs,
		partition: partition,
		prev:      newStageLink(grid.PrevStageGroup(), 0),
		next:      newStageLink(grid.NextStageGroup(), 1),
	}
	for _, option := range options {
		option(e)
	}
	if grid.Rank() == 0 {
		klog.V(1).Infof("pipeline %s: %d layers, %s", mesh, len(specs), partition)
	}

	err = e.buildLocalLayers()
	if err == nil {
		e.tied, err = indexTiedGroups(specs, partition, grid, e.layers, e.start)
	}
	if err = agree(ctx, grid.WorldGroup(), err); err != nil {
		return nil, err
	}
	err = synchronizeTiedWeights(ctx, e.tied)
	if err = agree(ctx, grid.WorldGroup(), err); err != nil {
		return nil, err
	}
	e.chunks = e.checkpointChunks()
	return e, nil
}

// agree makes every member of group fail if any of them failed.
func agree(ctx context.Context, group *collective.Group, localErr error) error {
	flag := tensors.Scalar(0)
	if localErr != nil {
		flag.Fill(1)
	}
	if err := group.AllReduce(ctx, flag, collective.ReduceMax); err != nil {
		if localErr != nil {
			return localErr
		}
		return err
	}
	if localErr != nil {
		return localErr
	}
	if flag.Floats()[0] != 0 {
		return errors.New("pipeline construction failed on another rank")
	}
	return nil
}

func (e *Executor) buildLocalLayers() error {
	stage := e.grid.StageID()
	start, end := e.partition.Range(stage)
	e.start = start
	e.layers = make([]Layer, 0, end-start)
	stageRand := rand.New(rand.NewSource(uint64(e.cfg.BaseSeed)))
	for idx := start; idx < end; idx++ {
		spec := e.specs[idx]
		if spec.Build == nil {
			return errors.Errorf("layer %d (%s) has no Build function", idx, spec.Kind)
		}
		bc := BuildContext{
			Index:      idx,
			LocalIndex: idx - start,
			Stage:      stage,
			Grid:       e.grid,
			Seed:       e.cfg.BaseSeed,
			Rand:       stageRand,
		}
		if e.cfg.SeedLayers {
			bc.Seed = e.cfg.BaseSeed + int64(idx)
			bc.Rand = rand.New(rand.NewSource(uint64(bc.Seed)))
		}
		layer, err := spec.Build(bc)
		if err != nil {
			return errors.WithMessagef(err, "building layer %d (%s) on stage %d", idx, spec.Kind, stage)
		}
		if layer == nil {
			return errors.Errorf("building layer %d (%s) on stage %d returned nil", idx, spec.Kind, stage)
		}
		e.layers = append(e.layers, layer)
	}
	return nil
}

// Grid returns the communication grid of the local rank.
func (e *Executor) Grid() *distributed.Grid { return e.grid }

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.cfg }

// Partition returns the layer partition among stages.
func (e *Executor) Partition() Partition { return e.partition }

// Layers returns the layers of the local stage, in definition order.
func (e *Executor) Layers() []Layer { return e.layers }

// LocalRange returns the global indices [start, end) of the local layers.
func (e *Executor) LocalRange() (start, end int) { return e.start, e.start + len(e.layers) }

// TiedGroups returns the tied relations of the model, in order of first definition.
func (e *Executor) TiedGroups() []*TiedGroup { return e.tied }

// PipeGroup returns the group of the stages holding the local data and tensor indices.
func (e *Executor) PipeGroup() *collective.Group { return e.grid.PipeGroup() }

// ActivationResets returns the number of times the activation buffers were reset.
func (e *Executor) ActivationResets() int { return e.resets }

// ResetActivationShape discards the negotiated activation buffers with the adjacent stages: the next transfer
// carries its shape again. Adjacent stages must reset at the same point of their message streams.
func (e *Executor) ResetActivationShape() {
	e.resetLinks()
	e.resets++
}

func (e *Executor) resetLinks() {
	e.prev.reset()
	e.next.reset()
}

// Discovery returns the published state of the local rank.
func (e *Executor) Discovery() Discovery {
	mesh := e.grid.Config()
	return Discovery{
		Parts:          append([]int(nil), e.partition.Parts...),
		StageID:        e.grid.StageID(),
		DataParallelID: e.grid.DataParallelID(),
		PipelineSize:   mesh.PipelineSize,
		DataSize:       mesh.DataSize,
		TensorSize:     mesh.TensorSize,
	}
}

// SetUseCache tells the local layers implementing CacheToggler whether to populate their cache.
func (e *Executor) SetUseCache(useCache bool) {
	for _, layer := range e.layers {
		if toggler, ok := layer.(CacheToggler); ok {
			toggler.SetUseCache(useCache)
		}
	}
}

func (e *Executor) setTraining(training bool) {
	if e.training == training {
		return
	}
	e.training = training
	for _, layer := range e.layers {
		if setter, ok := layer.(TrainingModeSetter); ok {
			setter.SetTraining(training)
		}
	}
}

// Forward runs the local layers in order on x.
func (e *Executor) Forward(ctx context.Context, x *tensors.Tensor) (*tensors.Tensor, error) {
	var err error
	for ii, layer := range e.layers {
		x, err = layer.Forward(ctx, x)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward of layer %d (%s)", e.start+ii, e.specs[e.start+ii].Kind)
		}
	}
	return x, nil
}

// EvalBatch runs the whole pipeline on inputIDs in evaluation mode.
//
// The first stage feeds inputIDs to its layers, each following stage receives the activations of the previous
// one, and the logits of the last stage are broadcast over the pipeline group: every stage returns the same
// logits. inputIDs is only used by the first stage.
func (e *Executor) EvalBatch(ctx context.Context, inputIDs *tensors.Tensor) (*tensors.Tensor, error) {
	e.setTraining(false)
	x := inputIDs
	var err error
	if !e.grid.IsFirstStage() {
		if x, err = e.prev.recv(ctx); err != nil {
			return nil, errors.WithMessage(err, "receiving activations from previous stage")
		}
	}
	out, err := e.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	if !e.grid.IsLastStage() {
		if err = e.next.send(ctx, out); err != nil {
			return nil, errors.WithMessage(err, "sending activations to next stage")
		}
		out = nil
	}
	logits, err := e.grid.PipeGroup().Broadcast(ctx, out, e.grid.NumStages()-1)
	if err != nil {
		return nil, errors.WithMessage(err, "broadcasting logits")
	}
	return logits, nil
}
