// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"slices"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LossFn computes the loss of the last stage outputs against the labels, and its gradient with respect to
// the outputs.
type LossFn func(outputs, labels *tensors.Tensor) (loss float32, grad *tensors.Tensor, err error)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(params []*Parameter) error
}

// SGD is the plain stochastic gradient descent optimizer.
type SGD struct {
	LearningRate float32
}

// Step implements Optimizer.
func (o SGD) Step(params []*Parameter) error {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if !p.Grad.SameShape(p.Value) {
			return errors.Errorf("parameter %q: gradient %s doesn't match value %s", p.Name, p.Grad, p.Value)
		}
		values, grads := p.Value.Floats(), p.Grad.Floats()
		for ii, g := range grads {
			values[ii] -= o.LearningRate * g
		}
		p.Value.Round()
	}
	return nil
}

// Batch is one training batch, split along its first axis in micro-batches.
// Inputs are used by the first stage, and Labels by the last one.
type Batch struct {
	Inputs, Labels *tensors.Tensor
}

// layerChunk is a range [start, end) of local layers, checkpointed or not.
type layerChunk struct {
	start, end int
	checkpoint bool
}

// checkpointChunks groups the local layers for activation checkpointing.
func (e *Executor) checkpointChunks() []layerChunk {
	interval := e.cfg.ActivationCheckpointInterval
	var chunks []layerChunk
	if interval <= 0 {
		for ii := range e.layers {
			chunks = append(chunks, layerChunk{start: ii, end: ii + 1})
		}
		return chunks
	}
	for start := 0; start < len(e.layers); start += interval {
		end := min(start+interval, len(e.layers))
		chunks = append(chunks, layerChunk{start: start, end: end, checkpoint: e.isCheckpointable(start, end)})
	}
	return chunks
}

// isCheckpointable reports whether the local layers [start, end) may be recomputed in the backward pass.
func (e *Executor) isCheckpointable(start, end int) bool {
	allowed := e.cfg.CheckpointableLayerKinds
	if len(allowed) > 0 {
		for ii := start; ii < end; ii++ {
			if !slices.Contains(allowed, e.specs[e.start+ii].Kind) {
				return false
			}
		}
		return true
	}
	for ii := start; ii < end; ii++ {
		if trainable, ok := e.layers[ii].(Trainable); ok && len(trainable.Parameters()) > 0 {
			return true
		}
	}
	return false
}

// CheckpointedChunks returns how many chunks of local layers are recomputed in the backward pass.
func (e *Executor) CheckpointedChunks() int {
	count := 0
	for _, c := range e.chunks {
		if c.checkpoint {
			count++
		}
	}
	return count
}

// tape records the inputs of the local layers during a training forward pass: all inputs of the
// non-checkpointed chunks, and only the first input of the checkpointed ones.
type tape struct {
	inputs []*tensors.Tensor
}

func (e *Executor) forwardTrain(ctx context.Context, x *tensors.Tensor) (*tensors.Tensor, *tape, error) {
	tp := &tape{inputs: make([]*tensors.Tensor, len(e.layers))}
	var err error
	for _, c := range e.chunks {
		for ii := c.start; ii < c.end; ii++ {
			if !c.checkpoint || ii == c.start {
				tp.inputs[ii] = x
			}
			x, err = e.layers[ii].Forward(ctx, x)
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "training forward of layer %d (%s)",
					e.start+ii, e.specs[e.start+ii].Kind)
			}
		}
	}
	return x, tp, nil
}

func (e *Executor) backward(ctx context.Context, tp *tape, grad *tensors.Tensor) (*tensors.Tensor, error) {
	for ci := len(e.chunks) - 1; ci >= 0; ci-- {
		c := e.chunks[ci]
		inputs := tp.inputs
		if c.checkpoint {
			// Recompute the inner inputs of the chunk from its stored input.
			inputs = slices.Clone(tp.inputs)
			x := inputs[c.start]
			var err error
			for ii := c.start; ii < c.end-1; ii++ {
				x, err = e.layers[ii].Forward(ctx, x)
				if err != nil {
					return nil, errors.WithMessagef(err, "recomputing forward of layer %d", e.start+ii)
				}
				inputs[ii+1] = x
			}
		}
		for ii := c.end - 1; ii >= c.start; ii-- {
			idx := e.start + ii
			if grad == nil {
				return nil, errors.Errorf("layer %d (%s) returned no input gradient, but earlier layers need one",
					idx+1, e.specs[idx+1].Kind)
			}
			trainable, ok := e.layers[ii].(Trainable)
			if !ok {
				return nil, errors.Errorf("layer %d (%s) is not trainable", idx, e.specs[idx].Kind)
			}
			var err error
			grad, err = trainable.Backward(ctx, inputs[ii], grad)
			if err != nil {
				return nil, errors.WithMessagef(err, "backward of layer %d (%s)", idx, e.specs[idx].Kind)
			}
		}
	}
	return grad, nil
}

// Parameters returns the parameters of the local layers. Weights shared by tied layers of the stage are
// returned once.
func (e *Executor) Parameters() []*Parameter {
	var params []*Parameter
	seen := make(map[*tensors.Tensor]bool)
	for _, layer := range e.layers {
		trainable, ok := layer.(Trainable)
		if !ok {
			continue
		}
		for _, p := range trainable.Parameters() {
			if seen[p.Value] {
				continue
			}
			seen[p.Value] = true
			params = append(params, p)
		}
	}
	return params
}

// memberParameters returns the parameters of every local layer, including those sharing a tied weight.
func (e *Executor) memberParameters() []*Parameter {
	var params []*Parameter
	for _, layer := range e.layers {
		if trainable, ok := layer.(Trainable); ok {
			params = append(params, trainable.Parameters()...)
		}
	}
	return params
}

// ZeroGrad resets the gradients of all local parameters.
func (e *Executor) ZeroGrad() {
	for _, p := range e.memberParameters() {
		p.ZeroGrad()
	}
}

// TrainBatch runs one training step and returns the mean loss, the same on every rank.
//
// The batch is split in Config.MicroBatches micro-batches: all forward passes run first, then all backward
// passes in reverse order. Then all gradients are averaged over the data-parallel group, the gradients of tied
// weights are summed within their ties, and the optimizer (if any) is applied.
//
// The gradients are zeroed at the start of the step, and again after the optimizer step.
func (e *Executor) TrainBatch(ctx context.Context, batch Batch) (float32, error) {
	if e.grid.IsLastStage() && e.loss == nil {
		return 0, errors.New("TrainBatch requires a loss, see WithLoss")
	}
	// Training transfers don't share negotiated shapes with evaluation.
	e.resetLinks()
	defer e.resetLinks()
	e.setTraining(true)
	e.SetUseCache(false)
	for _, layer := range e.layers {
		if holder, ok := layer.(CacheHolder); ok {
			holder.ClearCache()
		}
	}
	e.ZeroGrad()

	numMicro := e.cfg.MicroBatches
	var inputs, labels []*tensors.Tensor
	if e.grid.IsFirstStage() {
		if batch.Inputs == nil || batch.Inputs.Rank() == 0 || batch.Inputs.Dim(0)%numMicro != 0 {
			return 0, errors.Errorf("batch inputs %s can't be split in %d micro-batches", batch.Inputs, numMicro)
		}
		inputs = batch.Inputs.Split(0, numMicro)
	}
	if e.grid.IsLastStage() {
		if batch.Labels == nil || batch.Labels.Rank() == 0 || batch.Labels.Dim(0)%numMicro != 0 {
			return 0, errors.Errorf("batch labels %s can't be split in %d micro-batches", batch.Labels, numMicro)
		}
		labels = batch.Labels.Split(0, numMicro)
	}

	tapes := make([]*tape, numMicro)
	outputGrads := make([]*tensors.Tensor, numMicro)
	var totalLoss float32
	for m := range numMicro {
		var x *tensors.Tensor
		var err error
		if e.grid.IsFirstStage() {
			x = inputs[m]
		} else if x, err = e.prev.recv(ctx); err != nil {
			return 0, errors.WithMessagef(err, "receiving activations of micro-batch %d", m)
		}
		out, tp, err := e.forwardTrain(ctx, x)
		if err != nil {
			return 0, err
		}
		tapes[m] = tp
		if !e.grid.IsLastStage() {
			if err = e.next.send(ctx, out); err != nil {
				return 0, errors.WithMessagef(err, "sending activations of micro-batch %d", m)
			}
			continue
		}
		loss, grad, err := e.loss(out, labels[m])
		if err != nil {
			return 0, errors.WithMessagef(err, "loss of micro-batch %d", m)
		}
		grad.ScaleInPlace(1 / float32(numMicro))
		outputGrads[m] = grad
		totalLoss += loss
	}

	for m := numMicro - 1; m >= 0; m-- {
		grad := outputGrads[m]
		var err error
		if !e.grid.IsLastStage() {
			if grad, err = e.next.recv(ctx); err != nil {
				return 0, errors.WithMessagef(err, "receiving gradients of micro-batch %d", m)
			}
		}
		inputGrad, err := e.backward(ctx, tapes[m], grad)
		if err != nil {
			return 0, err
		}
		tapes[m] = nil
		if !e.grid.IsFirstStage() {
			if inputGrad == nil {
				return 0, errors.New("first local layer returned no input gradient for the previous stage")
			}
			if err = e.prev.send(ctx, inputGrad); err != nil {
				return 0, errors.WithMessagef(err, "sending gradients of micro-batch %d", m)
			}
		}
	}

	if dataGroup := e.grid.DataGroup(); dataGroup.Size() > 1 {
		for _, p := range e.memberParameters() {
			if err := dataGroup.AllReduce(ctx, p.Grad, collective.ReduceMean); err != nil {
				return 0, errors.WithMessagef(err, "averaging gradients of %q", p.Name)
			}
		}
	}
	if err := allReduceTiedGrads(ctx, e.tied); err != nil {
		return 0, err
	}
	params := e.Parameters()

	var lossTensor *tensors.Tensor
	if e.grid.IsLastStage() {
		lossTensor = tensors.Scalar(totalLoss / float32(numMicro))
	}
	lossTensor, err := e.grid.PipeGroup().Broadcast(ctx, lossTensor, e.grid.NumStages()-1)
	if err != nil {
		return 0, errors.WithMessage(err, "broadcasting loss")
	}
	if err := e.grid.DataGroup().AllReduce(ctx, lossTensor, collective.ReduceMean); err != nil {
		return 0, errors.WithMessage(err, "averaging loss")
	}

	if e.optimizer != nil {
		if err := e.optimizer.Step(params); err != nil {
			return 0, errors.WithMessage(err, "optimizer step")
		}
		e.ZeroGrad()
	}
	loss := lossTensor.Floats()[0]
	klog.V(2).Infof("rank %d: train step loss %g", e.grid.Rank(), loss)
	return loss, nil
}
