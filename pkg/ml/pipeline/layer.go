// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"

	"github.com/gomlx/pipemesh/pkg/core/distributed"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"golang.org/x/exp/rand"
)

// Layer is one unit of the model sequence.
//
// The executor never looks inside a layer: it only calls Forward (and Backward for Trainable layers), and
// queries the optional capability interfaces below.
type Layer interface {
	// Forward computes the layer output. Layers with tensor-parallel shards may issue collectives on the tensor
	// group given at build time, using ctx.
	Forward(ctx context.Context, x *tensors.Tensor) (*tensors.Tensor, error)
}

// Trainable is a Layer with parameters and a backward pass.
type Trainable interface {
	Layer

	// Backward takes the layer input x (as given to Forward) and the gradient of the loss with respect to the
	// layer output, accumulates the parameter gradients and returns the gradient with respect to x.
	// It returns a nil gradient if x is not differentiable (e.g. token ids).
	Backward(ctx context.Context, x, gradOutput *tensors.Tensor) (*tensors.Tensor, error)

	// Parameters of the layer. The returned pointers are stable across calls.
	Parameters() []*Parameter
}

// Parameter is a named weight of a layer and its accumulated gradient.
//
// Layers must read Value through the Parameter on every use: the tied-weight synchronizer may replace it
// with a tensor shared with another layer.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil || !p.Grad.SameShape(p.Value) {
		p.Grad = tensors.Zeros(p.Value.DType(), p.Value.Dimensions()...)
		return
	}
	p.Grad.Fill(0)
}

// AccumulateGrad adds g to the gradient.
func (p *Parameter) AccumulateGrad(g *tensors.Tensor) {
	if p.Grad == nil {
		p.ZeroGrad()
	}
	p.Grad.AddInPlace(g)
}

// CacheHolder is implemented by layers keeping incremental decoding state (past key/values).
//
// Cache returns nil when the slot is empty.
type CacheHolder interface {
	Cache() any
	SetCache(cache any)
	ClearCache()
}

// HiddenStateHolder is implemented by layers recording a hidden state during evaluation.
//
// HiddenState returns nil when nothing was recorded.
type HiddenStateHolder interface {
	HiddenState() *tensors.Tensor
	SetHiddenState(h *tensors.Tensor)
	ClearHiddenState()
}

// CacheToggler is implemented by layers that can be told whether to populate their cache.
type CacheToggler interface {
	SetUseCache(useCache bool)
}

// TrainingModeSetter is implemented by layers behaving differently in training and evaluation.
type TrainingModeSetter interface {
	SetTraining(training bool)
}

// BuildContext is given to LayerSpec.Build when the stage owning the layer builds it.
type BuildContext struct {
	// Index of the layer in the model sequence, and LocalIndex within the stage.
	Index, LocalIndex int

	// Stage owning the layer.
	Stage int

	// Grid of the local rank: layers with tensor-parallel shards use Grid.TensorGroup().
	Grid *distributed.Grid

	// Seed for the layer initialization: BaseSeed+Index if Config.SeedLayers is set, BaseSeed otherwise.
	Seed int64

	// Rand is seeded with Seed when Config.SeedLayers is set; otherwise it is one stream shared by the
	// layers of the stage, consumed in layer order.
	Rand *rand.Rand
}

// LayerSpec describes a layer without building it: only the stage owning the layer calls Build.
type LayerSpec struct {
	// Kind of the layer, e.g. "mixer". Used by the "type:<regexp>" partition method and by the activation
	// checkpointing allow-list.
	Kind string

	// NumParams estimates the number of parameters, used by the "parameters" partition method. 0 means unknown.
	NumParams int64

	// Tie, if set, ties a weight of this layer with the layers sharing the same key.
	Tie *TieSpec

	// Build creates the layer.
	Build func(bc BuildContext) (Layer, error)
}

// TieSpec names a tied relation and the parameter of the layer it applies to.
type TieSpec struct {
	Key string

	// Weight is the name of the tied parameter. It defaults to "weight".
	Weight string
}

// DefaultTiedWeight is the parameter tied when TieSpec.Weight is empty.
const DefaultTiedWeight = "weight"

// WithTie returns a copy of the spec tied under key. If weight is empty, DefaultTiedWeight is used.
func (s LayerSpec) WithTie(key, weight string) LayerSpec {
	if weight == "" {
		weight = DefaultTiedWeight
	}
	s.Tie = &TieSpec{Key: key, Weight: weight}
	return s
}

// findParameter returns the parameter of layer named name, or nil.
func findParameter(layer Layer, name string) *Parameter {
	trainable, ok := layer.(Trainable)
	if !ok {
		return nil
	}
	for _, p := range trainable.Parameters() {
		if p.Name == name {
			return p
		}
	}
	return nil
}
