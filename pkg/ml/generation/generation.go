// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package generation runs autoregressive decoding over a pipeline split in stages.
//
// A Generator is created on every rank of the pipeline group, and all of them call the same methods in the same
// order: the generated tokens are the same on every rank.
//
// Example:
//
//	gen, _ := generation.New(exec, generation.DefaultConfig())
//	sequences, _ := gen.Generate(ctx, promptIDs) // [batch, prompt+new tokens]
package generation

import (
	"context"
	"slices"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCacheMismatch is returned when the number of given cache (or hidden state) entries differs from the number
// of local layers holding one.
var ErrCacheMismatch = errors.New("number of cache entries doesn't match the layers")

// Pipeline is the part of pipeline.Executor used by a Generator.
type Pipeline interface {
	EvalBatch(ctx context.Context, inputIDs *tensors.Tensor) (*tensors.Tensor, error)
	Layers() []pipeline.Layer
	ResetActivationShape()
	PipeGroup() *collective.Group
	SetUseCache(useCache bool)
}

var _ Pipeline = (*pipeline.Executor)(nil)

// CacheState of a Generator.
type CacheState int

const (
	// NoCache means the layers hold no decoding cache: Forward runs the full input sequence.
	NoCache CacheState = iota

	// CachePopulated means some layer holds a decoding cache: Forward only runs the last token.
	CachePopulated
)

// String implements fmt.Stringer.
func (s CacheState) String() string {
	if s == CachePopulated {
		return "CachePopulated"
	}
	return "NoCache"
}

// Output of Generator.Forward.
type Output struct {
	// Logits of the last stage, the same on every stage.
	Logits *tensors.Tensor

	// PastKeyValues are the caches of the local layers, in layer order. nil if not reported (see GatherPolicy).
	PastKeyValues []any

	// HiddenStates recorded by the local layers, in layer order. nil if not reported.
	HiddenStates []*tensors.Tensor
}

// Generator drives the decoding loop over a Pipeline.
type Generator struct {
	pipe  Pipeline
	cfg   Config
	state CacheState

	// bufferDims are the ids dimensions the activation buffers of the pipeline were last used with.
	bufferDims []int
	resets     int
}

// New creates a generator over pipe.
func New(pipe Pipeline, cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{pipe: pipe, cfg: cfg}, nil
}

// Config returns the generation configuration.
func (g *Generator) Config() Config { return g.cfg }

// State returns the current cache state.
func (g *Generator) State() CacheState { return g.state }

// BufferResets returns how many times the pipeline activation buffers were reset because the input shape changed.
func (g *Generator) BufferResets() int { return g.resets }

func (g *Generator) cacheHolders() []pipeline.CacheHolder {
	var holders []pipeline.CacheHolder
	for _, layer := range g.pipe.Layers() {
		if holder, ok := layer.(pipeline.CacheHolder); ok {
			holders = append(holders, holder)
		}
	}
	return holders
}

func (g *Generator) hiddenStateHolders() []pipeline.HiddenStateHolder {
	var holders []pipeline.HiddenStateHolder
	for _, layer := range g.pipe.Layers() {
		if holder, ok := layer.(pipeline.HiddenStateHolder); ok {
			holders = append(holders, holder)
		}
	}
	return holders
}

// report applies the gather policy to a gathered list of n entries.
func (g *Generator) report(n int) bool {
	if g.cfg.GatherPolicy == GatherAtLeastTwo {
		return n >= 2
	}
	return n > 0
}

// GatherCache returns the non-empty caches of the local layers in layer order, or nil if the gather policy
// doesn't report them.
func (g *Generator) GatherCache() []any {
	var past []any
	for _, holder := range g.cacheHolders() {
		if cache := holder.Cache(); cache != nil {
			past = append(past, cache)
		}
	}
	if !g.report(len(past)) {
		return nil
	}
	return past
}

// GatherHiddenStates returns the hidden states recorded by the local layers in layer order, or nil if the
// gather policy doesn't report them.
func (g *Generator) GatherHiddenStates() []*tensors.Tensor {
	var states []*tensors.Tensor
	for _, holder := range g.hiddenStateHolders() {
		if h := holder.HiddenState(); h != nil {
			states = append(states, h)
		}
	}
	if !g.report(len(states)) {
		return nil
	}
	return states
}

// SetCache assigns past to the cache slots of the local layers, in layer order. If the number of entries
// differs from the number of cache-holding layers it returns ErrCacheMismatch and no slot is modified.
func (g *Generator) SetCache(past []any) error {
	holders := g.cacheHolders()
	if len(past) != len(holders) {
		return errors.Wrapf(ErrCacheMismatch, "%d cache entries for %d cache-holding layers", len(past), len(holders))
	}
	for ii, holder := range holders {
		holder.SetCache(past[ii])
	}
	return nil
}

// SetHiddenStates assigns states to the hidden-state slots of the local layers, in layer order, with the same
// all-or-nothing rule as SetCache.
func (g *Generator) SetHiddenStates(states []*tensors.Tensor) error {
	holders := g.hiddenStateHolders()
	if len(states) != len(holders) {
		return errors.Wrapf(ErrCacheMismatch, "%d hidden states for %d hidden-state layers", len(states), len(holders))
	}
	for ii, holder := range holders {
		holder.SetHiddenState(states[ii])
	}
	return nil
}

// ClearCache empties the cache and hidden-state slots of the local layers.
func (g *Generator) ClearCache() {
	for _, holder := range g.cacheHolders() {
		holder.ClearCache()
	}
	for _, holder := range g.hiddenStateHolders() {
		holder.ClearHiddenState()
	}
}

// Reset clears the slots and returns to NoCache.
func (g *Generator) Reset() {
	g.ClearCache()
	g.state = NoCache
}

// agree combines a local error and the local cache presence over the pipeline group, so that every stage
// fails, or moves to CachePopulated, together.
func (g *Generator) agree(ctx context.Context, localErr error) error {
	var failed, populated float32
	if localErr != nil {
		failed = 1
	} else {
		for _, holder := range g.cacheHolders() {
			if holder.Cache() != nil {
				populated = 1
				break
			}
		}
	}
	flags := tensors.FromFlatData([]float32{failed, populated}, 2)
	if err := g.pipe.PipeGroup().AllReduce(ctx, flags, collective.ReduceMax); err != nil {
		if localErr != nil {
			return localErr
		}
		return errors.WithMessage(err, "agreeing on the cache state")
	}
	if localErr != nil {
		return localErr
	}
	if flags.Floats()[0] != 0 {
		return errors.New("generation failed on another stage")
	}
	if flags.Floats()[1] != 0 {
		g.state = CachePopulated
	}
	return nil
}

// Forward runs one decoding step on ids [batch, seq].
//
// With a populated cache only the last token of ids is fed. If the (possibly trimmed) shape differs from the
// one of the previous step, the pipeline activation buffers are reset first.
func (g *Generator) Forward(ctx context.Context, ids *tensors.Tensor) (Output, error) {
	if ids == nil || ids.Rank() != 2 {
		return Output{}, errors.Errorf("generation expects ids shaped [batch, seq], got %v", ids)
	}
	if g.state == CachePopulated {
		ids = ids.LastColumns(1)
	}
	dims := ids.Dimensions()
	if g.bufferDims != nil && !slices.Equal(dims, g.bufferDims) {
		klog.V(1).Infof("generation: input shape changed from %v to %v, resetting activation buffers", g.bufferDims, dims)
		g.pipe.ResetActivationShape()
		g.resets++
	}
	g.bufferDims = dims

	logits, err := g.pipe.EvalBatch(ctx, ids)
	if err != nil {
		return Output{}, err
	}
	out := Output{Logits: logits, PastKeyValues: g.GatherCache(), HiddenStates: g.GatherHiddenStates()}
	if err := g.agree(ctx, nil); err != nil {
		return Output{}, err
	}
	return out, nil
}

// Generate decodes Config.MaxNewTokens tokens after ids and returns the full sequences. See GenerateWithCache.
func (g *Generator) Generate(ctx context.Context, ids *tensors.Tensor) (*tensors.Tensor, error) {
	return g.GenerateWithCache(ctx, ids, nil)
}

// GenerateWithCache decodes Config.MaxNewTokens tokens after ids, optionally continuing from past (the local
// caches returned by an earlier Forward), and returns the sequences [batch, len(ids)+generated].
//
// ids are broadcast from the first stage: the other stages may pass nil. Rows that produced EosTokenID are
// padded with it, and decoding stops once every row did. The cache and hidden-state slots are always cleared
// on return, and on entry: a cache left by an earlier Forward is never continued, only past is.
func (g *Generator) GenerateWithCache(ctx context.Context, ids *tensors.Tensor, past []any) (*tensors.Tensor, error) {
	defer func() {
		g.Reset()
		g.pipe.SetUseCache(false)
	}()
	g.Reset()

	group := g.pipe.PipeGroup()
	if group.Index() != 0 {
		ids = nil
	}
	ids, err := group.Broadcast(ctx, ids, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "broadcasting prompt ids")
	}
	if ids.Rank() != 2 || ids.Dim(1) == 0 {
		return nil, errors.Errorf("generation requires a non-empty prompt shaped [batch, seq], got %s", ids)
	}

	g.pipe.SetUseCache(g.cfg.UseCache)
	var setErr error
	if past != nil {
		setErr = g.SetCache(past)
	}
	if err := g.agree(ctx, setErr); err != nil {
		return nil, err
	}

	s := newSampler(g.cfg)
	batch := ids.Dim(0)
	finished := make([]bool, batch)
	eos := int32(g.cfg.EosTokenID)
	for step := range g.cfg.MaxNewTokens {
		out, err := g.Forward(ctx, ids)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding step %d", step)
		}
		next, err := s.next(out.Logits)
		if err != nil {
			return nil, err
		}
		allFinished := g.cfg.EosTokenID >= 0
		for b := range batch {
			if finished[b] {
				next[b] = eos
			} else if g.cfg.EosTokenID >= 0 && next[b] == eos {
				finished[b] = true
			}
			allFinished = allFinished && finished[b]
		}
		ids = ids.AppendColumn(next)
		klog.V(2).Infof("generation step %d: %v (%s)", step, next, g.state)
		if allFinished {
			break
		}
	}
	return ids, nil
}
