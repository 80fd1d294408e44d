// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"slices"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/distributed"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnresolvedTie is returned when a tied relation can't be resolved to a parameter.
var ErrUnresolvedTie = errors.New("unresolved tied weight")

// TiedGroup is a set of layers sharing one weight under a tie key.
type TiedGroup struct {
	Key, Weight string

	// Layers indices, in definition order, and the sorted Stages owning them.
	Layers, Stages []int

	// SourceStage owns the first-defined member, its weight is the one broadcast at construction.
	SourceStage int

	// group connects the ranks of Stages holding the local data and tensor indices. nil if the tie is confined
	// to one stage, or if the local stage owns no member.
	group *collective.Group

	// params of the local members, all sharing the Value of params[0].
	params []*Parameter
}

// IsLocal reports whether the local stage owns a member of the group.
func (tg *TiedGroup) IsLocal() bool { return len(tg.params) > 0 }

// LocalWeight returns the shared weight on the local stage, or nil.
func (tg *TiedGroup) LocalWeight() *tensors.Tensor {
	if len(tg.params) == 0 {
		return nil
	}
	return tg.params[0].Value
}

// indexTiedGroups finds the tied relations of specs, binds the local members parameters and creates the
// cross-stage groups. layers are the local layers, starting at global index start.
func indexTiedGroups(specs []LayerSpec, partition Partition, grid *distributed.Grid,
	layers []Layer, start int) ([]*TiedGroup, error) {
	var groups []*TiedGroup
	byKey := make(map[string]*TiedGroup)
	for idx, spec := range specs {
		if spec.Tie == nil {
			continue
		}
		if spec.Tie.Key == "" {
			return nil, errors.Wrapf(ErrUnresolvedTie, "layer %d (%s) has a tie with an empty key", idx, spec.Kind)
		}
		weight := spec.Tie.Weight
		if weight == "" {
			weight = DefaultTiedWeight
		}
		tg, found := byKey[spec.Tie.Key]
		if !found {
			tg = &TiedGroup{Key: spec.Tie.Key, Weight: weight}
			byKey[spec.Tie.Key] = tg
			groups = append(groups, tg)
		} else if tg.Weight != weight {
			return nil, errors.Wrapf(ErrUnresolvedTie, "tie %q binds weight %q on layer %d but %q on layer %d",
				tg.Key, tg.Weight, tg.Layers[0], weight, idx)
		}
		stage := partition.StageOf(idx)
		if stage < 0 {
			return nil, errors.Wrapf(ErrUnresolvedTie, "tied layer %d is outside the partition %s", idx, partition)
		}
		tg.Layers = append(tg.Layers, idx)
		if !slices.Contains(tg.Stages, stage) {
			tg.Stages = append(tg.Stages, stage)
		}
	}

	localStage := grid.StageID()
	for _, tg := range groups {
		slices.Sort(tg.Stages)
		tg.SourceStage = partition.StageOf(tg.Layers[0])
		for _, idx := range tg.Layers {
			if idx < start || idx >= start+len(layers) {
				continue
			}
			p := findParameter(layers[idx-start], tg.Weight)
			if p == nil {
				return nil, errors.Wrapf(ErrUnresolvedTie, "tied layer %d (%s) has no parameter %q",
					idx, specs[idx].Kind, tg.Weight)
			}
			if len(tg.params) > 0 {
				if !p.Value.SameShape(tg.params[0].Value) {
					return nil, errors.Wrapf(ErrUnresolvedTie, "tie %q: layer %d weight %s differs from layer %d weight %s",
						tg.Key, idx, p.Value, tg.Layers[0], tg.params[0].Value)
				}
				p.Value = tg.params[0].Value
			}
			tg.params = append(tg.params, p)
		}
		if len(tg.Stages) < 2 || !slices.Contains(tg.Stages, localStage) {
			continue
		}
		stageRanks, err := grid.Topology().StageRanks(grid.DataParallelID(), grid.TensorParallelID())
		if err != nil {
			return nil, err
		}
		ranks := make([]int, len(tg.Stages))
		for ii, stage := range tg.Stages {
			ranks[ii] = stageRanks[stage]
		}
		if tg.group, err = grid.NewSubGroup("tied:"+tg.Key, ranks); err != nil {
			return nil, err
		}
		klog.V(1).Infof("rank %d: tie %q over stages %v (source %d), layers %v",
			grid.Rank(), tg.Key, tg.Stages, tg.SourceStage, tg.Layers)
	}
	return groups, nil
}

// synchronizeTiedWeights broadcasts the weight of each cross-stage tie from its source stage.
func synchronizeTiedWeights(ctx context.Context, groups []*TiedGroup) error {
	for _, tg := range groups {
		if tg.group == nil {
			continue
		}
		root := slices.Index(tg.Stages, tg.SourceStage)
		weight := tg.LocalWeight()
		received, err := tg.group.Broadcast(ctx, weight, root)
		if err != nil {
			return errors.WithMessagef(err, "synchronizing tie %q", tg.Key)
		}
		if received == weight {
			continue
		}
		if !received.SameShape(weight) {
			return errors.Wrapf(ErrUnresolvedTie, "tie %q: source weight %s differs from local weight %s",
				tg.Key, received, weight)
		}
		weight.CopyFrom(received)
	}
	return nil
}

// allReduceTiedGrads sums the gradients of the members of each tie, and sets every member gradient to the sum.
func allReduceTiedGrads(ctx context.Context, groups []*TiedGroup) error {
	for _, tg := range groups {
		if !tg.IsLocal() {
			continue
		}
		if len(tg.params) == 1 && tg.group == nil {
			continue
		}
		for _, p := range tg.params {
			if p.Grad == nil {
				p.ZeroGrad()
			}
		}
		sum := tg.params[0].Grad.Clone()
		for _, p := range tg.params[1:] {
			sum.AddInPlace(p.Grad)
		}
		if tg.group != nil {
			if err := tg.group.AllReduce(ctx, sum, collective.ReduceSum); err != nil {
				return errors.WithMessagef(err, "all-reducing gradients of tie %q", tg.Key)
			}
		}
		for _, p := range tg.params {
			p.Grad.CopyFrom(sum)
		}
	}
	return nil
}
