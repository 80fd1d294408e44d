// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ErrTooFewLayers is returned when there are fewer layers than pipeline stages.
var ErrTooFewLayers = errors.New("fewer layers than pipeline stages")

// Partition assigns contiguous ranges of layers to pipeline stages: stage s owns layers [Parts[s], Parts[s+1]).
type Partition struct {
	Parts []int
}

// NumStages returns the number of stages.
func (p Partition) NumStages() int { return len(p.Parts) - 1 }

// NumLayers returns the total number of layers.
func (p Partition) NumLayers() int { return p.Parts[len(p.Parts)-1] }

// Range of layers owned by stage.
func (p Partition) Range(stage int) (start, end int) {
	return p.Parts[stage], p.Parts[stage+1]
}

// StageOf returns the stage owning layer, or -1 if out of range.
func (p Partition) StageOf(layer int) int {
	for stage := range p.NumStages() {
		if layer >= p.Parts[stage] && layer < p.Parts[stage+1] {
			return stage
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	ranges := make([]string, p.NumStages())
	for stage := range ranges {
		start, end := p.Range(stage)
		ranges[stage] = fmt.Sprintf("%d:[%d,%d)", stage, start, end)
	}
	return "Partition(" + strings.Join(ranges, " ") + ")"
}

// Validate checks that the partition covers numLayers with numStages non-empty contiguous ranges.
func (p Partition) Validate(numLayers, numStages int) error {
	if len(p.Parts) != numStages+1 || p.Parts[0] != 0 || p.Parts[numStages] != numLayers {
		return errors.Errorf("partition %v does not cover %d layers with %d stages", p.Parts, numLayers, numStages)
	}
	for stage := range numStages {
		if p.Parts[stage+1] <= p.Parts[stage] {
			return errors.Errorf("partition %v leaves stage %d empty", p.Parts, stage)
		}
	}
	return nil
}

// newLayerWeigher returns the cost function of the partition method, or nil for the uniform method.
func newLayerWeigher(method string) (func(spec LayerSpec) int64, error) {
	switch {
	case method == PartitionUniform:
		return nil, nil
	case method == PartitionParameters || method == "":
		return func(spec LayerSpec) int64 { return max(spec.NumParams, 0) }, nil
	case strings.HasPrefix(method, PartitionTypePrefix):
		re, err := regexp.Compile("(?i)" + strings.TrimPrefix(method, PartitionTypePrefix))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid partition method %q", method)
		}
		return func(spec LayerSpec) int64 {
			if re.MatchString(spec.Kind) {
				return 1
			}
			return 0
		}, nil
	}
	return nil, errors.Errorf("unknown partition method %q, valid methods are %q, %q or \"%s<regexp>\"",
		method, PartitionParameters, PartitionUniform, PartitionTypePrefix)
}

// PartitionLayers splits the layers among numStages stages with the given method:
//
//   - "parameters": balances the sum of LayerSpec.NumParams per stage. Falls back to "uniform" if no layer has
//     an estimate.
//   - "uniform": balances the number of layers per stage, the first stages taking the remainder.
//   - "type:<regexp>": balances the number of layers whose Kind matches the (case-insensitive) regexp.
//
// It returns an error wrapping ErrTooFewLayers if len(specs) < numStages.
func PartitionLayers(specs []LayerSpec, numStages int, method string) (Partition, error) {
	if numStages < 1 {
		return Partition{}, errors.Errorf("invalid number of stages %d", numStages)
	}
	if len(specs) < numStages {
		return Partition{}, errors.Wrapf(ErrTooFewLayers, "%d layers for %d pipeline stages", len(specs), numStages)
	}
	weigher, err := newLayerWeigher(method)
	if err != nil {
		return Partition{}, err
	}
	if weigher == nil {
		return Partition{Parts: partitionUniform(len(specs), numStages)}, nil
	}
	weights := make([]int64, len(specs))
	var total int64
	for ii, spec := range specs {
		weights[ii] = weigher(spec)
		total += weights[ii]
	}
	if total == 0 {
		return Partition{Parts: partitionUniform(len(specs), numStages)}, nil
	}
	return Partition{Parts: partitionBalanced(weights, numStages)}, nil
}

// partitionUniform splits numItems in numParts ranges whose sizes differ at most by one, larger ranges first.
func partitionUniform(numItems, numParts int) []int {
	parts := make([]int, numParts+1)
	chunk, residual := numItems/numParts, numItems%numParts
	for p := range numParts {
		size := chunk
		if p < residual {
			size++
		}
		parts[p+1] = parts[p] + size
	}
	return parts
}

// partitionBalanced splits weights in numParts non-empty contiguous ranges minimizing the largest range sum.
// It requires len(weights) >= numParts.
func partitionBalanced(weights []int64, numParts int) []int {
	var lo, hi int64
	for _, w := range weights {
		lo = max(lo, w)
		hi += w
	}
	// Smallest bottleneck for which greedy packing needs at most numParts ranges.
	for lo < hi {
		mid := lo + (hi-lo)/2
		if rangesNeeded(weights, mid) <= numParts {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return packRanges(weights, numParts, lo)
}

// rangesNeeded counts the ranges of greedy maximal packing with the given bottleneck.
func rangesNeeded(weights []int64, bottleneck int64) int {
	count := 1
	var sum int64
	for _, w := range weights {
		if sum+w > bottleneck {
			count++
			sum = 0
		}
		sum += w
	}
	return count
}

// packRanges packs greedily under bottleneck, leaving at least one item for each remaining range.
func packRanges(weights []int64, numParts int, bottleneck int64) []int {
	n := len(weights)
	parts := make([]int, 1, numParts+1)
	pos := 0
	for p := range numParts - 1 {
		reserve := numParts - 1 - p
		end := pos + 1
		sum := weights[pos]
		for end < n-reserve && sum+weights[end] <= bottleneck {
			sum += weights[end]
			end++
		}
		parts = append(parts, end)
		pos = end
	}
	parts = append(parts, n)
	return slices.Clip(parts)
}
