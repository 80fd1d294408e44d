package generation

import (
	"math"
	"slices"

	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// sampler picks the next token of each row from the logits of the last position.
type sampler struct {
	strategy    string
	temperature float64
	topK        int
	rng         *rand.Rand
}

func newSampler(cfg Config) *sampler {
	return &sampler{
		strategy:    cfg.Strategy,
		temperature: cfg.Temperature,
		topK:        cfg.TopK,
		rng:         rand.New(rand.NewSource(uint64(cfg.Seed))),
	}
}

// next returns one token per row of logits shaped [batch, seq, vocab].
func (s *sampler) next(logits *tensors.Tensor) ([]int32, error) {
	if logits == nil || logits.Rank() != 3 || logits.Dim(1) == 0 {
		return nil, errors.Errorf("sampling requires logits shaped [batch, seq, vocab], got %v", logits)
	}
	batch, seq, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	values := logits.Floats()
	tokens := make([]int32, batch)
	for b := range batch {
		offset := (b*seq + seq - 1) * vocab
		row := values[offset : offset+vocab]
		switch s.strategy {
		case StrategyGreedy:
			tokens[b] = argMax(row)
		case StrategyTemperature:
			tokens[b] = s.draw(row, nil)
		case StrategyTopK:
			tokens[b] = s.draw(row, topKIndices(row, s.topK))
		default:
			return nil, errors.Errorf("unknown sampling strategy %q", s.strategy)
		}
	}
	return tokens, nil
}

// argMax returns the first index of the largest value.
func argMax(row []float32) int32 {
	best := 0
	for ii, v := range row {
		if v > row[best] {
			best = ii
		}
	}
	return int32(best)
}

// topKIndices returns the indices of the k largest values, ties broken by the lower index.
func topKIndices(row []float32, k int) []int {
	indices := make([]int, len(row))
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		switch {
		case row[a] > row[b]:
			return -1
		case row[a] < row[b]:
			return 1
		}
		return 0
	})
	return indices[:min(k, len(indices))]
}

// draw samples from softmax(row/temperature), restricted to candidates if not nil.
func (s *sampler) draw(row []float32, candidates []int) int32 {
	if candidates == nil {
		candidates = make([]int, len(row))
		for ii := range candidates {
			candidates[ii] = ii
		}
	}
	maxLogit := math.Inf(-1)
	for _, ii := range candidates {
		maxLogit = max(maxLogit, float64(row[ii]))
	}
	weights := make([]float64, len(candidates))
	var total float64
	for ii, idx := range candidates {
		weights[ii] = math.Exp((float64(row[idx]) - maxLogit) / s.temperature)
		total += weights[ii]
	}
	u := s.rng.Float64() * total
	for ii, w := range weights {
		u -= w
		if u < 0 {
			return int32(candidates[ii])
		}
	}
	return int32(candidates[len(candidates)-1])
}
