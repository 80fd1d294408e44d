// Package losses implements the losses used by pipeline training, as pipeline.LossFn.
package losses

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
)

// DefaultIgnoreIndex is the label value excluded from the loss by convention.
const DefaultIgnoreIndex = -100

// LanguageModel returns the causal language model loss: the mean cross entropy of the logits at position t
// against the label at position t+1.
//
// Logits are shaped [batch, seq, vocab] and labels (int32) [batch, seq]. Labels equal to ignoreIndex are
// excluded from the mean. If every label is ignored the loss and its gradient are zero.
func LanguageModel(ignoreIndex int32) pipeline.LossFn {
	return func(logits, labels *tensors.Tensor) (float32, *tensors.Tensor, error) {
		if logits.DType() == dtypes.Int32 || logits.Rank() != 3 {
			return 0, nil, errors.Errorf("language model loss expects float logits [batch, seq, vocab], got %s", logits)
		}
		batch, seq, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
		if labels.DType() != dtypes.Int32 || !labels.HasDimensions([]int{batch, seq}) {
			return 0, nil, errors.Errorf("labels %s don't match logits %s", labels, logits)
		}
		grad := tensors.Zeros(logits.DType(), batch, seq, vocab)
		values, grads, ids := logits.Floats(), grad.Floats(), labels.Ints()

		var total float64
		count := 0
		for b := range batch {
			for t := range seq - 1 {
				label := ids[b*seq+t+1]
				if label == ignoreIndex {
					continue
				}
				if label < 0 || int(label) >= vocab {
					return 0, nil, errors.Errorf("label %d at [%d, %d] out of range for vocabulary of size %d",
						label, b, t+1, vocab)
				}
				offset := (b*seq + t) * vocab
				row := values[offset : offset+vocab]
				maxLogit := row[0]
				for _, v := range row[1:] {
					maxLogit = max(maxLogit, v)
				}
				var sumExp float64
				for _, v := range row {
					sumExp += math.Exp(float64(v - maxLogit))
				}
				logSumExp := math.Log(sumExp) + float64(maxLogit)
				total += logSumExp - float64(row[label])
				gradRow := grads[offset : offset+vocab]
				for ii, v := range row {
					gradRow[ii] = float32(math.Exp(float64(v) - logSumExp))
				}
				gradRow[label] -= 1
				count++
			}
		}
		if count == 0 {
			return 0, grad, nil
		}
		grad.ScaleInPlace(1 / float32(count))
		return float32(total / float64(count)), grad, nil
	}
}
