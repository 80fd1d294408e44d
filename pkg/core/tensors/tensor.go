/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implement a host `Tensor`, a small multidimensional array moved between pipeline stages.
//
// A Tensor is defined by its data type (one of dtypes.Float32, dtypes.Float16, dtypes.BFloat16 or dtypes.Int32),
// its axes' dimensions and its flat, row-major content.
//
// Float tensors store their values widened to float32: for Float16 and BFloat16 the values are rounded to
// the dtype precision on construction (and on ConvertTo), and only narrowed again when encoded on the wire.
//
// There are various ways to construct a Tensor:
//
//   - Zeros(dtype, dimensions...): zero-valued tensor.
//
//   - FromFlatData[T](data []T, dimensions...): float types build a Float32 tensor, integer types an Int32 tensor.
//     Example:
//
//     t := FromFlatData([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromRows([][]int32): a rank-2 Int32 tensor, typically token ids shaped [batch, sequence].
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Tensor is a host multidimensional array.
//
// The zero value is not valid, use one of the constructors.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int

	// Exactly one of floats or ints is used, depending on dtype.
	floats []float32
	ints   []int32
}

// Supported reports whether dtype can be held by a Tensor.
func Supported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float16, dtypes.BFloat16, dtypes.Int32:
		return true
	}
	return false
}

func checkDimensions(dimensions []int) int {
	size := 1
	for axis, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors: negative dimension %d for axis %d in %v", dim, axis, dimensions)
		}
		size *= dim
	}
	return size
}

// Zeros returns a zero-valued tensor of the given dtype and dimensions.
// It panics if dtype is not supported.
func Zeros(dtype dtypes.DType, dimensions ...int) *Tensor {
	if !Supported(dtype) {
		exceptions.Panicf("tensors: dtype %s not supported", dtype)
	}
	size := checkDimensions(dimensions)
	t := &Tensor{dtype: dtype, dimensions: slices.Clone(dimensions)}
	if dtype == dtypes.Int32 {
		t.ints = make([]int32, size)
	} else {
		t.floats = make([]float32, size)
	}
	return t
}

// FromFlatData creates a tensor from flat (row-major) data: float types create a Float32 tensor, integer types
// an Int32 tensor. The data is copied.
//
// If no dimensions are given, the tensor is rank-1 with len(data) elements.
func FromFlatData[T constraints.Float | constraints.Integer](data []T, dimensions ...int) *Tensor {
	if len(dimensions) == 0 {
		dimensions = []int{len(data)}
	}
	size := checkDimensions(dimensions)
	if size != len(data) {
		exceptions.Panicf("tensors: flat data has %d elements, dimensions %v require %d", len(data), dimensions, size)
	}
	t := &Tensor{dimensions: slices.Clone(dimensions)}
	one := T(1)
	if isFloat := one/2 != 0; isFloat {
		t.dtype = dtypes.Float32
		t.floats = make([]float32, size)
		for ii, v := range data {
			t.floats[ii] = float32(v)
		}
	} else {
		t.dtype = dtypes.Int32
		t.ints = make([]int32, size)
		for ii, v := range data {
			t.ints[ii] = int32(v)
		}
	}
	return t
}

// FromRows creates a rank-2 Int32 tensor shaped [len(rows), len(rows[0])]. All rows must have the same length.
func FromRows(rows [][]int32) *Tensor {
	if len(rows) == 0 {
		return Zeros(dtypes.Int32, 0, 0)
	}
	width := len(rows[0])
	t := Zeros(dtypes.Int32, len(rows), width)
	for ii, row := range rows {
		if len(row) != width {
			exceptions.Panicf("tensors: row %d has %d elements, row 0 has %d", ii, len(row), width)
		}
		copy(t.ints[ii*width:], row)
	}
	return t
}

// Scalar returns a rank-0 Float32 tensor.
func Scalar(v float32) *Tensor {
	return &Tensor{dtype: dtypes.Float32, floats: []float32{v}}
}

// DType returns the tensor data type.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dimensions returns a copy of the tensor dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dimensions) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size returns the number of elements.
func (t *Tensor) Size() int {
	if t.dtype == dtypes.Int32 {
		return len(t.ints)
	}
	return len(t.floats)
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	return t.dimensions[t.normalizeAxis(axis)]
}

func (t *Tensor) normalizeAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += len(t.dimensions)
	}
	if adjusted < 0 || adjusted >= len(t.dimensions) {
		exceptions.Panicf("tensors: axis %d out of range for rank %d", axis, len(t.dimensions))
	}
	return adjusted
}

// Floats returns the flat float32 storage of a float tensor. The slice is shared with the tensor, not a copy.
func (t *Tensor) Floats() []float32 {
	if t.dtype == dtypes.Int32 {
		exceptions.Panicf("tensors: Floats() called on %s tensor", t.dtype)
	}
	return t.floats
}

// Ints returns the flat int32 storage of an Int32 tensor. The slice is shared with the tensor, not a copy.
func (t *Tensor) Ints() []int32 {
	if t.dtype != dtypes.Int32 {
		exceptions.Panicf("tensors: Ints() called on %s tensor", t.dtype)
	}
	return t.ints
}

// SameShape reports whether both tensors have the same dtype and dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return t.dtype == other.dtype && slices.Equal(t.dimensions, other.dimensions)
}

// HasDimensions reports whether the tensor dimensions are exactly dims.
func (t *Tensor) HasDimensions(dims []int) bool {
	return slices.Equal(t.dimensions, dims)
}

// Equal reports whether both tensors have the same shape and bit-identical values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.SameShape(other) || !slices.Equal(t.ints, other.ints) || len(t.floats) != len(other.floats) {
		return false
	}
	for ii, v := range t.floats {
		if math.Float32bits(v) != math.Float32bits(other.floats[ii]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype:      t.dtype,
		dimensions: slices.Clone(t.dimensions),
		floats:     slices.Clone(t.floats),
		ints:       slices.Clone(t.ints),
	}
}

// ConvertTo returns a copy of the float tensor converted to the given float dtype, with values rounded to its
// precision. Converting to the dtype the tensor already has returns a clone.
func (t *Tensor) ConvertTo(dtype dtypes.DType) *Tensor {
	if t.dtype == dtypes.Int32 || dtype == dtypes.Int32 || !Supported(dtype) {
		exceptions.Panicf("tensors: cannot convert %s to %s", t.dtype, dtype)
	}
	c := t.Clone()
	c.dtype = dtype
	roundTo(dtype, c.floats)
	return c
}

func roundTo(dtype dtypes.DType, values []float32) {
	switch dtype {
	case dtypes.Float16:
		for ii, v := range values {
			values[ii] = float16.Fromfloat32(v).Float32()
		}
	case dtypes.BFloat16:
		for ii, v := range values {
			values[ii] = bfloat16.FromFloat32(v).Float32()
		}
	}
}

// Round rounds the values in place to the precision of the tensor dtype, a no-op for Float32 or Int32.
//
// Layers writing through Floats() on narrow dtypes call this to keep the values representable.
func (t *Tensor) Round() {
	roundTo(t.dtype, t.floats)
}

// Reshape returns a tensor sharing the storage with new dimensions of the same size.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	if checkDimensions(dimensions) != t.Size() {
		exceptions.Panicf("tensors: cannot reshape %v to %v", t.dimensions, dimensions)
	}
	return &Tensor{dtype: t.dtype, dimensions: slices.Clone(dimensions), floats: t.floats, ints: t.ints}
}

// String implements fmt.Stringer, printing the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)%v", t.dtype, t.dimensions)
	const maxPrinted = 16
	if t.Size() > maxPrinted {
		return sb.String()
	}
	if t.dtype == dtypes.Int32 {
		_, _ = fmt.Fprintf(&sb, " %v", t.ints)
	} else {
		_, _ = fmt.Fprintf(&sb, " %v", t.floats)
	}
	return sb.String()
}
