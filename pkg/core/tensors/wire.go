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

package tensors

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Wire format:
//
//	header: uint8 dtype, uint8 rank, rank x uint32 dimensions (little-endian)
//	data:   Size() elements, little-endian, with the byte width of the dtype.
//
// Float16 and BFloat16 travel as 2 bytes per value.

// DataSize returns the number of bytes of the encoded data (without header).
func (t *Tensor) DataSize() int {
	return t.Size() * t.dtype.Size()
}

// MarshalBinary encodes the tensor shape header followed by its data.
func (t *Tensor) MarshalBinary() ([]byte, error) {
	header := EncodeShape(t.dtype, t.dimensions)
	buf := make([]byte, len(header)+t.DataSize())
	copy(buf, header)
	t.encodeData(buf[len(header):])
	return buf, nil
}

// EncodeShape encodes only the shape header. The result can be decoded with DecodeShape.
func EncodeShape(dtype dtypes.DType, dimensions []int) []byte {
	buf := make([]byte, 2+4*len(dimensions))
	buf[0] = uint8(dtype)
	buf[1] = uint8(len(dimensions))
	for ii, dim := range dimensions {
		binary.LittleEndian.PutUint32(buf[2+4*ii:], uint32(dim))
	}
	return buf
}

// DecodeShape decodes a shape header, and returns the number of bytes consumed.
func DecodeShape(buf []byte) (dtype dtypes.DType, dimensions []int, n int, err error) {
	if len(buf) < 2 {
		return 0, nil, 0, errors.Errorf("tensor header truncated: %d bytes", len(buf))
	}
	dtype = dtypes.DType(buf[0])
	if !Supported(dtype) {
		return 0, nil, 0, errors.Errorf("tensor header carries unsupported dtype %s", dtype)
	}
	rank := int(buf[1])
	n = 2 + 4*rank
	if len(buf) < n {
		return 0, nil, 0, errors.Errorf("tensor header truncated: rank %d needs %d bytes, got %d", rank, n, len(buf))
	}
	dimensions = make([]int, rank)
	for ii := range dimensions {
		dimensions[ii] = int(binary.LittleEndian.Uint32(buf[2+4*ii:]))
	}
	return dtype, dimensions, n, nil
}

// Decode a tensor encoded with MarshalBinary.
func Decode(buf []byte) (*Tensor, error) {
	dtype, dims, n, err := DecodeShape(buf)
	if err != nil {
		return nil, err
	}
	// Check the data length before allocating: dims come from the (possibly corrupt) header.
	remaining := len(buf) - n
	limit := remaining / dtype.Size()
	size := 0
	if !slices.Contains(dims, 0) {
		size = 1
		for _, dim := range dims {
			if size > limit/dim {
				return nil, errors.Errorf("tensor header %s%v requires more than the %d data bytes available", dtype, dims, remaining)
			}
			size *= dim
		}
	}
	if size*dtype.Size() != remaining {
		return nil, errors.Errorf("tensor data for %s%v requires %d bytes, got %d", dtype, dims, size*dtype.Size(), remaining)
	}
	t := Zeros(dtype, dims...)
	if err := t.DecodeDataInto(buf[n:]); err != nil {
		return nil, err
	}
	return t, nil
}

// EncodeData returns only the data bytes, without the shape header.
func (t *Tensor) EncodeData() []byte {
	buf := make([]byte, t.DataSize())
	t.encodeData(buf)
	return buf
}

func (t *Tensor) encodeData(buf []byte) {
	switch t.dtype {
	case dtypes.Int32:
		for ii, v := range t.ints {
			binary.LittleEndian.PutUint32(buf[4*ii:], uint32(v))
		}
	case dtypes.Float32:
		for ii, v := range t.floats {
			binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
		}
	case dtypes.Float16:
		for ii, v := range t.floats {
			binary.LittleEndian.PutUint16(buf[2*ii:], float16.Fromfloat32(v).Bits())
		}
	case dtypes.BFloat16:
		for ii, v := range t.floats {
			binary.LittleEndian.PutUint16(buf[2*ii:], uint16(bfloat16.FromFloat32(v)))
		}
	}
}

// DecodeDataInto overwrites the tensor values with data encoded by EncodeData for a tensor of the same shape.
func (t *Tensor) DecodeDataInto(buf []byte) error {
	if len(buf) != t.DataSize() {
		return errors.Errorf("tensor data for %s%v requires %d bytes, got %d", t.dtype, t.dimensions, t.DataSize(), len(buf))
	}
	switch t.dtype {
	case dtypes.Int32:
		for ii := range t.ints {
			t.ints[ii] = int32(binary.LittleEndian.Uint32(buf[4*ii:]))
		}
	case dtypes.Float32:
		for ii := range t.floats {
			t.floats[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
		}
	case dtypes.Float16:
		for ii := range t.floats {
			t.floats[ii] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*ii:])).Float32()
		}
	case dtypes.BFloat16:
		for ii := range t.floats {
			t.floats[ii] = bfloat16.BFloat16(binary.LittleEndian.Uint16(buf[2*ii:])).Float32()
		}
	}
	return nil
}
