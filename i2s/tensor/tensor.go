// Package tensor holds the dense float32 arrays exchanged between the image
// preprocessor, the feature extractor and the decoder mask builders.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when data does not fit a shape.
var ErrShapeMismatch = errors.New("data length does not match shape")

// Tensor is a dense, row-major float32 array.
type Tensor struct {
	shape Shape
	data  []float32
}

// New wraps data in a tensor of the given shape. data is not copied.
func New(shape Shape, data []float32) (Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	if len(data) != shape.NumElements() {
		return Tensor{}, fmt.Errorf("%w: got %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return Tensor{shape: shape.Clone(), data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape Shape) Tensor {
	return Tensor{shape: shape.Clone(), data: make([]float32, shape.NumElements())}
}

// Shape returns a copy of the tensor's shape.
func (t Tensor) Shape() Shape { return t.shape.Clone() }

// Data returns the backing slice.
func (t Tensor) Data() []float32 { return t.data }

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.data) }

// At returns the element at the given multi-dimensional index.
func (t Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set stores v at the given multi-dimensional index.
func (t Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match shape %v", len(idx), t.shape))
	}
	strides := t.shape.Strides()
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off += v * strides[i]
	}
	return off
}

// Reshape returns a view of t with a new shape holding the same number of
// elements.
func (t Tensor) Reshape(shape Shape) (Tensor, error) {
	return New(shape, t.data)
}

// Maximum returns the elementwise maximum of a and b after broadcasting
// both to their common shape (see BroadcastShapes).
func Maximum(a, b Tensor) (Tensor, error) {
	return binary(a, b, func(x, y float32) float32 {
		if x > y {
			return x
		}
		return y
	})
}

func binary(a, b Tensor, op func(x, y float32) float32) (Tensor, error) {
	outShape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return Tensor{}, err
	}
	out := Zeros(outShape)
	if len(out.data) == 0 {
		return out, nil
	}

	sa := broadcastStrides(a.shape, outShape)
	sb := broadcastStrides(b.shape, outShape)
	idx := make([]int, len(outShape))
	offA, offB := 0, 0
	for i := range out.data {
		out.data[i] = op(a.data[offA], b.data[offB])

		// advance the odometer, keeping both source offsets in step
		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			offA += sa[d]
			offB += sb[d]
			if idx[d] < outShape[d] {
				break
			}
			offA -= sa[d] * idx[d]
			offB -= sb[d] * idx[d]
			idx[d] = 0
		}
	}
	return out, nil
}
