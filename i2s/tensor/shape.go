package tensor

import "fmt"

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // scalar
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int {
	return len(s)
}

// Equal checks if two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}

// Strides computes row-major element strides for the shape.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// BroadcastShapes returns the broadcast-compatible shape of two shapes.
//
// Shapes are aligned on their trailing dimensions; the shorter one is
// treated as if padded with leading 1s. Each aligned pair must be equal or
// contain a 1, and the result takes the larger extent. This is the NumPy
// contract, and the only broadcasting the mask builders rely on.
func BroadcastShapes(a, b Shape) (Shape, error) {
	maxDim := len(a)
	if len(b) > maxDim {
		maxDim = len(b)
	}

	result := make(Shape, maxDim)
	for i := 0; i < maxDim; i++ {
		da := 1
		db := 1
		if i < len(a) {
			da = a[len(a)-1-i]
		}
		if i < len(b) {
			db = b[len(b)-1-i]
		}

		switch {
		case da == db:
			result[maxDim-1-i] = da
		case da == 1:
			result[maxDim-1-i] = db
		case db == 1:
			result[maxDim-1-i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcast-compatible", a, b)
		}
	}
	return result, nil
}

// broadcastStrides returns strides for reading src as if it had shape out:
// broadcast (size-1 or missing) dimensions get a stride of 0.
func broadcastStrides(src, out Shape) []int {
	srcStrides := src.Strides()
	strides := make([]int, len(out))
	offset := len(out) - len(src)
	for i := range out {
		j := i - offset
		if j < 0 || src[j] == 1 {
			continue
		}
		strides[i] = srcStrides[j]
	}
	return strides
}
