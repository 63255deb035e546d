// Package masks builds the attention masks used by the autoregressive
// SELFIES decoder. Values are 0.0 (attend) or 1.0 (hidden) so they can be
// scaled into an additive attention bias.
package masks

import (
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"

	"gonum.org/v1/gonum/mat"
)

// PadToken is the reserved padding index.
const PadToken int64 = 0

var (
	ErrInvalidSequence = errors.New("invalid target sequence")
	ErrInvalidSize     = errors.New("mask size must be positive")
)

// CreatePaddingMask marks padding positions of a batch of token sequences.
//
// The result has shape (batch, 1, 1, length): the two singleton axes
// broadcast over attention heads and query positions.
func CreatePaddingMask(seqs [][]int64) (tensor.Tensor, error) {
	batch, length, err := dims(seqs)
	if err != nil {
		return tensor.Tensor{}, err
	}
	data := make([]float32, batch*length)
	for b, seq := range seqs {
		for i, tok := range seq {
			if tok == PadToken {
				data[b*length+i] = 1
			}
		}
	}
	return tensor.New(tensor.Shape{batch, 1, 1, length}, data)
}

// CreateLookAheadMask returns the size x size causal mask: cell (i, j) is 1
// iff j > i. It is computed as ones minus the lower band (diagonal
// included).
func CreateLookAheadMask(size int) (tensor.Tensor, error) {
	if size <= 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	ones := make([]float64, size*size)
	for i := range ones {
		ones[i] = 1
	}
	// NewTriDense only reads the lower triangle of its backing slice.
	lower := mat.NewTriDense(size, mat.Lower, append([]float64(nil), ones...))

	var mask mat.Dense
	mask.Sub(mat.NewDense(size, size, ones), lower)

	raw := mask.RawMatrix()
	data := make([]float32, size*size)
	for i := 0; i < size; i++ {
		for j, v := range raw.Data[i*raw.Stride : i*raw.Stride+size] {
			data[i*size+j] = float32(v)
		}
	}
	return tensor.New(tensor.Shape{size, size}, data)
}

// CreateMasksDecoder combines the look-ahead mask with the target's own
// padding mask. A position is hidden when it lies in the future or holds a
// padding token.
//
// The (batch, 1, 1, L) padding mask and the (L, L) look-ahead mask
// broadcast to (batch, 1, L, L).
func CreateMasksDecoder(tar [][]int64) (tensor.Tensor, error) {
	_, length, err := dims(tar)
	if err != nil {
		return tensor.Tensor{}, err
	}
	lookAhead, err := CreateLookAheadMask(length)
	if err != nil {
		return tensor.Tensor{}, err
	}
	padding, err := CreatePaddingMask(tar)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.Maximum(padding, lookAhead)
}

func dims(seqs [][]int64) (batch, length int, err error) {
	if len(seqs) == 0 {
		return 0, 0, fmt.Errorf("%w: empty batch", ErrInvalidSequence)
	}
	length = len(seqs[0])
	if length == 0 {
		return 0, 0, fmt.Errorf("%w: zero-length sequence", ErrInvalidSequence)
	}
	for i, seq := range seqs {
		if len(seq) != length {
			return 0, 0, fmt.Errorf("%w: sequence %d has length %d, want %d", ErrInvalidSequence, i, len(seq), length)
		}
	}
	return len(seqs), length, nil
}
