// Package transformer assembles the image-to-SELFIES encoder/decoder
// transformer configuration for a given vocabulary.
package transformer

import (
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tokenizer"

	"github.com/rs/zerolog"
)

// Fixed hyperparameters of the pretrained model.
const (
	NumLayers   = 4
	DModel      = 512
	NumHeads    = 8
	DFF         = 2048
	RowSize     = 10
	ColSize     = 10
	DropoutRate = 0.1
)

// TargetShape is the (height, width, channels) input expected by the
// feature extractor.
var TargetShape = tensor.Shape{299, 299, 3}

// ErrInvalidVocabulary is returned when the vocabulary selection cannot
// produce a size.
var ErrInvalidVocabulary = errors.New("invalid vocabulary selection")

// Vocabulary selects how the target vocabulary size is obtained. It is
// implemented by DeriveFromTokenizer and ExplicitCount only.
type Vocabulary interface {
	// distinctTokens returns the token count without the padding slot.
	distinctTokens() (int, error)
}

// DeriveFromTokenizer sizes the vocabulary from a loaded tokenizer.
type DeriveFromTokenizer struct {
	Tokenizer tokenizer.Tokenizer
}

func (d DeriveFromTokenizer) distinctTokens() (int, error) {
	if d.Tokenizer == nil {
		return 0, fmt.Errorf("%w: tokenizer is nil", ErrInvalidVocabulary)
	}
	n := d.Tokenizer.VocabularySize()
	if n <= 0 {
		return 0, fmt.Errorf("%w: tokenizer has no tokens", ErrInvalidVocabulary)
	}
	return n, nil
}

// ExplicitCount sizes the vocabulary from a plain token count.
type ExplicitCount int

func (c ExplicitCount) distinctTokens() (int, error) {
	if c < 0 {
		return 0, fmt.Errorf("%w: negative token count %d", ErrInvalidVocabulary, int(c))
	}
	return int(c), nil
}

// Config holds the transformer hyperparameters. It is never mutated after
// New returns.
type Config struct {
	NumLayers       int
	DModel          int
	NumHeads        int
	DFF             int
	RowSize         int
	ColSize         int
	TargetVocabSize int
	MaxPosEncoding  int
	DropoutRate     float64
}

// Validate checks the internal consistency of the hyperparameters.
func (c Config) Validate() error {
	switch {
	case c.NumLayers <= 0, c.DModel <= 0, c.NumHeads <= 0, c.DFF <= 0:
		return fmt.Errorf("layer sizes must be positive: %+v", c)
	case c.DModel%c.NumHeads != 0:
		return fmt.Errorf("d_model %d is not divisible by %d heads", c.DModel, c.NumHeads)
	case c.RowSize <= 0 || c.ColSize <= 0:
		return fmt.Errorf("spatial grid must be positive, got %dx%d", c.RowSize, c.ColSize)
	case c.TargetVocabSize <= 1:
		return fmt.Errorf("%w: vocabulary size %d leaves no room beyond padding", ErrInvalidVocabulary, c.TargetVocabSize)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return fmt.Errorf("dropout rate %v out of range [0, 1)", c.DropoutRate)
	}
	return nil
}

// DepthPerHead is the width of each attention head.
func (c Config) DepthPerHead() int { return c.DModel / c.NumHeads }

// MarshalZerologObject lets a Config be logged with .Object().
func (c Config) MarshalZerologObject(e *zerolog.Event) {
	e.Int("num_layers", c.NumLayers).
		Int("d_model", c.DModel).
		Int("num_heads", c.NumHeads).
		Int("dff", c.DFF).
		Int("row_size", c.RowSize).
		Int("col_size", c.ColSize).
		Int("target_vocab_size", c.TargetVocabSize).
		Int("max_pos_encoding", c.MaxPosEncoding).
		Float64("dropout_rate", c.DropoutRate)
}

// Transformer is the constructed encoder/decoder model description. Layer
// weights are owned by the inference runtime that executes it.
type Transformer struct {
	config Config
}

// New constructs a transformer from cfg after validating it.
func New(cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{config: cfg}, nil
}

// Config returns the hyperparameters.
func (t *Transformer) Config() Config { return t.config }

// Load constructs the transformer sized for v and returns it with the
// image target shape. The vocabulary size is the distinct token count plus
// one, index 0 being reserved for padding.
func Load(v Vocabulary) (*Transformer, tensor.Shape, error) {
	if v == nil {
		return nil, nil, fmt.Errorf("%w: no vocabulary selected", ErrInvalidVocabulary)
	}
	n, err := v.distinctTokens()
	if err != nil {
		return nil, nil, err
	}
	vocabSize := n + 1

	t, err := New(Config{
		NumLayers:       NumLayers,
		DModel:          DModel,
		NumHeads:        NumHeads,
		DFF:             DFF,
		RowSize:         RowSize,
		ColSize:         ColSize,
		TargetVocabSize: vocabSize,
		MaxPosEncoding:  vocabSize,
		DropoutRate:     DropoutRate,
	})
	if err != nil {
		return nil, nil, err
	}
	return t, TargetShape.Clone(), nil
}
