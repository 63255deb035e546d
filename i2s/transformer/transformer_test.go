package transformer

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tokenizer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vocabOf(t *testing.T, n int) *tokenizer.Selfies {
	t.Helper()
	index := make(map[string]int, n)
	for i := 1; i <= n; i++ {
		index[fmt.Sprintf("[T%d]", i)] = i
	}
	tok, err := tokenizer.NewSelfies(index, "")
	require.NoError(t, err)
	return tok
}

func TestLoadDerivesVocabularyFromTokenizer(t *testing.T) {
	tr, shape, err := Load(DeriveFromTokenizer{Tokenizer: vocabOf(t, 500)})
	require.NoError(t, err)

	cfg := tr.Config()
	assert.Equal(t, 501, cfg.TargetVocabSize)
	assert.Equal(t, 501, cfg.MaxPosEncoding)
	assert.Equal(t, tensor.Shape{299, 299, 3}, shape)
}

func TestLoadExplicitCount(t *testing.T) {
	tr, shape, err := Load(ExplicitCount(500))
	require.NoError(t, err)
	assert.Equal(t, 501, tr.Config().TargetVocabSize)
	assert.Equal(t, tensor.Shape{299, 299, 3}, shape)
}

func TestLoadUsesFixedHyperparameters(t *testing.T) {
	tr, _, err := Load(ExplicitCount(42))
	require.NoError(t, err)

	cfg := tr.Config()
	assert.Equal(t, 4, cfg.NumLayers)
	assert.Equal(t, 512, cfg.DModel)
	assert.Equal(t, 8, cfg.NumHeads)
	assert.Equal(t, 2048, cfg.DFF)
	assert.Equal(t, 10, cfg.RowSize)
	assert.Equal(t, 10, cfg.ColSize)
	assert.InDelta(t, 0.1, cfg.DropoutRate, 1e-12)
	assert.Equal(t, 64, cfg.DepthPerHead())
}

func TestLoadRejectsIncompatibleVocabulary(t *testing.T) {
	_, _, err := Load(nil)
	assert.ErrorIs(t, err, ErrInvalidVocabulary)

	_, _, err = Load(DeriveFromTokenizer{})
	assert.ErrorIs(t, err, ErrInvalidVocabulary)

	_, _, err = Load(ExplicitCount(-1))
	assert.ErrorIs(t, err, ErrInvalidVocabulary)

	_, _, err = Load(ExplicitCount(0))
	assert.ErrorIs(t, err, ErrInvalidVocabulary)
}

func TestReturnedShapeIsACopy(t *testing.T) {
	_, shape, err := Load(ExplicitCount(3))
	require.NoError(t, err)
	shape[0] = 1
	assert.Equal(t, 299, TargetShape[0])
}

func TestConfigValidate(t *testing.T) {
	tr, _, err := Load(ExplicitCount(10))
	require.NoError(t, err)
	base := tr.Config()

	bad := base
	bad.NumHeads = 7
	assert.Error(t, bad.Validate())

	bad = base
	bad.DropoutRate = 1
	assert.Error(t, bad.Validate())

	bad = base
	bad.RowSize = 0
	assert.Error(t, bad.Validate())

	_, err = New(bad)
	assert.Error(t, err)
}

func TestConfigLogsAsObject(t *testing.T) {
	tr, _, err := Load(ExplicitCount(10))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("transformer", tr.Config()).Msg("built")

	assert.Contains(t, buf.String(), `"target_vocab_size":11`)
	assert.Contains(t, buf.String(), `"d_model":512`)
}
