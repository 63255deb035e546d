// Package assets loads the per-model tokenizer and maximum decode length.
package assets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/img2selfies/i2s"
	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tokenizer"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// File names inside <root>/<modelID>/.
const (
	TokenizerFile = "SELFIES_tokenizer.json"
	MaxLengthFile = "SELFIES_max_length.json"
)

// maxAssetSize bounds how much of an asset file is read.
const maxAssetSize = 64 << 20

// Loader reads model assets from Root/<modelID>.
type Loader struct {
	Root    string
	Logger  zerolog.Logger
	Metrics *common.Metrics

	validate *common.ValidationUtils
	errs     *common.ErrorUtils
}

// NewLoader returns a loader rooted at root. An empty root uses the
// default assets directory.
func NewLoader(root string, logger zerolog.Logger, metrics *common.Metrics) *Loader {
	if root == "" {
		root = internal.DefaultAssetsRoot
	}
	return &Loader{
		Root:     root,
		Logger:   logger,
		Metrics:  metrics,
		validate: common.NewValidationUtils(),
		errs:     common.NewErrorUtils(logger),
	}
}

// LoadAssets loads the tokenizer and max length for modelID under root.
func LoadAssets(root, modelID string) (*tokenizer.Selfies, int, error) {
	return NewLoader(root, zerolog.Nop(), nil).Load(modelID)
}

// Load returns the tokenizer and maximum sequence length of modelID. Both
// assets must be present and valid; otherwise an error wrapping
// common.ErrMissingAsset is returned and nothing else.
func (l *Loader) Load(modelID string) (tok *tokenizer.Selfies, maxLength int, err error) {
	start := time.Now()
	defer func() { l.Metrics.ObserveOperation(common.OpLoadAssets, start, err) }()

	if l.validate == nil {
		l.validate = common.NewValidationUtils()
	}
	if l.errs == nil {
		l.errs = common.NewErrorUtils(l.Logger)
	}

	if verr := l.validate.ValidatePathComponent(modelID); verr != nil {
		return nil, 0, l.errs.Classify(common.ErrMissingAsset, verr, "model id %q", modelID)
	}
	dir := filepath.Join(l.Root, modelID)

	tok, err = l.loadTokenizer(filepath.Join(dir, TokenizerFile))
	if err != nil {
		return nil, 0, err
	}
	maxLength, err = l.loadMaxLength(filepath.Join(dir, MaxLengthFile))
	if err != nil {
		return nil, 0, err
	}

	l.Logger.Debug().
		Str("model_id", modelID).
		Int("vocabulary", tok.VocabularySize()).
		Int("max_length", maxLength).
		Msg("loaded model assets")
	return tok, maxLength, nil
}

// kerasTokenizer covers both the Keras Tokenizer.to_json() layout, where
// word_index is itself a JSON-encoded string inside "config", and a flat
// {"word_index": {...}} object.
type kerasTokenizer struct {
	ClassName string `json:"class_name"`
	Config    *struct {
		WordIndex string  `json:"word_index"`
		OOVToken  *string `json:"oov_token"`
	} `json:"config"`
	WordIndex map[string]int `json:"word_index"`
	OOVToken  string         `json:"oov_token"`
}

func (l *Loader) loadTokenizer(path string) (*tokenizer.Selfies, error) {
	raw, err := l.readAsset(path)
	if err != nil {
		return nil, err
	}

	var doc kerasTokenizer
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, l.errs.Classify(common.ErrMissingAsset, err, "decode %s", path)
	}

	wordIndex := doc.WordIndex
	oov := doc.OOVToken
	if doc.Config != nil && doc.Config.WordIndex != "" {
		if err := sonic.UnmarshalString(doc.Config.WordIndex, &wordIndex); err != nil {
			return nil, l.errs.Classify(common.ErrMissingAsset, err, "decode word index in %s", path)
		}
		if doc.Config.OOVToken != nil {
			oov = *doc.Config.OOVToken
		}
	}

	tok, err := tokenizer.NewSelfies(wordIndex, oov)
	if err != nil {
		return nil, l.errs.Classify(common.ErrMissingAsset, err, "build tokenizer from %s", path)
	}
	return tok, nil
}

func (l *Loader) loadMaxLength(path string) (int, error) {
	raw, err := l.readAsset(path)
	if err != nil {
		return 0, err
	}

	var n int
	if err := sonic.Unmarshal(raw, &n); err != nil {
		var wrapped struct {
			MaxLength *int `json:"max_length"`
		}
		if err2 := sonic.Unmarshal(raw, &wrapped); err2 != nil || wrapped.MaxLength == nil {
			return 0, l.errs.Classify(common.ErrMissingAsset, err, "decode %s", path)
		}
		n = *wrapped.MaxLength
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s holds non-positive max length %d", common.ErrMissingAsset, path, n)
	}
	return n, nil
}

// readAsset opens, reads and closes path in one scope.
func (l *Loader) readAsset(path string) ([]byte, error) {
	if err := l.validate.ValidateFileExists(path); err != nil {
		return nil, l.errs.Classify(common.ErrMissingAsset, err, "asset %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, l.errs.Classify(common.ErrMissingAsset, err, "open %s", path)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxAssetSize))
	if err != nil {
		return nil, l.errs.Classify(common.ErrMissingAsset, err, "read %s", path)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", common.ErrMissingAsset, path)
	}
	return raw, nil
}
