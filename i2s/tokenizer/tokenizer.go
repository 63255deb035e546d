package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	"github.com/sugarme/tokenizer/model/wordlevel"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// Tokenizer converts SELFIES strings to decoder token IDs and back.
type Tokenizer interface {
	// VocabularySize is the number of distinct tokens, excluding padding.
	VocabularySize() int
	Encode(texts []string, maxLen int) ([][]int64, error)
	Decode(ids []int64) string
}

var (
	// ErrUnsupported indicates the tokenizer could not be initialized
	ErrUnsupported = errors.New("unsupported tokenizer configuration")
	// ErrEmptyVocabulary is returned for a word index with no entries.
	ErrEmptyVocabulary = errors.New("tokenizer vocabulary is empty")
)

// symbolPattern matches one bracketed SELFIES symbol.
const symbolPattern = `\[[^\]]*\]`

// padSymbol is mapped to index 0 when there is no oov token. Pre-tokenized
// pieces are never empty, so it only ever stands in for unknown words.
const padSymbol = ""

// Selfies is a word-level tokenizer over SELFIES tokens. Index 0 is the
// padding sentinel and is never assigned to a word.
type Selfies struct {
	tk        *tk.Tokenizer
	wordIndex map[string]int
	oovToken  string
}

// newPreTokenizer splits on whitespace, then isolates each bracketed symbol
// so that "<start>[C][O]" yields "<start>", "[C]", "[O]".
func newPreTokenizer() tk.PreTokenizer {
	return pretokenizer.NewSequence([]tk.PreTokenizer{
		pretokenizer.NewWhitespaceSplit(),
		pretokenizer.NewSplit(normalizer.NewRegexpPattern(symbolPattern), normalizer.IsolatedBehavior, false),
	})
}

// NewSelfies builds a tokenizer from a word index. oovToken may be empty,
// in which case unknown tokens are dropped when encoding.
func NewSelfies(wordIndex map[string]int, oovToken string) (*Selfies, error) {
	if len(wordIndex) == 0 {
		return nil, ErrEmptyVocabulary
	}
	words := make(map[string]int, len(wordIndex))
	seen := make(map[int]string, len(wordIndex))
	for word, idx := range wordIndex {
		if idx <= 0 {
			return nil, fmt.Errorf("%w: token %q has reserved index %d", ErrUnsupported, word, idx)
		}
		if prev, dup := seen[idx]; dup {
			return nil, fmt.Errorf("%w: index %d shared by %q and %q", ErrUnsupported, idx, prev, word)
		}
		words[word] = idx
		seen[idx] = word
	}

	vocab := make(map[string]int, len(words)+1)
	for word, idx := range words {
		vocab[word] = idx
	}
	unk := oovToken
	if oovToken == "" {
		unk = padSymbol
		vocab[padSymbol] = 0
	} else if _, ok := words[oovToken]; !ok {
		return nil, fmt.Errorf("%w: oov token %q not in vocabulary", ErrUnsupported, oovToken)
	}

	// UnkToken registers its token in the builder's default vocab, which
	// Vocab then replaces.
	builder := wordlevel.NewWordLevelBuilder()
	builder.UnkToken(unk)
	builder.Vocab(vocab)

	t := tk.NewTokenizer(builder.Build())
	t.WithPreTokenizer(newPreTokenizer())
	t.WithDecoder(decoder.NewFuse())

	return &Selfies{tk: t, wordIndex: words, oovToken: oovToken}, nil
}

// VocabularySize returns the number of distinct tokens.
func (s *Selfies) VocabularySize() int { return len(s.wordIndex) }

// OOVToken returns the out-of-vocabulary token, if any.
func (s *Selfies) OOVToken() string { return s.oovToken }

// Index returns the ID of token.
func (s *Selfies) Index(token string) (int, bool) {
	idx, ok := s.wordIndex[token]
	return idx, ok
}

// Words returns the vocabulary ordered by index.
func (s *Selfies) Words() []string {
	words := make([]string, 0, len(s.wordIndex))
	for w := range s.wordIndex {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool { return s.wordIndex[words[i]] < s.wordIndex[words[j]] })
	return words
}

// Encode splits each text into SELFIES tokens and maps them to IDs.
// Sequences are right-padded with 0 to maxLen and truncated past it; a
// maxLen <= 0 pads to the longest sequence in the batch.
func (s *Selfies) Encode(texts []string, maxLen int) ([][]int64, error) {
	rows := make([][]int64, len(texts))
	longest := 0
	for i, text := range texts {
		enc, err := s.tk.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		if err := checkSymbols(enc.GetTokens()); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		ids := enc.GetIds()
		row := make([]int64, 0, len(ids))
		for _, id := range ids {
			// 0 is only produced for dropped unknown words
			if id == 0 {
				continue
			}
			row = append(row, int64(id))
		}
		rows[i] = row
		if len(row) > longest {
			longest = len(row)
		}
	}
	if maxLen <= 0 {
		maxLen = longest
	}
	for i, row := range rows {
		padded := make([]int64, maxLen)
		copy(padded, row)
		rows[i] = padded
	}
	return rows, nil
}

// Decode maps IDs back to a SELFIES string, skipping padding and unknown
// IDs.
func (s *Selfies) Decode(ids []int64) string {
	in := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		in = append(in, int(id))
	}
	return s.tk.Decode(in, false)
}

// SplitSelfies splits a SELFIES string into its bracketed symbols.
// Whitespace separates tokens but is otherwise ignored, and bare words
// such as "<start>" or "<end>" are kept as single tokens.
func SplitSelfies(text string) ([]string, error) {
	pre, err := newPreTokenizer().PreTokenize(tk.NewPreTokenizedString(text))
	if err != nil {
		return nil, err
	}
	var tokens []string
	for _, p := range pre.GetSplits(normalizer.OriginalTarget, tk.Byte) {
		tokens = append(tokens, p.Value)
	}
	if err := checkSymbols(tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// checkSymbols rejects a piece holding an opening bracket that the symbol
// pattern could not close.
func checkSymbols(tokens []string) error {
	for i, tok := range tokens {
		open := strings.IndexByte(tok, '[')
		if open < 0 {
			continue
		}
		if open != 0 || !strings.HasSuffix(tok, "]") {
			return fmt.Errorf("unterminated symbol %q at token %d", tok, i)
		}
	}
	return nil
}
