// Package vectorize turns record text into sparse TF-IDF vectors for the
// diverse sampler.
package vectorize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Options control tokenisation.
type Options struct {
	// StripAccents folds accented letters to their base letter (è -> e).
	StripAccents bool
	// Stopwords are dropped after lowercasing and accent folding.
	Stopwords []string
	// MinTokenLen is the minimum token length in runes. Zero means 2.
	MinTokenLen int
}

type tokenizer struct {
	stripAccents bool
	stopwords    map[string]struct{}
	minLen       int
}

func newTokenizer(opts Options) *tokenizer {
	t := &tokenizer{
		stripAccents: opts.StripAccents,
		minLen:       opts.MinTokenLen,
	}
	if t.minLen <= 0 {
		t.minLen = 2
	}
	if len(opts.Stopwords) > 0 {
		t.stopwords = make(map[string]struct{}, len(opts.Stopwords))
		for _, w := range opts.Stopwords {
			t.stopwords[t.fold(strings.ToLower(w))] = struct{}{}
		}
	}
	return t
}

// fold applies NFC, or NFD minus combining marks when accents are stripped.
// The chain is built per call because transformers are stateful.
func (t *tokenizer) fold(s string) string {
	if !t.stripAccents {
		return norm.NFC.String(s)
	}
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(chain, s)
	if err != nil {
		return norm.NFC.String(s)
	}
	return out
}

// tokens splits text into lowercase runs of letters and digits. Purely
// numeric tokens, short tokens and stopwords are dropped.
func (t *tokenizer) tokens(text string) []string {
	text = t.fold(strings.ToLower(text))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < t.minLen || isNumeric(f) {
			continue
		}
		if _, stop := t.stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Tokenize exposes the tokenizer for callers that need the term stream.
func Tokenize(text string, opts Options) []string {
	return newTokenizer(opts).tokens(text)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
