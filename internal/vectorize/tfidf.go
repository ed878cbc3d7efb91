package vectorize

import (
	"math"
	"sort"
)

// Sparse is a vector stored as ascending indices and their values.
type Sparse struct {
	Indices []int
	Values  []float64
}

// IsZero reports whether the vector has no non-zero component.
func (s Sparse) IsZero() bool {
	for _, v := range s.Values {
		if v != 0 {
			return false
		}
	}
	return true
}

// Dot returns the dot product with a dense vector.
func (s Sparse) Dot(dense []float64) float64 {
	var sum float64
	for i, idx := range s.Indices {
		if idx < len(dense) {
			sum += s.Values[i] * dense[idx]
		}
	}
	return sum
}

// SquaredNorm returns the squared L2 norm.
func (s Sparse) SquaredNorm() float64 {
	var sum float64
	for _, v := range s.Values {
		sum += v * v
	}
	return sum
}

// AddTo adds s scaled by w into dense.
func (s Sparse) AddTo(dense []float64, w float64) {
	for i, idx := range s.Indices {
		dense[idx] += w * s.Values[i]
	}
}

// FromDense converts a dense vector, dropping zero components.
func FromDense(v []float64) Sparse {
	var s Sparse
	for i, x := range v {
		if x != 0 {
			s.Indices = append(s.Indices, i)
			s.Values = append(s.Values, x)
		}
	}
	return s
}

// TFIDF is a fitted term vocabulary with smoothed inverse document
// frequencies.
type TFIDF struct {
	tok   *tokenizer
	vocab map[string]int
	terms []string
	idf   []float64
}

// Fit builds the vocabulary of docs. Terms are indexed in sorted order so
// the same documents always yield the same vector layout.
func Fit(docs []string, opts Options) *TFIDF {
	tok := newTokenizer(opts)

	df := make(map[string]int)
	for _, d := range docs {
		seen := make(map[string]struct{})
		for _, t := range tok.tokens(d) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			df[t]++
		}
	}

	terms := make([]string, 0, len(df))
	for t := range df {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	m := &TFIDF{
		tok:   tok,
		vocab: make(map[string]int, len(terms)),
		terms: terms,
		idf:   make([]float64, len(terms)),
	}
	n := float64(len(docs))
	for i, t := range terms {
		m.vocab[t] = i
		m.idf[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}
	return m
}

// Dim is the vocabulary size.
func (m *TFIDF) Dim() int {
	return len(m.terms)
}

// Terms returns the vocabulary in index order.
func (m *TFIDF) Terms() []string {
	return m.terms
}

// Transform returns the L2-normalised TF-IDF vector of doc. Terms outside
// the vocabulary are ignored; a document with none yields a zero vector.
func (m *TFIDF) Transform(doc string) Sparse {
	tf := make(map[int]float64)
	for _, t := range m.tok.tokens(doc) {
		if idx, ok := m.vocab[t]; ok {
			tf[idx]++
		}
	}
	if len(tf) == 0 {
		return Sparse{}
	}

	s := Sparse{Indices: make([]int, 0, len(tf))}
	for idx := range tf {
		s.Indices = append(s.Indices, idx)
	}
	sort.Ints(s.Indices)

	s.Values = make([]float64, len(s.Indices))
	var norm float64
	for i, idx := range s.Indices {
		w := tf[idx] * m.idf[idx]
		s.Values[i] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for i := range s.Values {
		s.Values[i] /= norm
	}
	return s
}

// FitTransform fits docs and returns one vector per document.
func FitTransform(docs []string, opts Options) (*TFIDF, []Sparse) {
	m := Fit(docs, opts)
	out := make([]Sparse, len(docs))
	for i, d := range docs {
		out[i] = m.Transform(d)
	}
	return m, out
}
