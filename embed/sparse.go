package embed

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"airweave.ai/core/destination"
)

// BM25 parameters. Average document length is fixed since the encoder has
// no corpus statistics at indexing time; the engine's IDF handles the rest.
const (
	bm25K1    = 1.2
	bm25B     = 0.75
	bm25AvgDL = 256.0
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "with": true,
}

// SparseEncoder turns text into BM25-weighted sparse vectors. Terms are
// hashed into the index space, so encoder output is stable across processes
// with no shared vocabulary.
type SparseEncoder struct{}

// NewSparseEncoder creates the in-process keyword encoder.
func NewSparseEncoder() *SparseEncoder { return &SparseEncoder{} }

// Encode produces one sparse vector per input text. Empty or stopword-only
// texts yield nil entries.
func (s *SparseEncoder) Encode(texts []string) []*destination.SparseVector {
	out := make([]*destination.SparseVector, len(texts))
	for i, text := range texts {
		out[i] = s.EncodeOne(text)
	}
	return out
}

// EncodeOne produces the sparse vector for a single text.
func (s *SparseEncoder) EncodeOne(text string) *destination.SparseVector {
	terms := tokenize(text)
	if len(terms) == 0 {
		return nil
	}

	counts := make(map[uint32]float32, len(terms))
	for _, term := range terms {
		counts[termIndex(term)]++
	}

	docLen := float64(len(terms))
	norm := bm25K1 * (1 - bm25B + bm25B*docLen/bm25AvgDL)

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		tf := float64(counts[idx])
		values[i] = float32(tf * (bm25K1 + 1) / (tf + norm))
	}
	return &destination.SparseVector{Indices: indices, Values: values}
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func termIndex(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}
