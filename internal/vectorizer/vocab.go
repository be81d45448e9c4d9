package vectorizer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/happyhackingspace/deepel/internal/textutil"
)

// Reserved tokens occupy the first vocabulary slots.
const (
	PadToken          = "<PAD>"
	UnknownToken      = "<UNK>"
	MentionStartToken = "<MENTION_START>"
	MentionEndToken   = "<MENTION_END>"
)

// Reserved token indices.
const (
	Pad = iota
	Unknown
	MentionStart
	MentionEnd
	numReserved
)

// Vocabulary maps lowercased tokens to indices and keeps document
// frequencies for IDF weighting.
type Vocabulary struct {
	Tokens  []string       `json:"tokens"`
	DF      []int          `json:"df"`
	NumDocs int            `json:"num_docs"`
	Index   map[string]int `json:"-"`
}

// BuildVocabulary collects tokens occurring in at least minDF documents.
// Tokens after the reserved ones are sorted for deterministic indices.
func BuildVocabulary(corpus []string, minDF int) *Vocabulary {
	if minDF < 1 {
		minDF = 1
	}
	dfCounts := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]bool)
		for _, tok := range textutil.Tokenize(strings.ToLower(doc)) {
			if !seen[tok] {
				dfCounts[tok]++
				seen[tok] = true
			}
		}
	}

	terms := make([]string, 0, len(dfCounts))
	for term, count := range dfCounts {
		if count >= minDF {
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)

	v := &Vocabulary{
		Tokens:  append([]string{PadToken, UnknownToken, MentionStartToken, MentionEndToken}, terms...),
		DF:      make([]int, numReserved, numReserved+len(terms)),
		NumDocs: len(corpus),
	}
	for _, term := range terms {
		v.DF = append(v.DF, dfCounts[term])
	}
	v.index()
	return v
}

func (v *Vocabulary) index() {
	v.Index = make(map[string]int, len(v.Tokens))
	for i, tok := range v.Tokens {
		v.Index[tok] = i
	}
}

// Size returns the number of tokens including reserved ones.
func (v *Vocabulary) Size() int {
	return len(v.Tokens)
}

// Lookup returns the index of token, or Unknown.
func (v *Vocabulary) Lookup(token string) int {
	if idx, ok := v.Index[strings.ToLower(token)]; ok {
		return idx
	}
	return Unknown
}

// Encode maps tokens to indices.
func (v *Vocabulary) Encode(tokens []string) []int {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		out[i] = v.Lookup(tok)
	}
	return out
}

// IDF returns the smoothed inverse document frequency of idx,
// log((1+n)/(1+df)) + 1. Reserved tokens weigh 0.
func (v *Vocabulary) IDF(idx int) float64 {
	if idx < numReserved || idx >= len(v.DF) {
		return 0
	}
	return math.Log(float64(1+v.NumDocs)/float64(1+v.DF[idx])) + 1
}

// Save writes the vocabulary as JSON.
func (v *Vocabulary) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v Vocabulary
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("vectorizer: decode vocabulary %s: %w", path, err)
	}
	if len(v.Tokens) < numReserved || len(v.DF) != len(v.Tokens) {
		return nil, fmt.Errorf("vectorizer: vocabulary %s is malformed", path)
	}
	v.index()
	return &v, nil
}
