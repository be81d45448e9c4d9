package vectorizer

// TfidfVectorizer weights counts by the vocabulary's IDF and L2-normalizes
// the result.
type TfidfVectorizer struct {
	CountVec *CountVectorizer
}

// NewTfidfVectorizer creates a TfidfVectorizer over vocab.
func NewTfidfVectorizer(vocab *Vocabulary, binary bool) *TfidfVectorizer {
	return &TfidfVectorizer{CountVec: NewCountVectorizer(vocab, binary)}
}

// Transform converts a single document to a TF-IDF sparse vector.
func (tv *TfidfVectorizer) Transform(text string) SparseVector {
	return tv.weigh(tv.CountVec.Transform(text))
}

// TransformIndices weighs already encoded tokens.
func (tv *TfidfVectorizer) TransformIndices(indices []int) SparseVector {
	return tv.weigh(tv.CountVec.TransformIndices(indices))
}

func (tv *TfidfVectorizer) weigh(sv SparseVector) SparseVector {
	for i, idx := range sv.Indices {
		sv.Values[i] *= tv.CountVec.Vocab.IDF(idx)
	}
	sv.Normalize()
	return sv
}

// VocabSize returns the vocabulary size.
func (tv *TfidfVectorizer) VocabSize() int {
	return tv.CountVec.VocabSize()
}
