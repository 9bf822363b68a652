package pipeline

import (
	"sort"
	"strings"
	"unicode"
)

// Chunk is one retrieval candidate taken from a linked document.
type Chunk struct {
	DocumentID uint   `json:"document_id"`
	Index      int    `json:"index"`
	Offset     int    `json:"offset"`
	Text       string `json:"text"`
}

// Scorer rates how relevant chunk text is to a query. Higher is better and
// zero means unrelated. Swapping the scorer (e.g. for embedding similarity)
// leaves ranking, assembly and orchestration untouched.
type Scorer interface {
	Score(query, chunk string) float64
}

// KeywordScorer counts distinct query keywords present in the chunk.
// Repeating a keyword inside the chunk does not raise the score.
type KeywordScorer struct{}

func (KeywordScorer) Score(query, chunk string) float64 {
	queryWords := Keywords(query)
	if len(queryWords) == 0 {
		return 0
	}
	chunkWords := Keywords(chunk)
	matches := 0
	for w := range queryWords {
		if _, ok := chunkWords[w]; ok {
			matches++
		}
	}
	return float64(matches)
}

// Keywords case-folds text and splits it on every rune that is neither a
// letter nor a digit.
func Keywords(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

type Retriever struct {
	scorer Scorer
}

func NewRetriever(scorer Scorer) *Retriever {
	if scorer == nil {
		scorer = KeywordScorer{}
	}
	return &Retriever{scorer: scorer}
}

type scoredChunk struct {
	chunk Chunk
	score float64
}

// Retrieve returns at most k candidates with a positive score, best first.
// Equal scores keep their candidate order. An empty result is not an error.
func (r *Retriever) Retrieve(query string, candidates []Chunk, k int) []Chunk {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	scored := make([]scoredChunk, 0, len(candidates))
	for _, c := range candidates {
		score := r.scorer.Score(query, c.Text)
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredChunk{chunk: c, score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if k > len(scored) {
		k = len(scored)
	}
	result := make([]Chunk, k)
	for i := 0; i < k; i++ {
		result[i] = scored[i].chunk
	}
	return result
}
