// Package vectorstore is an in-memory embedding index with cosine search.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// store's dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Document is one indexed item.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match is a search hit. Score is cosine similarity in [-1, 1].
type Match struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

type entry struct {
	doc    Document
	vector []float32
}

// Store indexes documents by embedding. It is safe for concurrent use.
type Store struct {
	embedder llm.Embedder

	mu      sync.RWMutex
	entries []entry
	byID    map[string]int
}

// New creates an empty store backed by embedder.
func New(embedder llm.Embedder) *Store {
	return &Store{embedder: embedder, byID: make(map[string]int)}
}

// Add embeds and indexes docs. A document with an existing ID replaces it.
func (s *Store) Add(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range docs {
		if dims := s.embedder.Dimensions(); dims > 0 && len(vectors[i]) != dims {
			return fmt.Errorf("document %q: %w", d.ID, ErrDimensionMismatch)
		}
		e := entry{doc: d, vector: vectors[i]}
		if idx, ok := s.byID[d.ID]; ok {
			s.entries[idx] = e
			continue
		}
		s.byID[d.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

// Search returns the k documents most similar to query, best first.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	return s.SearchVector(vectors[0], k), nil
}

// SearchVector is Search with a precomputed query vector.
func (s *Store) SearchVector(q []float32, k int) []Match {
	s.mu.RLock()
	matches := make([]Match, 0, len(s.entries))
	for _, e := range s.entries {
		matches = append(matches, Match{Document: e.doc, Score: Cosine(q, e.vector)})
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len returns the number of indexed documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
