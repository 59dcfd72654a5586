package intent

import (
	"context"
	"fmt"
	"sort"

	"github.com/HanTheDev/orbit-gateway/internal/embedding"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/models"
)

const DefaultThreshold = 0.75

type Match struct {
	Template *models.Template
	Score    float64
}

type Candidate struct {
	TemplateID string  `json:"template_id"`
	Score      float64 `json:"score"`
}

type Matcher struct {
	index     *Index
	embedders *embedding.Registry
}

func NewMatcher(index *Index, embedders *embedding.Registry) *Matcher {
	return &Matcher{index: index, embedders: embedders}
}

func (m *Matcher) library(collection string) (*Library, embedding.Embedder, error) {
	lib, ok := m.index.Get(collection)
	if !ok {
		return nil, nil, fmt.Errorf("template collection %q is not loaded", collection)
	}
	e, err := m.embedders.Get(lib.Provider)
	if err != nil {
		return nil, nil, err
	}
	return lib, e, nil
}

// Match embeds the query and returns the highest scoring template of the
// collection. Equal scores keep the template declared first. A best score
// below threshold fails with NoTemplateMatchError.
func (m *Matcher) Match(ctx context.Context, collection, query string, threshold float64) (*Match, error) {
	lib, e, err := m.library(collection)
	if err != nil {
		return nil, err
	}
	vec, err := e.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return best(lib, vec, threshold)
}

func best(lib *Library, query []float64, threshold float64) (*Match, error) {
	bestIdx, bestScore := -1, 0.0
	for i := range lib.templates {
		score := embedding.Cosine(query, lib.templates[i].Embedding)
		if bestIdx < 0 || score > bestScore {
			bestIdx, bestScore = i, score
		}
	}

	if bestIdx < 0 || bestScore < threshold {
		return nil, &errs.NoTemplateMatchError{Collection: lib.Collection, BestScore: bestScore, Threshold: threshold}
	}
	t := lib.templates[bestIdx]
	return &Match{Template: &t, Score: bestScore}, nil
}

// Rank scores every template against the query, highest first. Ties keep
// declaration order.
func (m *Matcher) Rank(ctx context.Context, collection, query string) ([]Candidate, error) {
	lib, e, err := m.library(collection)
	if err != nil {
		return nil, err
	}
	vec, err := e.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	out := make([]Candidate, len(lib.templates))
	for i, t := range lib.templates {
		out[i] = Candidate{TemplateID: t.ID, Score: embedding.Cosine(vec, t.Embedding)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
