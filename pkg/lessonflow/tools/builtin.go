package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/export"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/vectorstore"
)

// Built-in tool names.
const (
	LookupStandards = "lookup_standards"
	RenderExport    = "render_export"
)

// DefaultLookupLimit is how many standards lookup_standards returns when
// the input names no limit.
const DefaultLookupLimit = 5

// LookupInput is the lookup_standards input.
type LookupInput struct {
	Query   string `json:"query" jsonschema:"description=Lesson topic or objective text"`
	Subject string `json:"subject,omitempty" jsonschema:"description=Restrict matches to this subject"`
	Limit   int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=20"`
}

// StandardMatch is one lookup_standards result.
type StandardMatch struct {
	curriculum.Standard
	Score float64 `json:"score"`
}

// RenderInput is the render_export input.
type RenderInput struct {
	Variant string                     `json:"variant"`
	Draft   *plan.Draft                `json:"draft"`
	Profile *plan.AccessibilityProfile `json:"profile,omitempty"`
}

// NewLookupStandards builds the lookup_standards tool over a vector store
// seeded from catalog. It is a context tool.
func NewLookupStandards(store *vectorstore.Store, catalog *curriculum.Catalog) Tool {
	t := New(LookupStandards,
		"Find curriculum standards relevant to a lesson topic.",
		func(ctx context.Context, in LookupInput) (any, error) {
			return SearchStandards(ctx, store, catalog, in)
		})
	t.Context = true
	return t
}

// SearchStandards runs a similarity search and resolves hits against the
// catalog, filtering by subject when one is given.
func SearchStandards(ctx context.Context, store *vectorstore.Store, catalog *curriculum.Catalog, in LookupInput) ([]StandardMatch, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultLookupLimit
	}
	// Over-fetch so a subject filter still fills the limit.
	hits, err := store.Search(ctx, in.Query, limit*4)
	if err != nil {
		return nil, fmt.Errorf("search standards: %w", err)
	}
	var out []StandardMatch
	for _, h := range hits {
		s, ok := catalog.Lookup(h.Document.ID)
		if !ok {
			continue
		}
		if in.Subject != "" && !equalFold(s.Subject, in.Subject) {
			continue
		}
		out = append(out, StandardMatch{Standard: s, Score: h.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// NewRenderExport builds the render_export tool.
func NewRenderExport() Tool {
	return New(RenderExport,
		"Render a lesson plan draft into one export variant.",
		func(_ context.Context, in RenderInput) (any, error) {
			return export.Render(in.Variant, in.Draft, in.Profile)
		})
}

// IndexCatalog adds every catalog standard to store, keyed by code.
func IndexCatalog(ctx context.Context, store *vectorstore.Store, catalog *curriculum.Catalog) error {
	all := catalog.All()
	docs := make([]vectorstore.Document, len(all))
	for i, s := range all {
		docs[i] = vectorstore.Document{
			ID:       s.Code,
			Text:     s.Text(),
			Metadata: map[string]string{"subject": s.Subject, "grade_band": s.GradeBand},
		}
	}
	return store.Add(ctx, docs...)
}

// DefaultRegistry registers the built-in tools in their fixed order.
func DefaultRegistry(store *vectorstore.Store, catalog *curriculum.Catalog) *Registry {
	r := NewRegistry()
	r.MustRegister(NewLookupStandards(store, catalog))
	r.MustRegister(NewRenderExport())
	return r
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
