package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/export"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/vectorstore"
)

type echoInput struct {
	Text string `json:"text"`
}

func echoTool(name string) Tool {
	return New(name, "echo", func(_ context.Context, in echoInput) (any, error) {
		return in.Text, nil
	})
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(echoTool(name)))
	}

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Names())
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Has("alpha"))

	err := r.Register(echoTool("alpha"))
	assert.ErrorIs(t, err, ErrDuplicateTool)
	assert.Error(t, r.Register(Tool{Name: "nohandler"}))
	assert.Error(t, r.Register(Tool{}))
}

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("echo"))

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":`))
	assert.Error(t, err)
}

func TestRegistryDescribe(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("echo"))
	desc := r.Describe()
	assert.Contains(t, desc, "- echo: echo (input: ")
	assert.Contains(t, desc, `"text"`)
	assert.NotContains(t, desc, "$schema")
}

func newCatalogStore(t *testing.T) (*vectorstore.Store, *curriculum.Catalog) {
	t.Helper()
	catalog := curriculum.DefaultCatalog()
	store := vectorstore.New(llm.NewHashEmbedder(256))
	require.NoError(t, IndexCatalog(context.Background(), store, catalog))
	return store, catalog
}

func TestDefaultRegistry(t *testing.T) {
	store, catalog := newCatalogStore(t)
	r := DefaultRegistry(store, catalog)

	assert.Equal(t, []string{LookupStandards, RenderExport}, r.Names())
	ctxTools := r.ContextTools()
	require.Len(t, ctxTools, 1)
	assert.Equal(t, LookupStandards, ctxTools[0].Name)
}

func TestLookupStandards(t *testing.T) {
	store, catalog := newCatalogStore(t)
	r := DefaultRegistry(store, catalog)

	out, err := r.Invoke(context.Background(), LookupStandards,
		json.RawMessage(`{"query":"photosynthesis matter energy","subject":"science","limit":2}`))
	require.NoError(t, err)

	matches, ok := out.([]StandardMatch)
	require.True(t, ok)
	require.NotEmpty(t, matches)
	assert.LessOrEqual(t, len(matches), 2)
	assert.Equal(t, "NGSS.MS-LS1-6", matches[0].Code)
	for _, m := range matches {
		assert.Equal(t, "science", m.Subject)
	}
}

func TestRenderExportTool(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewRenderExport())

	input, err := json.Marshal(RenderInput{
		Variant: plan.VariantPlainText,
		Draft:   &plan.Draft{Title: "Weather", Steps: []plan.Step{{Title: "Observe", Instructions: "Look outside.", DurationMinutes: 5}}},
	})
	require.NoError(t, err)

	out, err := r.Invoke(context.Background(), RenderExport, input)
	require.NoError(t, err)
	assert.Contains(t, out, "Weather")

	_, err = r.Invoke(context.Background(), RenderExport, json.RawMessage(`{"variant":"nope"}`))
	assert.ErrorIs(t, err, export.ErrNilDraft)
}
