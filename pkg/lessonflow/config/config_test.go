package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
)

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":    "alice",
		"timeout": "30s",
		"retries": 3,
		"ratio":   0.5,
		"whole":   4.0,
		"frac":    4.5,
		"enabled": true,
		"tags":    []any{"a", "b"},
		"mixed":   []any{"a", 1},
		"csv":     "x, y,,z",
		"retry": map[string]any{
			"max_attempts": 5,
			"nested":       map[string]any{"deep": "yes"},
		},
	})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", cfg.String("name", "d"), "alice"},
		{"string missing", cfg.String("nope", "d"), "d"},
		{"string wrong type", cfg.String("retries", "d"), "d"},
		{"duration string", cfg.Duration("timeout", time.Second), 30 * time.Second},
		{"duration int seconds", cfg.Duration("retries", time.Second), 3 * time.Second},
		{"duration float seconds", cfg.Duration("ratio", time.Second), 500 * time.Millisecond},
		{"int", cfg.Int("retries", 0), 3},
		{"int from whole float", cfg.Int("whole", 0), 4},
		{"int from fraction", cfg.Int("frac", 9), 9},
		{"float", cfg.Float("ratio", 0), 0.5},
		{"float from int", cfg.Float("retries", 0), 3.0},
		{"bool", cfg.Bool("enabled", false), true},
		{"bool wrong type", cfg.Bool("name", false), false},
		{"slice", cfg.StringSlice("tags", nil), []string{"a", "b"}},
		{"slice mixed", cfg.StringSlice("mixed", []string{"d"}), []string{"d"}},
		{"slice csv", cfg.StringSlice("csv", nil), []string{"x", "y", "z"}},
		{"dotted int", cfg.Int("retry.max_attempts", 0), 5},
		{"dotted deep", cfg.String("retry.nested.deep", ""), "yes"},
		{"dotted missing", cfg.Int("retry.nope", 7), 7},
		{"dotted through scalar", cfg.Int("name.x", 7), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	assert.True(t, cfg.Has("retry.max_attempts"))
	assert.False(t, cfg.Has("retry.missing"))
	assert.Equal(t, 5, cfg.Sub("retry").Int("max_attempts", 0))
	assert.Empty(t, cfg.Sub("name").Raw())
	assert.NotNil(t, config.New(nil).Raw())
}

func TestFromYAMLNested(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
max_refinement_iters: 3
breaker:
  failure_threshold: 2
  cooldown: 45s
default_variants: [standard_html, audio_script]
`))
	require.NoError(t, err)

	s := config.FromConfig(cfg)
	assert.Equal(t, 3, s.MaxRefinementIters)
	assert.Equal(t, 2, s.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, s.Breaker.Cooldown)
	assert.Equal(t, []string{"standard_html", "audio_script"}, s.DefaultVariants)
	assert.Equal(t, config.Defaults().Retry, s.Retry)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"llm":{"provider":"mock","max_tokens":100}}`), 0o600))
	cfg, err := config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.String("llm.provider", ""))
	assert.Equal(t, 100, cfg.Int("llm.max_tokens", 0))

	_, err = config.FromFile(filepath.Join(dir, "c.toml"))
	assert.Error(t, err)

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("a: [unclosed"), 0o600))
	_, err = config.FromFile(bad)
	assert.Error(t, err)
}

func TestWithEnv(t *testing.T) {
	env := map[string]string{
		"LESSONFLOW_MAX_REFINEMENT_ITERS":  "4",
		"LESSONFLOW_MAX_WORKFLOW_DURATION": "90",
		"LESSONFLOW_BREAKER_COOLDOWN":      "2m",
		"LESSONFLOW_DEFAULT_VARIANTS":      "plain_text, markdown",
		"LESSONFLOW_LLM_PROVIDER":          "openai",
		"OPENAI_API_KEY":                   "sk-test",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s, err := config.Defaults().WithEnv(lookup)
	require.NoError(t, err)
	assert.Equal(t, 4, s.MaxRefinementIters)
	assert.Equal(t, 90*time.Second, s.MaxWorkflowDuration)
	assert.Equal(t, 2*time.Minute, s.Breaker.Cooldown)
	assert.Equal(t, []string{"plain_text", "markdown"}, s.DefaultVariants)
	assert.Equal(t, "openai", s.LLM.Provider)
	assert.Equal(t, "sk-test", s.LLM.APIKey)
}

func TestWithEnv_Malformed(t *testing.T) {
	env := map[string]string{
		"LESSONFLOW_MAX_REFINEMENT_ITERS": "4",
		"LESSONFLOW_RETRY_MAX_ATTEMPTS":   "not-a-number",
		"LESSONFLOW_PASS_THRESHOLD":       "high",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s, err := config.Defaults().WithEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LESSONFLOW_RETRY_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "LESSONFLOW_PASS_THRESHOLD")
	assert.Equal(t, 4, s.MaxRefinementIters)
	assert.Equal(t, 3, s.Retry.MaxAttempts)
}

func TestLoad_MalformedEnv(t *testing.T) {
	t.Setenv("LESSONFLOW_MAX_REFINEMENT_ITERS", "abc")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LESSONFLOW_MAX_REFINEMENT_ITERS")
}

func TestValidate(t *testing.T) {
	require.NoError(t, config.Defaults().Validate())

	s := config.Defaults()
	s.MaxWorkflowDuration = 0
	s.Retry.MaxAttempts = 0
	s.Trace.Backend = "redis"
	s.Events.Backend = "nats"
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_workflow_duration")
	assert.Contains(t, err.Error(), "retry.max_attempts")
	assert.Contains(t, err.Error(), "trace.backend")
	assert.Contains(t, err.Error(), "nats_url")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessonflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pass_threshold: 80\n"), 0o600))
	t.Setenv("LESSONFLOW_MAX_REFINEMENT_ITERS", "1")

	s, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 80.0, s.PassThreshold)
	assert.Equal(t, 1, s.MaxRefinementIters)

	s, err = config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 70.0, s.PassThreshold)
}
