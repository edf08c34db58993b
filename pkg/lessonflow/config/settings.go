package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Settings is the typed, process-lifetime configuration of the service.
type Settings struct {
	DefaultVariants     []string
	MaxRefinementIters  int
	MaxWorkflowDuration time.Duration
	PassThreshold       float64

	Retry       RetrySettings
	Breaker     BreakerSettings
	Idempotency IdempotencySettings
	Trace       TraceSettings
	Events      EventSettings
	LLM         LLMSettings
	Embeddings  EmbeddingSettings
	Server      ServerSettings
}

// RetrySettings configures retries of upstream model calls.
type RetrySettings struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// BreakerSettings configures the shared circuit breaker.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// IdempotencySettings bounds the run idempotency guard.
type IdempotencySettings struct {
	TTL     time.Duration
	MaxSize int
}

// TraceSettings selects and bounds the run trace store.
type TraceSettings struct {
	Backend    string // memory | sqlite
	Path       string
	TTL        time.Duration
	MaxEntries int
}

// EventSettings selects the event bus and bounds event replay.
type EventSettings struct {
	Backend       string // local | nats
	NATSURL       string
	SubjectPrefix string
	ReplayTTL     time.Duration
	ReplayMaxRuns int
}

// LLMSettings selects the model provider.
type LLMSettings struct {
	Provider    string // anthropic | openai | gemini | openrouter | mock
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// EmbeddingSettings selects the embeddings backend.
type EmbeddingSettings struct {
	Provider   string // openai | hash
	Model      string
	APIKey     string
	Dimensions int
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Addr              string
	Heartbeat         time.Duration
	ReadHeaderTimeout time.Duration
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		DefaultVariants:     []string{"standard_html", "large_print_html", "low_distraction_html", "audio_script"},
		MaxRefinementIters:  2,
		MaxWorkflowDuration: 120 * time.Second,
		PassThreshold:       70,
		Retry: RetrySettings{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
		},
		Idempotency: IdempotencySettings{
			TTL:     300 * time.Second,
			MaxSize: 1000,
		},
		Trace: TraceSettings{
			Backend:    "memory",
			Path:       "lessonflow-traces.db",
			TTL:        24 * time.Hour,
			MaxEntries: 500,
		},
		Events: EventSettings{
			Backend:       "local",
			SubjectPrefix: "lessonflow.runs",
			ReplayTTL:     time.Hour,
			ReplayMaxRuns: 1000,
		},
		LLM: LLMSettings{
			Provider:    "anthropic",
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     60 * time.Second,
		},
		Embeddings: EmbeddingSettings{
			Provider:   "hash",
			Dimensions: 256,
		},
		Server: ServerSettings{
			Addr:              ":8080",
			Heartbeat:         15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// FromConfig reads Settings from a Config, keeping defaults for missing keys.
func FromConfig(c Config) Settings {
	d := Defaults()
	return Settings{
		DefaultVariants:     c.StringSlice("default_variants", d.DefaultVariants),
		MaxRefinementIters:  c.Int("max_refinement_iters", d.MaxRefinementIters),
		MaxWorkflowDuration: c.Duration("max_workflow_duration", d.MaxWorkflowDuration),
		PassThreshold:       c.Float("pass_threshold", d.PassThreshold),
		Retry: RetrySettings{
			MaxAttempts:   c.Int("retry.max_attempts", d.Retry.MaxAttempts),
			InitialDelay:  c.Duration("retry.initial_delay", d.Retry.InitialDelay),
			MaxDelay:      c.Duration("retry.max_delay", d.Retry.MaxDelay),
			BackoffFactor: c.Float("retry.backoff_factor", d.Retry.BackoffFactor),
		},
		Breaker: BreakerSettings{
			FailureThreshold: c.Int("breaker.failure_threshold", d.Breaker.FailureThreshold),
			Cooldown:         c.Duration("breaker.cooldown", d.Breaker.Cooldown),
		},
		Idempotency: IdempotencySettings{
			TTL:     c.Duration("idempotency.ttl", d.Idempotency.TTL),
			MaxSize: c.Int("idempotency.max_size", d.Idempotency.MaxSize),
		},
		Trace: TraceSettings{
			Backend:    c.String("trace.backend", d.Trace.Backend),
			Path:       c.String("trace.path", d.Trace.Path),
			TTL:        c.Duration("trace.ttl", d.Trace.TTL),
			MaxEntries: c.Int("trace.max_entries", d.Trace.MaxEntries),
		},
		Events: EventSettings{
			Backend:       c.String("events.backend", d.Events.Backend),
			NATSURL:       c.String("events.nats_url", d.Events.NATSURL),
			SubjectPrefix: c.String("events.subject_prefix", d.Events.SubjectPrefix),
			ReplayTTL:     c.Duration("events.replay_ttl", d.Events.ReplayTTL),
			ReplayMaxRuns: c.Int("events.replay_max_runs", d.Events.ReplayMaxRuns),
		},
		LLM: LLMSettings{
			Provider:    c.String("llm.provider", d.LLM.Provider),
			Model:       c.String("llm.model", d.LLM.Model),
			APIKey:      c.String("llm.api_key", d.LLM.APIKey),
			BaseURL:     c.String("llm.base_url", d.LLM.BaseURL),
			MaxTokens:   c.Int("llm.max_tokens", d.LLM.MaxTokens),
			Temperature: c.Float("llm.temperature", d.LLM.Temperature),
			Timeout:     c.Duration("llm.timeout", d.LLM.Timeout),
		},
		Embeddings: EmbeddingSettings{
			Provider:   c.String("embeddings.provider", d.Embeddings.Provider),
			Model:      c.String("embeddings.model", d.Embeddings.Model),
			APIKey:     c.String("embeddings.api_key", d.Embeddings.APIKey),
			Dimensions: c.Int("embeddings.dimensions", d.Embeddings.Dimensions),
		},
		Server: ServerSettings{
			Addr:              c.String("server.addr", d.Server.Addr),
			Heartbeat:         c.Duration("server.heartbeat", d.Server.Heartbeat),
			ReadHeaderTimeout: c.Duration("server.read_header_timeout", d.Server.ReadHeaderTimeout),
		},
	}
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LESSONFLOW_"

type envBinding struct {
	name  string
	apply func(s *Settings, v string) error
}

func envString(dst func(*Settings) *string) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		*dst(s) = v
		return nil
	}
}

func envInt(dst func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(s) = n
		return nil
	}
}

func envFloat(dst func(*Settings) *float64) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(s) = f
		return nil
	}
}

func envDuration(dst func(*Settings) *time.Duration) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			secs, numErr := strconv.ParseFloat(v, 64)
			if numErr != nil {
				return err
			}
			d = time.Duration(secs * float64(time.Second))
		}
		*dst(s) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"DEFAULT_VARIANTS", func(s *Settings, v string) error { s.DefaultVariants = splitList(v); return nil }},
	{"MAX_REFINEMENT_ITERS", envInt(func(s *Settings) *int { return &s.MaxRefinementIters })},
	{"MAX_WORKFLOW_DURATION", envDuration(func(s *Settings) *time.Duration { return &s.MaxWorkflowDuration })},
	{"PASS_THRESHOLD", envFloat(func(s *Settings) *float64 { return &s.PassThreshold })},
	{"RETRY_MAX_ATTEMPTS", envInt(func(s *Settings) *int { return &s.Retry.MaxAttempts })},
	{"RETRY_INITIAL_DELAY", envDuration(func(s *Settings) *time.Duration { return &s.Retry.InitialDelay })},
	{"RETRY_BACKOFF_FACTOR", envFloat(func(s *Settings) *float64 { return &s.Retry.BackoffFactor })},
	{"BREAKER_FAILURE_THRESHOLD", envInt(func(s *Settings) *int { return &s.Breaker.FailureThreshold })},
	{"BREAKER_COOLDOWN", envDuration(func(s *Settings) *time.Duration { return &s.Breaker.Cooldown })},
	{"TRACE_BACKEND", envString(func(s *Settings) *string { return &s.Trace.Backend })},
	{"TRACE_PATH", envString(func(s *Settings) *string { return &s.Trace.Path })},
	{"EVENTS_BACKEND", envString(func(s *Settings) *string { return &s.Events.Backend })},
	{"NATS_URL", envString(func(s *Settings) *string { return &s.Events.NATSURL })},
	{"LLM_PROVIDER", envString(func(s *Settings) *string { return &s.LLM.Provider })},
	{"LLM_MODEL", envString(func(s *Settings) *string { return &s.LLM.Model })},
	{"LLM_API_KEY", envString(func(s *Settings) *string { return &s.LLM.APIKey })},
	{"LLM_BASE_URL", envString(func(s *Settings) *string { return &s.LLM.BaseURL })},
	{"EMBEDDINGS_PROVIDER", envString(func(s *Settings) *string { return &s.Embeddings.Provider })},
	{"EMBEDDINGS_MODEL", envString(func(s *Settings) *string { return &s.Embeddings.Model })},
	{"SERVER_ADDR", envString(func(s *Settings) *string { return &s.Server.Addr })},
}

// providerKeyVars lists the conventional API key variables per provider.
var providerKeyVars = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// WithEnv overlays LESSONFLOW_* variables read through lookup. When no
// explicit LLM key is set, the provider's conventional variable is used
// (ANTHROPIC_API_KEY and so on). OPENAI_API_KEY also feeds OpenAI embeddings.
//
// Malformed overrides are reported together in the returned error; the
// settings still carry every override that parsed.
func (s Settings) WithEnv(lookup func(string) (string, bool)) (Settings, error) {
	s.DefaultVariants = append([]string(nil), s.DefaultVariants...)
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(&s, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, b.name, v, err))
		}
	}

	if s.LLM.APIKey == "" {
		if name, ok := providerKeyVars[s.LLM.Provider]; ok {
			if v, ok := lookup(name); ok {
				s.LLM.APIKey = v
			}
		}
	}
	if s.Embeddings.APIKey == "" && s.Embeddings.Provider == "openai" {
		if v, ok := lookup("OPENAI_API_KEY"); ok {
			s.Embeddings.APIKey = v
		}
	}
	return s, errors.Join(errs...)
}

// Validate checks the settings for values the service cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxRefinementIters < 0 {
		errs = append(errs, fmt.Errorf("max_refinement_iters must be >= 0, got %d", s.MaxRefinementIters))
	}
	if s.MaxWorkflowDuration <= 0 {
		errs = append(errs, fmt.Errorf("max_workflow_duration must be positive, got %s", s.MaxWorkflowDuration))
	}
	if s.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1, got %d", s.Retry.MaxAttempts))
	}
	if s.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be >= 1, got %g", s.Retry.BackoffFactor))
	}
	if s.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", s.Breaker.FailureThreshold))
	}
	if len(s.DefaultVariants) == 0 {
		errs = append(errs, errors.New("default_variants must not be empty"))
	}
	switch s.Trace.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown trace.backend %q", s.Trace.Backend))
	}
	switch s.Events.Backend {
	case "local":
	case "nats":
		if s.Events.NATSURL == "" {
			errs = append(errs, errors.New("events.nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events.backend %q", s.Events.Backend))
	}
	return errors.Join(errs...)
}
