// Package agent is the structured model-call layer under the workflow. An
// agent renders its prompts, gathers context from the tool registry, calls
// the provider with a reflected output schema, and decodes the validated
// JSON into a typed result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
)

// Defaults for model calls.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.2
)

// Result is one decoded model output plus call metadata.
type Result[T any] struct {
	Output  T
	Usage   llm.Usage
	Model   string
	Latency time.Duration
}

// Call is one structured request.
type Call struct {
	Purpose     string
	System      string
	User        string
	Schema      *llm.Schema
	MaxTokens   int
	Temperature float64
}

// Structured sends c to p and decodes the response into T. The response is
// validated against c.Schema even when the provider already did, so every
// provider honors the same contract.
func Structured[T any](ctx context.Context, p llm.Provider, c Call) (Result[T], error) {
	var res Result[T]
	if p == nil {
		return res, fmt.Errorf("%s: no provider configured", c.Purpose)
	}

	start := time.Now()
	resp, err := p.Generate(llm.WithPurpose(ctx, c.Purpose), llm.Request{
		System:      c.System,
		Messages:    llm.UserMessage(c.User),
		Schema:      c.Schema,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})
	res.Latency = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("%s call: %w", c.Purpose, err)
	}

	if err := llm.ValidateResponse(c.Schema, resp.Content); err != nil {
		return res, fmt.Errorf("%s output: %w", c.Purpose, err)
	}
	if err := json.Unmarshal(resp.Content, &res.Output); err != nil {
		return res, fmt.Errorf("%s output: %w", c.Purpose, &llm.ErrInvalidResponse{Content: resp.Content, Err: err})
	}

	res.Usage = resp.Usage
	res.Model = resp.Model
	if res.Model == "" {
		res.Model = p.ModelID()
	}
	return res, nil
}

// Option configures an agent.
type Option func(*settings)

type settings struct {
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func defaults() settings {
	return settings{
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		logger:      slog.Default(),
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithTemperature sets sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *settings) {
		if t >= 0 {
			s.temperature = t
		}
	}
}

// WithLogger sets the logger for tool failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}
