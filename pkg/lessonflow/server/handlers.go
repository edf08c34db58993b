package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/trace"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

// GenerateRequest is the body of both generate endpoints.
type GenerateRequest struct {
	RunID           string                     `json:"run_id"`
	UserPrompt      string                     `json:"user_prompt"`
	TeacherID       string                     `json:"teacher_id,omitempty"`
	Subject         string                     `json:"subject,omitempty"`
	ClassProfile    *plan.AccessibilityProfile `json:"class_accessibility_profile,omitempty"`
	LearnerProfiles []plan.LearnerProfile      `json:"learner_profiles,omitempty"`

	// MaxWorkflowDurationSeconds overrides the configured budget when positive.
	MaxWorkflowDurationSeconds float64 `json:"max_workflow_duration_seconds,omitempty"`
}

func (req GenerateRequest) validate() error {
	var missing []string
	if strings.TrimSpace(req.RunID) == "" {
		missing = append(missing, "run_id")
	}
	if strings.TrimSpace(req.UserPrompt) == "" {
		missing = append(missing, "user_prompt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (req GenerateRequest) params(sink event.StreamWriter) deps.RunParams {
	return deps.RunParams{
		TeacherID:           req.TeacherID,
		RunID:               req.RunID,
		Subject:             req.Subject,
		StreamWriter:        sink,
		MaxWorkflowDuration: time.Duration(req.MaxWorkflowDurationSeconds * float64(time.Second)),
	}
}

func (req GenerateRequest) state() lessonflow.RunState {
	return lessonflow.RunState{
		RunID:           req.RunID,
		UserPrompt:      req.UserPrompt,
		TeacherID:       req.TeacherID,
		Subject:         req.Subject,
		ClassProfile:    req.ClassProfile,
		LearnerProfiles: req.LearnerProfiles,
	}
}

func decodeGenerate(w http.ResponseWriter, r *http.Request) (GenerateRequest, error) {
	var req GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	return req, req.validate()
}

func (s *Server) buildWorkflow(req GenerateRequest, sink event.StreamWriter) (*lessonflow.Workflow, error) {
	d, err := deps.NewAgentDeps(s.container, req.params(sink))
	if err != nil {
		return nil, fmt.Errorf("build agent deps: %w", err)
	}
	return lessonflow.BuildPlanWorkflow(d, s.container.Breaker, s.wfOpts...)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeGenerate(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	wf, err := s.buildWorkflow(req, nil)
	if err != nil {
		s.logger.Error("build workflow", slog.String("run_id", req.RunID), slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	// The run outlives a disconnected client so its result can be replayed.
	final, replayed, err := lessonflow.RunIdempotent(context.WithoutCancel(r.Context()), s.guard, wf, req.state())
	switch {
	case errors.Is(err, lessonflow.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if replayed {
		w.Header().Set(ReplayHeader, "true")
	}
	s.writeJSON(w, http.StatusOK, final)
}

type runList struct {
	Runs []trace.RunTrace `json:"runs"`
}

func (s *Server) traces() (trace.Store, error) {
	if s.container == nil || s.container.Traces == nil {
		return nil, errors.New("trace store unavailable")
	}
	return s.container.Traces, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	store, err := s.traces()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := store.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []trace.RunTrace{}
	}
	s.writeJSON(w, http.StatusOK, runList{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	store, err := s.traces()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	run, err := store.Get(r.Context(), r.PathValue("run_id"))
	switch {
	case errors.Is(err, trace.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

type eventList struct {
	RunID  string        `json:"run_id"`
	Events []event.Event `json:"events"`
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.container == nil || s.container.Replay == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("event replay unavailable"))
		return
	}
	runID := r.PathValue("run_id")
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after %q", raw))
			return
		}
		after = n
	}

	events, ok := s.container.Replay.Events(runID, after)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no events for run %q", runID))
		return
	}
	s.writeJSON(w, http.StatusOK, eventList{RunID: runID, Events: events})
}

type health struct {
	Status  string        `json:"status"`
	Breaker breakerHealth `json:"breaker"`
}

type breakerHealth struct {
	State        string  `json:"state"`
	FailureCount int     `json:"failure_count"`
	RetryAfterS  float64 `json:"retry_after_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Breaker: breakerHealth{State: "unknown"}}
	if s.container != nil && s.container.Breaker != nil {
		b := s.container.Breaker
		h.Breaker = breakerHealth{
			State:        b.State().String(),
			FailureCount: b.FailureCount(),
			RetryAfterS:  b.RetryAfter().Seconds(),
		}
		if b.IsOpen() {
			h.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, h)
}
