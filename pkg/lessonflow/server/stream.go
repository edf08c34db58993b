package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
)

// streamSink writes events to an SSE response until the handler returns or
// a terminal event has been written. The run keeps going after a client
// disconnects; its later events still reach the replay store and bus, only
// this sink goes quiet.
type streamSink struct {
	mu       sync.Mutex
	sse      *event.SSEWriter
	closed   bool
	sent     bool
	last     int64
	terminal bool
}

func (s *streamSink) Write(ctx context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return nil
	}
	if err := s.sse.Write(ctx, evt); err != nil {
		return err
	}
	s.sent = true
	s.last = evt.Seq
	s.terminal = s.terminal || evt.IsTerminal()
	return nil
}

func (s *streamSink) heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.sse.Heartbeat()
}

func (s *streamSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *streamSink) lastSeq() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.sent
}

func (s *streamSink) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// next stamps evt with the sequence number after the last one written.
func (s *streamSink) next(evt event.Event) event.Event {
	if last, ok := s.lastSeq(); ok {
		evt.Seq = last + 1
	} else {
		evt.Seq = 1
	}
	return evt
}

type runOutcome struct {
	final    lessonflow.RunState
	replayed bool
	err      error
}

func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeGenerate(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	if _, stored := s.guard.GetResult(req.RunID); !stored && s.guard.IsInProgress(req.RunID) {
		s.writeError(w, http.StatusConflict, lessonflow.ErrRunInProgress)
		return
	}

	sink := &streamSink{sse: event.NewSSEWriter(w, flusher.Flush)}
	defer sink.close()

	wf, err := s.buildWorkflow(req, sink.Write)
	if err != nil {
		s.logger.Error("build workflow", slog.String("run_id", req.RunID), slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan runOutcome, 1)
	go func() {
		final, replayed, err := lessonflow.RunIdempotent(context.WithoutCancel(r.Context()), s.guard, wf, req.state())
		done <- runOutcome{final: final, replayed: replayed, err: err}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			s.finishStream(r.Context(), sink, req.RunID, out)
			return
		case <-ticker.C:
			if err := sink.heartbeat(); err != nil {
				s.logger.Debug("sse heartbeat", slog.String("run_id", req.RunID), slog.String("error", err.Error()))
				return
			}
		case <-r.Context().Done():
			s.logger.Info("sse client disconnected", slog.String("run_id", req.RunID))
			return
		}
	}
}

// finishStream makes sure the stream ends on a terminal event. A replayed
// result never ran through this sink, so its stored events are written
// instead, or a summary when they have expired. A run that lost the
// idempotency race gets a synthetic failure.
func (s *Server) finishStream(ctx context.Context, sink *streamSink, runID string, out runOutcome) {
	if out.replayed {
		s.replayTo(ctx, sink, runID)
	}
	if sink.ended() {
		return
	}

	var evt event.Event
	switch {
	case out.err != nil:
		evt = event.New(runID, event.TypeRunFailed, "", map[string]any{
			"error": out.err.Error(),
			"kind":  lessonflow.KindInternal,
		})
	case out.final.Done():
		variants := []string{}
		humanReview := true
		if out.final.Final != nil {
			variants = out.final.Final.Variants()
			humanReview = out.final.Final.HumanReviewRequired
		}
		evt = event.New(runID, event.TypeRunCompleted, "", map[string]any{
			"score":                 out.final.Score(),
			"refine_iter":           out.final.RefineIter,
			"variants":              variants,
			"human_review_required": humanReview,
			"replayed":              out.replayed,
		})
	default:
		evt = event.New(runID, event.TypeRunFailed, "", map[string]any{
			"error": out.final.Error,
			"stage": string(out.final.FailedStage),
		})
	}
	if err := sink.Write(ctx, sink.next(evt)); err != nil {
		s.logger.Debug("sse terminal event", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

// replayTo writes the stored events of the completed run, through its
// terminal event. A later execution of the same run id appends to the same
// log; those events are never replayed. Without a stored terminal event
// nothing is written and the caller falls back to a summary.
func (s *Server) replayTo(ctx context.Context, sink *streamSink, runID string) {
	if s.container == nil || s.container.Replay == nil {
		return
	}
	last, _ := sink.lastSeq()
	events, ok := s.container.Replay.Events(runID, last)
	if !ok {
		return
	}
	end := slices.IndexFunc(events, func(evt event.Event) bool { return evt.IsTerminal() })
	if end < 0 {
		return
	}
	for _, evt := range events[:end+1] {
		if err := sink.Write(ctx, evt); err != nil {
			return
		}
	}
}
