package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/agent"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	flowerrors "github.com/randalmurphal/lessonflow/pkg/lessonflow/errors"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/llm"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/resilience"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/server"
)

type fixture struct {
	provider  *llm.MockProvider
	container *deps.Container
	guard     *resilience.IdempotencyGuard[lessonflow.RunState]
	srv       *httptest.Server
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	settings := config.Defaults()
	settings.LLM.Provider = "mock"

	f := &fixture{
		provider: llm.NewMockProvider(),
		guard:    resilience.NewIdempotencyGuard[lessonflow.RunState](),
	}
	c, err := deps.NewContainer(context.Background(), settings,
		deps.WithProvider(f.provider),
		deps.WithMetrics(observability.NoopMetrics{}),
		deps.WithSpans(observability.NoopSpanManager{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	f.container = c

	noSleep := func(context.Context, time.Duration) error { return nil }
	base := []server.Option{
		server.WithGuard(f.guard),
		server.WithWorkflowOptions(lessonflow.WithSleep(noSleep)),
	}
	s := server.New(c, append(base, opts...)...)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)

	f.answer(nil)
	return f
}

// answer serves planner and executor calls. delay, when set, runs before
// every planner call.
func (f *fixture) answer(delay func()) {
	f.provider.Handler = func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		var out any
		switch llm.PurposeFrom(ctx) {
		case "planner":
			if delay != nil {
				delay()
			}
			out = draft()
		default:
			out = exports()
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Content: raw, Model: "mock", StopReason: "end"}, nil
	}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func request(runID string) server.GenerateRequest {
	return server.GenerateRequest{
		RunID:        runID,
		UserPrompt:   "A 40 minute lesson comparing fractions for grade 3.",
		TeacherID:    "teacher-1",
		Subject:      "math",
		ClassProfile: &plan.AccessibilityProfile{Needs: []string{"dyslexia"}},
	}
}

func draft() plan.Draft {
	return plan.Draft{
		Title:           "Fractions",
		Subject:         "math",
		GradeLevel:      "3",
		DurationMinutes: 40,
		Objectives:      []string{"Compare two fractions."},
		Standards:       []string{"CCSS.MATH.3.NF.A.3"},
		Materials:       []string{"Paper strips"},
		Steps: []plan.Step{
			{Title: "Warm up", Instructions: "Fold a strip in half. Fold it again.", DurationMinutes: 10},
			{Title: "Practice", Instructions: "Put the cards in order. Say which is more.", DurationMinutes: 25},
			{Title: "Share", Instructions: "Tell a friend one fact.", DurationMinutes: 5},
		},
		Accommodations: []plan.Accommodation{{Need: "dyslexia", Strategy: "Read steps aloud"}},
		Assessment:     "Exit ticket.",
	}
}

func exports() agent.ExecutorOutput {
	out := agent.ExecutorOutput{}
	for _, v := range config.Defaults().DefaultVariants {
		out.Exports = append(out.Exports, agent.VariantContent{Variant: v, Content: "Fractions. Fold a strip in half."})
	}
	return out
}

type frame struct {
	typ  string
	data string
}

// parseSSE splits a stream body into event frames and counts heartbeats.
func parseSSE(t *testing.T, body []byte) ([]frame, int) {
	t.Helper()
	var frames []frame
	heartbeats := 0
	var cur frame
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.typ != "" {
				frames = append(frames, cur)
			}
			cur = frame{}
		case strings.HasPrefix(line, ": heartbeat"):
			heartbeats++
		case strings.HasPrefix(line, "event: "):
			cur.typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())
	return frames, heartbeats
}

func assertOneTerminalLast(t *testing.T, frames []frame) {
	t.Helper()
	require.NotEmpty(t, frames)
	terminals := 0
	for _, fr := range frames {
		if event.Type(fr.typ).IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, event.Type(frames[len(frames)-1].typ).IsTerminal())
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/plans/generate", request("run-sync"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get(server.ReplayHeader))

	doc := gjson.ParseBytes(body)
	assert.Equal(t, "run-sync", doc.Get("run_id").String())
	assert.Equal(t, lessonflow.StatusDone, doc.Get("status").String())
	assert.Equal(t, "run-sync", doc.Get("final.plan_id").String())
	assert.Len(t, doc.Get("final.exports").Map(), 4)

	_, ok := f.guard.GetResult("run-sync")
	assert.True(t, ok)
}

func TestGenerate_ReplaysStoredResult(t *testing.T) {
	f := newFixture(t)
	resp, first := f.post(t, "/plans/generate", request("run-dup"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	calls := f.provider.CallCount()

	// Another execution of the same run id holds the key.
	require.True(t, f.guard.TryAcquire("run-dup"))

	resp, second := f.post(t, "/plans/generate", request("run-dup"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(server.ReplayHeader))
	assert.Equal(t, gjson.GetBytes(first, "final").Raw, gjson.GetBytes(second, "final").Raw)
	assert.Equal(t, calls, f.provider.CallCount())
}

func TestGenerate_BadRequest(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing run id", server.GenerateRequest{UserPrompt: "x"}, "run_id"},
		{"missing prompt", server.GenerateRequest{RunID: "r"}, "user_prompt"},
		{"blank fields", server.GenerateRequest{RunID: " ", UserPrompt: "\t"}, "run_id, user_prompt"},
		{"malformed body", "{not json", "invalid request body"},
	}
	for _, path := range []string{"/plans/generate", "/plans/generate/stream"} {
		for _, tt := range tests {
			t.Run(path+"/"+tt.name, func(t *testing.T) {
				resp, body := f.post(t, path, tt.body)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
				assert.Contains(t, gjson.GetBytes(body, "error").String(), tt.want)
			})
		}
	}
	assert.Equal(t, 0, f.provider.CallCount())
}

func TestGenerate_InProgress(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.guard.TryAcquire("run-busy"))

	for _, path := range []string{"/plans/generate", "/plans/generate/stream"} {
		t.Run(path, func(t *testing.T) {
			resp, body := f.post(t, path, request("run-busy"))
			assert.Equal(t, http.StatusConflict, resp.StatusCode)
			assert.Contains(t, gjson.GetBytes(body, "error").String(), "in progress")
		})
	}
	assert.Equal(t, 0, f.provider.CallCount())
}

func TestGenerate_FailedRunIsOK(t *testing.T) {
	f := newFixture(t)
	f.provider.Handler = func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, &flowerrors.ProviderError{Kind: flowerrors.KindAuth, StatusCode: http.StatusUnauthorized}
	}

	resp, body := f.post(t, "/plans/generate", request("run-fail"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := gjson.ParseBytes(body)
	assert.Equal(t, lessonflow.StatusFailed, doc.Get("status").String())
	assert.Equal(t, string(lessonflow.StagePlanner), doc.Get("failed_stage").String())
	assert.NotEmpty(t, doc.Get("error").String())

	_, ok := f.guard.GetResult("run-fail")
	assert.False(t, ok)
	assert.False(t, f.guard.IsInProgress("run-fail"))
}

func TestGenerate_DepsFailure(t *testing.T) {
	srv := httptest.NewServer(server.New(nil).Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/plans/generate", "/plans/generate/stream"} {
		t.Run(path, func(t *testing.T) {
			raw, err := json.Marshal(request("run-nodeps"))
			require.NoError(t, err)
			resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		})
	}
}

func TestGenerateStream(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/plans/generate/stream", request("run-stream"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames, _ := parseSSE(t, body)
	require.NotEmpty(t, frames)
	assert.Equal(t, string(event.TypeRunStarted), frames[0].typ)
	assert.Equal(t, string(event.TypeRunCompleted), frames[len(frames)-1].typ)
	assertOneTerminalLast(t, frames)

	var prev int64
	for _, fr := range frames {
		doc := gjson.Parse(fr.data)
		assert.Equal(t, fr.typ, doc.Get("type").String())
		assert.Equal(t, "run-stream", doc.Get("run_id").String())
		assert.Greater(t, doc.Get("seq").Int(), prev)
		prev = doc.Get("seq").Int()
	}

	// The same events went to the replay store.
	_, replay := f.get(t, "/runs/run-stream/events")
	assert.Len(t, gjson.GetBytes(replay, "events").Array(), len(frames))
}

func TestGenerateStream_Heartbeat(t *testing.T) {
	f := newFixture(t, server.WithHeartbeat(5*time.Millisecond))
	f.answer(func() { time.Sleep(60 * time.Millisecond) })

	_, body := f.post(t, "/plans/generate/stream", request("run-slow"))
	frames, heartbeats := parseSSE(t, body)
	assert.Positive(t, heartbeats)
	assertOneTerminalLast(t, frames)
}

func TestGenerateStream_FailedRun(t *testing.T) {
	f := newFixture(t)
	f.provider.Handler = func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, &flowerrors.ProviderError{Kind: flowerrors.KindBadRequest, StatusCode: http.StatusBadRequest}
	}

	_, body := f.post(t, "/plans/generate/stream", request("run-stream-fail"))
	frames, _ := parseSSE(t, body)
	assertOneTerminalLast(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, string(event.TypeRunFailed), last.typ)
	assert.Equal(t, string(lessonflow.StagePlanner), gjson.Get(last.data, "payload.stage").String())
}

func TestGenerateStream_ReplaysStoredRun(t *testing.T) {
	f := newFixture(t)
	_, first := f.post(t, "/plans/generate/stream", request("run-again"))
	original, _ := parseSSE(t, first)
	calls := f.provider.CallCount()

	require.True(t, f.guard.TryAcquire("run-again"))

	resp, second := f.post(t, "/plans/generate/stream", request("run-again"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replayed, _ := parseSSE(t, second)
	assertOneTerminalLast(t, replayed)
	assert.Equal(t, original, replayed)
	assert.Equal(t, calls, f.provider.CallCount())
}

func TestGenerateStream_ReplayIgnoresLaterRerun(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/plans/generate", request("run-x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, stored := f.get(t, "/runs/run-x/events")
	completed := gjson.GetBytes(stored, "events").Array()
	require.NotEmpty(t, completed)

	// A second execution of run-x holds the key with its planner blocked.
	release := make(chan struct{})
	f.answer(func() { <-release })
	raw, err := json.Marshal(request("run-x"))
	require.NoError(t, err)
	rerun := make(chan int, 1)
	go func() {
		resp, err := http.Post(f.srv.URL+"/plans/generate", "application/json", bytes.NewReader(raw))
		if err != nil {
			rerun <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		rerun <- resp.StatusCode
	}()
	require.Eventually(t, func() bool {
		events, ok := f.container.Replay.Events("run-x", 0)
		return ok && len(events) > len(completed) && f.guard.IsInProgress("run-x")
	}, 5*time.Second, 5*time.Millisecond)

	resp, body := f.post(t, "/plans/generate/stream", request("run-x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames, _ := parseSSE(t, body)
	assertOneTerminalLast(t, frames)
	require.Len(t, frames, len(completed))
	for i, fr := range frames {
		assert.Equal(t, completed[i].Get("type").String(), fr.typ)
		assert.Equal(t, completed[i].Get("seq").Int(), gjson.Get(fr.data, "seq").Int())
	}

	close(release)
	select {
	case status := <-rerun:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(5 * time.Second):
		t.Fatal("rerun did not finish")
	}
}

func TestRuns(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/plans/generate", request("run-traced"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("list", func(t *testing.T) {
		resp, body := f.get(t, "/runs?limit=5")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		runs := gjson.GetBytes(body, "runs").Array()
		require.Len(t, runs, 1)
		assert.Equal(t, "run-traced", runs[0].Get("run_id").String())
		assert.Equal(t, lessonflow.StatusDone, runs[0].Get("status").String())
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, _ := f.get(t, "/runs?limit=zero")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		resp, body := f.get(t, "/runs/run-traced")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		doc := gjson.ParseBytes(body)
		assert.Equal(t, "teacher-1", doc.Get("teacher_id").String())
		nodes := doc.Get("nodes").Array()
		require.NotEmpty(t, nodes)
		assert.Equal(t, string(lessonflow.StagePlanner), nodes[0].Get("node").String())
		assert.Equal(t, string(lessonflow.StageExecutor), nodes[len(nodes)-1].Get("node").String())
		assert.True(t, doc.Get("summary.variants").IsArray())
	})

	t.Run("unknown run", func(t *testing.T) {
		resp, _ := f.get(t, "/runs/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("events after", func(t *testing.T) {
		_, all := f.get(t, "/runs/run-traced/events")
		total := len(gjson.GetBytes(all, "events").Array())
		require.Greater(t, total, 3)

		resp, body := f.get(t, "/runs/run-traced/events?after=3")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events := gjson.GetBytes(body, "events").Array()
		assert.Len(t, events, total-3)
		assert.Equal(t, int64(4), events[0].Get("seq").Int())
		assert.Equal(t, string(event.TypeRunCompleted), events[len(events)-1].Get("type").String())
	})

	t.Run("events bad cursor", func(t *testing.T) {
		resp, _ := f.get(t, "/runs/run-traced/events?after=-1")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("events unknown run", func(t *testing.T) {
		resp, _ := f.get(t, "/runs/nope/events")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "closed", gjson.GetBytes(body, "breaker.state").String())

	for range f.container.Settings.Breaker.FailureThreshold {
		f.container.Breaker.RecordFailure()
	}
	_, body = f.get(t, "/healthz")
	assert.Equal(t, "degraded", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "open", gjson.GetBytes(body, "breaker.state").String())
	assert.Positive(t, gjson.GetBytes(body, "breaker.retry_after_seconds").Float())
}

func TestListenAndServe_Shutdown(t *testing.T) {
	f := newFixture(t)
	s := server.New(f.container)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
