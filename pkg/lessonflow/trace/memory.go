package trace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

// MemoryStore is an in-memory trace store. Data is lost when the process
// exits.
type MemoryStore struct {
	opts options

	mu     sync.RWMutex
	runs   map[string]*RunTrace
	closed bool
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts: o,
		runs: make(map[string]*RunTrace),
	}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(_ context.Context, runID string) (*RunTrace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	run := m.getOrCreateLocked(runID)
	return copyRun(run, true), nil
}

func (m *MemoryStore) getOrCreateLocked(runID string) *RunTrace {
	now := m.opts.clock.Now().UTC()
	m.evictExpiredLocked(now)

	run, ok := m.runs[runID]
	if !ok {
		run = &RunTrace{
			RunID:     runID,
			Status:    StatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
			Summary:   emptySummary(),
		}
		m.runs[runID] = run
		m.evictOverflowLocked(runID)
	}
	return run
}

// AppendNode implements Store.
func (m *MemoryStore) AppendNode(_ context.Context, runID string, node NodeTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	run := m.getOrCreateLocked(runID)
	node.Seq = int64(len(run.Nodes) + 1)
	run.Nodes = append(run.Nodes, node)
	run.UpdatedAt = m.opts.clock.Now().UTC()
	return nil
}

// UpdateRun implements Store.
func (m *MemoryStore) UpdateRun(_ context.Context, runID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	run := m.getOrCreateLocked(runID)

	summary := []byte(run.Summary)
	for key, value := range fields {
		switch key {
		case "status":
			run.Status = columnValue(value)
		case "teacher_id":
			run.TeacherID = columnValue(value)
		case "subject":
			run.Subject = columnValue(value)
		default:
			patched, err := sjson.SetBytes(summary, key, value)
			if err != nil {
				return err
			}
			summary = patched
		}
	}
	run.Summary = summary
	run.UpdatedAt = m.opts.clock.Now().UTC()
	return nil
}

// ListRecent implements Store.
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]RunTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	now := m.opts.clock.Now()
	out := make([]RunTrace, 0, len(m.runs))
	for _, run := range m.runs {
		if m.expired(run, now) {
			continue
		}
		out = append(out, *copyRun(run, false))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, runID string) (*RunTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	run, ok := m.runs[runID]
	if !ok || m.expired(run, m.opts.clock.Now()) {
		return nil, ErrNotFound
	}
	return copyRun(run, true), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}

func (m *MemoryStore) expired(run *RunTrace, now time.Time) bool {
	return now.Sub(run.UpdatedAt) > m.opts.ttl
}

func (m *MemoryStore) evictExpiredLocked(now time.Time) {
	for id, run := range m.runs {
		if m.expired(run, now) {
			delete(m.runs, id)
		}
	}
}

func (m *MemoryStore) evictOverflowLocked(keep string) {
	for len(m.runs) > m.opts.maxEntries {
		var oldestID string
		var oldest time.Time
		for id, run := range m.runs {
			if id == keep {
				continue
			}
			if oldestID == "" || run.UpdatedAt.Before(oldest) {
				oldestID, oldest = id, run.UpdatedAt
			}
		}
		delete(m.runs, oldestID)
	}
}

func copyRun(run *RunTrace, withNodes bool) *RunTrace {
	out := *run
	out.Summary = append([]byte(nil), run.Summary...)
	out.Nodes = nil
	if withNodes {
		out.Nodes = append([]NodeTrace{}, run.Nodes...)
	}
	return &out
}
