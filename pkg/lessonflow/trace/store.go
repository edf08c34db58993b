// Package trace records what each run did, stage by stage, for later
// inspection by dashboards and the CLI.
//
// A RunTrace is created when a run starts and accumulates one NodeTrace per
// stage execution. Nodes are append-only. The run's status and summary are
// updated in place as the run progresses. Stores bound themselves by TTL
// and entry count, evicting on every mutating call.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Node statuses.
const (
	NodeCompleted = "completed"
	NodeFailed    = "failed"
)

// Default bounds.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 500
)

// Sentinel errors for trace operations.
var (
	// ErrNotFound indicates a run has no trace.
	ErrNotFound = errors.New("run trace not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("trace store closed")
)

// NodeTrace records one stage execution.
type NodeTrace struct {
	Seq        int64     `json:"seq"`
	Node       string    `json:"node"`
	Status     string    `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	RefineIter int       `json:"refine_iter"`
	Rationale  string    `json:"rationale,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// RunTrace is the trace of one run.
type RunTrace struct {
	RunID     string          `json:"run_id"`
	TeacherID string          `json:"teacher_id,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Summary   json.RawMessage `json:"summary"`
	Nodes     []NodeTrace     `json:"nodes"`
}

// Store persists run traces. Implementations must be safe for concurrent use.
type Store interface {
	// GetOrCreate returns the run's trace, creating a running one if absent.
	GetOrCreate(ctx context.Context, runID string) (*RunTrace, error)

	// AppendNode appends a node, assigning its Seq. The run is created if absent.
	AppendNode(ctx context.Context, runID string, node NodeTrace) error

	// UpdateRun sets run fields. The keys "status", "teacher_id", and
	// "subject" set the matching columns. Every other key is written into
	// the JSON summary; dotted keys address nested paths.
	UpdateRun(ctx context.Context, runID string, fields map[string]any) error

	// ListRecent returns up to limit runs, most recently updated first,
	// without their nodes.
	ListRecent(ctx context.Context, limit int) ([]RunTrace, error)

	// Get returns the run with its nodes in Seq order, or ErrNotFound.
	Get(ctx context.Context, runID string) (*RunTrace, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Config selects and bounds a Store.
type Config struct {
	Backend    string // memory | sqlite
	Path       string
	TTL        time.Duration
	MaxEntries int
}

// Open builds the configured store.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(WithTTL(cfg.TTL), WithMaxEntries(cfg.MaxEntries)), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path, WithTTL(cfg.TTL), WithMaxEntries(cfg.MaxEntries))
	default:
		return nil, errors.New("unknown trace backend: " + cfg.Backend)
	}
}

var columnFields = map[string]bool{
	"status":     true,
	"teacher_id": true,
	"subject":    true,
}

func columnValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func emptySummary() json.RawMessage {
	return json.RawMessage(`{}`)
}
