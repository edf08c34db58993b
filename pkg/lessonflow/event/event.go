// Package event carries the run-scoped event stream of a plan-generation run.
//
// Every stage transition produces an Event stamped with the run id and a
// sequence number that starts at 1 and never repeats within the run. The
// Emitter assigns sequence numbers, fans events out to StreamWriter sinks
// in order, and delivers exactly one terminal event per run. Sinks include
// SSE transports, the replay store, and a Bus (in-process or NATS) for
// consumers outside the request that started the run.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	TypeRunStarted      Type = "run.started"
	TypeStageStarted    Type = "stage.started"
	TypeStageCompleted  Type = "stage.completed"
	TypeStageFailed     Type = "stage.failed"
	TypeQualityScored   Type = "quality.scored"
	TypeQualityDecision Type = "quality.decision"
	TypeAIReceipt       Type = "ai_receipt"
	TypeRunCompleted    Type = "run.completed"
	TypeRunFailed       Type = "run.failed"

	// TypeHeartbeat is written by SSE transports only. It is never
	// sequenced or stored.
	TypeHeartbeat Type = "heartbeat"
)

// IsTerminal reports whether t ends a run.
func (t Type) IsTerminal() bool {
	return t == TypeRunCompleted || t == TypeRunFailed
}

// Event is one entry in a run's event stream.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Stage     string         `json:"stage"`
	Payload   map[string]any `json:"payload"`
}

// IsTerminal reports whether the event ends its run.
func (e Event) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// New builds an unsequenced event. The Emitter fills Seq.
func New(runID string, typ Type, stage string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        newID(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Stage:     stage,
		Payload:   payload,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
