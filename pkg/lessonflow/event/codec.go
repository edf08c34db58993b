package event

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// ErrMalformedEvent is returned by Decode for payloads that are not events.
var ErrMalformedEvent = errors.New("malformed event")

// Encode serializes an event as JSON.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.Type, err)
	}
	return data, nil
}

// Decode parses an event produced by Encode. The payload must be valid
// JSON carrying at least a run_id and a type.
func Decode(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	for _, field := range []string{"run_id", "type"} {
		if v := gjson.GetBytes(data, field); !v.Exists() || v.String() == "" {
			return Event{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, field)
		}
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	return evt, nil
}
