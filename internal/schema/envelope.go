// Package schema implements the message envelope and type registry. The tool
// message router validates tool_call and tool_result frames here before they
// reach the execution manager; the broker routes all other frames by type
// without schema validation.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the field set every message carries, per §4.4. Payload-specific
// fields live alongside these in the same JSON object; callers unmarshal the
// raw bytes into Envelope first to route, then into a typed payload struct.
type Envelope struct {
	Type             string `json:"type"`
	MsgSentTimestamp string `json:"msg-sent-timestamp"`
	Source           string `json:"source,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	WorkflowID       string `json:"workflow_id,omitempty"`
}

// ParseEnvelope decodes the common envelope fields out of a raw frame
// without committing to a payload shape.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing required field \"type\"")
	}
	return env, nil
}

// NowTimestamp formats the current time the way outbound envelopes stamp
// msg-sent-timestamp: RFC3339 with nanosecond precision, always UTC.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
