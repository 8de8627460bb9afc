// Package container – stream.go parses the newline-delimited JSON event
// stream emitted by the agent process. Every output line is one
// independently parseable record; lines that fail to parse are skipped
// and unknown event types pass through untouched, so older hosts keep
// working when the agent protocol grows.
package container

import (
	"bytes"
	"encoding/json"
)

// Event types the host acts on. Anything else is carried through and
// ignored by consumers.
const (
	// EventInit is the first event; carries the session id enabling
	// later resumption.
	EventInit = "init"

	// EventAssistant marks an assistant turn. The host needs no payload.
	EventAssistant = "assistant"

	// EventResult carries terminal text, or a nil result for an
	// interim/session-update marker.
	EventResult = "result"

	// EventSystem carries auxiliary notifications.
	EventSystem = "system"
)

// Synthesized result subtypes for host-side failures.
const (
	SubtypeTimeout        = "error_timeout"
	SubtypeOutputOverflow = "error_max_output"
)

// Event is one record of the agent's output stream.
type Event struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Result    *string `json:"result,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`
}

// ParseEvent decodes one output line. Returns false for blank lines and
// lines that are not a JSON object with a type discriminator; such
// lines are skipped, never fatal.
func ParseEvent(line []byte) (*Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" {
		return nil, false
	}
	return &ev, true
}
