// Package stream defines the newline-delimited JSON event protocol spoken
// by the supervised LLM CLI.
//
// Each stdout line parses to one Event: a JSON object whose "type" field
// selects semantics. Everything else on the object is carried through
// untouched (tool calls, token counts, session IDs).
package stream

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators.
const (
	TypeSystem     = "system"
	TypeUserPrompt = "user_prompt"
	TypeAssistant  = "assistant"
	TypeUser       = "user"
	TypeResult     = "result"
	TypeStderr     = "stderr"
	TypeDone       = "done"
	TypeDestroyed  = "destroyed"
	TypeRaw        = "raw"
)

// Event is one parsed record emitted by a child process, or synthetically
// by the supervisor.
type Event map[string]any

// Type returns the event discriminator, or "" when absent.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// String returns the named field as a string, or "" when absent or not
// a string.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Parse parses one stdout line into an Event. The line must be a JSON
// object carrying a string "type" field.
func Parse(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	if ev.Type() == "" {
		return nil, fmt.Errorf("event missing type field")
	}
	return ev, nil
}

// Stderr wraps one stderr line as an event.
func Stderr(text string) Event {
	return Event{"type": TypeStderr, "text": text}
}

// Raw wraps an unparseable stdout line as an event so it is surfaced
// rather than dropped.
func Raw(text string) Event {
	return Event{"type": TypeRaw, "text": text}
}

// Request is a structured stdin request to the child CLI.
type Request struct {
	Type      string          `json:"type"`
	Message   *RequestMessage `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	MaxTurns  int             `json:"max_turns,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
}

// RequestMessage carries the prompt payload of a user request.
type RequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptRequest builds the stdin request for a new user prompt.
func PromptRequest(prompt, sessionID string, maxTurns int) Request {
	return Request{
		Type:      "user",
		Message:   &RequestMessage{Role: "user", Content: prompt},
		SessionID: sessionID,
		MaxTurns:  maxTurns,
	}
}

// InterruptRequest builds the stdin request that cancels the current turn.
func InterruptRequest() Request {
	return Request{Type: "control", Subtype: "interrupt"}
}

// Encode renders the request as one NDJSON line, newline included.
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
