// Package stream defines the newline-delimited JSON event contract between the
// process bridge and the overlay client.
//
// A stream is append-only and one-directional: any number of status,
// assistant, and session events followed by exactly one done event.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ContentType is the response media type for event streams.
const ContentType = "application/x-ndjson; charset=utf-8"

// CacheControl disables caching and intermediary transforms for event streams.
const CacheControl = "no-cache, no-transform"

// Kind discriminates the event union.
type Kind string

const (
	// KindStatus carries a human-readable progress message.
	KindStatus Kind = "status"
	// KindAssistant carries a fragment of the agent's reply text.
	KindAssistant Kind = "assistant"
	// KindSession carries the server-issued session identifier used for undo.
	KindSession Kind = "session"
	// KindDone is the single terminal event of a stream.
	KindDone Kind = "done"
)

// Event is one line of the stream. Only the fields belonging to Kind are
// meaningful; MarshalJSON emits exactly those.
type Event struct {
	Kind Kind

	Message   string
	Text      string
	SessionID string

	Success  bool
	Summary  string
	ExitCode *int
	Error    string
	Stderr   string
}

// Status builds a status event.
func Status(message string) Event {
	return Event{Kind: KindStatus, Message: message}
}

// Assistant builds an assistant text event.
func Assistant(text string) Event {
	return Event{Kind: KindAssistant, Text: text}
}

// Session builds a session event.
func Session(sessionID string) Event {
	return Event{Kind: KindSession, SessionID: sessionID}
}

// Done builds a terminal event. exitCode is nil when the process never
// produced one (spawn failure, timeout).
func Done(success bool, summary string, exitCode *int, errText, stderr string) Event {
	return Event{
		Kind:     KindDone,
		Success:  success,
		Summary:  summary,
		ExitCode: exitCode,
		Error:    errText,
		Stderr:   stderr,
	}
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Kind == KindDone
}

type statusWire struct {
	Event   Kind   `json:"event"`
	Message string `json:"message"`
}

type assistantWire struct {
	Event Kind   `json:"event"`
	Text  string `json:"text"`
}

type sessionWire struct {
	Event     Kind   `json:"event"`
	SessionID string `json:"sessionId"`
}

type doneWire struct {
	Event    Kind   `json:"event"`
	Success  bool   `json:"success"`
	Summary  string `json:"summary"`
	ExitCode *int   `json:"exitCode"`
	Error    string `json:"error,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

type anyWire struct {
	Event     Kind    `json:"event"`
	Message   *string `json:"message"`
	Text      *string `json:"text"`
	SessionID *string `json:"sessionId"`
	Success   *bool   `json:"success"`
	Summary   *string `json:"summary"`
	ExitCode  *int    `json:"exitCode"`
	Error     *string `json:"error"`
	Stderr    *string `json:"stderr"`
}

// ErrUnknownKind is returned when decoding an event with an unrecognized
// discriminator.
var ErrUnknownKind = errors.New("unknown stream event kind")

// MarshalJSON encodes the event in its kind-specific wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindStatus:
		return json.Marshal(statusWire{Event: e.Kind, Message: e.Message})
	case KindAssistant:
		return json.Marshal(assistantWire{Event: e.Kind, Text: e.Text})
	case KindSession:
		return json.Marshal(sessionWire{Event: e.Kind, SessionID: e.SessionID})
	case KindDone:
		return json.Marshal(doneWire{
			Event:    e.Kind,
			Success:  e.Success,
			Summary:  e.Summary,
			ExitCode: e.ExitCode,
			Error:    e.Error,
			Stderr:   e.Stderr,
		})
	default:
		return nil, fmt.Errorf("marshal event %q: %w", e.Kind, ErrUnknownKind)
	}
}

// UnmarshalJSON decodes any of the wire shapes.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire anyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Event {
	case KindStatus, KindAssistant, KindSession, KindDone:
	default:
		return fmt.Errorf("unmarshal event %q: %w", wire.Event, ErrUnknownKind)
	}

	*e = Event{Kind: wire.Event, ExitCode: wire.ExitCode}
	e.Message = deref(wire.Message)
	e.Text = deref(wire.Text)
	e.SessionID = deref(wire.SessionID)
	e.Summary = deref(wire.Summary)
	e.Error = deref(wire.Error)
	e.Stderr = deref(wire.Stderr)
	if wire.Success != nil {
		e.Success = *wire.Success
	}
	return nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
