// Package protocol defines the JSON request and response bodies exchanged
// between the overlay client and the edit server. Stream events themselves
// live in package stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultEditPath is the streaming edit endpoint.
	DefaultEditPath = "/api/shipflow/overlay"
	// DefaultUndoPath is the undo follow-up endpoint.
	DefaultUndoPath = "/api/shipflow/undo"

	// MaxRequestBytes bounds request bodies read by the server.
	MaxRequestBytes = 4 << 20
)

const (
	MessageInvalidJSON        = "Invalid JSON payload."
	MessageInstruction        = "Instruction is required."
	MessageUnderivablePath    = "Unable to determine target file path from stack trace."
	MessageSessionIDRequired  = "Session ID is required."
	MessageDevelopmentOnly    = "Shipflow overlay is only available in development."
	MessageUnknownUndoSession = "No snapshot found for this session."
)

// ErrInvalidPayload marks a request rejected before any process is spawned.
var ErrInvalidPayload = errors.New("invalid payload")

// EditRequest is the body of a streaming edit request. Absent optional
// fields are sent as JSON null.
type EditRequest struct {
	FilePath    *string `json:"filePath"`
	HTMLFrame   *string `json:"htmlFrame"`
	StackTrace  *string `json:"stackTrace"`
	Instruction string  `json:"instruction"`
	Model       string  `json:"model,omitempty"`
}

// NewEditRequest builds a request, mapping empty optional fields to null.
func NewEditRequest(filePath, htmlFrame, stackTrace, instruction, model string) EditRequest {
	return EditRequest{
		FilePath:    nullable(filePath),
		HTMLFrame:   nullable(htmlFrame),
		StackTrace:  nullable(stackTrace),
		Instruction: instruction,
		Model:       model,
	}
}

// Fields returns the optional fields with null mapped to "".
func (r EditRequest) Fields() (filePath, htmlFrame, stackTrace string) {
	return deref(r.FilePath), deref(r.HTMLFrame), deref(r.StackTrace)
}

// DecodeEditRequest reads and validates an edit request. Every failure wraps
// ErrInvalidPayload and carries a user-facing message.
func DecodeEditRequest(r io.Reader) (EditRequest, error) {
	var req EditRequest
	if err := json.NewDecoder(io.LimitReader(r, MaxRequestBytes)).Decode(&req); err != nil {
		return EditRequest{}, invalid(MessageInvalidJSON, err)
	}
	req.Instruction = strings.TrimSpace(req.Instruction)
	if req.Instruction == "" {
		return EditRequest{}, invalid(MessageInstruction, nil)
	}
	req.Model = strings.TrimSpace(req.Model)
	return req, nil
}

// UndoRequest is the body of an undo follow-up call.
type UndoRequest struct {
	SessionID string `json:"sessionId"`
}

// DecodeUndoRequest reads and validates an undo request.
func DecodeUndoRequest(r io.Reader) (UndoRequest, error) {
	var req UndoRequest
	if err := json.NewDecoder(io.LimitReader(r, MaxRequestBytes)).Decode(&req); err != nil {
		return UndoRequest{}, invalid(MessageInvalidJSON, err)
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return UndoRequest{}, invalid(MessageSessionIDRequired, nil)
	}
	return req, nil
}

// UndoResponse is the result of an undo follow-up call.
type UndoResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Restored []string `json:"restored,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ErrorResponse is the JSON body of every non-streaming failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PayloadError carries the user-facing message for a rejected request.
type PayloadError struct {
	Message string
	Err     error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes ErrInvalidPayload and the underlying decode error.
func (e *PayloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidPayload, e.Err}
	}
	return []error{ErrInvalidPayload}
}

// Invalid returns a PayloadError for message.
func Invalid(message string) error {
	return invalid(message, nil)
}

func invalid(message string, err error) error {
	return &PayloadError{Message: message, Err: err}
}

// UserMessage returns the message a client should display for err.
func UserMessage(err error) string {
	var payloadErr *PayloadError
	if errors.As(err, &payloadErr) {
		return payloadErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// UndoEndpoint derives the undo URL from the edit endpoint by replacing a
// trailing "/overlay" segment.
func UndoEndpoint(editEndpoint string) string {
	trimmed := strings.TrimSuffix(editEndpoint, "/")
	if strings.HasSuffix(trimmed, "/overlay") {
		return strings.TrimSuffix(trimmed, "/overlay") + "/undo"
	}
	return trimmed + "/undo"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
