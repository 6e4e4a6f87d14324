// Package session manages the overlay's chat sessions: one per captured
// selection, each with its own submission lifecycle, element binding and
// background indicator.
package session

import (
	"errors"

	"github.com/shipflow/overlay/internal/geom"
	"github.com/shipflow/overlay/internal/state"
)

const (
	// ChatIDAttr correlates an element with the session bound to it.
	ChatIDAttr = "data-sf-chat-id"
	// LoadingAttr marks an element whose session is submitting.
	LoadingAttr = "data-react-grab-loading"
)

const (
	messageEmptyInstruction = "Please describe the change."
	messagePreparing        = "Preparing request…"
	messageAgentError       = "Cursor CLI reported an error."
	messageChangesApplied   = "Changes applied."
	messageStreamEnded      = "Stream ended before completion."
	messageReverting        = "Reverting changes..."
	messageUndoFailed       = "Undo request failed."
	fallbackStatusLabel     = "Working"
)

// indicatorOffset lifts a background indicator above its element.
const indicatorOffset = 8

var (
	// ErrNoActiveSession is returned when an operation needs an active session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrUnknownSession is returned for an id the manager does not hold.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionBusy is returned when a submitting session would be disturbed.
	ErrSessionBusy = errors.New("session is submitting")
	// ErrEmptyInstruction is returned by Submit for a blank instruction.
	ErrEmptyInstruction = errors.New("instruction is empty")
	// ErrNoUndoSession is returned when the server never issued an undo id.
	ErrNoUndoSession = errors.New("no undo session available")
)

// Status drives which affordances a session shows.
type Status string

const (
	StatusIdle       Status = state.SessionIdle
	StatusSubmitting Status = state.SessionSubmitting
	StatusSuccess    Status = state.SessionSuccess
	StatusError      Status = state.SessionError
)

// AddonMode selects what the status bar under the popover shows.
type AddonMode string

const (
	AddonIdle     AddonMode = "idle"
	AddonProgress AddonMode = "progress"
	AddonSummary  AddonMode = "summary"
)

// UndoStatus tracks the undo follow-up call.
type UndoStatus string

const (
	UndoIdle    UndoStatus = "idle"
	UndoPending UndoStatus = "pending"
	UndoSuccess UndoStatus = "success"
	UndoError   UndoStatus = "error"
)

// Session is a point-in-time copy of one chat session.
type Session struct {
	ID           string
	SelectionID  string
	HTMLFrame    string
	CodeLocation string
	FilePath     string

	Instruction string
	Model       string

	Status        Status
	Phase         int
	Addon         AddonMode
	StatusLabel   string
	StatusContext string
	Summary       string
	Error         string
	ServerMessage string

	SessionID   string
	UndoStatus  UndoStatus
	UndoMessage string

	// Rect is the last known bounding rectangle of the bound element.
	Rect *geom.Rect
}

// Indicator is the minimal marker shown for a submitting session that is not
// active.
type Indicator struct {
	ID    string
	Label string
	Top   float64
	Left  float64
}
