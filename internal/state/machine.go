package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shipflow/overlay/internal/telemetry/invariants"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntitySession is the chat session lifecycle state machine.
	EntitySession EntityType = "session"
	// EntityRun is the agent process lifecycle state machine.
	EntityRun EntityType = "run"
)

const (
	SessionIdle       = "idle"
	SessionSubmitting = "submitting"
	SessionSuccess    = "success"
	SessionError      = "error"
)

const (
	RunStarting  = "starting"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunTimedOut  = "timed_out"
	RunAborted   = "aborted"
)

// DefaultHistoryLimit bounds the in-memory transition history.
const DefaultHistoryLimit = 256

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntitySession: {
		SessionIdle: {
			SessionSubmitting: {},
			SessionError:      {},
		},
		SessionSubmitting: {
			SessionSuccess: {},
			SessionError:   {},
			SessionIdle:    {},
		},
		SessionSuccess: {
			SessionIdle:       {},
			SessionSubmitting: {},
			SessionError:      {},
		},
		SessionError: {
			SessionIdle:       {},
			SessionSubmitting: {},
		},
	},
	EntityRun: {
		RunStarting: {
			RunRunning: {},
			RunFailed:  {},
			RunAborted: {},
		},
		RunRunning: {
			RunCompleted: {},
			RunFailed:    {},
			RunTimedOut:  {},
			RunAborted:   {},
		},
	},
}

// Recorder receives every accepted transition.
type Recorder interface {
	Record(record TransitionRecord) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(record TransitionRecord) error

// Record calls f.
func (f RecorderFunc) Record(record TransitionRecord) error {
	return f(record)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithRecorder forwards accepted transitions to recorder.
func WithRecorder(recorder Recorder) Option {
	return func(machine *Machine) {
		machine.recorder = recorder
	}
}

// WithHistoryLimit bounds how many records History keeps.
func WithHistoryLimit(limit int) Option {
	return func(machine *Machine) {
		if limit > 0 {
			machine.historyLimit = limit
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates and records deterministic state transitions. It is safe
// for concurrent use.
type Machine struct {
	recorder     Recorder
	actor        string
	tracer       trace.Tracer
	now          func() time.Time
	historyLimit int

	mu      sync.Mutex
	history []TransitionRecord
}

// NewMachine builds a deterministic state machine.
func NewMachine(actor string, options ...Option) *Machine {
	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "overlay"
	}

	machine := &Machine{
		actor:        normalizedActor,
		tracer:       otel.Tracer("shipflow/state"),
		now:          time.Now,
		historyLimit: DefaultHistoryLimit,
		history:      []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("shipflow/state")
	}

	return machine
}

// Allowed reports whether fromState -> toState is a legal transition for entityType.
func Allowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

// Transition validates and records one state transition.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !Allowed(entityType, fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(entityType),
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  m.now().UTC(),
	}

	if m.recorder != nil {
		if err := m.recorder.Record(record); err != nil {
			wrapped := fmt.Errorf("record transition for %s: %w", entityID, err)
			span.RecordError(wrapped)
			span.SetStatus(codes.Error, wrapped.Error())
			return wrapped
		}
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	if overflow := len(m.history) - m.historyLimit; overflow > 0 {
		m.history = append(m.history[:0:0], m.history[overflow:]...)
	}
	m.mu.Unlock()

	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}
