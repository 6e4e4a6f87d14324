package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantSingleTerminalEvent requires each edit stream to end with at most one done event.
	InvariantSingleTerminalEvent = "single_terminal_event"
	// InvariantEditsWithinProjectRoot requires undo snapshots to stay inside the project root.
	InvariantEditsWithinProjectRoot = "edits_within_project_root"
	// InvariantPhaseMonotonic requires the progress phase of a submission to never decrease.
	InvariantPhaseMonotonic = "phase_monotonic"
	// InvariantSingleActiveSession requires at most one chat session to be active.
	InvariantSingleActiveSession = "single_active_session"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow deterministic state machines.
	InvariantStateTransitionLegal = "state_transition_legal"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("shipflow/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSingleTerminalEvent validates the single_terminal_event invariant.
func CheckSingleTerminalEvent(ctx context.Context, whereDetected string, doneCount int) bool {
	if doneCount <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantSingleTerminalEvent, SeverityError, ViolationDetails{
		WhatInvariant: "edit stream carries at most one done event",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("observed %d done events", doneCount),
		Additional: map[string]string{
			"done_count": fmt.Sprintf("%d", doneCount),
		},
	})
	return false
}

// CheckEditsWithinProjectRoot validates the edits_within_project_root invariant.
func CheckEditsWithinProjectRoot(
	ctx context.Context,
	whereDetected string,
	root string,
	violatingPaths []string,
) bool {
	if len(violatingPaths) == 0 {
		return true
	}
	InvariantViolation(ctx, InvariantEditsWithinProjectRoot, SeverityWarn, ViolationDetails{
		WhatInvariant: "snapshotted files remain inside the project root",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("paths outside %s: %s", root, strings.Join(violatingPaths, ", ")),
		Additional: map[string]string{
			"root":            strings.TrimSpace(root),
			"violating_paths": strings.Join(violatingPaths, ","),
		},
	})
	return false
}

// CheckPhaseMonotonic validates the phase_monotonic invariant.
func CheckPhaseMonotonic(ctx context.Context, whereDetected string, fromPhase, toPhase int) bool {
	if toPhase >= fromPhase {
		return true
	}
	InvariantViolation(ctx, InvariantPhaseMonotonic, SeverityError, ViolationDetails{
		WhatInvariant: "progress phase never decreases during a submission",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("phase moved from %d to %d", fromPhase, toPhase),
		Additional: map[string]string{
			"from_phase": fmt.Sprintf("%d", fromPhase),
			"to_phase":   fmt.Sprintf("%d", toPhase),
		},
	})
	return false
}

// CheckSingleActiveSession validates the single_active_session invariant.
func CheckSingleActiveSession(ctx context.Context, whereDetected string, activeCount int) bool {
	if activeCount <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantSingleActiveSession, SeverityWarn, ViolationDetails{
		WhatInvariant: "at most one chat session is active",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("active_count=%d", activeCount),
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
