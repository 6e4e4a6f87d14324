package session

import (
	"context"
	"regexp"
	"strings"

	"github.com/shipflow/overlay/internal/events"
	"github.com/shipflow/overlay/internal/stream"
	"github.com/shipflow/overlay/internal/telemetry/invariants"
)

var (
	planningPattern = regexp.MustCompile(`(?i)plan|analy`)
	applyingPattern = regexp.MustCompile(`(?i)apply|build|final|update`)
)

const (
	phasePlanning = 1
	phaseApplying = 2
)

// apply folds one stream event into session id. Events from a superseded
// submission, or arriving after the terminal event, are dropped.
func (m *Manager) apply(ctx context.Context, id string, run uint64, event stream.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.run != run {
		return
	}
	if m.bus != nil {
		m.bus.Publish(events.Stream(id, m.now().UTC(), event))
	}

	if event.Kind == stream.KindDone {
		e.doneCount++
		invariants.CheckSingleTerminalEvent(ctx, "session.Manager.apply", e.doneCount)
	}
	if e.Status != StatusSubmitting {
		return
	}

	switch event.Kind {
	case stream.KindSession:
		e.SessionID = event.SessionID
		e.UndoStatus = UndoIdle
		e.UndoMessage = ""
	case stream.KindStatus:
		message := strings.TrimSpace(event.Message)
		if message == "" {
			return
		}
		if !e.planned && planningPattern.MatchString(message) {
			m.promoteLocked(ctx, e, phasePlanning)
			e.planned = true
		}
		if !e.applying && applyingPattern.MatchString(message) {
			m.promoteLocked(ctx, e, phaseApplying)
			e.applying = true
		}
		e.StatusContext = message
	case stream.KindAssistant:
		chunk := strings.TrimSpace(event.Text)
		if chunk == "" {
			return
		}
		e.summary.WriteString(chunk)
		e.summary.WriteByte(' ')
		if !e.planned {
			m.promoteLocked(ctx, e, phasePlanning)
			e.planned = true
		}
		e.StatusContext = chunk
	case stream.KindDone:
		m.completeLocked(ctx, e, event)
	default:
		return
	}
	m.publishLocked(events.KindSessionUpdated, e)
}

func (m *Manager) completeLocked(ctx context.Context, e *entry, event stream.Event) {
	if stderr := strings.TrimSpace(event.Stderr); stderr != "" {
		e.ServerMessage = stderr
	}
	if event.Success {
		summary := strings.TrimSpace(event.Summary)
		if summary == "" {
			summary = strings.TrimSpace(e.summary.String())
		}
		if summary == "" {
			summary = messageChangesApplied
		}
		m.promoteLocked(ctx, e, m.finalPhase())
		m.setStatusLocked(ctx, e, StatusSuccess, "done")
		e.Instruction = ""
		e.Addon = AddonSummary
		e.Summary = summary
		e.StatusLabel = ""
		e.StatusContext = ""
		return
	}

	errText := strings.TrimSpace(event.Error)
	if errText == "" {
		errText = messageAgentError
	}
	m.setStatusLocked(ctx, e, StatusError, "done")
	e.Error = errText
	m.resetProgressLocked(e)
}

// promoteLocked raises the phase to at least phase; it never lowers it.
func (m *Manager) promoteLocked(ctx context.Context, e *entry, phase int) {
	phase = min(max(phase, 0), m.finalPhase())
	if phase < e.Phase {
		phase = e.Phase
	}
	invariants.CheckPhaseMonotonic(ctx, "session.Manager.promote", e.Phase, phase)
	e.Phase = phase
	e.StatusLabel = m.label(phase)
}

func (m *Manager) finalPhase() int {
	return max(len(m.sequence)-1, 0)
}
