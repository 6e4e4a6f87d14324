package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/charmbracelet/log"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/dom"
	"github.com/shipflow/overlay/internal/events"
	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/selection"
	"github.com/shipflow/overlay/internal/state"
	"github.com/shipflow/overlay/internal/stream"
	"github.com/shipflow/overlay/internal/telemetry/invariants"
)

// Transport carries edit and undo requests to the server.
type Transport interface {
	Stream(ctx context.Context, req protocol.EditRequest, emit func(stream.Event)) error
	Undo(ctx context.Context, sessionID string) (protocol.UndoResponse, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDocument binds sessions to elements of doc.
func WithDocument(doc *dom.Document) Option {
	return func(m *Manager) {
		m.doc = doc
	}
}

// WithModels sets the selectable models; the first is the default.
func WithModels(models []config.ModelOption) Option {
	return func(m *Manager) {
		if len(models) > 0 {
			m.models = append([]config.ModelOption(nil), models...)
		}
	}
}

// WithStatusSequence sets the human status labels indexed by phase.
func WithStatusSequence(sequence []string) Option {
	return func(m *Manager) {
		if len(sequence) > 0 {
			m.sequence = append([]string(nil), sequence...)
		}
	}
}

// WithBus publishes session changes to bus.
func WithBus(bus events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithStateMachine validates status changes with machine.
func WithStateMachine(machine *state.Machine) Option {
	return func(m *Manager) {
		m.machine = machine
	}
}

// WithLogger routes manager logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source used for session ids.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type entry struct {
	Session

	ref weak.Pointer[dom.Node]

	run       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	summary   strings.Builder
	planned   bool
	applying  bool
	doneCount int
}

// Manager owns every chat session. At most one session is active; the others
// keep running in the background. It is safe for concurrent use.
type Manager struct {
	transport Transport
	doc       *dom.Document
	models    []config.ModelOption
	sequence  []string
	bus       events.Bus
	machine   *state.Machine
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	order    []string
	active   string
	counter  int
	wg       sync.WaitGroup
}

// NewManager builds a manager that submits through transport.
func NewManager(transport Transport, opts ...Option) *Manager {
	defaults := config.Defaults()
	m := &Manager{
		transport: transport,
		models:    defaults.Models,
		sequence:  defaults.StatusSequence,
		logger:    log.Default(),
		now:       time.Now,
		sessions:  map[string]*entry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.machine == nil {
		m.machine = state.NewMachine("overlay", state.WithRecorder(state.RecorderFunc(m.recordTransition)))
	}
	return m
}

// Open creates a session for sel and makes it active. Sessions already open,
// including submitting ones, are kept.
func (m *Manager) Open(ctx context.Context, sel selection.Selection) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	id := fmt.Sprintf("chat-%d-%d", m.counter, m.now().UnixMilli())
	e := &entry{Session: Session{
		ID:           id,
		SelectionID:  sel.ID,
		HTMLFrame:    sel.HTMLFrame,
		CodeLocation: sel.CodeLocation,
		FilePath:     sel.FilePath,
		Model:        m.defaultModel(),
		Status:       StatusIdle,
		Addon:        AddonIdle,
		UndoStatus:   UndoIdle,
	}}

	element := sel.Element
	if element != nil && !element.IsConnected() {
		element = nil
	}
	if element == nil && sel.ID != "" && m.doc != nil {
		element = m.doc.QueryAttr(selection.SelectionIDAttr, sel.ID)
	}
	if element != nil {
		m.bind(e, element)
		rect := element.BoundingClientRect()
		e.Rect = &rect
	} else {
		if sel.BoundingRect != nil {
			rect := *sel.BoundingRect
			e.Rect = &rect
		}
		m.logger.Warn("unable to resolve element for selection", "selection_id", sel.ID, "session", id)
	}

	m.sessions[id] = e
	m.order = append(m.order, id)
	m.active = id
	invariants.CheckSingleActiveSession(ctx, "session.Manager.Open", m.activeCountLocked())
	m.publishLocked(events.KindSessionOpened, e)
	return e.snapshot()
}

// Get returns a copy of session id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// Active returns the active session, if any.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[m.active]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// List returns every session in creation order.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].snapshot())
	}
	return out
}

// Activate makes id the active session.
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("activate %q: %w", id, ErrUnknownSession)
	}
	m.active = id
	invariants.CheckSingleActiveSession(ctx, "session.Manager.Activate", m.activeCountLocked())
	return nil
}

// Dismiss closes the active popover. An idle or finished session is released;
// a submitting one only loses focus and keeps running in the background.
func (m *Manager) Dismiss(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[m.active]
	if !ok {
		return ErrNoActiveSession
	}
	if e.Status == StatusSubmitting {
		m.active = ""
		return nil
	}
	m.releaseLocked(e)
	return nil
}

// Release removes session id and clears its element markers. Submitting
// sessions cannot be released.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("release %q: %w", id, ErrUnknownSession)
	}
	if e.Status == StatusSubmitting {
		return fmt.Errorf("release %q: %w", id, ErrSessionBusy)
	}
	m.releaseLocked(e)
	return nil
}

// SetInstruction updates the active session's instruction text. The
// instruction is locked while the session is submitting.
func (m *Manager) SetInstruction(ctx context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[m.active]
	if !ok {
		return ErrNoActiveSession
	}
	if e.Status == StatusSubmitting {
		return fmt.Errorf("edit instruction of %q: %w", e.ID, ErrSessionBusy)
	}
	wasError := e.Status == StatusError
	e.Instruction = value
	m.setStatusLocked(ctx, e, StatusIdle, "instruction edited")
	if value != "" && e.Addon != AddonIdle {
		m.resetProgressLocked(e)
	}
	if wasError {
		e.Error = ""
	}
	m.publishLocked(events.KindSessionUpdated, e)
	return nil
}

// SetModel selects the active session's model. Changes are ignored while
// submitting and unknown values fall back to the first option.
func (m *Manager) SetModel(value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[m.active]
	if !ok {
		return ErrNoActiveSession
	}
	if e.Status == StatusSubmitting {
		return nil
	}
	next := m.defaultModel()
	for _, option := range m.models {
		if option.Value == value {
			next = value
			break
		}
	}
	e.Model = next
	m.publishLocked(events.KindSessionUpdated, e)
	return nil
}

// Submit sends the active session's instruction and returns once the request
// is in flight. The request outlives ctx cancellation; use Stop to abort it.
func (m *Manager) Submit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[m.active]
	if !ok {
		return ErrNoActiveSession
	}
	if e.Status == StatusSubmitting {
		return fmt.Errorf("submit %q: %w", e.ID, ErrSessionBusy)
	}

	instruction := strings.TrimSpace(e.Instruction)
	if instruction == "" {
		m.setStatusLocked(ctx, e, StatusError, "empty instruction")
		e.Error = messageEmptyInstruction
		m.resetProgressLocked(e)
		e.ServerMessage = ""
		m.publishLocked(events.KindSessionUpdated, e)
		return ErrEmptyInstruction
	}

	model := e.Model
	if model == "" {
		model = m.defaultModel()
	}
	req := protocol.NewEditRequest(e.FilePath, e.HTMLFrame, e.CodeLocation, instruction, model)

	m.setStatusLocked(ctx, e, StatusSubmitting, "submit")
	e.Instruction = instruction
	e.Error = ""
	e.ServerMessage = ""
	e.Addon = AddonProgress
	e.StatusLabel = m.label(0)
	e.StatusContext = messagePreparing
	e.Summary = ""
	e.Phase = 0
	e.summary.Reset()
	e.planned = false
	e.applying = false
	e.doneCount = 0

	if element := m.resolveLocked(e); element != nil {
		element.SetAttr(LoadingAttr, "true")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.run++
	e.cancel = cancel
	e.done = make(chan struct{})
	m.wg.Add(1)
	go m.stream(runCtx, e.ID, e.run, req, e.done)

	m.publishLocked(events.KindSessionUpdated, e)
	return nil
}

// Stop aborts the active session's request.
func (m *Manager) Stop() error {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return ErrNoActiveSession
	}
	return m.Abort(id)
}

// Abort cancels session id's request. Other sessions are unaffected.
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("abort %q: %w", id, ErrUnknownSession)
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// Wait blocks until session id's in-flight request has finished.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	var done chan struct{}
	if ok {
		done = e.done
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("wait %q: %w", id, ErrUnknownSession)
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Undo reverts the active session's last applied edit through the server.
func (m *Manager) Undo(ctx context.Context) error {
	m.mu.Lock()
	e, ok := m.sessions[m.active]
	if !ok {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	id, sessionID := e.ID, e.SessionID
	if sessionID == "" {
		m.mu.Unlock()
		m.logger.Warn("no session id available for undo", "session", id)
		return ErrNoUndoSession
	}
	e.UndoStatus = UndoPending
	e.UndoMessage = messageReverting
	m.publishLocked(events.KindSessionUpdated, e)
	m.mu.Unlock()

	resp, undoErr := m.transport.Undo(ctx, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok = m.sessions[id]
	if !ok {
		return undoErr
	}
	if undoErr != nil {
		e.UndoStatus = UndoError
		e.UndoMessage = strings.TrimSpace(undoErr.Error())
		if e.UndoMessage == "" {
			e.UndoMessage = messageUndoFailed
		}
		m.logger.Error("undo failed", "session", id, "err", undoErr)
		m.publishLocked(events.KindUndo, e)
		return undoErr
	}

	e.UndoStatus = UndoSuccess
	e.UndoMessage = strings.TrimSpace(resp.Message)
	if e.UndoMessage == "" {
		e.UndoMessage = fmt.Sprintf("Reverted %d file(s).", len(resp.Restored))
	}
	m.setStatusLocked(ctx, e, StatusIdle, "undo")
	e.Addon = AddonIdle
	e.Summary = ""
	e.SessionID = ""
	m.publishLocked(events.KindUndo, e)
	return nil
}

// Close aborts every in-flight request and waits for them to settle.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.sessions {
		if e.cancel != nil {
			e.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) stream(ctx context.Context, id string, run uint64, req protocol.EditRequest, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	err := m.transport.Stream(ctx, req, func(event stream.Event) {
		m.apply(ctx, id, run, event)
	})
	m.finish(ctx, id, run, err)
}

func (m *Manager) finish(ctx context.Context, id string, run uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.run != run {
		return
	}
	aborted := ctx.Err() != nil || errors.Is(err, context.Canceled)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if element := m.resolveLocked(e); element != nil {
		element.RemoveAttr(LoadingAttr)
	}
	if e.Status != StatusSubmitting {
		return
	}

	switch {
	case aborted:
		m.setStatusLocked(ctx, e, StatusIdle, "aborted")
		m.resetProgressLocked(e)
		e.Error = ""
		e.ServerMessage = ""
	case err != nil:
		m.logger.Error("edit request failed", "session", id, "err", err)
		m.setStatusLocked(ctx, e, StatusError, "request failed")
		e.Error = err.Error()
		e.Addon = AddonIdle
		e.StatusLabel = ""
		e.StatusContext = ""
		e.Summary = ""
	default:
		m.logger.Warn("edit stream ended without a done event", "session", id)
		m.setStatusLocked(ctx, e, StatusError, "stream ended")
		e.Error = messageStreamEnded
		e.Addon = AddonIdle
		e.StatusLabel = ""
		e.StatusContext = ""
		e.Summary = ""
	}
	m.publishLocked(events.KindSessionUpdated, e)
}

func (m *Manager) setStatusLocked(ctx context.Context, e *entry, to Status, reason string) {
	from := e.Status
	if from == to {
		return
	}
	if err := m.machine.Transition(ctx, state.EntitySession, e.ID, string(from), string(to), reason); err != nil {
		m.logger.Warn("session transition rejected", "session", e.ID, "from", from, "to", to, "err", err)
	}
	e.Status = to
}

func (m *Manager) resetProgressLocked(e *entry) {
	e.Addon = AddonIdle
	e.StatusLabel = ""
	e.StatusContext = ""
	e.Summary = ""
	e.Phase = 0
}

func (m *Manager) releaseLocked(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if element := m.liveElementLocked(e); element != nil {
		element.RemoveAttr(selection.HighlightAttr)
		element.RemoveAttr(selection.SelectionIDAttr)
		element.RemoveAttr(ChatIDAttr)
		element.RemoveAttr(LoadingAttr)
	}
	delete(m.sessions, e.ID)
	for i, id := range m.order {
		if id == e.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == e.ID {
		m.active = ""
	}
	m.publishLocked(events.KindSessionReleased, e)
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for id := range m.sessions {
		if id == m.active {
			count++
		}
	}
	return count
}

func (m *Manager) defaultModel() string {
	if len(m.models) == 0 {
		return ""
	}
	return m.models[0].Value
}

func (m *Manager) label(phase int) string {
	if phase >= 0 && phase < len(m.sequence) {
		return m.sequence[phase]
	}
	return fallbackStatusLabel
}

func (m *Manager) publishLocked(kind events.Kind, e *entry) {
	if m.bus == nil {
		return
	}
	level := log.InfoLevel
	if e.Status == StatusError || e.UndoStatus == UndoError {
		level = log.ErrorLevel
	}
	m.bus.Publish(events.Event{
		Kind:      kind,
		SessionID: e.ID,
		At:        m.now().UTC(),
		Level:     level,
		Payload:   e.snapshot(),
	})
}

func (m *Manager) recordTransition(record state.TransitionRecord) error {
	if m.bus == nil {
		return nil
	}
	m.bus.Publish(events.Event{
		Kind:      events.KindTransition,
		SessionID: record.EntityID,
		At:        record.Timestamp,
		Payload:   record,
	})
	return nil
}

func (e *entry) snapshot() Session {
	out := e.Session
	if e.Rect != nil {
		rect := *e.Rect
		out.Rect = &rect
	}
	return out
}
