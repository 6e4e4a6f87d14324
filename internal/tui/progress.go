// Package tui renders the terminal progress view used by `shipflow edit`.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shipflow/overlay/internal/events"
	"github.com/shipflow/overlay/internal/placement"
	"github.com/shipflow/overlay/internal/session"
	"github.com/shipflow/overlay/internal/tui/components"
	"github.com/shipflow/overlay/internal/tui/theme"
)

const (
	defaultWidth      = 80
	updateBufferSize  = 256
	compactWidthLimit = 72
)

// Source is the part of the session manager the view drives.
type Source interface {
	Get(id string) (session.Session, bool)
	Stop() error
	Undo(ctx context.Context) error
}

// ProgressOption configures a ProgressModel.
type ProgressOption func(*ProgressModel)

// WithSteps sets the status sequence shown as phase steps.
func WithSteps(steps []string) ProgressOption {
	return func(m *ProgressModel) {
		m.steps = append([]string(nil), steps...)
	}
}

// WithPlacement shows where the overlay popover would be anchored.
func WithPlacement(result placement.Result) ProgressOption {
	return func(m *ProgressModel) {
		m.placement = &result
	}
}

// WithExitOnFinish quits the program as soon as the session settles.
func WithExitOnFinish(exit bool) ProgressOption {
	return func(m *ProgressModel) {
		m.exitOnFinish = exit
	}
}

type busMsg struct {
	event events.Event
}

type updatesClosedMsg struct{}

type undoDoneMsg struct {
	err error
}

// ProgressModel follows one session from submission to a terminal state.
type ProgressModel struct {
	ctx     context.Context
	source  Source
	id      string
	updates <-chan events.Event

	steps        []string
	placement    *placement.Result
	exitOnFinish bool

	spinner  spinner.Model
	current  session.Session
	entries  []components.EventLogEntry
	width    int
	height   int
	quitting bool
}

// Subscribe forwards bus events for session id onto a buffered channel
// until the returned func is called. Events are dropped when the channel is
// full; the model re-reads the session from its source on every delivery,
// so no state is lost.
func Subscribe(bus events.Bus, id string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, updateBufferSize)
	unsubscribe := bus.Subscribe(events.Filter{SessionID: id}, func(event events.Event) {
		select {
		case ch <- event:
		default:
		}
	})
	return ch, unsubscribe
}

// NewProgressModel builds a view over session id.
func NewProgressModel(ctx context.Context, source Source, id string, updates <-chan events.Event, opts ...ProgressOption) *ProgressModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.AccentColor)

	m := &ProgressModel{
		ctx:     ctx,
		source:  source,
		id:      id,
		updates: updates,
		spinner: sp,
		width:   defaultWidth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.refresh()
	return m
}

// Session returns the latest observed state of the session.
func (m *ProgressModel) Session() session.Session {
	return m.current
}

// Init satisfies tea.Model.
func (m *ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.updates))
}

// Update satisfies tea.Model.
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		m.refresh()
		return m, tea.Batch(cmd, m.finishCmd())
	case busMsg:
		if entry, ok := components.EntryFromEvent(typed.event); ok {
			m.entries = append(m.entries, entry)
		}
		m.refresh()
		return m, tea.Batch(waitForEvent(m.updates), m.finishCmd())
	case updatesClosedMsg:
		m.refresh()
		return m, m.finishCmd()
	case undoDoneMsg:
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	default:
		return m, nil
	}
}

func (m *ProgressModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		if m.current.Status == session.StatusSubmitting {
			_ = m.source.Stop()
		}
		m.quitting = true
		return m, tea.Quit
	case "s":
		if m.current.Status == session.StatusSubmitting {
			_ = m.source.Stop()
			m.refresh()
		}
		return m, nil
	case "u":
		if !m.canUndo() {
			return m, nil
		}
		m.current.UndoStatus = session.UndoPending
		return m, m.undoCmd()
	default:
		return m, nil
	}
}

func (m *ProgressModel) canUndo() bool {
	return m.current.Status == session.StatusSuccess &&
		m.current.SessionID != "" &&
		m.current.UndoStatus != session.UndoPending
}

func (m *ProgressModel) undoCmd() tea.Cmd {
	ctx, source := m.ctx, m.source
	return func() tea.Msg {
		return undoDoneMsg{err: source.Undo(ctx)}
	}
}

func (m *ProgressModel) finishCmd() tea.Cmd {
	if !m.exitOnFinish || m.quitting {
		return nil
	}
	switch m.current.Status {
	case session.StatusSuccess, session.StatusError:
		m.quitting = true
		return tea.Quit
	}
	return nil
}

func (m *ProgressModel) refresh() {
	if current, ok := m.source.Get(m.id); ok {
		m.current = current
	}
}

func waitForEvent(updates <-chan events.Event) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return busMsg{event: event}
	}
}

// View satisfies tea.Model.
func (m *ProgressModel) View() string {
	s := m.current
	width := max(m.width, 40)
	compact := width < compactWidthLimit

	target := s.FilePath
	if target == "" {
		target = "(file derived by server)"
	}
	header := lipgloss.JoinHorizontal(
		lipgloss.Left,
		theme.TitleStyle.Render("shipflow"),
		theme.LabelStyle.Render(" ▸ "),
		theme.ValueStyle.Render(target),
		"  ",
		components.RenderStatusBadge(badgeStatus(s), components.WithBadgeBold(true)),
	)

	lines := []string{header}
	if s.Instruction != "" {
		lines = append(lines, field("instruction", s.Instruction))
	}
	if s.Model != "" {
		lines = append(lines, field("model", s.Model))
	}
	if m.placement != nil {
		lines = append(lines, field("popover", describePlacement(*m.placement)))
	}

	if len(m.steps) > 0 {
		lines = append(lines, "", components.RenderPhaseSteps(m.steps, s.Phase, s.Status == session.StatusSuccess, compact))
	}
	if s.Status == session.StatusSubmitting {
		label := s.StatusLabel
		if s.StatusContext != "" {
			label += theme.LabelStyle.Render(" · ") + s.StatusContext
		}
		lines = append(lines, m.spinner.View()+" "+label)
	}

	lines = append(lines, "", components.RenderEventLog(components.EventLogConfig{
		Width:          width - 4,
		TerminalHeight: m.height,
		Events:         m.entries,
		AutoScroll:     true,
	}))

	switch s.Status {
	case session.StatusSuccess:
		lines = append(lines, "", theme.SuccessStyle.Render(s.Summary))
	case session.StatusError:
		lines = append(lines, "", theme.ErrorStyle.Render(s.Error))
	}
	if s.UndoMessage != "" {
		style := theme.ValueStyle
		if s.UndoStatus == session.UndoError {
			style = theme.ErrorStyle
		}
		lines = append(lines, style.Render(s.UndoMessage))
	}

	lines = append(lines, "", theme.HintStyle.Render(m.hints()))
	return theme.PanelBorder.Width(width - 2).Render(strings.Join(lines, "\n"))
}

func (m *ProgressModel) hints() string {
	parts := []string{}
	if m.current.Status == session.StatusSubmitting {
		parts = append(parts, "s stop")
	}
	if m.canUndo() {
		parts = append(parts, "u undo")
	}
	return strings.Join(append(parts, "q quit"), " · ")
}

func badgeStatus(s session.Session) string {
	switch s.UndoStatus {
	case session.UndoPending:
		return "pending"
	case session.UndoSuccess:
		if s.Status == session.StatusIdle {
			return "reverted"
		}
	}
	return string(s.Status)
}

func describePlacement(result placement.Result) string {
	if result.Side == placement.SideCentered {
		return "centered"
	}
	return fmt.Sprintf("%s at %.0f,%.0f", result.Side, result.Top, result.Left)
}

func field(label, value string) string {
	return theme.LabelStyle.Render(fmt.Sprintf("%-12s", label)) + theme.ValueStyle.Render(value)
}

// Run drives the progress view until the user quits, ctx ends, or, with
// WithExitOnFinish, the session settles. It returns the final session.
func Run(ctx context.Context, model *ProgressModel, opts ...tea.ProgramOption) (session.Session, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(model, opts...).Run()
	if progress, ok := final.(*ProgressModel); ok {
		return progress.Session(), err
	}
	return model.Session(), err
}
