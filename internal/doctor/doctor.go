// Package doctor checks that the local environment can serve edit requests:
// configuration, the agent binary, and the project root the agent edits.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/tracing"
)

const defaultCheckTimeout = 10 * time.Second

// Check names, in report order.
const (
	CheckConfig       = "config"
	CheckOverlay      = "overlay"
	CheckListen       = "listen"
	CheckAgent        = "agent"
	CheckAgentVersion = "agent-version"
	CheckProject      = "project"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Resolver locates the agent executable.
type Resolver interface {
	Resolve(ctx context.Context, explicit string, extraDirs ...string) (harness.ResolvedBinary, error)
}

// CommandRunner runs a short diagnostic command.
type CommandRunner func(ctx context.Context, name string, args []string, dir string) (tracing.Result, error)

// Check is one line of a health report.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// HealthReport is the result of a full check cycle.
type HealthReport struct {
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (r HealthReport) Healthy() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

// Failed returns the failing checks.
func (r HealthReport) Failed() []Check {
	var failed []Check
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			failed = append(failed, check)
		}
	}
	return failed
}

// Config controls which project is inspected and how long each command may run.
type Config struct {
	ProjectRoot  string
	CheckTimeout time.Duration
}

// Manager executes the environment checks.
type Manager struct {
	cfg          *config.Config
	resolver     Resolver
	run          CommandRunner
	logger       *log.Logger
	projectRoot  string
	checkTimeout time.Duration
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCommandRunner overrides how the agent version command is run.
func WithCommandRunner(run CommandRunner) Option {
	return func(m *Manager) {
		if run != nil {
			m.run = run
		}
	}
}

// WithLogger sets the logger used for check results.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds a doctor with sane defaults.
func NewManager(cfg *config.Config, resolver Resolver, settings Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if strings.TrimSpace(settings.ProjectRoot) == "" {
		return nil, errors.New("project root is required")
	}
	if settings.CheckTimeout <= 0 {
		settings.CheckTimeout = defaultCheckTimeout
	}
	m := &Manager{
		cfg:          cfg,
		resolver:     resolver,
		run:          tracing.Run,
		logger:       log.Default(),
		projectRoot:  filepath.Clean(settings.ProjectRoot),
		checkTimeout: settings.CheckTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// RunOnce executes one check cycle. It only errors when ctx ends; individual
// check failures are reported in the result.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	report := HealthReport{CheckedAt: m.now().UTC()}
	report.Checks = append(report.Checks,
		m.checkConfig(),
		m.checkOverlay(),
		m.checkListen(),
	)

	agent, resolved := m.checkAgent(ctx)
	report.Checks = append(report.Checks, agent)
	if resolved.Path != "" {
		report.Checks = append(report.Checks, m.checkAgentVersion(ctx, resolved))
	}
	report.Checks = append(report.Checks, m.checkProject())

	if err := ctx.Err(); err != nil {
		return HealthReport{}, fmt.Errorf("doctor checks interrupted: %w", err)
	}

	for _, check := range report.Checks {
		logger := m.logger.With("check", check.Name, "detail", check.Detail)
		switch check.Status {
		case StatusFail:
			logger.Error("doctor check failed")
		case StatusWarn:
			logger.Warn("doctor check warning")
		default:
			logger.Debug("doctor check passed")
		}
	}
	return report, nil
}

func (m *Manager) checkConfig() Check {
	if _, err := m.cfg.ResolveModel(""); err != nil {
		return Check{Name: CheckConfig, Status: StatusFail, Detail: fmt.Sprintf("default model: %v", err)}
	}
	if len(m.cfg.Sources) == 0 {
		return Check{Name: CheckConfig, Status: StatusOK, Detail: "built-in defaults"}
	}
	return Check{Name: CheckConfig, Status: StatusOK, Detail: "loaded " + strings.Join(m.cfg.Sources, ", ")}
}

func (m *Manager) checkOverlay() Check {
	if !m.cfg.OverlayEnabled() {
		return Check{
			Name:   CheckOverlay,
			Status: StatusWarn,
			Detail: fmt.Sprintf("edit requests are refused; set %s=true or %s=development", config.EnvOverlayEnabled, config.EnvEnvironment),
		}
	}
	return Check{Name: CheckOverlay, Status: StatusOK, Detail: "enabled"}
}

func (m *Manager) checkListen() Check {
	if _, _, err := net.SplitHostPort(m.cfg.ListenAddr); err != nil {
		return Check{Name: CheckListen, Status: StatusFail, Detail: fmt.Sprintf("listen address %q: %v", m.cfg.ListenAddr, err)}
	}
	if !strings.HasPrefix(m.cfg.Endpoint, "/") {
		return Check{Name: CheckListen, Status: StatusFail, Detail: fmt.Sprintf("endpoint %q must start with /", m.cfg.Endpoint)}
	}
	return Check{Name: CheckListen, Status: StatusOK, Detail: "http://" + m.cfg.ListenAddr + m.cfg.Endpoint}
}

func (m *Manager) checkAgent(ctx context.Context) (Check, harness.ResolvedBinary) {
	resolved, err := m.resolver.Resolve(ctx, m.cfg.AgentBinary, m.cfg.SearchDirs...)
	if err != nil {
		return Check{Name: CheckAgent, Status: StatusFail, Detail: err.Error()}, harness.ResolvedBinary{}
	}
	return Check{Name: CheckAgent, Status: StatusOK, Detail: resolved.Path}, resolved
}

func (m *Manager) checkAgentVersion(ctx context.Context, resolved harness.ResolvedBinary) Check {
	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	result, err := m.run(checkCtx, resolved.Path, []string{"--version"}, m.projectRoot)
	if err != nil {
		return Check{Name: CheckAgentVersion, Status: StatusWarn, Detail: err.Error()}
	}
	version := firstLine(result.Output())
	if version == "" {
		return Check{Name: CheckAgentVersion, Status: StatusWarn, Detail: "no version output"}
	}
	return Check{Name: CheckAgentVersion, Status: StatusOK, Detail: version}
}

// checkProject confirms the root is a writable directory, since undo
// restores files in place.
func (m *Manager) checkProject() Check {
	info, err := os.Stat(m.projectRoot)
	if err != nil {
		return Check{Name: CheckProject, Status: StatusFail, Detail: err.Error()}
	}
	if !info.IsDir() {
		return Check{Name: CheckProject, Status: StatusFail, Detail: m.projectRoot + " is not a directory"}
	}
	scratch, err := os.CreateTemp(m.projectRoot, ".shipflow-doctor-*")
	if err != nil {
		return Check{Name: CheckProject, Status: StatusFail, Detail: fmt.Sprintf("not writable: %v", err)}
	}
	name := scratch.Name()
	_ = scratch.Close()
	_ = os.Remove(name)

	if _, err := os.Stat(filepath.Join(m.projectRoot, ".git")); err != nil {
		return Check{Name: CheckProject, Status: StatusWarn, Detail: m.projectRoot + " is not a git checkout"}
	}
	return Check{Name: CheckProject, Status: StatusOK, Detail: m.projectRoot}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
