package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBinaryName is the agent executable looked up when no hint is set.
	DefaultBinaryName = "cursor-agent"
	// BinaryEnvVar overrides the agent executable name or path.
	BinaryEnvVar = "CURSOR_AGENT_BIN"
)

// ErrBinaryNotFound is returned when no candidate is present and executable.
var ErrBinaryNotFound = errors.New(
	"cursor-agent binary not found. Set CURSOR_AGENT_BIN to an absolute path or add cursor-agent to your PATH",
)

// ResolvedBinary is the located agent executable and the environment it runs with.
type ResolvedBinary struct {
	Path string
	Env  []string
}

// PathValue returns the PATH entry of the resolved environment.
func (b ResolvedBinary) PathValue() string {
	for i := len(b.Env) - 1; i >= 0; i-- {
		if value, ok := strings.CutPrefix(b.Env[i], "PATH="); ok {
			return value
		}
	}
	return ""
}

// ResolverOption configures Resolver construction.
type ResolverOption func(*Resolver)

// WithHint sets the binary name or path tried before the default name.
func WithHint(hint string) ResolverOption {
	return func(r *Resolver) {
		r.hint = strings.TrimSpace(hint)
	}
}

// WithSearchDirs appends directories scanned after PATH entries.
func WithSearchDirs(dirs ...string) ResolverOption {
	return func(r *Resolver) {
		r.searchDirs = append(r.searchDirs, dirs...)
	}
}

// WithHomeDir overrides the home directory used for well-known install dirs.
func WithHomeDir(home string) ResolverOption {
	return func(r *Resolver) {
		r.home = home
	}
}

// WithEnviron overrides the base environment. PATH is read from it.
func WithEnviron(env []string) ResolverOption {
	return func(r *Resolver) {
		r.environ = func() []string { return append([]string(nil), env...) }
	}
}

// WithLookPath overrides the system path lookup.
func WithLookPath(lookPath func(file string) (string, error)) ResolverOption {
	return func(r *Resolver) {
		if lookPath != nil {
			r.lookPath = lookPath
		}
	}
}

// WithExecutableCheck overrides the existence and executability test.
func WithExecutableCheck(check func(path string) bool) ResolverOption {
	return func(r *Resolver) {
		if check != nil {
			r.executable = check
		}
	}
}

// WithGOOS overrides the platform used for name and separator decisions.
func WithGOOS(goos string) ResolverOption {
	return func(r *Resolver) {
		r.goos = goos
	}
}

// WithResolverLogger routes resolver diagnostics to logger.
func WithResolverLogger(logger *log.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolverTracer configures the tracer used for resolve spans.
func WithResolverTracer(tracer trace.Tracer) ResolverOption {
	return func(r *Resolver) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Resolver locates the agent executable once per process and shares the
// outcome among concurrent callers. Failures are not cached.
type Resolver struct {
	hint       string
	searchDirs []string
	home       string
	goos       string
	environ    func() []string
	lookPath   func(file string) (string, error)
	executable func(path string) bool
	logger     *log.Logger
	tracer     trace.Tracer

	group       singleflight.Group
	mu          sync.RWMutex
	cached      *ResolvedBinary
	discoveries atomic.Int64
}

// NewResolver builds a resolver reading its defaults from the process environment.
func NewResolver(opts ...ResolverOption) *Resolver {
	home, _ := os.UserHomeDir()
	r := &Resolver{
		hint:       strings.TrimSpace(os.Getenv(BinaryEnvVar)),
		home:       home,
		goos:       runtime.GOOS,
		environ:    os.Environ,
		lookPath:   exec.LookPath,
		executable: isExecutable,
		logger:     log.Default(),
		tracer:     otel.Tracer("shipflow/harness"),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	return r
}

// Resolve returns the cached binary, discovering it on first use. A non-empty
// explicit path bypasses the cache and is tried before every other candidate.
// extraDirs are scanned after PATH entries for this call only.
func (r *Resolver) Resolve(ctx context.Context, explicit string, extraDirs ...string) (ResolvedBinary, error) {
	if r == nil {
		return ResolvedBinary{}, errors.New("resolver is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := r.tracer.Start(ctx, "harness.resolve")
	defer span.End()

	explicit = strings.TrimSpace(explicit)
	span.SetAttributes(attribute.Bool("explicit", explicit != ""))

	if explicit != "" {
		resolved, err := r.discover(explicit, extraDirs)
		return r.finishSpan(span, resolved, err, false)
	}

	if cached, ok := r.load(); ok {
		return r.finishSpan(span, cached, nil, true)
	}

	value, err, _ := r.group.Do("default", func() (any, error) {
		if cached, ok := r.load(); ok {
			return cached, nil
		}
		resolved, err := r.discover("", extraDirs)
		if err != nil {
			return ResolvedBinary{}, err
		}
		r.mu.Lock()
		r.cached = &resolved
		r.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return r.finishSpan(span, ResolvedBinary{}, err, false)
	}
	return r.finishSpan(span, value.(ResolvedBinary), nil, false)
}

// Cached returns the memoized binary if discovery has succeeded.
func (r *Resolver) Cached() (ResolvedBinary, bool) {
	if r == nil {
		return ResolvedBinary{}, false
	}
	return r.load()
}

// Discoveries reports how many times the discovery routine has run.
func (r *Resolver) Discoveries() int64 {
	if r == nil {
		return 0
	}
	return r.discoveries.Load()
}

func (r *Resolver) load() (ResolvedBinary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached == nil {
		return ResolvedBinary{}, false
	}
	return *r.cached, true
}

func (r *Resolver) finishSpan(span trace.Span, resolved ResolvedBinary, err error, cached bool) (ResolvedBinary, error) {
	span.SetAttributes(attribute.Bool("cache_hit", cached))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ResolvedBinary{}, err
	}
	span.SetAttributes(attribute.String("path", resolved.Path))
	span.SetStatus(codes.Ok, "binary resolved")
	return resolved, nil
}

func (r *Resolver) discover(explicit string, extraDirs []string) (ResolvedBinary, error) {
	r.discoveries.Add(1)

	env := r.environ()
	pathEntries := splitPathList(lookupEnv(env, "PATH"), r.listSeparator())
	wellKnown := r.wellKnownDirs()

	dirs := uniqueStrings(pathEntries, r.searchDirs, extraDirs, wellKnown)
	for _, name := range r.candidateNames(explicit) {
		if path, ok := r.locate(name, dirs); ok {
			r.logger.Info("resolved agent binary", "path", path, "candidate", name)
			merged := uniqueStrings(pathEntries, wellKnown, []string{filepath.Dir(path)})
			return ResolvedBinary{
				Path: path,
				Env:  setEnv(env, "PATH", strings.Join(merged, string(r.listSeparator()))),
			}, nil
		}
	}

	r.logger.Warn("agent binary not found", "hint", r.hint, "explicit", explicit, "dirs", len(dirs))
	return ResolvedBinary{}, fmt.Errorf("resolve agent binary: %w", ErrBinaryNotFound)
}

func (r *Resolver) locate(name string, dirs []string) (string, bool) {
	if r.isAbs(name) {
		return name, r.executable(name)
	}

	if found, err := r.lookPath(name); err == nil {
		found = strings.TrimSpace(found)
		if found != "" && r.executable(found) {
			return found, true
		}
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if r.executable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (r *Resolver) candidateNames(explicit string) []string {
	names := []string{explicit, r.hint, DefaultBinaryName}
	if r.goos == "windows" {
		names = append(names, DefaultBinaryName+".exe")
	}
	return uniqueStrings(names)
}

func (r *Resolver) wellKnownDirs() []string {
	if strings.TrimSpace(r.home) == "" {
		return nil
	}
	return []string{
		filepath.Join(r.home, ".cursor", "bin"),
		filepath.Join(r.home, "Library", "Application Support", "Cursor", "bin"),
		filepath.Join(r.home, "AppData", "Local", "Programs", "cursor", "bin"),
	}
}

func (r *Resolver) listSeparator() rune {
	if r.goos == "windows" {
		return ';'
	}
	return ':'
}

func (r *Resolver) isAbs(name string) bool {
	if filepath.IsAbs(name) {
		return true
	}
	if r.goos == "windows" && len(name) >= 3 && name[1] == ':' && (name[2] == '\\' || name[2] == '/') {
		return true
	}
	return false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

func splitPathList(value string, sep rune) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, string(sep))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func uniqueStrings(groups ...[]string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, group := range groups {
		for _, value := range group {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			out = append(out, value)
		}
	}
	return out
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if value, ok := strings.CutPrefix(env[i], prefix); ok {
			return value
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	return append(out, prefix+value)
}
