// Package undo keeps in-memory file snapshots taken before an agent run so a
// later follow-up call can revert the run's edits.
package undo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shipflow/overlay/internal/telemetry/invariants"
)

// DefaultCapacity bounds how many sessions are retained; the oldest is evicted first.
const DefaultCapacity = 20

// ErrUnknownSession is returned when restoring an id that was never captured,
// was already restored, or has been evicted.
var ErrUnknownSession = errors.New("unknown undo session")

type fileSnapshot struct {
	Path    string
	Rel     string
	Existed bool
	Content []byte
	Mode    os.FileMode
}

// Result lists the root-relative paths touched by a restore.
type Result struct {
	Restored []string
	Removed  []string
}

// Count returns how many files were reverted.
func (r Result) Count() int {
	return len(r.Restored) + len(r.Removed)
}

// Option configures Store construction.
type Option func(*Store)

// WithCapacity overrides the retained session count.
func WithCapacity(capacity int) Option {
	return func(s *Store) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(next func() string) Option {
	return func(s *Store) {
		if next != nil {
			s.newID = next
		}
	}
}

// Store holds snapshots keyed by session id.
type Store struct {
	root     string
	capacity int
	newID    func() string

	mu      sync.Mutex
	order   []string
	entries map[string][]fileSnapshot
}

// NewStore creates a store whose paths resolve against root.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{
		root:     filepath.Clean(strings.TrimSpace(root)),
		capacity: DefaultCapacity,
		newID:    uuid.NewString,
		entries:  map[string][]fileSnapshot{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Capture snapshots paths and returns the new session id. Paths outside the
// root and directories are skipped; a missing file is recorded so restore
// removes it if the run creates it.
func (s *Store) Capture(ctx context.Context, paths ...string) (string, error) {
	if s == nil {
		return "", errors.New("undo store is nil")
	}
	snapshots := make([]fileSnapshot, 0, len(paths))
	seen := map[string]struct{}{}
	var outside []string
	for _, raw := range paths {
		resolved, rel, ok := s.resolve(raw)
		if !ok {
			if strings.TrimSpace(raw) != "" {
				outside = append(outside, strings.TrimSpace(raw))
			}
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		snapshot, ok, err := takeSnapshot(resolved, rel)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		seen[resolved] = struct{}{}
		snapshots = append(snapshots, snapshot)
	}
	invariants.CheckEditsWithinProjectRoot(ctx, "undo.Store.Capture", s.root, outside)

	id := s.newID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = snapshots
	s.order = append(s.order, id)
	for len(s.order) > s.capacity {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, evicted)
	}
	return id, nil
}

// Restore reverts every file captured under id. A failed restore keeps the
// entry so the call can be retried.
func (s *Store) Restore(id string) (Result, error) {
	if s == nil {
		return Result{}, errors.New("undo store is nil")
	}
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshots, ok := s.entries[id]
	if !ok {
		return Result{}, fmt.Errorf("restore %q: %w", id, ErrUnknownSession)
	}

	result := Result{Restored: []string{}, Removed: []string{}}
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if snap.Existed {
			mode := snap.Mode
			if mode == 0 {
				mode = 0o644
			}
			if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
				return Result{}, fmt.Errorf("undo mkdir %s: %w", filepath.Dir(snap.Path), err)
			}
			if err := os.WriteFile(snap.Path, snap.Content, mode); err != nil {
				return Result{}, fmt.Errorf("undo restore %s: %w", snap.Path, err)
			}
			result.Restored = append(result.Restored, snap.Rel)
			continue
		}
		info, err := os.Stat(snap.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Result{}, fmt.Errorf("undo stat %s: %w", snap.Path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := os.Remove(snap.Path); err != nil {
			return Result{}, fmt.Errorf("undo remove %s: %w", snap.Path, err)
		}
		result.Removed = append(result.Removed, snap.Rel)
	}

	delete(s.entries, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return result, nil
}

// Len returns the number of retained sessions.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) resolve(target string) (string, string, bool) {
	path := strings.TrimSpace(target)
	if s.root == "" || s.root == "." || path == "" {
		return "", "", false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", "", false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", "", false
	}
	return abs, filepath.ToSlash(rel), true
}

func takeSnapshot(path, rel string) (fileSnapshot, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileSnapshot{Path: path, Rel: rel}, true, nil
		}
		return fileSnapshot{}, false, fmt.Errorf("undo stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fileSnapshot{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileSnapshot{}, false, fmt.Errorf("undo read %s: %w", path, err)
	}
	return fileSnapshot{
		Path:    path,
		Rel:     rel,
		Existed: true,
		Content: data,
		Mode:    info.Mode().Perm(),
	}, true, nil
}
