// Package server exposes the process streaming bridge over HTTP: one edit
// endpoint that streams NDJSON events and one undo endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/prompt"
	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/stream"
	"github.com/shipflow/overlay/internal/undo"
)

// StatusUnderstanding is the first event of every accepted edit stream.
const StatusUnderstanding = "Understanding user intent"

// ErrInvalidPayload marks requests rejected with 400.
var ErrInvalidPayload = protocol.ErrInvalidPayload

// Resolver locates the agent binary.
type Resolver interface {
	Resolve(ctx context.Context, explicit string, extraDirs ...string) (harness.ResolvedBinary, error)
}

// Snapshots backs the undo endpoint.
type Snapshots interface {
	Capture(ctx context.Context, paths ...string) (string, error)
	Restore(id string) (undo.Result, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger routes request logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProjectRoot sets the directory file paths are resolved against and the
// agent runs in.
func WithProjectRoot(root string) Option {
	return func(s *Server) {
		if trimmed := strings.TrimSpace(root); trimmed != "" {
			s.root = trimmed
		}
	}
}

// WithSnapshots enables undo with snapshots.
func WithSnapshots(snapshots Snapshots) Option {
	return func(s *Server) {
		s.snapshots = snapshots
	}
}

// WithRequestIDGenerator overrides request id generation.
func WithRequestIDGenerator(next func() string) Option {
	return func(s *Server) {
		if next != nil {
			s.newRequestID = next
		}
	}
}

// Server handles edit and undo requests.
type Server struct {
	cfg          atomic.Pointer[config.Config]
	resolver     Resolver
	bridge       harness.Bridge
	snapshots    Snapshots
	root         string
	logger       *log.Logger
	newRequestID func() string
}

// New builds a server. cfg may be swapped later with SetConfig.
func New(cfg *config.Config, resolver Resolver, bridge harness.Bridge, opts ...Option) *Server {
	s := &Server{
		resolver:     resolver,
		bridge:       bridge,
		logger:       log.Default(),
		newRequestID: uuid.NewString,
	}
	if wd, err := os.Getwd(); err == nil {
		s.root = wd
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.SetConfig(cfg)
	return s
}

// SetConfig replaces the configuration used by later requests.
func (s *Server) SetConfig(cfg *config.Config) {
	if cfg == nil {
		defaults := config.Defaults()
		cfg = &defaults
	}
	s.cfg.Store(cfg)
}

// Config returns the configuration in effect.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// Handler returns the routed handler. Route paths come from the config
// current at call time.
func (s *Server) Handler() http.Handler {
	editPath := strings.TrimSpace(s.Config().Endpoint)
	if editPath == "" {
		editPath = protocol.DefaultEditPath
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+editPath, s.handleEdit)
	mux.HandleFunc("POST "+protocol.UndoEndpoint(editPath), s.handleUndo)
	return mux
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	requestID := s.newRequestID()
	logger := s.logger.With("request_id", requestID, "component", "server")

	if !cfg.OverlayEnabled() {
		writeJSON(w, http.StatusForbidden, protocol.ErrorResponse{Error: protocol.MessageDevelopmentOnly})
		return
	}

	req, err := protocol.DecodeEditRequest(r.Body)
	if err != nil {
		logger.Warn("rejecting edit request", "err", err)
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: protocol.UserMessage(err)})
		return
	}
	model, err := cfg.ResolveModel(req.Model)
	if err != nil {
		logger.Warn("rejecting edit request", "err", err)
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: fmt.Sprintf("Unsupported model %q.", req.Model)})
		return
	}
	filePath, htmlFrame, stackTrace := req.Fields()
	target := prompt.TargetFile(filePath, stackTrace, s.root)
	if target == "" {
		logger.Warn("rejecting edit request", "err", protocol.Invalid(protocol.MessageUnderivablePath))
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: protocol.MessageUnderivablePath})
		return
	}

	binary, err := s.resolver.Resolve(r.Context(), cfg.AgentBinary, cfg.SearchDirs...)
	if err != nil {
		logger.Error("agent binary unavailable", "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", stream.CacheControl)
	w.WriteHeader(http.StatusOK)

	out := stream.NewWriter(w)
	defer out.Close()
	out.Send(stream.Status(StatusUnderstanding))

	if s.snapshots != nil {
		sessionID, err := s.snapshots.Capture(r.Context(), target)
		if err != nil {
			logger.Warn("snapshot before edit failed", "file", target, "err", err)
		} else {
			out.Send(stream.Session(sessionID))
		}
	}

	logger.Info("starting edit", "file", target, "model", model, "instruction_chars", len(req.Instruction))
	result := s.bridge.Run(r.Context(), harness.RunRequest{
		Binary:  binary,
		Model:   model,
		Prompt:  prompt.Build(target, htmlFrame, stackTrace, req.Instruction),
		Timeout: cfg.Timeout,
		Dir:     s.root,
	}, func(event stream.Event) {
		out.Send(event)
	})
	logger.Info("edit finished", "outcome", result.Outcome, "duration", result.Duration, "events", out.Sent())
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With("component", "server")
	if !s.Config().OverlayEnabled() {
		writeJSON(w, http.StatusForbidden, protocol.UndoResponse{Error: protocol.MessageDevelopmentOnly})
		return
	}
	if s.snapshots == nil {
		writeJSON(w, http.StatusNotFound, protocol.UndoResponse{Error: protocol.MessageUnknownUndoSession})
		return
	}

	req, err := protocol.DecodeUndoRequest(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.UndoResponse{Error: protocol.UserMessage(err)})
		return
	}

	result, err := s.snapshots.Restore(req.SessionID)
	if err != nil {
		if errors.Is(err, undo.ErrUnknownSession) {
			writeJSON(w, http.StatusNotFound, protocol.UndoResponse{Error: protocol.MessageUnknownUndoSession})
			return
		}
		logger.Error("undo failed", "session_id", req.SessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.UndoResponse{Error: err.Error()})
		return
	}

	logger.Info("undo applied", "session_id", req.SessionID, "restored", len(result.Restored), "removed", len(result.Removed))
	writeJSON(w, http.StatusOK, protocol.UndoResponse{
		Success:  true,
		Message:  fmt.Sprintf("Reverted %d file(s).", result.Count()),
		Restored: result.Restored,
		Removed:  result.Removed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
