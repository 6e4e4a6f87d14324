package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// AgentRunRequest defines telemetry metadata for one external agent run.
type AgentRunRequest struct {
	RunID   string
	Model   string
	Binary  string
	Prompt  string
	Timeout time.Duration
}

// AgentRun tracks one bridge.run span lifecycle.
type AgentRun struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu             sync.Mutex
	statusCount    int
	assistantRunes int
	ended          bool
}

type agentRunContextKey struct{}

// StartAgentRun starts a bridge.run span and returns a context carrying the tracker.
func StartAgentRun(ctx context.Context, req AgentRunRequest) (context.Context, *AgentRun) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := EstimateTokenCount(req.Prompt)
	attrs := []attribute.KeyValue{
		attribute.String("model", normalizeOrUnknown(req.Model)),
		attribute.String("binary", normalizeOrUnknown(req.Binary)),
		attribute.Int64("timeout_ms", req.Timeout.Milliseconds()),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}
	if runID := strings.TrimSpace(req.RunID); runID != "" {
		attrs = append(attrs, attribute.String("run_id", runID))
	}

	spanCtx, span := otel.Tracer("shipflow/bridge").Start(
		ctx,
		"bridge.run",
		trace.WithAttributes(attrs...),
	)

	run := &AgentRun{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
	return context.WithValue(spanCtx, agentRunContextKey{}, run), run
}

// AgentRunFromContext returns the agent run tracker if one exists on the context.
func AgentRunFromContext(ctx context.Context) *AgentRun {
	if ctx == nil {
		return nil
	}
	run, ok := ctx.Value(agentRunContextKey{}).(*AgentRun)
	if !ok {
		return nil
	}
	return run
}

// RecordStatus adds a forwarded status line to the active span.
func (a *AgentRun) RecordStatus(message string) {
	if a == nil || a.span == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return
	}
	a.statusCount++
	a.span.AddEvent("agent.status", trace.WithAttributes(
		attribute.String("message", redactSecrets(message)),
	))
}

// RecordAssistant accumulates the size of streamed assistant text.
func (a *AgentRun) RecordAssistant(text string) {
	if a == nil || a.span == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return
	}
	a.assistantRunes += utf8.RuneCountInString(text)
}

// RecordError adds a redacted agent error event to the active span.
func (a *AgentRun) RecordError(errorType string, errorMessage string) {
	if a == nil || a.span == nil {
		return
	}
	a.span.AddEvent(
		"agent.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", redactSecrets(errorMessage)),
		),
	)
}

// End finalizes the bridge.run span with outcome, exit code, and volume counters.
func (a *AgentRun) End(outcome string, exitCode *int, err error) {
	if a == nil || a.span == nil {
		return
	}

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	statuses := a.statusCount
	assistantRunes := a.assistantRunes
	a.mu.Unlock()

	durationMS := time.Since(a.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", normalizeOrUnknown(outcome)),
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("status_count", statuses),
		attribute.Int("assistant_chars", assistantRunes),
	}
	if exitCode != nil {
		attrs = append(attrs, attribute.Int("exit_code", *exitCode))
	}
	a.span.SetAttributes(attrs...)

	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		a.span.SetStatus(codes.Ok, "agent run completed")
	}
	a.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
