// Package tracing runs short diagnostic commands under a span and keeps
// secrets out of everything it records.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

const redactedValue = "<redacted>"

var sensitiveSubstrings = []string{
	"token",
	"password",
	"passwd",
	"secret",
	"api-key",
	"api_key",
	"apikey",
	"auth",
	"bearer",
}

// Result is the captured outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output joins stdout and stderr the way a terminal would show them.
func (r Result) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Run executes name with args in dir inside a command.run span. Arguments
// are redacted before they reach the span; output is attached as bounded
// span events. A canceled or expired ctx reports exit code -1.
func Run(ctx context.Context, name string, args []string, dir string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, errors.New("command name must not be empty")
	}

	redacted := RedactArgs(args)
	operation := ""
	if len(args) > 0 {
		operation = strings.TrimSpace(args[0])
	}
	ctx, span := otel.Tracer("shipflow/tracing").Start(
		ctx,
		"command.run",
		trace.WithAttributes(
			attribute.String("command", name),
			attribute.String("operation", operation),
			attribute.String("args_redacted", strings.Join(redacted, " ")),
			attribute.String("cwd", strings.TrimSpace(dir)),
		),
	)
	defer span.End()

	started := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = strings.TrimSpace(dir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := Result{
		ExitCode: exitCodeOf(ctx, cmd, runErr),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(started),
	}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	if result.Stdout != "" {
		span.AddEvent("command.stdout", trace.WithAttributes(
			attribute.String("output", truncate(result.Stdout, maxOutputEventBytes)),
		))
	}
	if result.Stderr != "" {
		span.AddEvent("command.stderr", trace.WithAttributes(
			attribute.String("output", truncate(result.Stderr, maxOutputEventBytes)),
		))
	}

	if runErr != nil {
		err := fmt.Errorf("run %s: %w", FormatCommand(name, redacted), runErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

// RedactArgs masks values of sensitive flags, both "--token x" and
// "--token=x" forms.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false
	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, redactedValue)
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && IsSensitive(key) {
			redacted = append(redacted, key+"="+redactedValue)
			continue
		}
		if strings.HasPrefix(trimmed, "-") && IsSensitive(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

// IsSensitive reports whether a flag or key name looks like it carries a
// credential.
func IsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(lower, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a single-line command preview for logs and spans.
func FormatCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{name}, args...) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

func exitCodeOf(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if ctx.Err() != nil {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
