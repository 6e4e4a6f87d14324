package tracing

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunRecordsSpanAttributesForSuccess(t *testing.T) {
	spanRecorder := installSpanRecorder(t)
	workdir := t.TempDir()

	result, err := Run(context.Background(), "sh", []string{"-c", "echo hello"}, workdir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello" {
		t.Fatalf("stdout = %q, want hello", result.Stdout)
	}
	if result.Stderr != "" {
		t.Fatalf("stderr = %q, want empty", result.Stderr)
	}

	span := findCommandSpan(t, spanRecorder.Ended())
	if span.Status().Code != codes.Ok {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Ok)
	}
	if got := getStringAttr(span.Attributes(), "command"); got != "sh" {
		t.Fatalf("command = %q, want sh", got)
	}
	if got := getStringAttr(span.Attributes(), "operation"); got != "-c" {
		t.Fatalf("operation = %q, want -c", got)
	}
	if got := getStringAttr(span.Attributes(), "cwd"); got != workdir {
		t.Fatalf("cwd = %q, want %q", got, workdir)
	}
	if got := getIntAttr(span.Attributes(), "duration_ms"); got < 0 {
		t.Fatalf("duration_ms = %d, want >= 0", got)
	}
}

func TestRunFailureAddsBoundedOutputEvents(t *testing.T) {
	spanRecorder := installSpanRecorder(t)

	result, err := Run(
		context.Background(),
		"sh",
		[]string{"-c", "head -c 1600 /dev/zero | tr '\\000' 'a'; head -c 1600 /dev/zero | tr '\\000' 'b' 1>&2; exit 3"},
		t.TempDir(),
	)
	if err == nil {
		t.Fatal("expected command failure, got nil")
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.HasPrefix(err.Error(), "run sh -c") {
		t.Fatalf("error = %q, want command preview prefix", err.Error())
	}

	span := findCommandSpan(t, spanRecorder.Ended())
	if span.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Error)
	}
	for _, name := range []string{"command.stdout", "command.stderr"} {
		value := getStringAttr(findEvent(t, span.Events(), name).Attributes, "output")
		if len(value) > maxOutputEventBytes {
			t.Fatalf("%s length = %d, want <= %d", name, len(value), maxOutputEventBytes)
		}
		if !strings.Contains(value, "[truncated]") {
			t.Fatalf("%s missing truncation marker", name)
		}
	}
}

func TestRunTimeoutReportsMinusOne(t *testing.T) {
	spanRecorder := installSpanRecorder(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := Run(ctx, "sh", []string{"-c", "sleep 1"}, t.TempDir())
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if result.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", result.ExitCode)
	}
	if span := findCommandSpan(t, spanRecorder.Ended()); span.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Error)
	}
}

func TestRunRedactsSensitiveArgumentsInSpan(t *testing.T) {
	spanRecorder := installSpanRecorder(t)

	if _, err := Run(context.Background(), "sh", []string{"-c", "true", "--api-key", "sk-123"}, t.TempDir()); err != nil {
		t.Fatalf("run: %v", err)
	}

	span := findCommandSpan(t, spanRecorder.Ended())
	args := getStringAttr(span.Attributes(), "args_redacted")
	if strings.Contains(args, "sk-123") {
		t.Fatalf("args leaked secret: %q", args)
	}
	if !strings.Contains(args, "--api-key <redacted>") {
		t.Fatalf("args = %q, want masked api key", args)
	}
}

func TestRunRejectsEmptyName(t *testing.T) {
	if _, err := Run(context.Background(), " ", nil, ""); err == nil {
		t.Fatal("expected error for empty command name")
	}
}

func TestRedactArgs(t *testing.T) {
	input := []string{
		"--print",
		"--token",
		"abc123",
		"--password=supersecret",
		"--model=composer-1",
		"fix the auth button",
	}
	want := []string{
		"--print",
		"--token",
		"<redacted>",
		"--password=<redacted>",
		"--model=composer-1",
		"fix the auth button",
	}
	if got := RedactArgs(input); !reflect.DeepEqual(got, want) {
		t.Fatalf("RedactArgs(%v) = %v, want %v", input, got, want)
	}
}

func TestResultOutput(t *testing.T) {
	tests := []struct {
		result Result
		want   string
	}{
		{result: Result{Stdout: "out"}, want: "out"},
		{result: Result{Stderr: "err"}, want: "err"},
		{result: Result{Stdout: "out", Stderr: "err"}, want: "out\nerr"},
	}
	for _, tc := range tests {
		if got := tc.result.Output(); got != tc.want {
			t.Fatalf("Output() = %q, want %q", got, tc.want)
		}
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return spanRecorder
}

func findCommandSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "command.run" {
			return span
		}
	}
	t.Fatalf("command.run span not found in %d spans", len(spans))
	return nil
}

func getStringAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttr(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}

func findEvent(t *testing.T, events []sdktrace.Event, name string) sdktrace.Event {
	t.Helper()
	for _, event := range events {
		if event.Name == name {
			return event
		}
	}
	t.Fatalf("event %q not found in %d events", name, len(events))
	return sdktrace.Event{}
}
