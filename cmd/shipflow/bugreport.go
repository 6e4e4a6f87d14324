package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/tracing"
)

const (
	bugreportLogLimit   = 3
	bugreportCmdTimeout = 10 * time.Second
	redactedMarker      = "***REDACTED***"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, dir, name string, args ...string) (tracing.Result, error) {
		return tracing.Run(ctx, name, args, dir)
	}
	bugreportResolveFn = func(ctx context.Context, cfg *config.Config) (harness.ResolvedBinary, error) {
		return harness.NewResolver().Resolve(ctx, cfg.AgentBinary, cfg.SearchDirs...)
	}
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runBugReport(ctx context.Context, cfg *config.Config, out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".shipflow-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "shipflow-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report, err := collectBugreportArtifacts(ctx, cfg, homeDir, cwd, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	RequestID string
	Warnings  []string
}

func (s *bugreportSummary) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func collectBugreportArtifacts(
	ctx context.Context,
	cfg *config.Config,
	homeDir string,
	cwd string,
	stagingDir string,
) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyRecentLogs(homeDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.RequestID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.RequestID == "" {
		summary.warn("no run_id/request_id found in copied logs")
	}

	if err := writeStagedFile(stagingDir, "last-run.txt",
		fmt.Sprintf("run_id: %s\nrequest_id: %s\n", summary.RunID, summary.RequestID)); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "version.txt",
		fmt.Sprintf("shipflow version: %s\n", strings.TrimSpace(summary.Version))); err != nil {
		return bugreportSummary{}, err
	}
	if err := copyRedactedConfig(config.UserPath(homeDir), "config.toml", stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := copyRedactedConfig(config.ProjectPath(cwd), "project-config.toml", stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeGitState(ctx, cwd, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeAgentState(ctx, cfg, cwd, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}

	return summary, nil
}

func copyRecentLogs(homeDir string, stagingDir string, limit int) ([]string, []string) {
	logsDir := filepath.Join(homeDir, ".shipflow", "logs")
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copiedPaths := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the ~/.shipflow/logs listing.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copiedPaths = append(copiedPaths, file.path)
	}
	return copiedPaths, warnings
}

// extractLastCorrelation returns the newest run_id and request_id found in
// logPaths, which are ordered newest first.
func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the ~/.shipflow/logs listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			runID := asString(record["run_id"])
			requestID := asString(record["request_id"])
			if runID == "" && requestID == "" {
				continue
			}
			return runID, requestID
		}
	}
	return "", ""
}

func writeStagedFile(stagingDir, name, content string) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func copyRedactedConfig(source, name, stagingDir string, summary *bugreportSummary) error {
	// #nosec G304 -- config paths are fixed locations under home and cwd.
	configData, err := os.ReadFile(source)
	if err != nil {
		summary.warn("unable to read %s: %v", name, err)
		configData = []byte("# config unavailable\n")
	}
	return writeStagedFile(stagingDir, name, redactSensitiveConfig(string(configData)))
}

// redactSensitiveConfig masks values of credential-looking keys in TOML
// (key = value) and YAML-ish (key: value) lines.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		separator := ":"
		if strings.Contains(line, "=") && (!strings.Contains(line, ":") || strings.Index(line, "=") < strings.Index(line, ":")) {
			separator = "="
		}
		key, _, ok := strings.Cut(line, separator)
		if !ok || !tracing.IsSensitive(key) {
			continue
		}
		lines[i] = key + separator + " " + redactedMarker
	}
	return strings.Join(lines, "\n")
}

func writeGitState(ctx context.Context, cwd, stagingDir string) error {
	content := strings.Join([]string{
		"[HEAD]",
		runCommandForBugreport(ctx, cwd, "git", "rev-parse", "HEAD"),
		"",
		"[BRANCH]",
		runCommandForBugreport(ctx, cwd, "git", "rev-parse", "--abbrev-ref", "HEAD"),
		"",
		"[STATUS]",
		runCommandForBugreport(ctx, cwd, "git", "status", "--short"),
		"",
		"[DIFF]",
		runCommandForBugreport(ctx, cwd, "git", "diff"),
		"",
	}, "\n")
	return writeStagedFile(stagingDir, "git-state.txt", content)
}

// writeAgentState records where the agent binary resolves and what version
// it reports.
func writeAgentState(ctx context.Context, cfg *config.Config, cwd, stagingDir string, summary *bugreportSummary) error {
	if cfg == nil {
		defaults := config.Defaults()
		cfg = &defaults
	}
	var b strings.Builder
	resolved, err := bugreportResolveFn(ctx, cfg)
	if err != nil {
		summary.warn("agent binary not resolved: %v", err)
		fmt.Fprintf(&b, "[RESOLVE]\nerror: %v\n", err)
		return writeStagedFile(stagingDir, "agent.txt", b.String())
	}
	fmt.Fprintf(&b, "[RESOLVE]\npath: %s\nPATH: %s\n\n", resolved.Path, resolved.PathValue())
	fmt.Fprintf(&b, "[VERSION]\n%s\n\n", runCommandForBugreport(ctx, cwd, resolved.Path, "--version"))
	fmt.Fprintf(&b, "[CONFIG]\nmodel: %s\ntimeout: %s\nendpoint: %s\nenabled: %t\n",
		cfg.DefaultModel, cfg.Timeout, cfg.Endpoint, cfg.OverlayEnabled())
	return writeStagedFile(stagingDir, "agent.txt", b.String())
}

func runCommandForBugreport(ctx context.Context, dir, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, bugreportCmdTimeout)
	defer cancel()

	result, err := bugreportRunCmdFn(ctx, dir, name, args...)
	text := strings.TrimSpace(result.Output())
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("Shipflow Overlay Bug Report\n")
	builder.WriteString("===========================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("run_id: %s\n", summary.RunID))
	builder.WriteString(fmt.Sprintf("request_id: %s\n\n", summary.RequestID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString("- logs/ (up to last 3 log files)\n")
	builder.WriteString("- config.toml, project-config.toml (redacted)\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-run.txt\n")
	builder.WriteString("- git-state.txt\n")
	builder.WriteString("- agent.txt\n\n")
	builder.WriteString("Usage:\n")
	builder.WriteString("- Share this archive with maintainers for debugging.\n")
	builder.WriteString("- Use run_id/request_id to correlate server logs with the overlay session.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return writeStagedFile(stagingDir, "README.txt", builder.String())
}

func archiveBugreport(stagingDir, destination string) error {
	// #nosec G304 -- destination is generated in the working directory with a fixed name pattern.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer func() {
		_ = gzipWriter.Close()
	}()

	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		_ = tarWriter.Close()
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
