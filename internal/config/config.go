package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultModel          = "composer-1"
	defaultTimeout        = 4 * time.Minute
	defaultListenAddr     = "127.0.0.1:3210"
	defaultEndpoint       = "/api/shipflow/overlay"
	defaultMinStatusLen   = 30
	defaultLogMaxSizeByte = 10 * 1024 * 1024
	defaultLogMaxFiles    = 5
)

const (
	// EnvAgentBinary overrides the agent executable.
	EnvAgentBinary = "CURSOR_AGENT_BIN"
	// EnvAgentTimeoutMS overrides the run timeout in milliseconds.
	EnvAgentTimeoutMS = "SHIPFLOW_OVERLAY_AGENT_TIMEOUT_MS"
	// EnvOverlayEnabled force-enables the edit endpoint outside development.
	EnvOverlayEnabled = "SHIPFLOW_OVERLAY_ENABLED"
	// EnvEnvironment names the runtime environment; "development" enables the endpoint.
	EnvEnvironment = "SHIPFLOW_ENV"
	// EnvOTelEndpoint overrides the OTLP HTTP trace collector URL.
	EnvOTelEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	// EnvOTelCertificate points at a PEM bundle trusted for the collector.
	EnvOTelCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
)

// ErrUnsupportedModel is returned for a model outside the configured options.
var ErrUnsupportedModel = errors.New("unsupported model")

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	AgentBinary     string
	SearchDirs      []string
	DefaultModel    string
	Timeout         time.Duration
	Models          []ModelOption
	StatusSequence  []string
	ListenAddr      string
	Endpoint        string
	Enabled         bool
	Environment     string
	StatusFilter    StatusFilterConfig
	LogMaxSizeBytes int64
	LogMaxFiles     int
	OTelEndpoint    string
	OTelCertificate string
	Sources         []string
}

// ModelOption is one selectable agent model.
type ModelOption struct {
	Value string `toml:"value"`
	Label string `toml:"label"`
}

// StatusFilterConfig controls which agent status lines are forwarded.
type StatusFilterConfig struct {
	MinLength int
	Allow     []string
	Deny      []string
	Disabled  bool
}

type fileConfig struct {
	AgentBinary    *string            `toml:"agent_binary"`
	SearchDirs     []string           `toml:"search_dirs"`
	DefaultModel   *string            `toml:"default_model"`
	Timeout        *string            `toml:"timeout"`
	Models         []ModelOption      `toml:"models"`
	StatusSequence []string           `toml:"status_sequence"`
	ListenAddr     *string            `toml:"listen_addr"`
	Endpoint       *string            `toml:"endpoint"`
	Enabled        *bool              `toml:"enabled"`
	StatusFilter   *statusFilterTable `toml:"status_filter"`
	LogMaxSizeMB   *int               `toml:"log_max_size_mb"`
	LogMaxFiles    *int               `toml:"log_max_files"`
	OTelEndpoint   *string            `toml:"otel_endpoint"`
	OTelCert       *string            `toml:"otel_certificate"`
}

type statusFilterTable struct {
	MinLength *int     `toml:"min_length"`
	Allow     []string `toml:"allow"`
	Deny      []string `toml:"deny"`
	Disabled  *bool    `toml:"disabled"`
}

// Load reads ~/.shipflow/config.toml, overlays a project-local
// .shipflow/config.toml, then applies environment overrides.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFiles(os.Getenv, UserPath(homeDir), ProjectPath(workingDir))
}

// UserPath returns the per-user config file location.
func UserPath(homeDir string) string {
	return filepath.Join(homeDir, ".shipflow", "config.toml")
}

// ProjectPath returns the project-local config file location.
func ProjectPath(workingDir string) string {
	return filepath.Join(workingDir, ".shipflow", "config.toml")
}

// LoadFiles overlays the given files in order onto the defaults and applies
// environment overrides read through getenv. Missing files are skipped.
func LoadFiles(getenv func(string) string, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if err := applyEnvOverrides(&cfg, getenv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DefaultModel: defaultModel,
		Timeout:      defaultTimeout,
		Models: []ModelOption{
			{Value: "composer-1", Label: "Composer 1"},
			{Value: "gpt-5", Label: "GPT-5"},
			{Value: "sonnet-4.5", Label: "Sonnet 4.5"},
			{Value: "gemini-3", Label: "Gemini 3"},
		},
		StatusSequence: []string{"Thinking", "Planning next moves", "Updating UI"},
		ListenAddr:     defaultListenAddr,
		Endpoint:       defaultEndpoint,
		StatusFilter: StatusFilterConfig{
			MinLength: defaultMinStatusLen,
			Allow: []string{
				"Initializing agent",
				"Agent ready.",
				"Thinking",
				"Building changes",
				"Analyzing project",
				"Build step complete.",
			},
			Deny: []string{"User event"},
		},
		LogMaxSizeBytes: defaultLogMaxSizeByte,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

// OverlayEnabled reports whether edit requests may be served.
func (c *Config) OverlayEnabled() bool {
	if c == nil {
		return false
	}
	return c.Enabled || strings.EqualFold(strings.TrimSpace(c.Environment), "development")
}

// ResolveModel returns requested when it is a configured option, the default
// model when requested is empty, and ErrUnsupportedModel otherwise.
func (c *Config) ResolveModel(requested string) (string, error) {
	if c == nil {
		return "", errors.New("config must not be nil")
	}
	model := strings.TrimSpace(requested)
	if model == "" {
		model = strings.TrimSpace(c.DefaultModel)
	}
	if model == "" {
		model = defaultModel
	}
	if len(c.Models) == 0 {
		return model, nil
	}
	for _, option := range c.Models {
		if option.Value == model {
			return model, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedModel, model)
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyListOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyStatusFilterOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	cfg.Sources = append(cfg.Sources, path)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.AgentBinary != nil {
		cfg.AgentBinary = strings.TrimSpace(*decoded.AgentBinary)
	}
	if decoded.DefaultModel != nil {
		cfg.DefaultModel = strings.TrimSpace(*decoded.DefaultModel)
	}
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.Endpoint != nil {
		cfg.Endpoint = strings.TrimSpace(*decoded.Endpoint)
	}
	if decoded.Enabled != nil {
		cfg.Enabled = *decoded.Enabled
	}
	if decoded.OTelEndpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTelEndpoint)
	}
	if decoded.OTelCert != nil {
		cfg.OTelCertificate = strings.TrimSpace(*decoded.OTelCert)
	}
}

func applyListOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.SearchDirs != nil {
		cfg.SearchDirs = normalizeList(decoded.SearchDirs)
	}
	if decoded.StatusSequence != nil {
		sequence := normalizeList(decoded.StatusSequence)
		if len(sequence) == 0 {
			return fmt.Errorf("parse status_sequence in %q: must not be empty", path)
		}
		cfg.StatusSequence = sequence
	}
	if decoded.Models != nil {
		models := make([]ModelOption, 0, len(decoded.Models))
		for i, option := range decoded.Models {
			value := strings.TrimSpace(option.Value)
			if value == "" {
				return fmt.Errorf("parse models[%d].value in %q: must not be empty", i, path)
			}
			label := strings.TrimSpace(option.Label)
			if label == "" {
				label = value
			}
			models = append(models, ModelOption{Value: value, Label: label})
		}
		if len(models) == 0 {
			return fmt.Errorf("parse models in %q: must not be empty", path)
		}
		cfg.Models = models
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Timeout != nil {
		value, err := parseDuration(*decoded.Timeout, "timeout", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse timeout in %q: must be > 0", path)
		}
		cfg.Timeout = value
	}
	return nil
}

func applyStatusFilterOverrides(cfg *Config, decoded fileConfig, path string) error {
	table := decoded.StatusFilter
	if table == nil {
		return nil
	}
	if table.MinLength != nil {
		if *table.MinLength < 0 {
			return fmt.Errorf("parse status_filter.min_length in %q: must be >= 0", path)
		}
		cfg.StatusFilter.MinLength = *table.MinLength
	}
	if table.Allow != nil {
		cfg.StatusFilter.Allow = normalizeList(table.Allow)
	}
	if table.Deny != nil {
		cfg.StatusFilter.Deny = normalizeList(table.Deny)
	}
	if table.Disabled != nil {
		cfg.StatusFilter.Disabled = *table.Disabled
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	if value := strings.TrimSpace(getenv(EnvAgentBinary)); value != "" {
		cfg.AgentBinary = value
	}
	if value := strings.TrimSpace(getenv(EnvAgentTimeoutMS)); value != "" {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("parse %s=%q: must be a positive integer", EnvAgentTimeoutMS, value)
		}
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	if value := strings.TrimSpace(getenv(EnvOverlayEnabled)); value != "" {
		cfg.Enabled = truthy(value)
	}
	if value := strings.TrimSpace(getenv(EnvEnvironment)); value != "" {
		cfg.Environment = value
	}
	if value := strings.TrimSpace(getenv(EnvOTelEndpoint)); value != "" {
		cfg.OTelEndpoint = value
	}
	if value := strings.TrimSpace(getenv(EnvOTelCertificate)); value != "" {
		cfg.OTelCertificate = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
