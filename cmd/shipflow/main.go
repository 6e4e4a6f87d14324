package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/logging"
	"github.com/shipflow/overlay/internal/telemetry"
	"github.com/shipflow/overlay/internal/tracing"
)

// Version is set at build time.
var Version = "dev"

const (
	flagLogStderr = "log-stderr"
	flagDebug     = "debug"
)

// globalFlags are the persistent flags needed before the command tree exists.
type globalFlags struct {
	logStderr bool
	debug     bool
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	globals := parseGlobalFlags(args)
	logOptions := []logging.Option{}
	if globals.logStderr {
		logOptions = append(logOptions, logging.WithWriter(os.Stderr))
	}
	if globals.debug {
		logOptions = append(logOptions, logging.WithLevel(log.DebugLevel))
	}
	logger, err := logging.New(ctx, logOptions...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx,
		telemetry.WithEndpoint(cfg.OTelEndpoint),
		telemetry.WithCertificate(cfg.OTelCertificate),
		telemetry.WithEnvironment(cfg.Environment),
		telemetry.WithServiceVersion(Version),
		telemetry.WithLogger(logger.Logger),
	)
	if err != nil {
		logger.Logger.Warn("telemetry disabled", "err", err)
	} else {
		defer shutdownTelemetry()
	}

	logger.Logger.With(
		"command", resolveCommandName(args),
		"args", strings.Join(tracing.RedactArgs(args), " "),
	).Debug("invocation")

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "shipflow",
		Short:         "Point at a UI element, describe a change, let the agent edit the code",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().Bool(flagLogStderr, false, "write structured logs to stderr instead of ~/.shipflow/logs")
	root.PersistentFlags().Bool(flagDebug, false, "enable debug logging")
	root.AddCommand(
		newServeCommand(cfg, logger),
		newResolveCommand(cfg, logger),
		newPromptCommand(),
		newEditCommand(cfg, logger),
		newVersionCommand(),
		newBugreportCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shipflow version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "shipflow %s\n", Version)
			return err
		},
	}
}

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "root"
}

// parseGlobalFlags reads the logging flags from anywhere in args, ignoring
// everything the subcommands define. Malformed values leave the default.
func parseGlobalFlags(args []string) globalFlags {
	var globals globalFlags
	fs := pflag.NewFlagSet("shipflow", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.BoolVar(&globals.logStderr, flagLogStderr, false, "")
	fs.BoolVar(&globals.debug, flagDebug, false, "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(args); err != nil {
		return globalFlags{}
	}
	return globals
}
