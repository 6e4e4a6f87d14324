package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/doctor"
	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/tui/theme"
)

var (
	doctorGetwdFn    = os.Getwd
	doctorResolverFn = func(logger *log.Logger) doctor.Resolver {
		return harness.NewResolver(harness.WithResolverLogger(logger))
	}
	doctorRunnerFn doctor.CommandRunner
)

var errUnhealthy = errors.New("environment is not ready to serve edits")

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this machine and project can serve edit requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root == "" {
				wd, err := doctorGetwdFn()
				if err != nil {
					return fmt.Errorf("resolve project root: %w", err)
				}
				root = wd
			}
			return runDoctor(cmd.Context(), cfg, logger, root, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "project root to inspect (defaults to cwd)")
	return cmd
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *log.Logger, root string, out io.Writer) error {
	manager, err := doctor.NewManager(cfg, doctorResolverFn(logger), doctor.Config{ProjectRoot: root},
		doctor.WithLogger(logger),
		doctor.WithCommandRunner(doctorRunnerFn),
	)
	if err != nil {
		return err
	}
	report, err := manager.RunOnce(ctx)
	if err != nil {
		return err
	}
	if err := printHealthReport(out, report); err != nil {
		return err
	}
	if !report.Healthy() {
		return errUnhealthy
	}
	return nil
}

func printHealthReport(out io.Writer, report doctor.HealthReport) error {
	for _, check := range report.Checks {
		icon := theme.SuccessStyle.Render(theme.IconDone)
		switch check.Status {
		case doctor.StatusWarn:
			icon = theme.TitleStyle.Render(theme.IconAlert)
		case doctor.StatusFail:
			icon = theme.ErrorStyle.Render(theme.IconFailed)
		}
		if _, err := fmt.Fprintf(out, "%s %-14s %s\n", icon, check.Name, check.Detail); err != nil {
			return err
		}
	}
	return nil
}
