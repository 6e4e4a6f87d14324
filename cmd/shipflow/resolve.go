package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/harness"
)

func newResolveCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		binary     string
		searchDirs []string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Locate the cursor-agent executable the server would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			explicit := strings.TrimSpace(binary)
			if explicit == "" {
				explicit = cfg.AgentBinary
			}
			dirs := append(append([]string(nil), cfg.SearchDirs...), searchDirs...)

			resolver := harness.NewResolver(harness.WithResolverLogger(logger))
			resolved, err := resolver.Resolve(cmd.Context(), explicit, dirs...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "path: %s\n", resolved.Path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "PATH: %s\n", resolved.PathValue())
			return err
		},
	}
	cmd.Flags().StringVar(&binary, "bin", "", "explicit binary name or path (defaults to CURSOR_AGENT_BIN / agent_binary)")
	cmd.Flags().StringSliceVar(&searchDirs, "search-dir", nil, "extra directory to search (repeatable)")
	return cmd
}
