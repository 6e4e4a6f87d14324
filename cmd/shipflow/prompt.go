package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shipflow/overlay/internal/prompt"
	"github.com/shipflow/overlay/internal/protocol"
)

func newPromptCommand() *cobra.Command {
	var file, html, stack, instruction string
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the prompt the server would send for an edit request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(instruction) == "" {
				return errors.New(protocol.MessageInstruction)
			}
			root, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve project root: %w", err)
			}
			target := prompt.TargetFile(file, stack, root)
			if target == "" {
				return errors.New(protocol.MessageUnderivablePath)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), prompt.Build(target, html, stack, strings.TrimSpace(instruction)))
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "target file path")
	cmd.Flags().StringVar(&html, "html", "", "HTML frame of the selected element")
	cmd.Flags().StringVar(&stack, "stack", "", "component stack trace")
	cmd.Flags().StringVar(&instruction, "instruction", "", "requested change")
	return cmd
}
