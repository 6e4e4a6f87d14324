package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shipflow/overlay/internal/client"
	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/dom"
	"github.com/shipflow/overlay/internal/events"
	"github.com/shipflow/overlay/internal/geom"
	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/selection"
	"github.com/shipflow/overlay/internal/session"
	"github.com/shipflow/overlay/internal/tui"
	"github.com/shipflow/overlay/internal/tui/components"
)

// The terminal client lays the selected element out on a desktop-sized
// page so placement and binding behave as they would in a browser.
var (
	editViewport    = geom.Size{Width: 1280, Height: 800}
	editPopoverSize = geom.Size{Width: 360, Height: 220}
)

// drainIdle is how long followPlain waits for trailing bus deliveries.
const drainIdle = 50 * time.Millisecond

var errNotSelection = errors.New("payload is not a <selected_element> selection")

type editOptions struct {
	payload     string
	instruction string
	endpoint    string
	model       string
	root        string
	pointer     geom.Point
	element     geom.Size
	plain       bool
	exit        bool
}

func newEditCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := editOptions{}
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Submit a copied element selection and follow the agent's progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.endpoint == "" {
				opts.endpoint = defaultEditEndpoint(cfg)
			}
			if opts.root == "" {
				root, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve project root: %w", err)
				}
				opts.root = root
			}
			final, err := runEdit(cmd.Context(), cfg, logger, opts, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if final.Status == session.StatusError {
				return errors.New(final.Error)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.payload, "payload", "-", "file holding the copied selection, or - for stdin")
	flags.StringVar(&opts.instruction, "instruction", "", "requested change")
	flags.StringVar(&opts.endpoint, "endpoint", "", "edit endpoint URL (defaults to the configured listen address)")
	flags.StringVar(&opts.model, "model", "", "agent model")
	flags.StringVar(&opts.root, "root", "", "project root used to derive the file path (defaults to cwd)")
	flags.Float64Var(&opts.pointer.X, "x", editViewport.Width/2, "pointer x where the element was selected")
	flags.Float64Var(&opts.pointer.Y, "y", editViewport.Height/2, "pointer y where the element was selected")
	flags.Float64Var(&opts.element.Width, "width", 200, "selected element width")
	flags.Float64Var(&opts.element.Height, "height", 40, "selected element height")
	flags.BoolVar(&opts.plain, "plain", false, "print progress lines instead of the interactive view")
	flags.BoolVar(&opts.exit, "exit", false, "leave the interactive view as soon as the run settles")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

func defaultEditEndpoint(cfg *config.Config) string {
	path := cfg.Endpoint
	if path == "" {
		path = protocol.DefaultEditPath
	}
	return "http://" + cfg.ListenAddr + path
}

func runEdit(ctx context.Context, cfg *config.Config, logger *log.Logger, opts editOptions, in io.Reader, out io.Writer) (session.Session, error) {
	logger = logger.With("component", "edit")

	text, err := readPayload(opts.payload, in)
	if err != nil {
		return session.Session{}, err
	}

	doc := dom.NewDocument(editViewport)
	target := doc.CreateElement("div")
	target.SetRect(geom.Rect{
		Top:    opts.pointer.Y - opts.element.Height/2,
		Left:   opts.pointer.X - opts.element.Width/2,
		Width:  opts.element.Width,
		Height: opts.element.Height,
	})
	doc.Body().AppendChild(target)

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()

	transport := client.New(opts.endpoint, client.WithLogger(logger))
	manager := session.NewManager(
		transport,
		session.WithDocument(doc),
		session.WithModels(cfg.Models),
		session.WithStatusSequence(cfg.StatusSequence),
		session.WithBus(bus),
		session.WithLogger(logger),
	)
	defer manager.Close()

	capture := selection.NewCapture(doc, selection.WithProjectRoot(opts.root), selection.WithLogger(logger))
	var opened session.Session
	capture.OnOpen(func(sel selection.Selection) {
		opened = manager.Open(ctx, sel)
	})
	capture.PointerUp(opts.pointer)
	if _, ok := capture.HandleClipboard(text); !ok {
		return session.Session{}, errNotSelection
	}

	if opts.model != "" {
		if err := manager.SetModel(opts.model); err != nil {
			return session.Session{}, err
		}
	}
	if err := manager.SetInstruction(ctx, opts.instruction); err != nil {
		return session.Session{}, err
	}

	updates, unsubscribe := tui.Subscribe(bus, opened.ID)
	defer unsubscribe()
	logger.Info("submitting", "session", opened.ID, "endpoint", transport.Endpoint(), "file", opened.FilePath)
	if err := manager.Submit(ctx); err != nil {
		if current, ok := manager.Get(opened.ID); ok {
			return current, err
		}
		return opened, err
	}

	if opts.plain {
		return followPlain(ctx, manager, opened.ID, updates, out)
	}

	model := tui.NewProgressModel(ctx, manager, opened.ID, updates,
		tui.WithSteps(cfg.StatusSequence),
		tui.WithPlacement(manager.Place(opened.ID, editPopoverSize, &opts.pointer)),
		tui.WithExitOnFinish(opts.exit),
	)
	return tui.Run(ctx, model, tea.WithOutput(out))
}

// followPlain prints each stream event until the session settles, then the
// outcome line.
func followPlain(ctx context.Context, manager *session.Manager, id string, updates <-chan events.Event, out io.Writer) (session.Session, error) {
	settled := make(chan error, 1)
	go func() {
		settled <- manager.Wait(ctx, id)
	}()

	show := func(event events.Event) {
		if entry, ok := components.EntryFromEvent(event); ok {
			fmt.Fprintf(out, "%-9s %s\n", entry.Kind, entry.Message)
		}
	}

	for {
		select {
		case event := <-updates:
			show(event)
		case err := <-settled:
			if err != nil {
				_ = manager.Stop()
				return session.Session{}, err
			}
			for drained := false; !drained; {
				select {
				case event := <-updates:
					show(event)
				case <-time.After(drainIdle):
					drained = true
				}
			}
			final, _ := manager.Get(id)
			switch final.Status {
			case session.StatusSuccess:
				fmt.Fprintf(out, "applied: %s\n", final.Summary)
			case session.StatusError:
				fmt.Fprintf(out, "failed: %s\n", final.Error)
			}
			return final, nil
		}
	}
}

func readPayload(path string, in io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(in)
	} else {
		// #nosec G304 -- the payload path is supplied by the local user.
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errNotSelection
	}
	return string(data), nil
}
