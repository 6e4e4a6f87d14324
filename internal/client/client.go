// Package client is the HTTP transport between the overlay session manager
// and the edit server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/stream"
)

const undoFailedMessage = "Failed to undo changes."

// StatusError is returned for a non-2xx response. Message is the server's
// error text or a generic fallback naming the status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// Aborted reports whether err came from the caller canceling the request.
func Aborted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithUndoEndpoint overrides the undo URL derived from the edit endpoint.
func WithUndoEndpoint(endpoint string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			c.undoEndpoint = trimmed
		}
	}
}

// WithLogger routes transport logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client posts edit and undo requests.
type Client struct {
	endpoint     string
	undoEndpoint string
	http         *http.Client
	logger       *log.Logger
}

// New returns a client for the edit endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	endpoint = strings.TrimSpace(endpoint)
	c := &Client{
		endpoint:     endpoint,
		undoEndpoint: protocol.UndoEndpoint(endpoint),
		http:         http.DefaultClient,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Endpoint returns the edit endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// UndoEndpoint returns the undo endpoint URL.
func (c *Client) UndoEndpoint() string {
	return c.undoEndpoint
}

// Stream posts req and calls emit for every event of the response in order.
// It returns nil when the body ends cleanly, whether or not a done event
// arrived; ctx cancellation surfaces as context.Canceled.
func (c *Client) Stream(ctx context.Context, req protocol.EditRequest, emit func(stream.Event)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode edit request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build edit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", stream.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, fmt.Sprintf("Request failed with status %d", resp.StatusCode))
	}

	err = stream.Decode(ctx, resp.Body, emit, stream.WithDecoderLogger(c.logger))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read edit stream: %w", err)
	}
	return nil
}

// Undo asks the server to revert the edits recorded under sessionID. A
// rejected undo returns the decoded response alongside a *StatusError.
func (c *Client) Undo(ctx context.Context, sessionID string) (protocol.UndoResponse, error) {
	body, err := json.Marshal(protocol.UndoRequest{SessionID: sessionID})
	if err != nil {
		return protocol.UndoResponse{}, fmt.Errorf("encode undo request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.undoEndpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.UndoResponse{}, fmt.Errorf("build undo request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.UndoResponse{}, ctxErr
		}
		return protocol.UndoResponse{}, fmt.Errorf("post %s: %w", c.undoEndpoint, err)
	}
	defer resp.Body.Close()

	var decoded protocol.UndoResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxRequestBytes))
	if err != nil {
		return protocol.UndoResponse{}, fmt.Errorf("read undo response: %w", err)
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.logger.Warn("undo response is not json", "status", resp.StatusCode, "err", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !decoded.Success {
		message := strings.TrimSpace(decoded.Error)
		if message == "" {
			message = undoFailedMessage
		}
		return decoded, &StatusError{Code: resp.StatusCode, Message: message}
	}
	return decoded, nil
}

func statusError(resp *http.Response, fallback string) error {
	var payload protocol.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxRequestBytes))
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	return &StatusError{Code: resp.StatusCode, Message: fallback}
}
