// Package bridge talks to the Blender add-on's local HTTP server.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
)

// DefaultURL is where the add-on listens unless configured otherwise.
const DefaultURL = "http://127.0.0.1:8081"

// TokenHeader carries the per-launch token issued by the add-on.
const TokenHeader = "X-Blender-Token"

// ErrMissingToken is returned by calls made without a token.
var ErrMissingToken = errors.New("missing Blender token")

const missingTokenStderr = "Missing Blender token. Launch the assistant from Blender to obtain one."

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("bridge %s: status %d (%s)", e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("bridge %s: status %d", e.Path, e.StatusCode)
}

// Client is an agentloop.Bridge backed by the add-on's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the add-on at baseURL. An empty baseURL
// uses DefaultURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("bridge")
	return c
}

// BaseURL returns the add-on address.
func (c *Client) BaseURL() string { return c.baseURL }

var _ agentloop.Bridge = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	if c.token == "" {
		return nil, ErrMissingToken
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(TokenHeader, c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: snippet}
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(body))
}

// Health checks that the add-on answers with the current token.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/", "", nil)
	return err
}

type executeResponse struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Error   string `json:"error"`
}

// ExecuteCode runs Python inside Blender. A missing token or an unreachable
// add-on is reported as a failed execution rather than an error so the
// model can see what went wrong.
func (c *Client) ExecuteCode(ctx context.Context, code string) (agentloop.ExecResult, error) {
	if c.token == "" {
		return agentloop.ExecResult{Stderr: missingTokenStderr}, nil
	}
	data, err := c.sendJSON(ctx, http.MethodPost, "/execute", map[string]string{"code": code})
	if err != nil {
		if ctx.Err() != nil {
			return agentloop.ExecResult{}, ctx.Err()
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			c.logger.Warn("execute request failed", zap.Error(err))
			return agentloop.ExecResult{Stderr: fmt.Sprintf("Network Error: Could not connect to Blender at %s.", c.baseURL)}, nil
		}
		// The add-on answers 400 with {"error": ...} for malformed requests.
		var resp executeResponse
		if json.Unmarshal([]byte(statusErr.Body), &resp) == nil && resp.Error != "" {
			return agentloop.ExecResult{Stderr: resp.Error}, nil
		}
		return agentloop.ExecResult{}, err
	}

	var resp executeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return agentloop.ExecResult{}, fmt.Errorf("decode /execute: %w", err)
	}
	stderr := resp.Stderr
	if stderr == "" {
		stderr = resp.Error
	}
	return agentloop.ExecResult{Success: resp.Success, Stdout: resp.Stdout, Stderr: stderr}, nil
}

// InspectGraph returns the active node tree as JSON text.
func (c *Client) InspectGraph(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/inspect", "", nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Screenshot returns the viewport as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var resp struct {
		Success bool   `json:"success"`
		Image   string `json:"image"`
	}
	if err := c.getJSON(ctx, "/screenshot", &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Image == "" {
		return nil, errors.New("bridge returned no screenshot")
	}
	png, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return png, nil
}

// FetchMemory returns the persistent memory text.
func (c *Client) FetchMemory(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/memory", "", nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AppendMemory adds fact as new line(s) of memory.
func (c *Client) AppendMemory(ctx context.Context, fact string) error {
	_, err := c.do(ctx, http.MethodPost, "/memory", "text/plain", strings.NewReader(fact))
	return err
}

// OverwriteMemory replaces the whole memory text.
func (c *Client) OverwriteMemory(ctx context.Context, text string) error {
	_, err := c.do(ctx, http.MethodPut, "/memory", "text/plain", strings.NewReader(text))
	return err
}

// FetchTools returns the saved custom tools.
func (c *Client) FetchTools(ctx context.Context) ([]agentloop.CustomTool, error) {
	var tools []agentloop.CustomTool
	if err := c.getJSON(ctx, "/tools", &tools); err != nil {
		return nil, err
	}
	if tools == nil {
		tools = []agentloop.CustomTool{}
	}
	return tools, nil
}

// SaveTool stores tool, replacing any tool with the same trigger.
func (c *Client) SaveTool(ctx context.Context, tool agentloop.CustomTool) error {
	_, err := c.sendJSON(ctx, http.MethodPost, "/tools", tool)
	return err
}

// DeleteTool removes the tool with trigger.
func (c *Client) DeleteTool(ctx context.Context, trigger string) error {
	_, err := c.sendJSON(ctx, http.MethodDelete, "/tools", map[string]string{"trigger": trigger})
	return err
}

// FetchHistory returns the raw session array stored by the add-on.
func (c *Client) FetchHistory(ctx context.Context) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/history", "", nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.RawMessage(data), nil
}

// SaveHistory replaces the stored session array.
func (c *Client) SaveHistory(ctx context.Context, sessions any) error {
	_, err := c.sendJSON(ctx, http.MethodPost, "/history", sessions)
	return err
}
