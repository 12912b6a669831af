// Package ollama talks to a local Ollama server for structured chat output.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrModelNotFound is returned when the server does not have the model.
	ErrModelNotFound = errors.New("model not found")
	// ErrEmptyResponse is returned when the model answers with no content.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrTruncated is returned when generation stopped at the token limit,
	// which leaves structured output cut mid-document.
	ErrTruncated = errors.New("model output truncated")
)

// StatusError is a non-200 answer from the server.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later: the server
// was overloaded or failed, as opposed to rejecting the request itself.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema. Items describes
// array elements; Properties describes nested objects.
type SchemaProperty struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description,omitempty"`
	Enum        []string                  `json:"enum,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
}

// Client communicates with a local Ollama instance over HTTP. Requests carry
// no client-side timeout; callers bound them through ctx.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// do sends body as JSON (nil for GET) and returns the response when the
// status is 200. Any other status is drained into a *StatusError.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	serr := &StatusError{Op: op, Code: resp.StatusCode}
	var apiErr struct {
		Error string `json:"error"`
	}
	if data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10)); json.Unmarshal(data, &apiErr) == nil {
		serr.Message = apiErr.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", ErrModelNotFound, serr)
	}
	return nil, serr
}

// Version returns the server version. It doubles as the liveness check.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "version", http.MethodGet, "/api/version", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("version: decoding response: %w", err)
	}
	return v.Version, nil
}

// ModelInfo is the part of POST /api/show fitscope reports at startup.
type ModelInfo struct {
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// Show describes a local model. A model the server does not have yields an
// error wrapping ErrModelNotFound.
func (c *Client) Show(ctx context.Context, model string) (ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "show "+model, http.MethodPost, "/api/show", map[string]string{"model": model})
	if err != nil {
		return ModelInfo{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Details ModelInfo `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ModelInfo{}, fmt.Errorf("show %s: decoding response: %w", model, err)
	}
	return out.Details, nil
}

// PullProgress is one line of the streamed pull response. Error is set when
// the server aborts the pull mid-stream.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, model string, onProgress func(PullProgress)) error {
	op := "pull " + model
	resp, err := c.do(ctx, op, http.MethodPost, "/api/pull", map[string]any{"model": model, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%s: reading progress: %w", op, err)
		}
		if p.Error != "" {
			return fmt.Errorf("%s: %s", op, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

// ChatRequest is one non-streaming chat turn. Format constrains the answer
// to a JSON schema; Temperature nil keeps the model default.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Format      *Schema
	Temperature *float64
	// KeepAlive is how long the server keeps the model loaded afterwards,
	// in Ollama duration syntax ("5m"). Empty uses the server default.
	KeepAlive string
}

// ChatResult is the assistant's answer plus the generation stats the server
// reports with it.
type ChatResult struct {
	Content    string
	DoneReason string
	EvalCount  int
	Duration   time.Duration
}

type chatBody struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    bool           `json:"stream"`
	Format    *Schema        `json:"format,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type chatAnswer struct {
	Message       Message `json:"message"`
	DoneReason    string  `json:"done_reason"`
	EvalCount     int     `json:"eval_count"`
	TotalDuration int64   `json:"total_duration"`
}

// Chat runs one chat turn. A structured answer that hit the token limit
// fails with ErrTruncated and an empty one with ErrEmptyResponse, so callers
// never see half a document.
func (c *Client) Chat(ctx context.Context, r ChatRequest) (ChatResult, error) {
	body := chatBody{
		Model:     r.Model,
		Messages:  r.Messages,
		Format:    r.Format,
		KeepAlive: r.KeepAlive,
	}
	if r.Temperature != nil {
		body.Options = map[string]any{"temperature": *r.Temperature}
	}

	op := "chat " + r.Model
	resp, err := c.do(ctx, op, http.MethodPost, "/api/chat", body)
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()

	var ans chatAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		return ChatResult{}, fmt.Errorf("%s: decoding response: %w", op, err)
	}
	res := ChatResult{
		Content:    ans.Message.Content,
		DoneReason: ans.DoneReason,
		EvalCount:  ans.EvalCount,
		Duration:   time.Duration(ans.TotalDuration),
	}
	if r.Format != nil && res.DoneReason == "length" {
		return res, fmt.Errorf("%s: %w after %d tokens", op, ErrTruncated, res.EvalCount)
	}
	if strings.TrimSpace(res.Content) == "" {
		return res, fmt.Errorf("%s: %w", op, ErrEmptyResponse)
	}
	return res, nil
}
