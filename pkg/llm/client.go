// Copyright 2025-2026 Beike Language and Intelligence (BLI).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm is the OpenAI-compatible chat client every pipeline stage
// talks through. One call, one assistant turn: streaming responses are
// reassembled internally so callers never see deltas.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blilab/agentsynth/pkg/httpclient"
	"github.com/blilab/agentsynth/pkg/logger"
)

// ErrContextOverflow marks a request the provider rejected for exceeding the
// model's context window. It is terminal: the client never retries it, and
// judges convert it into their safe default.
var ErrContextOverflow = errors.New("context window exceeded")

// IsContextOverflow reports whether err (or its message) indicates a context
// window rejection. Providers phrase this inconsistently; the two substrings
// below cover OpenAI-style and vLLM-style messages.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, " maximum context length") || strings.Contains(msg, "longer than ")
}

// Reply is the single assistant turn produced by Chat.
type Reply struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	Tokens    int
}

// AsMessage converts the reply into a trajectory message.
func (r *Reply) AsMessage() Message {
	return Message{
		Role:      "assistant",
		Content:   r.Content,
		Reasoning: r.Reasoning,
		ToolCalls: r.ToolCalls,
	}
}

// Client talks to one configured model. Cheap to construct; stages create
// one per call site and share nothing.
type Client struct {
	cfg    ModelConfig
	http   *httpclient.Client
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a client for cfg. Transport-level retries are disabled in the
// inner HTTP client: the fixed-interval retry loop in Chat owns the policy,
// including the no-retry exception for context overflow.
func New(cfg ModelConfig) *Client {
	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(0),
		),
		logger: logger.GetLogger(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config returns the model config the client was built with.
func (c *Client) Config() ModelConfig { return c.cfg }

// Chat sends one chat completion and returns the assistant turn. Messages
// are normalized first (legacy function_call form, missing tool_call_ids).
// Transient failures are retried up to cfg.MaxRetries with a fixed
// cfg.RetrySleep pause; context overflow aborts immediately with
// ErrContextOverflow and a nil reply.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []Tool) (*Reply, error) {
	normalized := NormalizeForAPI(messages)

	if err := c.preflightTokenCheck(normalized); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		reply, err := c.chatOnce(ctx, normalized, tools)
		if err == nil {
			return reply, nil
		}
		if IsContextOverflow(err) {
			return nil, fmt.Errorf("%w: %v", ErrContextOverflow, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("chat attempt failed",
			"model", c.cfg.Name,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxRetries,
			"error", err)
		if attempt < c.cfg.MaxRetries {
			if err := c.sleep(ctx, c.cfg.RetrySleep); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("chat failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// ChatText is Chat for callers that only want the content string.
func (c *Client) ChatText(ctx context.Context, messages []Message) (string, error) {
	reply, err := c.Chat(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []choice  `json:"choices"`
	Usage   *usage    `json:"usage,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *usage         `json:"usage,omitempty"`
	Error   *apiError      `json:"error,omitempty"`
}

type choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type streamChoice struct {
	Delta        delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type delta struct {
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning_content,omitempty"`
	ToolCalls []deltaToolCall `json:"tool_calls,omitempty"`
}

type deltaToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

func (c *Client) buildBody(messages []Message, tools []Tool) ([]byte, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		Stream:      c.cfg.Stream,
	}
	if c.cfg.MaxTokens > 0 {
		maxTokens := c.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}

	if len(c.cfg.ExtraBody) == 0 {
		return json.Marshal(req)
	}

	// extra_body keys land at the top level of the request, the same way
	// the OpenAI SDK's extra_body behaves.
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	for k, v := range c.cfg.ExtraBody {
		body[k] = v
	}
	return json.Marshal(body)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

func (c *Client) chatOnce(ctx context.Context, messages []Message, tools []Tool) (*Reply, error) {
	body, err := c.buildBody(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, readErr := io.ReadAll(resp.Body)
		errorBody := string(raw)
		if readErr != nil {
			errorBody = fmt.Sprintf("(failed to read error body: %v)", readErr)
		}
		if apiErr := parseErrorBody(raw); apiErr != nil {
			return nil, fmt.Errorf("API request failed with status %d: %s (type: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errorBody)
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}
	defer resp.Body.Close()

	if c.cfg.Stream {
		return c.readStream(resp.Body)
	}
	return c.readResponse(resp.Body)
}

func (c *Client) readResponse(body io.Reader) (*Reply, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response carried no choices")
	}
	msg := resp.Choices[0].Message
	reply := &Reply{
		Content:   msg.Content,
		Reasoning: msg.Reasoning,
		ToolCalls: msg.ToolCalls,
	}
	if resp.Usage != nil {
		reply.Tokens = resp.Usage.TotalTokens
	}
	return reply, nil
}

// readStream reassembles an SSE stream into a single reply: content and
// reasoning deltas are concatenated, tool-call deltas accumulate by index
// with arguments appended as raw string fragments.
func (c *Client) readStream(body io.Reader) (*Reply, error) {
	reader := bufio.NewReader(body)

	var content, reasoning strings.Builder
	toolCallsMap := make(map[int]*ToolCall)
	maxIndex := -1
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		d := chunk.Choices[0].Delta
		content.WriteString(d.Content)
		reasoning.WriteString(d.Reasoning)

		for _, dc := range d.ToolCalls {
			entry, exists := toolCallsMap[dc.Index]
			if !exists {
				entry = &ToolCall{ID: dc.ID, Type: dc.Type}
				toolCallsMap[dc.Index] = entry
				if dc.Index > maxIndex {
					maxIndex = dc.Index
				}
			}
			if dc.ID != "" {
				entry.ID = dc.ID
			}
			if dc.Type != "" {
				entry.Type = dc.Type
			}
			if dc.Function.Name != "" {
				entry.Function.Name = dc.Function.Name
			}
			entry.Function.Arguments += dc.Function.Arguments
		}
	}

	reply := &Reply{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Tokens:    totalTokens,
	}
	for i := 0; i <= maxIndex; i++ {
		if tc, ok := toolCallsMap[i]; ok {
			reply.ToolCalls = append(reply.ToolCalls, *tc)
		}
	}
	return reply, nil
}

func parseErrorBody(raw []byte) *apiError {
	if len(raw) == 0 {
		return nil
	}
	var wrapped struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error.Message != "" {
		return &wrapped.Error
	}
	return nil
}
