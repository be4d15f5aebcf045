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

package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/blilab/agentsynth/pkg/httpclient"
	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/record"
	"github.com/blilab/agentsynth/pkg/version"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// DefaultSSETimeout bounds reading one streamable-http response.
	DefaultSSETimeout = 5 * time.Minute
)

// BuildSmitheryURL expands a Smithery SDK URL template: {config_b64} becomes
// the base64 of the JSON-encoded python_sdk_config, {smithery_api_key} and
// {smithery_profile} are substituted, and a profile query parameter is
// appended when the template carries none.
func BuildSmitheryURL(call *record.CallInfo, apiKey, profile string) (string, error) {
	if call.PythonSDKURL == "" {
		return "", fmt.Errorf("call info has no python_sdk_url")
	}
	cfg := call.PythonSDKConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode sdk config: %w", err)
	}

	url := call.PythonSDKURL
	url = strings.ReplaceAll(url, "{config_b64}", base64.StdEncoding.EncodeToString(cfgJSON))
	url = strings.ReplaceAll(url, "{smithery_api_key}", apiKey)
	url = strings.ReplaceAll(url, "{smithery_profile}", profile)
	if profile != "" && !strings.Contains(url, "profile=") {
		url += "&profile=" + profile
	}
	return url, nil
}

// MCPOptions carries transport-level settings for MCP providers.
type MCPOptions struct {
	SmitheryAPIKey  string
	SmitheryProfile string
	MaxRetries      int
	SSETimeout      time.Duration
}

// MCPProvider executes tool calls against one MCP server. HTTP transports
// (aistudio, Smithery) speak JSON-RPC over streamable-http; stdio servers
// run as a subprocess via mcp-go.
type MCPProvider struct {
	name       string
	url        string
	headers    map[string]string
	http       *httpclient.Client
	sseTimeout time.Duration

	stdio *client.Client

	mu        sync.Mutex
	sessionID string
	reqID     int
}

// NewMCPProvider connects to the server described by the record's call info
// and performs the MCP initialize handshake.
func NewMCPProvider(ctx context.Context, info *record.MCPInfo, opts MCPOptions) (*MCPProvider, error) {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.SSETimeout == 0 {
		opts.SSETimeout = DefaultSSETimeout
	}

	p := &MCPProvider{
		name:       info.BaseInfo.GroupInfo.ServerName,
		sseTimeout: opts.SSETimeout,
	}

	switch mode := info.CallInfo.Mode(); mode {
	case "stdio":
		return p, p.connectStdio(ctx, &info.CallInfo)
	case "aistudio":
		p.url = info.CallInfo.URL
		p.headers = info.CallInfo.Headers
	case "smithery":
		url, err := BuildSmitheryURL(&info.CallInfo, opts.SmitheryAPIKey, opts.SmitheryProfile)
		if err != nil {
			return nil, err
		}
		p.url = url
	default:
		return nil, fmt.Errorf("unsupported call info mode %q", mode)
	}

	p.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(opts.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)
	return p, p.initializeHTTP(ctx)
}

func (p *MCPProvider) connectStdio(ctx context.Context, call *record.CallInfo) error {
	stdio, err := client.NewStdioMCPClient(call.Command, nil, call.Args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio MCP client: %w", err)
	}
	if err := stdio.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stdio MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentsynth",
		Version: version.Version,
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := stdio.Initialize(ctx, initReq); err != nil {
		stdio.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	p.stdio = stdio
	logger.GetLogger().Info("connected to MCP server", "server", p.name, "transport", "stdio")
	return nil
}

func (p *MCPProvider) initializeHTTP(ctx context.Context) error {
	resp, err := p.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "agentsynth",
			"version": version.Version,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}
	logger.GetLogger().Info("connected to MCP server", "server", p.name, "transport", "streamable-http")
	return nil
}

// Call executes each tool call in order and returns one tool message per
// call. Execution failures become {"error": ...} observations rather than
// aborting the trajectory.
func (p *MCPProvider) Call(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(calls))
	for _, tc := range calls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				out = append(out, toolError(tc.ID, fmt.Sprintf("invalid arguments: %v", err)))
				continue
			}
		}

		var result map[string]any
		var err error
		if p.stdio != nil {
			result, err = p.callStdio(ctx, tc.Function.Name, args)
		} else {
			result, err = p.callHTTP(ctx, tc.Function.Name, args)
		}
		if err != nil {
			out = append(out, toolError(tc.ID, err.Error()))
			continue
		}
		content, err := json.Marshal(result)
		if err != nil {
			out = append(out, toolError(tc.ID, err.Error()))
			continue
		}
		out = append(out, llm.ToolMsg(tc.ID, string(content)))
	}
	return out, nil
}

func toolError(callID, msg string) llm.Message {
	content, _ := json.Marshal(map[string]any{"error": msg})
	return llm.ToolMsg(callID, string(content))
}

func (p *MCPProvider) callStdio(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := p.stdio.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result, nil
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result, nil
}

func (p *MCPProvider) callHTTP(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	resp, err := p.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	result := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		result["result"] = resp.Result
		return result, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	if isError, _ := resultMap["isError"].(bool); isError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result, nil
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result, nil
}

// JSON-RPC wire types.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc posts one JSON-RPC request, tracking the mcp-session-id header the
// streamable-http transport hands back.
func (p *MCPProvider) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	p.mu.Lock()
	p.reqID++
	req := rpcRequest{JSONRPC: "2.0", ID: p.reqID, Method: method, Params: params}
	sessionID := p.sessionID
	p.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := p.http.Do(httpReq)
	if httpResp != nil {
		defer httpResp.Body.Close()
		if newSession := httpResp.Header.Get("mcp-session-id"); newSession != "" {
			p.mu.Lock()
			p.sessionID = newSession
			p.mu.Unlock()
		}
		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(httpResp.Body)
			return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(respBody))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return p.readSSEResponse(httpResp.Body)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE body.
func (p *MCPProvider) readSSEResponse(body io.Reader) (*rpcResponse, error) {
	type result struct {
		response *rpcResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder
		flush := func() *rpcResponse {
			if data.Len() == 0 {
				return nil
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
				return &resp
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without a complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(p.sseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", p.sseTimeout)
	}
}

// Close shuts down a stdio subprocess; HTTP transports have nothing to
// release.
func (p *MCPProvider) Close() error {
	if p.stdio != nil {
		err := p.stdio.Close()
		p.stdio = nil
		return err
	}
	return nil
}
