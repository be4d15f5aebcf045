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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

// mockHistoryWindow is how many prior (call, observation) pairs condition
// the simulator for consistency.
const mockHistoryWindow = 5

// MockToolReply is one simulated tool return.
type MockToolReply struct {
	Name    string `json:"name" jsonschema:"required,description=Name of the called tool"`
	Results any    `json:"results" jsonschema:"required,description=Plausible return value of the call"`
}

var mockReplySchema = func() string {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	data, err := json.MarshalIndent(reflector.Reflect(&MockToolReply{}), "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}()

// MockProvider role-plays the server's tools with an LLM instead of calling
// anything. Used when call_info.mock_tool is set.
type MockProvider struct {
	Chat    Chatter
	Prompts *prompts.Store
	Info    *record.MCPInfo
	Query   string

	mu      sync.Mutex
	history []historyPair
}

type historyPair struct {
	call        string
	observation string
}

// Call simulates every tool call in one model invocation and returns one
// tool message per call, matched by name and order.
func (m *MockProvider) Call(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, error) {
	type invocation struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	invocations := make([]invocation, len(calls))
	for i, tc := range calls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		invocations[i] = invocation{Name: tc.Function.Name, Arguments: args}
	}
	invocationJSON, err := json.Marshal(invocations)
	if err != nil {
		return nil, err
	}
	toolDefs, err := json.Marshal(m.Info.BaseInfo.ToolList)
	if err != nil {
		return nil, err
	}

	prompt, err := m.Prompts.Render("mock_tool", map[string]string{
		"SERVER_DESCRIPTION": m.Info.BaseInfo.GroupInfo.ServerDescription,
		"TOOL_DEFS":          string(toolDefs),
		"HISTORY":            m.renderHistory(),
		"QUERY":              m.Query,
		"INVOCATION":         string(invocationJSON),
		"REPLY_SCHEMA":       mockReplySchema,
	})
	if err != nil {
		return nil, err
	}

	reply, err := m.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return nil, err
	}
	var replies []MockToolReply
	if p := parse.JSONInto(reply.Content, &replies); !p.OK() {
		return nil, fmt.Errorf("unparseable mock tool reply: %w", p.Err)
	}

	out := make([]llm.Message, len(calls))
	for i, tc := range calls {
		results := m.pickResults(replies, tc.Function.Name, i)
		content, err := json.Marshal(results)
		if err != nil {
			out[i] = toolError(tc.ID, err.Error())
			continue
		}
		out[i] = llm.ToolMsg(tc.ID, string(content))
		m.remember(string(invocationJSON), string(content))
	}
	return out, nil
}

// pickResults matches a reply to a call: same name at the same position
// first, then first unclaimed reply with the name, then positional.
func (m *MockProvider) pickResults(replies []MockToolReply, name string, idx int) any {
	if idx < len(replies) && replies[idx].Name == name {
		return replies[idx].Results
	}
	for _, r := range replies {
		if r.Name == name {
			return r.Results
		}
	}
	if idx < len(replies) {
		return replies[idx].Results
	}
	return map[string]any{"error": "tool simulator returned no result for " + name}
}

func (m *MockProvider) remember(call, observation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, historyPair{call: call, observation: observation})
	if len(m.history) > mockHistoryWindow {
		m.history = m.history[len(m.history)-mockHistoryWindow:]
	}
}

func (m *MockProvider) renderHistory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous calls:\n")
	for _, h := range m.history {
		fmt.Fprintf(&b, "- call: %s\n  observation: %s\n", h.call, h.observation)
	}
	return b.String()
}

// Close is a no-op; the simulator holds no connection.
func (m *MockProvider) Close() error { return nil }
