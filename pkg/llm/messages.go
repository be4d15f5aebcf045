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

package llm

import "fmt"

// Message is one chat turn. The legacy FunctionCall field exists because
// older trajectory dumps carry one function_call per assistant message;
// NormalizeForAPI rewrites those into the tool_calls form before a request
// goes on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning_content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ToolCall is an OpenAI-compatible tool invocation. Arguments stays a raw
// JSON string end to end; decoding it is the caller's business.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is one entry of the request's tools array.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// System, User, Assistant and ToolMsg are shorthand constructors.
func System(content string) Message    { return Message{Role: "system", Content: content} }
func User(content string) Message      { return Message{Role: "user", Content: content} }
func Assistant(content string) Message { return Message{Role: "assistant", Content: content} }

func ToolMsg(callID, content string) Message {
	return Message{Role: "tool", ToolCallID: callID, Content: content}
}

// NormalizeForAPI rewrites legacy trajectories into the OpenAI tool-calls
// shape:
//
//   - consecutive assistant messages that each carry a single function_call
//     are merged into one assistant message with a tool_calls array, each
//     call given a synthesized stable id ("call_0", "call_1", ...);
//   - role "function" becomes role "tool";
//   - tool messages missing tool_call_id get it back-filled from the nearest
//     preceding assistant's unconsumed call, matching by function name when
//     the tool message carries one.
//
// Messages already in the modern shape pass through unchanged.
func NormalizeForAPI(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	nextID := 0
	// ids of the most recent assistant's calls not yet claimed by a tool msg
	var pending []ToolCall

	synthesize := func(fc FunctionCall) ToolCall {
		tc := ToolCall{ID: fmt.Sprintf("call_%d", nextID), Type: "function", Function: fc}
		nextID++
		return tc
	}

	claim := func(name string) string {
		for i, tc := range pending {
			if name == "" || tc.Function.Name == name {
				id := tc.ID
				pending = append(pending[:i], pending[i+1:]...)
				return id
			}
		}
		if len(pending) > 0 {
			id := pending[0].ID
			pending = pending[1:]
			return id
		}
		return ""
	}

	for _, msg := range messages {
		switch {
		case msg.Role == "assistant" && msg.FunctionCall != nil:
			call := synthesize(*msg.FunctionCall)
			last := len(out) - 1
			if last >= 0 && out[last].Role == "assistant" && len(out[last].ToolCalls) > 0 && out[last].FunctionCall == nil {
				out[last].ToolCalls = append(out[last].ToolCalls, call)
			} else {
				merged := msg
				merged.FunctionCall = nil
				merged.ToolCalls = []ToolCall{call}
				out = append(out, merged)
			}
			pending = append(pending, call)

		case msg.Role == "assistant":
			pending = append([]ToolCall(nil), msg.ToolCalls...)
			out = append(out, msg)

		case msg.Role == "function" || msg.Role == "tool":
			fixed := msg
			fixed.Role = "tool"
			if fixed.ToolCallID == "" {
				fixed.ToolCallID = claim(fixed.Name)
			}
			out = append(out, fixed)

		default:
			out = append(out, msg)
		}
	}
	return out
}
