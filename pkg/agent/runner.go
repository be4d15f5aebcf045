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

// Package agent runs the tool-calling loop that turns a generated query
// into a trajectory: it chats with the model, executes the model's tool
// calls against the record's MCP server (real or simulated), and keeps
// going until the model answers without calling tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

const (
	// DefaultTaskTimeout bounds one full interaction wall-clock.
	DefaultTaskTimeout = 90 * time.Second

	// DefaultMaxTurns bounds the number of assistant turns per task.
	DefaultMaxTurns = 20
)

// Chatter is the LLM surface the runner needs; tests stub it.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Reply, error)
}

// ToolProvider executes one assistant turn's tool calls.
type ToolProvider interface {
	Call(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, error)
	Close() error
}

// ExtractQuery returns the effective user query of a record, with any
// single wrapping tag stripped. It is also the resume key for interaction
// runs.
func ExtractQuery(q *record.QueryInfo) string {
	return parse.UnwrapTag(q.Question())
}

// Runner drives the agent loop for one record at a time.
type Runner struct {
	Chat         Chatter
	Prompts      *prompts.Store
	SystemPrompt string
	Timeout      time.Duration
	MaxTurns     int
	MCP          MCPOptions

	// NewProvider builds the tool provider for a record. Left nil, the
	// runner picks by the record's call info mode.
	NewProvider func(ctx context.Context, rec *record.QueryRecord) (ToolProvider, error)
}

// Interact runs the agent loop and attaches the trajectory to the record.
// It never returns an error: any failure or timeout is recorded as a final
// "[ERROR: ...]" assistant message so the record is still written and the
// query is never re-run on resume.
func (r *Runner) Interact(ctx context.Context, rec *record.QueryRecord) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.GetLogger().With(
		"session_id", uuid.NewString(),
		"server", rec.MCPInfo.BaseInfo.GroupInfo.ServerName,
	)

	query := ExtractQuery(&rec.QueryInfo)
	var msgs []llm.Message
	if r.SystemPrompt != "" {
		msgs = append(msgs, llm.System(r.SystemPrompt))
	}
	msgs = append(msgs, llm.User(query))

	provider, err := r.newProvider(ctx, rec)
	if err != nil {
		log.Error("tool provider setup failed", "error", err)
		rec.Trajectory = append(msgs, errorMessage(err))
		return
	}
	defer provider.Close()

	tools := toolDefinitions(&rec.MCPInfo)
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	for turn := 0; turn < maxTurns; turn++ {
		reply, err := r.Chat.Chat(ctx, msgs, tools)
		if err != nil {
			log.Error("agent turn failed", "turn", turn, "error", wallClockError(ctx, err))
			msgs = append(msgs, errorMessage(wallClockError(ctx, err)))
			rec.Trajectory = msgs
			return
		}
		msgs = append(msgs, reply.AsMessage())
		if len(reply.ToolCalls) == 0 {
			break
		}

		toolMsgs, err := provider.Call(ctx, reply.ToolCalls)
		if err != nil {
			log.Error("tool execution failed", "turn", turn, "error", wallClockError(ctx, err))
			msgs = append(msgs, errorMessage(wallClockError(ctx, err)))
			rec.Trajectory = msgs
			return
		}
		msgs = append(msgs, toolMsgs...)
	}

	rec.Trajectory = msgs
	log.Info("interaction finished", "messages", len(msgs))
}

func (r *Runner) newProvider(ctx context.Context, rec *record.QueryRecord) (ToolProvider, error) {
	if r.NewProvider != nil {
		return r.NewProvider(ctx, rec)
	}
	if rec.MCPInfo.CallInfo.Mode() == "mock" {
		return &MockProvider{
			Chat:    r.Chat,
			Prompts: r.Prompts,
			Info:    &rec.MCPInfo,
			Query:   ExtractQuery(&rec.QueryInfo),
		}, nil
	}
	return NewMCPProvider(ctx, &rec.MCPInfo, r.MCP)
}

// wallClockError makes a deadline failure explicit in the trajectory.
func wallClockError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("task timed out: %w", err)
	}
	return err
}

func errorMessage(err error) llm.Message {
	return llm.Assistant(fmt.Sprintf("[ERROR: %s]", err))
}

// toolDefinitions converts the record's declared tool list into the chat
// API's tools array.
func toolDefinitions(info *record.MCPInfo) []llm.Tool {
	tools := make([]llm.Tool, len(info.BaseInfo.ToolList))
	for i, spec := range info.BaseInfo.ToolList {
		tools[i] = llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		}
	}
	return tools
}
