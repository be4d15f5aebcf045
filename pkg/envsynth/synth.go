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

package envsynth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

// Synthesizer builds, per sub-question, a mock tool whose execution output
// provably contains the expected answer.
type Synthesizer struct {
	Chat    Chatter
	Sandbox Runner
	Prompts *prompts.Store
}

// SynthesizeRecord fills rec.EnvResults: one entry per trace step, null for
// steps whose tool_necessity is false or whose synthesis never converged.
func (s *Synthesizer) SynthesizeRecord(ctx context.Context, rec *record.DecompositionRecord) {
	log := logger.GetLogger()
	if rec.EnvResults == nil {
		rec.EnvResults = make(map[string]*record.EnvResult, len(rec.Trace))
	}
	for i := range rec.Trace {
		step := &rec.Trace[i]
		if step.ToolNecessity != nil && !*step.ToolNecessity {
			rec.EnvResults[step.UUID] = nil
			continue
		}
		question := s.augmentQuestion(rec, step)
		result, err := s.Synthesize(ctx, question, step.SubAnswer)
		if err != nil {
			log.Warn("synthesis failed for step",
				"record", rec.UUID, "step", step.UUID, "error", err)
			rec.EnvResults[step.UUID] = nil
			continue
		}
		rec.EnvResults[step.UUID] = result
	}
}

// augmentQuestion appends the resolved dependency QA pairs for non-leaf
// steps, so the synthesized tool can assume that information as given.
func (s *Synthesizer) augmentQuestion(rec *record.DecompositionRecord, step *record.TraceStep) string {
	if step.HopLevel <= 1 || len(step.Dependency) == 0 {
		return step.SubQuestion
	}
	var b strings.Builder
	for _, dep := range step.Dependency {
		upstream := rec.Step(dep)
		if upstream == nil {
			continue
		}
		fmt.Fprintf(&b, "  - %s: %s\n", upstream.SubQuestion, upstream.SubAnswer)
	}
	if b.Len() == 0 {
		return step.SubQuestion
	}
	return step.SubQuestion + "\n\n- Additional Information:\n" + strings.TrimRight(b.String(), "\n")
}

// Synthesize runs the four-stage pipeline for one QA pair: doc generation,
// complexity scaling, call-statement generation, deployment. The doc stages
// run once (with per-stage retries); call+deploy repeat inside the sandbox
// validation loop until the printed call output contains the answer.
func (s *Synthesizer) Synthesize(ctx context.Context, question, answer string) (*record.EnvResult, error) {
	doc, err := s.generateDoc(ctx, question, answer)
	if err != nil {
		return nil, err
	}
	refined, err := s.scaleComplexity(ctx, doc)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= OuterMaxRetries; attempt++ {
		call, err := s.generateCall(ctx, refined, question, answer)
		if err != nil {
			lastErr = err
			continue
		}
		code, err := s.deploy(ctx, refined, call, question, answer)
		if err != nil {
			lastErr = err
			continue
		}

		stdout, err := s.checkEnv(ctx, code, call, answer)
		if err != nil {
			lastErr = err
			continue
		}

		return &record.EnvResult{
			Question: question,
			Answer:   answer,
			EnvSynthesisResult: record.EnvSynthesisResult{
				Data: record.EnvSynthesisData{
					ToolDocument:      *refined,
					ToolCallStatement: call,
					Code:              code,
					ToolCallAns:       stdout,
				},
				ExtraInfo: map[string]any{"outer_retries": attempt - 1},
			},
		}, nil
	}
	return nil, fmt.Errorf("synthesis did not converge after %d attempts: %w", OuterMaxRetries, lastErr)
}

// checkEnv composes the deployment with a printed call and validates the
// sandbox output contains the expected answer.
func (s *Synthesizer) checkEnv(ctx context.Context, code, call, answer string) (string, error) {
	final := code + "\nprint(" + call + ")"
	resp, err := s.Sandbox.RunCode(ctx, final)
	if err != nil {
		return "", err
	}
	if !resp.Succeeded() {
		return "", fmt.Errorf("sandbox execution failed: %s", firstLine(resp.RunResult.Stderr))
	}
	if !strings.Contains(resp.RunResult.Stdout, answer) {
		return "", fmt.Errorf("answer not present in call output")
	}
	return resp.RunResult.Stdout, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func (s *Synthesizer) generateDoc(ctx context.Context, question, answer string) (*record.ToolDocument, error) {
	return retryStage(ctx, "doc generation", func() (*record.ToolDocument, error) {
		prompt, err := s.Prompts.Render("synth_tool_doc", map[string]string{
			"QUESTION": question,
			"ANSWER":   answer,
		})
		if err != nil {
			return nil, err
		}
		reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			return nil, err
		}
		var out struct {
			Tool     *record.ToolDocument `json:"tool"`
			Analysis string               `json:"analysis"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			return nil, fmt.Errorf("unparseable doc reply: %w", p.Err)
		}
		if out.Tool == nil || out.Analysis == "" {
			return nil, fmt.Errorf("doc reply missing tool or analysis")
		}
		if err := out.Tool.Validate(); err != nil {
			return nil, err
		}
		return out.Tool, nil
	})
}

func (s *Synthesizer) scaleComplexity(ctx context.Context, doc *record.ToolDocument) (*record.ToolDocument, error) {
	docJSON, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return retryStage(ctx, "complexity scaling", func() (*record.ToolDocument, error) {
		prompt, err := s.Prompts.Render("synth_complexity", map[string]string{
			"TOOL_DOC": string(docJSON),
		})
		if err != nil {
			return nil, err
		}
		reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			return nil, err
		}
		var out struct {
			RefinedVersion *record.ToolDocument `json:"refined_version"`
			Analysis       string               `json:"analysis"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			return nil, fmt.Errorf("unparseable refinement reply: %w", p.Err)
		}
		if out.RefinedVersion == nil || out.Analysis == "" {
			return nil, fmt.Errorf("refinement reply missing refined_version or analysis")
		}
		if err := out.RefinedVersion.Validate(); err != nil {
			return nil, err
		}
		if out.RefinedVersion.Name != doc.Name {
			return nil, fmt.Errorf("refinement renamed the tool")
		}
		// backward compatibility: every original parameter survives
		for name := range doc.Parameters.Properties {
			if _, ok := out.RefinedVersion.Parameters.Properties[name]; !ok {
				return nil, fmt.Errorf("refinement dropped parameter %q", name)
			}
		}
		return out.RefinedVersion, nil
	})
}

func (s *Synthesizer) generateCall(ctx context.Context, doc *record.ToolDocument, question, answer string) (string, error) {
	docJSON, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return retryStage(ctx, "call generation", func() (string, error) {
		prompt, err := s.Prompts.Render("synth_call_statement", map[string]string{
			"TOOL_DOC": string(docJSON),
			"QUESTION": question,
			"ANSWER":   answer,
		})
		if err != nil {
			return "", err
		}
		reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			return "", err
		}
		var out struct {
			Call     string `json:"call"`
			Analysis string `json:"analysis"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			return "", fmt.Errorf("unparseable call reply: %w", p.Err)
		}
		if out.Call == "" || out.Analysis == "" {
			return "", fmt.Errorf("call reply missing call or analysis")
		}
		if err := ValidateCallStatement(out.Call, doc); err != nil {
			return "", err
		}
		return out.Call, nil
	})
}

func (s *Synthesizer) deploy(ctx context.Context, doc *record.ToolDocument, call, question, answer string) (string, error) {
	docJSON, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return retryStage(ctx, "deployment", func() (string, error) {
		prompt, err := s.Prompts.Render("synth_deploy", map[string]string{
			"TOOL_DOC": string(docJSON),
			"CALL":     call,
			"QUESTION": question,
			"ANSWER":   answer,
		})
		if err != nil {
			return "", err
		}
		reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			return "", err
		}
		var out struct {
			Code string `json:"code"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			return "", fmt.Errorf("unparseable deployment reply: %w", p.Err)
		}
		if out.Code == "" {
			return "", fmt.Errorf("deployment reply missing code")
		}
		if !strings.Contains(out.Code, "def "+doc.Name) {
			return "", fmt.Errorf("deployment does not define %s", doc.Name)
		}
		return out.Code, nil
	})
}

// ValidateCallStatement enforces the call invariants: single expression of
// the documented tool, no URLs smuggled in.
func ValidateCallStatement(call string, doc *record.ToolDocument) error {
	trimmed := strings.TrimSpace(call)
	if strings.Contains(trimmed, "http") {
		return fmt.Errorf("call statement contains a URL")
	}
	if !strings.HasPrefix(trimmed, doc.Name+"(") || !strings.HasSuffix(trimmed, ")") {
		return fmt.Errorf("call statement is not a %s(...) expression", doc.Name)
	}
	if strings.ContainsAny(trimmed, "\n;") {
		return fmt.Errorf("call statement is not a single expression")
	}
	return nil
}

// retryStage retries one synthesis stage up to InnerMaxRetries times.
func retryStage[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= InnerMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, InnerMaxRetries, lastErr)
}
