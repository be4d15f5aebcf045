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
	"fmt"
	"strconv"
	"strings"

	"github.com/blilab/agentsynth/pkg/judge"
	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

// BrokenTraceScore marks a record whose dependency graph could not even be
// split for judging; it sinks the composite far below any filter threshold.
const BrokenTraceScore = -100

// Verifier scores decomposition quality with four concurrent judges:
// dependency necessity, atomicity, forced serialization, completeness.
type Verifier struct {
	Chat    Chatter
	Prompts *prompts.Store
	Sem     *named.Registry
}

// Verify attaches verify_result to rec: the composite (mean of the four
// judge scores) plus every sub-judgement. Judge failures score their safe
// default of 1 and flag is_safe_score.
func (v *Verifier) Verify(ctx context.Context, rec *record.DecompositionRecord) {
	judges := []judge.Judge{
		{Name: "dependency_necessity", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return v.judgeDependencies(ctx, rec)
		}},
		{Name: "atomicity", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return v.judgeAtomicity(ctx, rec)
		}},
		{Name: "forced_serialization", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return v.judgeSerialization(ctx, rec)
		}},
		{Name: "completeness", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return v.judgeCompleteness(ctx, rec)
		}},
	}

	verdict := judge.Vote(ctx, v.Sem, "verify_trace", judges, judge.Mean)
	rec.VerifyResult = &record.VerifyResult{
		Score: verdict.Score,
		ExtraInfo: map[string]any{
			"results":       verdict.Results,
			"is_safe_score": verdict.IsSafeScore,
		},
	}
}

// judgeDependencies scores each dependent step 0/1 on whether its declared
// upstream set is exactly right, averaged over dependent steps. A trace
// whose dependency uuids cannot be resolved scores BrokenTraceScore.
func (v *Verifier) judgeDependencies(ctx context.Context, rec *record.DecompositionRecord) (float64, map[string]any, error) {
	type depCase struct {
		step *record.TraceStep
		refs string
	}
	var cases []depCase
	for i := range rec.Trace {
		step := &rec.Trace[i]
		if len(step.Dependency) == 0 {
			continue
		}
		var b strings.Builder
		for _, dep := range step.Dependency {
			upstream := rec.Step(dep)
			if upstream == nil {
				return BrokenTraceScore, map[string]any{
					"error": fmt.Sprintf("step %s depends on unknown uuid %s", step.UUID, dep),
				}, nil
			}
			fmt.Fprintf(&b, "- question: %s\n  answer: %s\n", upstream.SubQuestion, upstream.SubAnswer)
		}
		cases = append(cases, depCase{step: step, refs: b.String()})
	}
	if len(cases) == 0 {
		return 1, map[string]any{"note": "no dependent steps"}, nil
	}

	tasks := make([]func(context.Context) (float64, error), len(cases))
	for i, dc := range cases {
		tasks[i] = func(ctx context.Context) (float64, error) {
			prompt, err := v.Prompts.Render("verify_dependency", map[string]string{
				"SUB_QUESTION": dc.step.SubQuestion,
				"DEPENDENCIES": dc.refs,
			})
			if err != nil {
				return 0, err
			}
			reply, err := v.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
			if err != nil {
				return 0, err
			}
			var out struct {
				Score float64 `json:"score"`
			}
			if p := parse.JSONInto(reply.Content, &out); !p.OK() {
				return 0, fmt.Errorf("unparseable dependency verdict: %w", p.Err)
			}
			return out.Score, nil
		}
	}

	results := named.Gather(ctx, v.Sem, "dependency_score", tasks)
	scores := make([]float64, 0, len(results))
	perStep := make(map[string]float64, len(results))
	for i, res := range results {
		if res.Err != nil {
			// one failed step falls back to 1 rather than failing the judge
			res.Value = 1
		}
		scores = append(scores, res.Value)
		perStep[cases[i].step.UUID] = res.Value
	}
	return judge.Mean(scores), map[string]any{"per_step": perStep}, nil
}

// judgeAtomicity asks one judge for a per-step atomicity map; the terminal
// summary step is exempt from the average.
func (v *Verifier) judgeAtomicity(ctx context.Context, rec *record.DecompositionRecord) (float64, map[string]any, error) {
	prompt, err := v.Prompts.Render("verify_atomicity", map[string]string{
		"MAIN_QUESTION": rec.MainQuestion,
		"TRACE":         formatTrace(rec.Trace),
	})
	if err != nil {
		return 0, nil, err
	}
	reply, err := v.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return 0, nil, err
	}
	p := parse.JSON(reply.Content)
	if !p.OK() {
		return 0, nil, fmt.Errorf("unparseable atomicity verdict: %w", p.Err)
	}
	byIndex, ok := p.Value.(map[string]any)
	if !ok {
		return 0, nil, fmt.Errorf("atomicity verdict is not an object")
	}

	var scores []float64
	for i := range rec.Trace {
		if i == len(rec.Trace)-1 {
			continue // summary step exempt
		}
		entry, ok := byIndex[strconv.Itoa(i+1)].(map[string]any)
		if !ok {
			return 0, nil, fmt.Errorf("atomicity verdict missing step %d", i+1)
		}
		score, ok := parse.Number(entry, "is_atomic")
		if !ok {
			return 0, nil, fmt.Errorf("atomicity verdict step %d missing is_atomic", i+1)
		}
		scores = append(scores, score)
	}
	if len(scores) == 0 {
		return 1, nil, nil
	}
	return judge.Mean(scores), map[string]any{"by_index": byIndex}, nil
}

// judgeSerialization scores 0 for every step the judge flags as wrongly
// serialized, 1 otherwise, averaged over all steps.
func (v *Verifier) judgeSerialization(ctx context.Context, rec *record.DecompositionRecord) (float64, map[string]any, error) {
	prompt, err := v.Prompts.Render("verify_serialization", map[string]string{
		"MAIN_QUESTION": rec.MainQuestion,
		"TRACE":         formatTrace(rec.Trace),
	})
	if err != nil {
		return 0, nil, err
	}
	reply, err := v.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return 0, nil, err
	}
	var out struct {
		Score            float64  `json:"score"`
		ProblematicSteps []string `json:"problematic_steps"`
		Reasoning        string   `json:"reasoning"`
	}
	if p := parse.JSONInto(reply.Content, &out); !p.OK() {
		return 0, nil, fmt.Errorf("unparseable serialization verdict: %w", p.Err)
	}

	flagged := make(map[string]bool, len(out.ProblematicSteps))
	for _, uuid := range out.ProblematicSteps {
		flagged[uuid] = true
	}
	scores := make([]float64, len(rec.Trace))
	for i, step := range rec.Trace {
		if flagged[step.UUID] {
			scores[i] = 0
		} else {
			scores[i] = 1
		}
	}
	payload := map[string]any{
		"problematic_steps": out.ProblematicSteps,
		"reasoning":         out.Reasoning,
	}
	return judge.Mean(scores), payload, nil
}

// judgeCompleteness asks whether the sub-questions cover every requirement
// of the main question.
func (v *Verifier) judgeCompleteness(ctx context.Context, rec *record.DecompositionRecord) (float64, map[string]any, error) {
	var b strings.Builder
	for i, step := range rec.Trace {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step.SubQuestion)
	}
	prompt, err := v.Prompts.Render("verify_completeness", map[string]string{
		"MAIN_QUESTION": rec.MainQuestion,
		"SUB_QUESTIONS": strings.TrimRight(b.String(), "\n"),
	})
	if err != nil {
		return 0, nil, err
	}
	reply, err := v.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return 0, nil, err
	}
	p := parse.JSON(reply.Content)
	if !p.OK() {
		return 0, nil, fmt.Errorf("unparseable completeness verdict: %w", p.Err)
	}
	verdict, ok := p.Value.(map[string]any)
	if !ok {
		return 0, nil, fmt.Errorf("completeness verdict is not an object")
	}
	score, ok := parse.Number(verdict, "score")
	if !ok {
		return 0, nil, fmt.Errorf("completeness verdict missing score")
	}
	return score, map[string]any{"coverage_analysis": verdict["coverage_analysis"]}, nil
}
