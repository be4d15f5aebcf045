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

package trajsynth

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/blilab/agentsynth/pkg/judge"
	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

const toolStatusMaxAttempts = 3

// test seam
var sleep = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RewardScorer scores one finished trajectory with seven concurrent judges:
// tool conciseness, final answer (correlation + summary), tool-call success,
// intermediate plan, tool-return understanding, global understanding, global
// plan. The overall reward is their mean; every judge failure collapses to a
// safe 1.0 and flags is_safe_score.
type RewardScorer struct {
	Chat    Chatter
	Prompts *prompts.Store
	Sem     *named.Registry
}

// Score attaches reward_info to the record.
func (s *RewardScorer) Score(ctx context.Context, rec *record.QueryRecord) {
	judges := []judge.Judge{
		{Name: "tool_concise", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgeConciseness(ctx, rec)
		}},
		{Name: "final_answer", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgeFinalAnswer(ctx, rec)
		}},
		{Name: "tool_call", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgeToolCalls(ctx, rec)
		}},
		{Name: "tool_plan", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgePlans(ctx, rec)
		}},
		{Name: "tool_understand", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgeUnderstanding(ctx, rec)
		}},
		{Name: "query_understand", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgeGlobal(ctx, rec, "reward_global_understand")
		}},
		{Name: "query_plan", SafeScore: 1, Run: func(ctx context.Context) (float64, map[string]any, error) {
			return s.judgeGlobal(ctx, rec, "reward_global_plan")
		}},
	}

	verdict := judge.Vote(ctx, s.Sem, "reward", judges, judge.Mean)
	scores := make(map[string]float64, len(verdict.Results))
	for _, res := range verdict.Results {
		scores[res.Name] = res.Score
	}
	rec.RewardInfo = &record.RewardInfo{
		Overall: verdict.Score,
		Scores:  scores,
		ExtraInfo: map[string]any{
			"results":       verdict.Results,
			"is_safe_score": verdict.IsSafeScore,
		},
	}
}

// judgeConciseness rates every tool call 0/1 in one pass and averages.
func (s *RewardScorer) judgeConciseness(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	if !hasToolActivity(rec.Trajectory) {
		return 0, nil, fmt.Errorf("no tool calls in trajectory")
	}
	prompt, err := s.Prompts.Render("reward_conciseness", map[string]string{
		"QUERY":      firstUserContent(rec.Trajectory),
		"TRAJECTORY": messagesJSON(rec.Trajectory),
	})
	if err != nil {
		return 0, nil, err
	}
	reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return 0, nil, err
	}
	var out struct {
		ToolScoreList []struct {
			ToolName string  `json:"tool_name"`
			Score    float64 `json:"score"`
			Reason   string  `json:"reason"`
		} `json:"tool_score_list"`
	}
	if p := parse.JSONInto(reply.Content, &out); !p.OK() {
		return 0, nil, fmt.Errorf("unparseable conciseness verdict: %w", p.Err)
	}
	if len(out.ToolScoreList) == 0 {
		return 0, nil, fmt.Errorf("conciseness verdict lists no tool calls")
	}
	scores := make([]float64, len(out.ToolScoreList))
	for i, entry := range out.ToolScoreList {
		scores[i] = entry.Score
	}
	return judge.Mean(scores), map[string]any{"tool_score_list": out.ToolScoreList}, nil
}

// judgeFinalAnswer averages the correlation and summary sub-judges. A sub
// failure falls back to 1.0 rather than failing the whole judge.
func (s *RewardScorer) judgeFinalAnswer(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	if len(rec.Trajectory) == 0 {
		return 0, nil, fmt.Errorf("empty trajectory")
	}
	payload := map[string]any{}

	correlation, corrInfo, err := s.scoreCorrelation(ctx, rec)
	if err != nil {
		correlation = 1
		corrInfo = map[string]any{"error": err.Error(), "is_safe_score": 1}
	}
	payload["correlation"] = map[string]any{"score": correlation, "detail": corrInfo}

	summary, sumInfo, err := s.scoreSummary(ctx, rec)
	if err != nil {
		summary = 1
		sumInfo = map[string]any{"error": err.Error(), "is_safe_score": 1}
	}
	payload["summary"] = map[string]any{"score": summary, "detail": sumInfo}

	return (correlation + summary) / 2, payload, nil
}

// scoreCorrelation short-circuits to 0 when the query and answer disagree in
// dominant language; otherwise the judge scores 0/0.5/1.
func (s *RewardScorer) scoreCorrelation(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	query := firstUserContent(rec.Trajectory)
	answer := rec.Trajectory[len(rec.Trajectory)-1].Content

	if !languageConsistent(query, answer) {
		return 0, map[string]any{
			"reason": "query and answer use different languages",
		}, nil
	}

	prompt, err := s.Prompts.Render("reward_correlation", map[string]string{
		"QUERY":  query,
		"ANSWER": answer,
	})
	if err != nil {
		return 0, nil, err
	}
	return s.scoreReply(ctx, prompt)
}

// scoreSummary checks cited URLs first: any URL in the answer that never
// appears in the trajectory goes to the fabrication judge, and a fabricated
// citation scores 0 outright.
func (s *RewardScorer) scoreSummary(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	msgs := rec.Trajectory
	answer := msgs[len(msgs)-1].Content
	prior := msgs[:len(msgs)-1]
	priorJSON := messagesJSON(prior)

	if len(prior) == 2 && prior[0].Role == "system" && prior[1].Role == "user" {
		return 1, map[string]any{"reason": "no tool interaction preceding the answer"}, nil
	}

	if strings.Contains(answer, "http") {
		var missing []string
		for _, url := range extractURLs(answer) {
			if !strings.Contains(priorJSON, url) {
				missing = append(missing, url)
			}
		}
		if len(missing) > 0 {
			fabricated, err := s.verifyURLs(ctx, missing, priorJSON, answer)
			if err == nil && fabricated {
				return 0, map[string]any{
					"reason":       "answer cites URLs absent from the trajectory",
					"missing_urls": missing,
				}, nil
			}
		}
	}

	prompt, err := s.Prompts.Render("reward_summary", map[string]string{
		"QUERY":      firstUserContent(msgs),
		"TRAJECTORY": priorJSON,
		"ANSWER":     answer,
	})
	if err != nil {
		return 0, nil, err
	}
	return s.scoreReply(ctx, prompt)
}

func (s *RewardScorer) verifyURLs(ctx context.Context, urls []string, trajectory, answer string) (bool, error) {
	prompt, err := s.Prompts.Render("reward_url_verify", map[string]string{
		"URLS":       strings.Join(urls, "\n"),
		"TRAJECTORY": trajectory,
		"ANSWER":     answer,
	})
	if err != nil {
		return false, err
	}
	reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Fabricated bool `json:"fabricated"`
	}
	if p := parse.JSONInto(reply.Content, &out); !p.OK() {
		return false, fmt.Errorf("unparseable url verdict: %w", p.Err)
	}
	return out.Fabricated, nil
}

// judgeToolCalls scores every tool message success/failure and weights
// 1.0 per success and 0.5 per failure. Failures still earn credit because
// the execution itself happened.
func (s *RewardScorer) judgeToolCalls(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	callsByID := make(map[string]llm.FunctionCall)
	for _, msg := range rec.Trajectory {
		for _, tc := range msg.ToolCalls {
			callsByID[tc.ID] = tc.Function
		}
	}

	type toolMsg struct {
		call   llm.FunctionCall
		result string
	}
	var toolMsgs []toolMsg
	for _, msg := range rec.Trajectory {
		if msg.Role != "tool" {
			continue
		}
		toolMsgs = append(toolMsgs, toolMsg{call: callsByID[msg.ToolCallID], result: msg.Content})
	}
	if len(toolMsgs) == 0 {
		return 0, nil, fmt.Errorf("no tool messages in trajectory")
	}

	tasks := make([]func(context.Context) (bool, error), len(toolMsgs))
	for i, tm := range toolMsgs {
		tasks[i] = func(ctx context.Context) (bool, error) {
			return s.toolStatus(ctx, tm.call, tm.result)
		}
	}
	results := named.Gather(ctx, s.Sem, "tool_call", tasks)

	success, fail := 0, 0
	perTool := make(map[string]map[string]int)
	for i, res := range results {
		status := res.Value
		if res.Err != nil {
			// unjudgeable call counts as a success
			status = true
		}
		name := toolMsgs[i].call.Name
		if perTool[name] == nil {
			perTool[name] = map[string]int{"success": 0, "fail": 0}
		}
		if status {
			success++
			perTool[name]["success"]++
		} else {
			fail++
			perTool[name]["fail"]++
		}
	}

	total := success + fail
	score := (1.0*float64(success) + 0.5*float64(fail)) / float64(total)
	return score, map[string]any{
		"success_times": success,
		"fail_times":    fail,
		"per_tool":      perTool,
	}, nil
}

// toolStatus asks the judge whether one tool return indicates success,
// retrying with exponential backoff.
func (s *RewardScorer) toolStatus(ctx context.Context, call llm.FunctionCall, result string) (bool, error) {
	callStr := call.Name
	if call.Arguments != "" {
		callStr = fmt.Sprintf("%s(%s)", call.Name, call.Arguments)
	}
	prompt, err := s.Prompts.Render("reward_tool_status", map[string]string{
		"CALL":   callStr,
		"RESULT": result,
	})
	if err != nil {
		return false, err
	}

	var lastErr error
	for attempt := 0; attempt < toolStatusMaxAttempts; attempt++ {
		if attempt > 0 {
			sleep(ctx, time.Duration(1<<(attempt-1))*time.Second)
		}
		reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var out struct {
			ToolStatus bool `json:"tool_status"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			lastErr = fmt.Errorf("unparseable tool status: %w", p.Err)
			continue
		}
		return out.ToolStatus, nil
	}
	return false, lastErr
}

// judgePlans scores each intermediate planning turn: an assistant message
// that follows a tool message, carries tool_calls, and is not the last tool
// activity in the trajectory.
func (s *RewardScorer) judgePlans(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	msgs := rec.Trajectory
	toolDefs := toolDefsJSON(&rec.MCPInfo)

	var segments []int
	for i, msg := range msgs {
		if msg.Role != "assistant" || i == 0 || len(msg.ToolCalls) == 0 {
			continue
		}
		if msgs[i-1].Role != "tool" {
			continue
		}
		if !anyToolAfter(msgs, i) {
			continue
		}
		segments = append(segments, i)
	}
	if len(segments) == 0 {
		return 0, nil, fmt.Errorf("no intermediate planning turns")
	}

	tasks := make([]func(context.Context) (float64, error), len(segments))
	for i, idx := range segments {
		tasks[i] = func(ctx context.Context) (float64, error) {
			prompt, err := s.Prompts.Render("reward_plan", map[string]string{
				"TOOL_DEFS": toolDefs,
				"CONTEXT":   messagesJSON(msgs[:idx]),
				"SEGMENT":   messageJSON(msgs[idx]),
			})
			if err != nil {
				return 0, err
			}
			score, _, err := s.scoreReply(ctx, prompt)
			return score, err
		}
	}
	results := named.Gather(ctx, s.Sem, "tool_content_plan", tasks)

	scores := make([]float64, len(results))
	perSegment := make(map[string]float64, len(results))
	for i, res := range results {
		if res.Err != nil {
			res.Value = 1
		}
		scores[i] = res.Value
		perSegment[fmt.Sprintf("assistant_%d", segments[i])] = res.Value
	}
	return judge.Mean(scores), map[string]any{"per_segment": perSegment}, nil
}

// judgeUnderstanding scores how the assistant interpreted each parallel
// batch of tool returns. The last batch, which normally feeds the final
// answer, is exempt.
func (s *RewardScorer) judgeUnderstanding(ctx context.Context, rec *record.QueryRecord) (float64, map[string]any, error) {
	msgs := rec.Trajectory

	type batch struct {
		start, end int // inclusive range of tool messages
		follow     int // index of the following assistant turn
	}
	var batches []batch
	i := 0
	for i < len(msgs) {
		if msgs[i].Role != "tool" {
			i++
			continue
		}
		start := i
		for i < len(msgs) && msgs[i].Role == "tool" {
			i++
		}
		if i >= len(msgs) {
			continue
		}
		if !anyToolAfter(msgs, i) {
			continue // final batch precedes the answer
		}
		batches = append(batches, batch{start: start, end: i - 1, follow: i})
	}
	if len(batches) == 0 {
		return 0, nil, fmt.Errorf("no intermediate tool batches")
	}

	tasks := make([]func(context.Context) (float64, error), len(batches))
	for i, b := range batches {
		tasks[i] = func(ctx context.Context) (float64, error) {
			prompt, err := s.Prompts.Render("reward_understand", map[string]string{
				"BATCH":    messagesJSON(msgs[b.start : b.end+1]),
				"FOLLOWUP": messageJSON(msgs[b.follow]),
			})
			if err != nil {
				return 0, err
			}
			score, _, err := s.scoreReply(ctx, prompt)
			return score, err
		}
	}
	results := named.Gather(ctx, s.Sem, "tool_content_understand", tasks)

	scores := make([]float64, len(results))
	for i, res := range results {
		if res.Err != nil {
			res.Value = 1
		}
		scores[i] = res.Value
	}
	return judge.Mean(scores), map[string]any{"batches": len(batches)}, nil
}

// judgeGlobal scores the assistant's first turn against the user's request:
// understanding or planning depending on the template.
func (s *RewardScorer) judgeGlobal(ctx context.Context, rec *record.QueryRecord, template string) (float64, map[string]any, error) {
	query := firstUserContent(rec.Trajectory)
	first := firstAssistant(rec.Trajectory)
	if query == "" || first == nil {
		return 0, nil, fmt.Errorf("trajectory has no user query or assistant turn")
	}
	vars := map[string]string{
		"QUERY":      query,
		"FIRST_TURN": messageJSON(*first),
	}
	if template == "reward_global_plan" {
		vars["TOOL_DEFS"] = toolDefsJSON(&rec.MCPInfo)
	}
	prompt, err := s.Prompts.Render(template, vars)
	if err != nil {
		return 0, nil, err
	}
	return s.scoreReply(ctx, prompt)
}

// scoreReply runs one prompt and parses the standard {"score", "reason"}
// verdict shape.
func (s *RewardScorer) scoreReply(ctx context.Context, prompt string) (float64, map[string]any, error) {
	reply, err := s.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return 0, nil, err
	}
	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if p := parse.JSONInto(reply.Content, &out); !p.OK() {
		return 0, nil, fmt.Errorf("unparseable score verdict: %w", p.Err)
	}
	return out.Score, map[string]any{"reason": out.Reason}, nil
}

// trajectory helpers

func hasToolActivity(msgs []llm.Message) bool {
	for _, msg := range msgs {
		if msg.Role == "tool" || len(msg.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func firstUserContent(msgs []llm.Message) string {
	for _, msg := range msgs {
		if msg.Role == "user" {
			return msg.Content
		}
	}
	return ""
}

func firstAssistant(msgs []llm.Message) *llm.Message {
	for i := range msgs {
		if msgs[i].Role == "assistant" {
			return &msgs[i]
		}
	}
	return nil
}

func anyToolAfter(msgs []llm.Message, idx int) bool {
	for _, msg := range msgs[idx+1:] {
		if msg.Role == "tool" {
			return true
		}
	}
	return false
}

func messagesJSON(msgs []llm.Message) string {
	data, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(data)
}

func messageJSON(msg llm.Message) string {
	data, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(data)
}

func toolDefsJSON(info *record.MCPInfo) string {
	data, err := json.Marshal(info.BaseInfo.ToolList)
	if err != nil {
		return ""
	}
	return string(data)
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `\[\]{}|\\^]+`)

func extractURLs(text string) []string {
	raw := urlPattern.FindAllString(text, -1)
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		if u = strings.TrimRight(u, ".,;:!?)"); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// languageConsistent compares the dominant language of two texts: Chinese
// when CJK chars exceed 60% of letters, English when Latin letters exceed
// 70%, mixed otherwise. A text with no letters at all never counts as
// inconsistent.
func languageConsistent(query, answer string) bool {
	ql, al := detectLanguage(query), detectLanguage(answer)
	if ql == "unknown" || al == "unknown" {
		return true
	}
	return ql == al
}

func detectLanguage(text string) string {
	chinese, english, total := 0, 0, 0
	for _, r := range text {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			chinese++
			total++
		case unicode.IsLetter(r):
			english++
			total++
		}
	}
	if total == 0 {
		return "unknown"
	}
	switch {
	case float64(chinese)/float64(total) > 0.6:
		return "zh"
	case float64(english)/float64(total) > 0.7:
		return "en"
	default:
		return "mixed"
	}
}
