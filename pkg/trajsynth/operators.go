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
	"fmt"
	"strings"

	"github.com/blilab/agentsynth/pkg/judge"
	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

const btMaxAttempts = 3

// Operator is one chain-verification strategy applied to a query record.
type Operator struct {
	Name string
	Run  func(ctx context.Context, rec *record.QueryRecord) (any, error)
}

// RunOperators applies every operator and stores its result (or a failure
// marker) under chain_info.operator_results. Operator errors never abort
// the record.
func RunOperators(ctx context.Context, reg *named.Registry, rec *record.QueryRecord, ops []Operator) {
	if rec.ChainInfo.OperatorResults == nil {
		rec.ChainInfo.OperatorResults = make(map[string]any, len(ops))
	}
	tasks := make([]func(context.Context) (any, error), len(ops))
	for i, op := range ops {
		tasks[i] = func(ctx context.Context) (any, error) {
			return op.Run(ctx, rec)
		}
	}
	results := named.Gather(ctx, reg, "chain_verify", tasks)
	for i, res := range results {
		if res.Err != nil {
			rec.ChainInfo.OperatorResults[ops[i].Name] = map[string]any{
				"status": "failed",
				"error":  res.Err.Error(),
			}
			continue
		}
		rec.ChainInfo.OperatorResults[ops[i].Name] = res.Value
	}
}

// VoteVerifier samples the chain-validity judge several times and majority
// votes the verdicts.
type VoteVerifier struct {
	Chat    Chatter
	Prompts *prompts.Store
	Samples int
}

type voteAnswer struct {
	IsValid         bool   `json:"is_valid"`
	TaskDescription string `json:"task_description"`
	UserQuery       string `json:"user_query"`
	TaskPlan        string `json:"task_plan"`
	Reason          string `json:"reason"`
}

// Verify returns the vote outcome: is_valid by majority, the first valid
// answer's task fields, and the raw vote count (parse failures included as
// invalid votes).
func (v *VoteVerifier) Verify(ctx context.Context, rec *record.QueryRecord) (map[string]any, error) {
	samples := v.Samples
	if samples <= 0 {
		samples = 3
	}
	prompt, err := v.Prompts.Render("vote_verify", map[string]string{
		"MCP_SERVER_NAME": rec.MCPInfo.BaseInfo.GroupInfo.ServerName,
		"TOOL_LIST":       rec.MCPInfo.NumberedToolList(),
		"SUB_CHAIN":       strings.Join(rec.ChainInfo.SubChain, " -> "),
	})
	if err != nil {
		return nil, err
	}

	flags := make([]bool, 0, samples)
	var selected *voteAnswer
	parseErrors := 0
	for i := 0; i < samples; i++ {
		reply, err := v.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			parseErrors++
			flags = append(flags, false)
			continue
		}
		var ans voteAnswer
		if p := parse.JSONInto(reply.Content, &ans); !p.OK() {
			parseErrors++
			flags = append(flags, false)
			continue
		}
		flags = append(flags, ans.IsValid)
		if ans.IsValid && selected == nil {
			selected = &ans
		}
	}

	out := map[string]any{
		"is_valid":     judge.MajorityTrue(flags),
		"vote_count":   len(flags),
		"valid_votes":  countTrue(flags),
		"parse_errors": parseErrors,
	}
	if selected != nil {
		out["task_description"] = selected.TaskDescription
		out["user_query"] = selected.UserQuery
		out["task_plan"] = selected.TaskPlan
	}
	return out, nil
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// BackTranslator verifies a chain by round-tripping it through language:
// chain -> query -> planned chain, per model, then majority votes across
// models. A model's vote is valid only when the planned chain equals the
// original tool-by-tool.
type BackTranslator struct {
	Models  map[string]Chatter
	Prompts *prompts.Store
}

// Verify returns the per-model votes and the majority outcome.
func (b *BackTranslator) Verify(ctx context.Context, rec *record.QueryRecord) (map[string]any, error) {
	if len(b.Models) == 0 {
		return nil, fmt.Errorf("no models configured for back translation")
	}
	chain := rec.ChainInfo.SubChain
	toolList := rec.MCPInfo.NumberedToolList()

	perModel := make(map[string]any, len(b.Models))
	var flags []bool
	for name, chat := range b.Models {
		valid, detail := b.verifyWithModel(ctx, chat, &rec.MCPInfo, toolList, chain)
		perModel[name] = detail
		flags = append(flags, valid)
	}
	return map[string]any{
		"valid":     judge.MajorityTrue(flags),
		"per_model": perModel,
	}, nil
}

func (b *BackTranslator) verifyWithModel(ctx context.Context, chat Chatter, info *record.MCPInfo, toolList string, chain []string) (bool, map[string]any) {
	query, err := b.queryFromChain(ctx, chat, toolList, chain)
	if err != nil {
		return false, map[string]any{"valid": false, "error": err.Error()}
	}
	plan, err := b.chainFromQuery(ctx, chat, info, toolList, query)
	if err != nil {
		return false, map[string]any{"valid": false, "query": query, "error": err.Error()}
	}
	valid := judge.AllMatch(plan, chain)
	return valid, map[string]any{"valid": valid, "query": query, "plan": plan}
}

// queryFromChain derives a user request from the chain; the judge must call
// its own request realistic.
func (b *BackTranslator) queryFromChain(ctx context.Context, chat Chatter, toolList string, chain []string) (string, error) {
	prompt, err := b.Prompts.Render("bt_query_from_chain", map[string]string{
		"TOOL_LIST": toolList,
		"SUB_CHAIN": strings.Join(chain, " -> "),
	})
	if err != nil {
		return "", err
	}
	var lastErr error
	for attempt := 0; attempt < btMaxAttempts; attempt++ {
		reply, err := chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var out struct {
			Valid bool   `json:"valid"`
			Query string `json:"query"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			lastErr = fmt.Errorf("unparseable query reply: %w", p.Err)
			continue
		}
		if !out.Valid || out.Query == "" {
			return "", fmt.Errorf("no realistic query exists for this chain")
		}
		return out.Query, nil
	}
	return "", lastErr
}

// chainFromQuery plans a tool sequence for the query; every planned tool
// must exist on the server.
func (b *BackTranslator) chainFromQuery(ctx context.Context, chat Chatter, info *record.MCPInfo, toolList, query string) ([]string, error) {
	prompt, err := b.Prompts.Render("bt_chain_from_query", map[string]string{
		"TOOL_LIST": toolList,
		"QUERY":     query,
	})
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < btMaxAttempts; attempt++ {
		reply, err := chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var out struct {
			Plan []string `json:"plan"`
		}
		if p := parse.JSONInto(reply.Content, &out); !p.OK() {
			lastErr = fmt.Errorf("unparseable plan reply: %w", p.Err)
			continue
		}
		if len(out.Plan) == 0 {
			lastErr = fmt.Errorf("empty plan")
			continue
		}
		for _, name := range out.Plan {
			if info.Tool(name) == nil {
				lastErr = fmt.Errorf("plan names unknown tool %q", name)
				out.Plan = nil
				break
			}
		}
		if out.Plan != nil {
			return out.Plan, nil
		}
	}
	return nil, lastErr
}
