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
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

const (
	intentMaxAttempts = 3
	intentBaseDelay   = 2 * time.Second
)

// Merge statuses carried on ClusterMerge.Status.
const (
	MergeSuccess        = "success"
	MergePartialSuccess = "partial_success"
	MergeFailed         = "failed"
)

// MergeEngine folds per-step tools that share one intent into a single
// parameterized implementation.
type MergeEngine struct {
	Chat    Chatter
	Sandbox Runner
	Prompts *prompts.Store
}

// MergeRecord clusters rec's synthesized tools and merges each multi-member
// cluster. Returns the updated record; nil means the record failed
// post-merge validation and must be dropped.
func (m *MergeEngine) MergeRecord(ctx context.Context, rec *record.DecompositionRecord) (*record.DecompositionRecord, error) {
	log := logger.GetLogger()

	synthesized := make(map[string]*record.EnvResult)
	for uuid, res := range rec.EnvResults {
		if res != nil {
			synthesized[uuid] = res
		}
	}
	if len(synthesized) < 2 {
		return rec, nil
	}

	clusters, err := m.aggregateIntents(ctx, synthesized)
	if err != nil {
		// no clusters is not fatal: the record keeps its per-step tools
		log.Warn("intent aggregation failed, record passes through",
			"record", rec.UUID, "error", err)
		return rec, nil
	}

	for _, cluster := range clusters {
		members := m.clusterMembers(cluster, synthesized)
		if len(members) < 2 {
			continue
		}
		merge := m.mergeCluster(ctx, cluster, members, synthesized)
		rec.MergeInfo = append(rec.MergeInfo, merge)

		if merge.Status != MergeSuccess {
			continue
		}
		// rewrite every member with the shared implementation
		for i, uuid := range merge.Cluster.UUIDs {
			res := synthesized[uuid]
			stmt := merge.ToolCallStatements[i]

			out, err := m.runStatement(ctx, merge.MergedCode, stmt.Statement)
			if err != nil || !strings.Contains(out, res.Answer) {
				log.Error("merged tool failed final answer check, dropping record",
					"record", rec.UUID, "step", uuid)
				return nil, nil
			}
			res.EnvSynthesisResult.Data.Code = merge.MergedCode
			res.EnvSynthesisResult.Data.ToolDocument = merge.ToolDocument
			res.EnvSynthesisResult.Data.ToolCallStatement = stmt.Statement
			res.EnvSynthesisResult.Data.ToolCallAns = out
			res.MergeFlag = true
		}
	}
	return rec, nil
}

// aggregateIntents asks the model to group tools by shared intent, retrying
// with geometric backoff. Unknown uuids are discarded from the reply.
func (m *MergeEngine) aggregateIntents(ctx context.Context, synthesized map[string]*record.EnvResult) ([]record.Cluster, error) {
	var b strings.Builder
	for uuid, res := range synthesized {
		docJSON, _ := json.Marshal(res.EnvSynthesisResult.Data.ToolDocument)
		fmt.Fprintf(&b, "uuid: %s\nquestion: %s\nanswer: %s\ntool: %s\n\n", uuid, res.Question, res.Answer, docJSON)
	}
	prompt, err := m.Prompts.Render("merge_intent", map[string]string{"TOOLS": b.String()})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= intentMaxAttempts; attempt++ {
		reply, err := m.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err == nil {
			var out struct {
				Clusters []record.Cluster `json:"clusters"`
			}
			if p := parse.JSONInto(reply.Content, &out); p.OK() && len(out.Clusters) > 0 {
				for i := range out.Clusters {
					kept := out.Clusters[i].UUIDs[:0]
					for _, uuid := range out.Clusters[i].UUIDs {
						if _, ok := synthesized[uuid]; ok {
							kept = append(kept, uuid)
						}
					}
					out.Clusters[i].UUIDs = kept
				}
				return out.Clusters, nil
			}
			lastErr = fmt.Errorf("unparseable cluster reply")
		} else {
			lastErr = err
		}

		if attempt < intentMaxAttempts {
			delay := time.Duration(float64(intentBaseDelay) * math.Pow(1.5, float64(attempt-1)))
			delay += time.Duration(rand.Int63n(int64(time.Second)))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (m *MergeEngine) clusterMembers(cluster record.Cluster, synthesized map[string]*record.EnvResult) []*record.EnvResult {
	members := make([]*record.EnvResult, 0, len(cluster.UUIDs))
	for _, uuid := range cluster.UUIDs {
		if res, ok := synthesized[uuid]; ok {
			members = append(members, res)
		}
	}
	return members
}

// mergeCluster runs the merge loop: patch the base code's mock data for all
// members, regenerate each member's call, sandbox-test everything, and keep
// the best attempt by passed count. Converges when every member passes.
func (m *MergeEngine) mergeCluster(ctx context.Context, cluster record.Cluster, members []*record.EnvResult, synthesized map[string]*record.EnvResult) record.ClusterMerge {
	base := members[0].EnvSynthesisResult.Data
	best := record.ClusterMerge{
		Cluster:      cluster,
		ToolDocument: base.ToolDocument,
		Status:       MergeFailed,
		Verification: record.MergeVerification{
			PassedCount: -1,
			TotalCount:  len(members),
		},
	}

	var cases strings.Builder
	for _, member := range members {
		fmt.Fprintf(&cases, "- question: %s\n  expected answer: %s\n", member.Question, member.Answer)
	}

	for attempt := 1; attempt <= MergeMaxRetries; attempt++ {
		code, err := m.patchCode(ctx, base.Code, cases.String())
		if err != nil {
			continue
		}

		statements := make([]record.MergeStatement, 0, len(members))
		results := make([]bool, 0, len(members))
		passed := 0
		ok := true
		for i, member := range members {
			stmt, err := m.regenerateStatement(ctx, &base.ToolDocument, member)
			if err != nil {
				ok = false
				break
			}
			out, err := m.runStatement(ctx, code, stmt)
			pass := err == nil && strings.Contains(out, member.Answer)
			if pass {
				passed++
			}
			statements = append(statements, record.MergeStatement{
				UUID:      cluster.UUIDs[i],
				Statement: stmt,
				Question:  member.Question,
				Answer:    member.Answer,
			})
			results = append(results, pass)
		}
		if !ok {
			continue
		}

		if passed > best.Verification.PassedCount {
			best.MergedCode = code
			best.ToolCallStatements = statements
			best.Verification = record.MergeVerification{
				TestResults: results,
				PassedCount: passed,
				TotalCount:  len(members),
				RetryCount:  attempt,
			}
		}
		if passed == len(members) {
			best.Status = MergeSuccess
			return best
		}
	}

	// any completed merge attempt counts as partial, even with zero passing
	// members; "failed" means no attempt produced a merged implementation
	if best.Verification.PassedCount >= 0 {
		best.Status = MergePartialSuccess
	}
	return best
}

func (m *MergeEngine) patchCode(ctx context.Context, code, cases string) (string, error) {
	prompt, err := m.Prompts.Render("merge_patch_code", map[string]string{
		"CODE":  code,
		"CASES": cases,
	})
	if err != nil {
		return "", err
	}
	reply, err := m.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Code string `json:"code"`
	}
	if p := parse.JSONInto(reply.Content, &out); !p.OK() || out.Code == "" {
		return "", fmt.Errorf("unparseable patch reply")
	}
	return out.Code, nil
}

func (m *MergeEngine) regenerateStatement(ctx context.Context, doc *record.ToolDocument, member *record.EnvResult) (string, error) {
	docJSON, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	prompt, err := m.Prompts.Render("merge_statement", map[string]string{
		"TOOL_DOC": string(docJSON),
		"QUESTION": member.Question,
		"ANSWER":   member.Answer,
	})
	if err != nil {
		return "", err
	}
	reply, err := m.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Call string `json:"call"`
	}
	if p := parse.JSONInto(reply.Content, &out); !p.OK() || out.Call == "" {
		return "", fmt.Errorf("unparseable statement reply")
	}
	if err := ValidateCallStatement(out.Call, doc); err != nil {
		return "", err
	}
	return out.Call, nil
}

func (m *MergeEngine) runStatement(ctx context.Context, code, statement string) (string, error) {
	resp, err := m.Sandbox.RunCode(ctx, code+"\nprint("+statement+")")
	if err != nil {
		return "", err
	}
	if !resp.Succeeded() {
		return "", fmt.Errorf("sandbox execution failed")
	}
	return resp.RunResult.Stdout, nil
}
