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

// Package record defines the JSONL data model the pipeline stages exchange.
// Records flow append-only: later stages add fields, never remove them.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Dependencies tolerates the encodings found in the wild: a JSON list of
// uuids, null, or the strings "null" / "None".
type Dependencies []string

func (d *Dependencies) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*d = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "null", "none":
			*d = nil
			return nil
		default:
			*d = Dependencies{s}
			return nil
		}
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("dependency: %w", err)
	}
	*d = list
	return nil
}

// TraceStep is one step of a decomposition trace. ToolNecessity and Reason
// are filled by the necessity check; nil means not yet judged.
type TraceStep struct {
	UUID          string       `json:"uuid"`
	HopLevel      int          `json:"hop_level"`
	SubQuestion   string       `json:"sub_question"`
	SubAnswer     string       `json:"sub_answer"`
	Dependency    Dependencies `json:"dependency"`
	IsParallel    bool         `json:"is_parallel"`
	ToolNecessity *bool        `json:"tool_necessity,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// VerifyResult is the decomposition verifier's output on one record.
type VerifyResult struct {
	Score     float64        `json:"score"`
	ExtraInfo map[string]any `json:"extra_info,omitempty"`
}

// DecompositionRecord is one env-synthesis record end to end: the trace in,
// then necessity, verification, per-step env results and cluster merges
// accrete onto it.
type DecompositionRecord struct {
	UUID                    string                `json:"uuid"`
	MainQuestion            string                `json:"main_question"`
	FinalAnswer             string                `json:"final_answer"`
	Trace                   []TraceStep           `json:"trace"`
	ToolNecessityLegitimacy *bool                 `json:"tool_necessity_legitimacy,omitempty"`
	VerifyResult            *VerifyResult         `json:"verify_result,omitempty"`
	EnvResults              map[string]*EnvResult `json:"env_results,omitempty"`
	MergeInfo               []ClusterMerge        `json:"merge_info,omitempty"`
	Error                   string                `json:"error,omitempty"`
}

// Step returns the trace step with the given uuid, or nil.
func (r *DecompositionRecord) Step(uuid string) *TraceStep {
	for i := range r.Trace {
		if r.Trace[i].UUID == uuid {
			return &r.Trace[i]
		}
	}
	return nil
}

// ValidateTrace checks the structural invariants of the trace: unique step
// uuids, dependencies referencing earlier steps only, and hop levels
// non-decreasing along dependency edges.
func (r *DecompositionRecord) ValidateTrace() error {
	seen := make(map[string]int, len(r.Trace))
	for i, step := range r.Trace {
		if step.UUID == "" {
			return fmt.Errorf("step %d: empty uuid", i)
		}
		if _, dup := seen[step.UUID]; dup {
			return fmt.Errorf("step %d: duplicate uuid %s", i, step.UUID)
		}
		for _, dep := range step.Dependency {
			j, ok := seen[dep]
			if !ok {
				return fmt.Errorf("step %d (%s): dependency %s does not reference an earlier step", i, step.UUID, dep)
			}
			if r.Trace[j].HopLevel > step.HopLevel {
				return fmt.Errorf("step %d (%s): hop_level %d below dependency %s hop_level %d",
					i, step.UUID, step.HopLevel, dep, r.Trace[j].HopLevel)
			}
		}
		seen[step.UUID] = i
	}
	return nil
}

// ToolParameters is the JSON-Schema-shaped parameter block of a tool.
type ToolParameters struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// ToolDocument describes one synthesized tool.
type ToolDocument struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// Validate checks the tool document invariants: all three blocks present
// and required ⊆ properties.
func (d *ToolDocument) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool document: missing name")
	}
	if d.Description == "" {
		return fmt.Errorf("tool document %q: missing description", d.Name)
	}
	if d.Parameters.Properties == nil {
		return fmt.Errorf("tool document %q: missing parameters.properties", d.Name)
	}
	for _, req := range d.Parameters.Required {
		if _, ok := d.Parameters.Properties[req]; !ok {
			return fmt.Errorf("tool document %q: required parameter %q not in properties", d.Name, req)
		}
	}
	return nil
}

// EnvSynthesisData is the artifact bundle of one successful synthesis.
type EnvSynthesisData struct {
	ToolDocument      ToolDocument `json:"tool_document"`
	ToolCallStatement string       `json:"tool_call_statement"`
	Code              string       `json:"code"`
	ToolCallAns       string       `json:"tool_call_ans"`
}

// EnvSynthesisResult wraps the data with synthesis diagnostics.
type EnvSynthesisResult struct {
	Data      EnvSynthesisData `json:"data"`
	ExtraInfo map[string]any   `json:"extra_info,omitempty"`
}

// EnvResult is the per-sub-question synthesis outcome. A nil *EnvResult in
// DecompositionRecord.EnvResults means the tool was unnecessary or synthesis
// failed.
type EnvResult struct {
	Question           string             `json:"question"`
	Answer             string             `json:"answer"`
	EnvSynthesisResult EnvSynthesisResult `json:"env_synthesis_result"`
	MergeFlag          bool               `json:"merge_flag,omitempty"`
}

// Cluster groups sub-question uuids whose tools share one parameterized
// implementation.
type Cluster struct {
	IntentSummary string   `json:"intent_summary"`
	Reason        string   `json:"reason,omitempty"`
	UUIDs         []string `json:"_uuids"`
	MainUUID      string   `json:"main_uuid,omitempty"`
}

// MergeStatement is one member's regenerated call against the merged code.
type MergeStatement struct {
	UUID      string `json:"_uuid"`
	Statement string `json:"statement"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
}

// MergeVerification summarizes sandbox testing of a merged cluster.
type MergeVerification struct {
	TestResults []bool `json:"test_results"`
	PassedCount int    `json:"passed_count"`
	TotalCount  int    `json:"total_count"`
	RetryCount  int    `json:"retry_count"`
}

// ClusterMerge is the per-cluster merge outcome carried on the record.
type ClusterMerge struct {
	Cluster            Cluster           `json:"cluster"`
	MergedCode         string            `json:"merged_code"`
	ToolDocument       ToolDocument      `json:"tool_document"`
	ToolCallStatements []MergeStatement  `json:"tool_call_statements"`
	Verification       MergeVerification `json:"verification"`
	Status             string            `json:"status"` // success, partial_success, failed
}
