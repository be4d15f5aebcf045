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

package record

import (
	"fmt"
	"strings"

	"github.com/blilab/agentsynth/pkg/llm"
)

// GroupInfo identifies one MCP server group.
type GroupInfo struct {
	ServerName        string `json:"server_name"`
	ServerTitle       string `json:"server_title,omitempty"`
	ServerDescription string `json:"server_description,omitempty"`
	GroupID           string `json:"group_id,omitempty"`
}

// ToolSpec is one tool as declared by an MCP server.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// BaseInfo is the static half of MCPInfo.
type BaseInfo struct {
	GroupInfo GroupInfo  `json:"group_info"`
	ToolList  []ToolSpec `json:"tool_list"`
}

// CallInfo describes how to reach the server. The shapes are mutually
// exclusive: mock-tool mode, a local stdio command, aistudio mode (carries
// headers), or Smithery mode (carries a templated SDK URL plus config).
type CallInfo struct {
	MockTool        bool              `json:"mock_tool,omitempty"`
	URL             string            `json:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	PythonSDKURL    string            `json:"python_sdk_url,omitempty"`
	PythonSDKConfig map[string]any    `json:"python_sdk_config,omitempty"`
	Command         string            `json:"command,omitempty"`
	Args            []string          `json:"args,omitempty"`
}

// Mode classifies the transport shape of the call info.
func (c *CallInfo) Mode() string {
	switch {
	case c.MockTool:
		return "mock"
	case c.Command != "":
		return "stdio"
	case len(c.Headers) > 0:
		return "aistudio"
	case c.PythonSDKURL != "":
		return "smithery"
	default:
		return "unknown"
	}
}

// MCPInfo is the trajectory-synthesis input describing one server.
type MCPInfo struct {
	BaseInfo BaseInfo       `json:"base_info"`
	CallInfo CallInfo       `json:"call_info"`
	Features map[string]any `json:"features,omitempty"`
}

// ToolNames lists the declared tool names in order.
func (m *MCPInfo) ToolNames() []string {
	names := make([]string, len(m.BaseInfo.ToolList))
	for i, tool := range m.BaseInfo.ToolList {
		names[i] = tool.Name
	}
	return names
}

// Tool returns the declared tool with the given name, or nil.
func (m *MCPInfo) Tool(name string) *ToolSpec {
	for i := range m.BaseInfo.ToolList {
		if m.BaseInfo.ToolList[i].Name == name {
			return &m.BaseInfo.ToolList[i]
		}
	}
	return nil
}

// NumberedToolList renders the tool list for prompts: "i. **name**: desc".
func (m *MCPInfo) NumberedToolList() string {
	var b strings.Builder
	for i, tool := range m.BaseInfo.ToolList {
		fmt.Fprintf(&b, "%d. **%s**: %s\n", i+1, tool.Name, tool.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Graph is the chain-detection output attached to a record.
type Graph struct {
	GraphDetect string     `json:"graph_detect,omitempty"`
	NumChains   int        `json:"num_chains,omitempty"`
	RawResponse string     `json:"raw_response,omitempty"`
	SubChains   [][]string `json:"sub_chains,omitempty"`
}

// AugmentedQueryInfo marks a record as an augmentation variant. The original
// record carries the empty struct.
type AugmentedQueryInfo struct {
	Mode              string `json:"mode,omitempty"`
	AugmentedQuestion string `json:"augmented_question,omitempty"`
}

// QueryScoreInfo is the query-quality judge output.
type QueryScoreInfo struct {
	QualityScores    map[string]int    `json:"quality_scores"`
	QualityReasoning map[string]string `json:"quality_reasoning,omitempty"`
	Total            int               `json:"total"`
	Average          float64           `json:"average"`
}

// QueryInfo is the generated query plus its accreted annotations.
type QueryInfo struct {
	GeneratedQuestion  string              `json:"generated_question"`
	TargetTools        []string            `json:"target_tools,omitempty"`
	ServerAnalysis     string              `json:"server_analysis,omitempty"`
	AugmentedQueryInfo *AugmentedQueryInfo `json:"augmented_query_info,omitempty"`
	QueryScoreInfo     *QueryScoreInfo     `json:"query_score_info,omitempty"`
}

// Question returns the effective user question: the augmented one when this
// record is a variant, else the generated one.
func (q *QueryInfo) Question() string {
	if q.AugmentedQueryInfo != nil && q.AugmentedQueryInfo.AugmentedQuestion != "" {
		return q.AugmentedQueryInfo.AugmentedQuestion
	}
	return q.GeneratedQuestion
}

// ChainInfo carries the sub-chain a query was generated from and the verify
// operators' outputs.
type ChainInfo struct {
	SubChain        []string       `json:"sub_chain,omitempty"`
	OperatorResults map[string]any `json:"operator_results,omitempty"`
}

// RewardInfo is the reward scorer's output on one trajectory.
type RewardInfo struct {
	Overall   float64            `json:"overall"`
	Scores    map[string]float64 `json:"scores"`
	ExtraInfo map[string]any     `json:"extra_info,omitempty"`
}

// QueryRecord is one trajectory-synthesis record end to end: chain, query,
// augmentation, trajectory and reward accrete onto it.
type QueryRecord struct {
	QueryInfo  QueryInfo     `json:"query_info"`
	MCPInfo    MCPInfo       `json:"mcp_info"`
	Graph      Graph         `json:"graph,omitempty"`
	ChainInfo  ChainInfo     `json:"chain_info,omitempty"`
	Trajectory []llm.Message `json:"trajectory,omitempty"`
	RewardInfo *RewardInfo   `json:"reward_info,omitempty"`
	Error      string        `json:"error,omitempty"`
}
