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

// Package trajsynth implements the trajectory-synthesis pipeline: tool
// chain discovery over MCP servers, query generation and augmentation,
// chain verification operators, and trajectory reward scoring.
package trajsynth

import (
	"context"
	"fmt"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

// Chatter is the LLM surface the pipeline needs; tests stub it.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Reply, error)
}

// DetectedChain is one workflow the detector reported.
type DetectedChain struct {
	Detect string   `json:"tool_graph_detect"`
	Chain  []string `json:"tool_graph_detect_chain"`
	Task   string   `json:"tool_graph_detect_task"`
}

// ChainBuilder discovers tool dependency chains on one MCP server.
type ChainBuilder struct {
	Chat    Chatter
	Prompts *prompts.Store
}

// DetectChains asks the model for realistic tool workflows and keeps only
// confident ("yes") detections whose tools all exist on the server.
func (b *ChainBuilder) DetectChains(ctx context.Context, info *record.MCPInfo) ([]DetectedChain, string, error) {
	prompt, err := b.Prompts.Render("chain_detect", map[string]string{
		"MCP_SERVER_NAME":    info.BaseInfo.GroupInfo.ServerName,
		"SERVER_DESCRIPTION": info.BaseInfo.GroupInfo.ServerDescription,
		"TOOL_LIST":          info.NumberedToolList(),
	})
	if err != nil {
		return nil, "", err
	}
	reply, err := b.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
	if err != nil {
		return nil, "", err
	}

	var detected []DetectedChain
	if p := parse.JSONInto(reply.Content, &detected); !p.OK() {
		return nil, reply.Content, fmt.Errorf("unparseable chain detection: %w", p.Err)
	}

	kept := detected[:0]
	for _, d := range detected {
		if d.Detect != "yes" || len(d.Chain) == 0 {
			continue
		}
		valid := true
		for _, name := range d.Chain {
			if info.Tool(name) == nil {
				valid = false
				break
			}
		}
		if valid {
			kept = append(kept, d)
		}
	}
	return kept, reply.Content, nil
}

// Graph is a directed tool graph with insertion-ordered adjacency, so chain
// enumeration is deterministic for a given detection order.
type Graph struct {
	order []string
	nexts map[string][]string
}

// BuildGraph adds an edge tool_i -> tool_{i+1} for every adjacent pair of
// every detected chain, deduplicated.
func BuildGraph(chains []DetectedChain) *Graph {
	g := &Graph{nexts: make(map[string][]string)}
	addNode := func(name string) {
		if _, ok := g.nexts[name]; !ok {
			g.nexts[name] = nil
			g.order = append(g.order, name)
		}
	}
	for _, chain := range chains {
		for i, name := range chain.Chain {
			addNode(name)
			if i == 0 {
				continue
			}
			prev := chain.Chain[i-1]
			exists := false
			for _, next := range g.nexts[prev] {
				if next == name {
					exists = true
					break
				}
			}
			if !exists {
				g.nexts[prev] = append(g.nexts[prev], name)
			}
		}
	}
	return g
}

// Nodes returns the graph's tools in insertion order.
func (g *Graph) Nodes() []string { return g.order }

// SubChains enumerates every simple path with a length (node count) in
// [minLen, maxLen], DFS from every node, successors visited in insertion
// order.
func (g *Graph) SubChains(minLen, maxLen int) [][]string {
	if minLen < 1 {
		minLen = 1
	}
	var out [][]string
	onPath := make(map[string]bool)
	var path []string

	var dfs func(node string)
	dfs = func(node string) {
		path = append(path, node)
		onPath[node] = true

		if len(path) >= minLen && len(path) <= maxLen {
			out = append(out, append([]string(nil), path...))
		}
		if len(path) < maxLen {
			for _, next := range g.nexts[node] {
				if !onPath[next] {
					dfs(next)
				}
			}
		}

		onPath[node] = false
		path = path[:len(path)-1]
	}

	for _, node := range g.order {
		dfs(node)
	}
	return out
}
