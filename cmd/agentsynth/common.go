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

package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/blilab/agentsynth/pkg/agent"
	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
	"github.com/blilab/agentsynth/pkg/stage"
)

// runFlags are the flags every LLM-backed stage shares.
type runFlags struct {
	InputFile     string `name:"input-file" short:"i" required:"" help:"Input JSONL file." type:"path"`
	OutputFile    string `name:"output-file" short:"o" required:"" help:"Output JSONL file." type:"path"`
	ModelName     string `name:"model-name" required:"" help:"Model registry entry to chat with."`
	ModelsConfig  string `name:"models-config" default:"models.yaml" help:"Model registry YAML." type:"path"`
	MaxConcurrent int    `name:"max-concurrent" default:"5" help:"Records in flight at once."`
	PromptDir     string `name:"prompt-dir" help:"Directory of prompt template overrides (falls back to PROMPT_DIR)." type:"path"`
	Resume        bool   `help:"Append to the output file, skipping records already in it."`
}

// stageEnv bundles the shared stage dependencies built from runFlags.
type stageEnv struct {
	Registry *llm.Registry
	Chat     *llm.Client
	Prompts  *prompts.Store
}

func (f *runFlags) setup() (*stageEnv, error) {
	reg, err := llm.LoadRegistry(f.ModelsConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := reg.Get(f.ModelName)
	if err != nil {
		return nil, err
	}
	store, err := prompts.NewStore(f.PromptDir)
	if err != nil {
		return nil, err
	}
	if f.MaxConcurrent > 0 {
		named.SetDefaultLimit(f.MaxConcurrent)
	}
	return &stageEnv{Registry: reg, Chat: llm.New(cfg), Prompts: store}, nil
}

// runEnvStage fans fn over the decomposition records of the input file,
// resuming on record uuid.
func runEnvStage(ctx context.Context, name string, f runFlags, fn func(context.Context, *record.DecompositionRecord) (any, error)) error {
	inputs, err := stage.ReadLines[record.DecompositionRecord](f.InputFile)
	if err != nil {
		return err
	}
	_, err = stage.Run(ctx, stage.Options[record.DecompositionRecord]{
		Name:        name,
		OutputPath:  f.OutputFile,
		Append:      f.Resume,
		Concurrency: f.MaxConcurrent,
		Key:         func(r record.DecompositionRecord) string { return r.UUID },
		KeyFromLine: envKeyFromLine,
		OnError: func(r record.DecompositionRecord, err error) any {
			r.Error = err.Error()
			return &r
		},
	}, inputs, func(ctx context.Context, in record.DecompositionRecord) (any, error) {
		return fn(ctx, &in)
	})
	return err
}

func envKeyFromLine(line []byte) (string, bool) {
	var probe struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", false
	}
	return probe.UUID, true
}

// runTrajStage fans fn over the query records of the input file. key
// identifies a record for resume; stages before query generation key on the
// server and sub-chain, later ones on the extracted question.
func runTrajStage(ctx context.Context, name string, f runFlags, key func(record.QueryRecord) string, fn func(context.Context, *record.QueryRecord) (any, error)) error {
	inputs, err := stage.ReadLines[record.QueryRecord](f.InputFile)
	if err != nil {
		return err
	}
	_, err = stage.Run(ctx, stage.Options[record.QueryRecord]{
		Name:        name,
		OutputPath:  f.OutputFile,
		Append:      f.Resume,
		Concurrency: f.MaxConcurrent,
		Key:         key,
		KeyFromLine: func(line []byte) (string, bool) {
			var probe record.QueryRecord
			if err := json.Unmarshal(line, &probe); err != nil {
				return "", false
			}
			return key(probe), true
		},
		OnError: func(r record.QueryRecord, err error) any {
			r.Error = err.Error()
			return &r
		},
	}, inputs, func(ctx context.Context, in record.QueryRecord) (any, error) {
		return fn(ctx, &in)
	})
	return err
}

func serverKey(r record.QueryRecord) string {
	return r.MCPInfo.BaseInfo.GroupInfo.ServerName
}

func chainKey(r record.QueryRecord) string {
	return serverKey(r) + "|" + strings.Join(r.ChainInfo.SubChain, ",")
}

func questionKey(r record.QueryRecord) string {
	return agent.ExtractQuery(&r.QueryInfo)
}
