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

	"github.com/blilab/agentsynth/pkg/envsynth"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/record"
	"github.com/blilab/agentsynth/pkg/sandbox"
)

// EnvCmd groups the environment-synthesis stages.
type EnvCmd struct {
	Verify    EnvVerifyCmd    `cmd:"" help:"Score decomposition traces with the four-judge ensemble."`
	Necessity EnvNecessityCmd `cmd:"" help:"Mark per-step tool necessity and trace legitimacy."`
	Synth     EnvSynthCmd     `cmd:"" help:"Synthesize a verified mock tool per necessary sub-question."`
	Merge     EnvMergeCmd     `cmd:"" help:"Cluster per-step tools by intent and merge each cluster."`
}

// EnvVerifyCmd scores decomposition quality.
type EnvVerifyCmd struct {
	runFlags
}

func (c *EnvVerifyCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	verifier := &envsynth.Verifier{Chat: env.Chat, Prompts: env.Prompts, Sem: named.Default()}
	return runEnvStage(ctx, "env_verify", c.runFlags, func(ctx context.Context, rec *record.DecompositionRecord) (any, error) {
		verifier.Verify(ctx, rec)
		return rec, nil
	})
}

// EnvNecessityCmd runs the tool-necessity judge.
type EnvNecessityCmd struct {
	runFlags
}

func (c *EnvNecessityCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	checker := &envsynth.NecessityChecker{Chat: env.Chat, Prompts: env.Prompts}
	return runEnvStage(ctx, "env_necessity", c.runFlags, func(ctx context.Context, rec *record.DecompositionRecord) (any, error) {
		if err := checker.Check(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// EnvSynthCmd synthesizes the per-step tools.
type EnvSynthCmd struct {
	runFlags
	SandboxURL string `name:"sandbox-url" help:"Code-execution service URL (falls back to SANDBOX_URL)."`
}

func (c *EnvSynthCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	synth := &envsynth.Synthesizer{
		Chat:    env.Chat,
		Sandbox: sandbox.New(c.SandboxURL),
		Prompts: env.Prompts,
	}
	return runEnvStage(ctx, "env_synth", c.runFlags, func(ctx context.Context, rec *record.DecompositionRecord) (any, error) {
		synth.SynthesizeRecord(ctx, rec)
		return rec, nil
	})
}

// EnvMergeCmd merges same-intent tools.
type EnvMergeCmd struct {
	runFlags
	SandboxURL string `name:"sandbox-url" help:"Code-execution service URL (falls back to SANDBOX_URL)."`
}

func (c *EnvMergeCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	merger := &envsynth.MergeEngine{
		Chat:    env.Chat,
		Sandbox: sandbox.New(c.SandboxURL),
		Prompts: env.Prompts,
	}
	return runEnvStage(ctx, "env_merge", c.runFlags, func(ctx context.Context, rec *record.DecompositionRecord) (any, error) {
		out, err := merger.MergeRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		if out == nil {
			logger.GetLogger().Warn("record dropped by merge validation", "uuid", rec.UUID)
			return nil, nil
		}
		return out, nil
	})
}
