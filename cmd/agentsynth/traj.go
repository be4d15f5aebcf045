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
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blilab/agentsynth/pkg/agent"
	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/named"
	"github.com/blilab/agentsynth/pkg/record"
	"github.com/blilab/agentsynth/pkg/stage"
	"github.com/blilab/agentsynth/pkg/trajsynth"
)

// TrajCmd groups the trajectory-synthesis stages.
type TrajCmd struct {
	Chains       TrajChainsCmd       `cmd:"" help:"Detect tool dependency chains per MCP server."`
	Subchains    TrajSubchainsCmd    `cmd:"" help:"Expand detected chains into bounded sub-chains, one record each."`
	Genquery     TrajGenqueryCmd     `cmd:"" help:"Generate a user query per sub-chain."`
	VerifyChains TrajVerifyChainsCmd `cmd:"" name:"verify-chains" help:"Run the chain-verification operators on each query record."`
	Augment      TrajAugmentCmd      `cmd:"" help:"Rewrite queries into variants (diverse, complicate, add_ug)."`
	Score        TrajScoreCmd        `cmd:"" help:"Rate query quality on four dimensions."`
	Interact     TrajInteractCmd     `cmd:"" help:"Run the agent loop, producing one trajectory per query."`
	Reward       TrajRewardCmd       `cmd:"" help:"Score trajectories with the seven-judge reward ensemble."`
}

// TrajChainsCmd detects tool chains.
type TrajChainsCmd struct {
	runFlags
}

func (c *TrajChainsCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	builder := &trajsynth.ChainBuilder{Chat: env.Chat, Prompts: env.Prompts}
	return runTrajStage(ctx, "traj_chains", c.runFlags, serverKey, func(ctx context.Context, rec *record.QueryRecord) (any, error) {
		chains, raw, err := builder.DetectChains(ctx, &rec.MCPInfo)
		if err != nil {
			return nil, err
		}
		detect, err := json.Marshal(chains)
		if err != nil {
			return nil, err
		}
		rec.Graph = record.Graph{
			GraphDetect: string(detect),
			NumChains:   len(chains),
			RawResponse: raw,
		}
		return rec, nil
	})
}

// TrajSubchainsCmd expands chains into sub-chains. Pure graph work, no LLM.
type TrajSubchainsCmd struct {
	InputFile  string `name:"input-file" short:"i" required:"" help:"Input JSONL file." type:"path"`
	OutputFile string `name:"output-file" short:"o" required:"" help:"Output JSONL file." type:"path"`
	MinLen     int    `name:"min-len" default:"2" help:"Shortest sub-chain to emit."`
	MaxLen     int    `name:"max-len" default:"3" help:"Longest sub-chain to emit."`
}

func (c *TrajSubchainsCmd) Run(ctx context.Context) error {
	inputs, err := stage.ReadLines[record.QueryRecord](c.InputFile)
	if err != nil {
		return err
	}
	writer, err := stage.NewWriter(c.OutputFile, false)
	if err != nil {
		return err
	}
	defer writer.Close()

	log := logger.GetLogger()
	emitted := 0
	for _, rec := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var chains []trajsynth.DetectedChain
		if err := json.Unmarshal([]byte(rec.Graph.GraphDetect), &chains); err != nil {
			log.Warn("skipping record with unparseable chain detection",
				"server", rec.MCPInfo.BaseInfo.GroupInfo.ServerName, "error", err)
			continue
		}
		subs := trajsynth.BuildGraph(chains).SubChains(c.MinLen, c.MaxLen)
		rec.Graph.SubChains = subs
		for _, sub := range subs {
			out := rec
			out.ChainInfo = record.ChainInfo{SubChain: sub}
			if err := writer.Write(&out); err != nil {
				return err
			}
			emitted++
		}
	}
	log.Info("sub-chain expansion finished", "servers", len(inputs), "sub_chains", emitted)
	return nil
}

// TrajGenqueryCmd generates user queries.
type TrajGenqueryCmd struct {
	runFlags
}

func (c *TrajGenqueryCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	gen := &trajsynth.QueryGenerator{Chat: env.Chat, Prompts: env.Prompts}
	return runTrajStage(ctx, "traj_genquery", c.runFlags, chainKey, func(ctx context.Context, rec *record.QueryRecord) (any, error) {
		info, err := gen.Generate(ctx, &rec.MCPInfo, rec.ChainInfo.SubChain)
		if err != nil {
			return nil, err
		}
		rec.QueryInfo = *info
		return rec, nil
	})
}

// TrajVerifyChainsCmd runs the chain-verification operators.
type TrajVerifyChainsCmd struct {
	runFlags
	Samples  int      `default:"3" help:"Vote-verify samples per record."`
	BtModels []string `name:"bt-models" help:"Registry entries for back-translation voting (default: the main model)."`
}

func (c *TrajVerifyChainsCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}

	models := map[string]trajsynth.Chatter{c.ModelName: env.Chat}
	if len(c.BtModels) > 0 {
		models = make(map[string]trajsynth.Chatter, len(c.BtModels))
		for _, name := range c.BtModels {
			cfg, err := env.Registry.Get(name)
			if err != nil {
				return err
			}
			models[name] = llm.New(cfg)
		}
	}

	vote := &trajsynth.VoteVerifier{Chat: env.Chat, Prompts: env.Prompts, Samples: c.Samples}
	bt := &trajsynth.BackTranslator{Models: models, Prompts: env.Prompts}
	ops := []trajsynth.Operator{
		{Name: "vote_verify_chain", Run: func(ctx context.Context, rec *record.QueryRecord) (any, error) {
			return vote.Verify(ctx, rec)
		}},
		{Name: "back_translation_verify_chain", Run: func(ctx context.Context, rec *record.QueryRecord) (any, error) {
			return bt.Verify(ctx, rec)
		}},
	}
	return runTrajStage(ctx, "traj_verify_chains", c.runFlags, chainKey, func(ctx context.Context, rec *record.QueryRecord) (any, error) {
		trajsynth.RunOperators(ctx, named.Default(), rec, ops)
		return rec, nil
	})
}

// TrajAugmentCmd rewrites queries into variants. One input expands to
// several output lines sharing the original question, so this stage owns
// its fan-out instead of going through the one-in-one-out executor.
type TrajAugmentCmd struct {
	runFlags
	Mode string `default:"diverse" enum:"diverse,complicate,add_ug" help:"Augmentation mode."`
	Seed int64  `default:"0" help:"Persona sampling seed; 0 seeds from the clock."`
}

func (c *TrajAugmentCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	aug := &trajsynth.Augmenter{Chat: env.Chat, Prompts: env.Prompts, Rand: rand.New(rand.NewSource(seed))}

	inputs, err := stage.ReadLines[record.QueryRecord](c.InputFile)
	if err != nil {
		return err
	}
	var done map[string]struct{}
	if c.Resume {
		done, err = stage.ScanKeys(c.OutputFile, func(line []byte) (string, bool) {
			var probe record.QueryRecord
			if err := json.Unmarshal(line, &probe); err != nil {
				return "", false
			}
			return probe.QueryInfo.GeneratedQuestion, true
		})
		if err != nil {
			return err
		}
	}
	writer, err := stage.NewWriter(c.OutputFile, c.Resume)
	if err != nil {
		return err
	}
	defer writer.Close()

	log := logger.GetLogger()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.MaxConcurrent)
	for _, rec := range inputs {
		if _, ok := done[rec.QueryInfo.GeneratedQuestion]; ok {
			continue
		}
		g.Go(func() error {
			variants, err := aug.Augment(gctx, &rec, c.Mode)
			if err != nil {
				log.Error("augmentation failed", "error", err)
				rec.Error = err.Error()
				return writer.Write(&rec)
			}
			for i := range variants {
				if err := writer.Write(&variants[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// TrajScoreCmd rates query quality.
type TrajScoreCmd struct {
	runFlags
}

func (c *TrajScoreCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	scorer := &trajsynth.QueryScorer{Chat: env.Chat, Prompts: env.Prompts}
	return runTrajStage(ctx, "traj_score", c.runFlags, questionKey, func(ctx context.Context, rec *record.QueryRecord) (any, error) {
		if err := scorer.Score(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// TrajInteractCmd runs the agent loop.
type TrajInteractCmd struct {
	runFlags
	SystemPrompt    string        `name:"system-prompt" help:"System message prepended to every task."`
	TaskTimeout     time.Duration `name:"task-timeout" default:"90s" help:"Wall-clock budget per task."`
	MaxTurns        int           `name:"max-turns" default:"20" help:"Assistant turns per task."`
	SmitheryAPIKey  string        `name:"smithery-api-key" env:"SMITHERY_API_KEY" help:"API key for Smithery-hosted servers."`
	SmitheryProfile string        `name:"smithery-profile" env:"SMITHERY_PROFILE" help:"Smithery profile id."`
}

func (c *TrajInteractCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	runner := &agent.Runner{
		Chat:         env.Chat,
		Prompts:      env.Prompts,
		SystemPrompt: c.SystemPrompt,
		Timeout:      c.TaskTimeout,
		MaxTurns:     c.MaxTurns,
		MCP: agent.MCPOptions{
			SmitheryAPIKey:  c.SmitheryAPIKey,
			SmitheryProfile: c.SmitheryProfile,
		},
	}
	return runTrajStage(ctx, "traj_interact", c.runFlags, questionKey, func(ctx context.Context, rec *record.QueryRecord) (any, error) {
		runner.Interact(ctx, rec)
		return rec, nil
	})
}

// TrajRewardCmd scores trajectories.
type TrajRewardCmd struct {
	runFlags
}

func (c *TrajRewardCmd) Run(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	scorer := &trajsynth.RewardScorer{Chat: env.Chat, Prompts: env.Prompts, Sem: named.Default()}
	return runTrajStage(ctx, "traj_reward", c.runFlags, questionKey, func(ctx context.Context, rec *record.QueryRecord) (any, error) {
		if len(rec.Trajectory) == 0 {
			return nil, fmt.Errorf("record has no trajectory")
		}
		scorer.Score(ctx, rec)
		return rec, nil
	})
}
