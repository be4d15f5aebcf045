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

// Package judge runs LLM-as-judge ensembles. The central rule: a judge
// failure never propagates. Every error (model exhaustion, context
// overflow, unparseable verdict) collapses to the judge's safe-default
// score, and the verdict flags is_safe_score so downstream filtering can
// discount it.
package judge

import (
	"context"

	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/named"
)

// Judge is one member of an ensemble. Run returns the judge's score and an
// arbitrary payload kept in the verdict for audit. SafeScore replaces both
// on error.
type Judge struct {
	Name      string
	SafeScore float64
	Run       func(ctx context.Context) (float64, map[string]any, error)
}

// Result is one judge's outcome inside a verdict.
type Result struct {
	Name    string         `json:"name"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
	Safe    bool           `json:"safe,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Verdict is the aggregated ensemble output.
type Verdict struct {
	Score       float64  `json:"score"`
	Results     []Result `json:"results"`
	IsSafeScore int      `json:"is_safe_score"`
}

// Aggregator folds per-judge scores into the verdict score.
type Aggregator func(scores []float64) float64

// Mean averages scores; empty input scores 0.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// MajorityTrue reports whether strictly more flags are true than false.
func MajorityTrue(flags []bool) bool {
	yes := 0
	for _, f := range flags {
		if f {
			yes++
		}
	}
	return yes > len(flags)-yes
}

// AllMatch reports element-wise equality of two tool-name sequences.
func AllMatch(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Vote runs every judge concurrently under the named workload semaphore and
// aggregates their scores. Failed judges contribute their SafeScore and set
// is_safe_score on the verdict.
func Vote(ctx context.Context, reg *named.Registry, workload string, judges []Judge, agg Aggregator) Verdict {
	log := logger.GetLogger()

	tasks := make([]func(context.Context) (Result, error), len(judges))
	for i, j := range judges {
		tasks[i] = func(ctx context.Context) (Result, error) {
			score, payload, err := j.Run(ctx)
			if err != nil {
				log.Warn("judge failed, using safe default",
					"judge", j.Name, "safe_score", j.SafeScore, "error", err)
				return Result{Name: j.Name, Score: j.SafeScore, Safe: true, Error: err.Error()}, nil
			}
			return Result{Name: j.Name, Score: score, Payload: payload}, nil
		}
	}

	gathered := named.Gather(ctx, reg, workload, tasks)

	verdict := Verdict{Results: make([]Result, len(gathered))}
	scores := make([]float64, len(gathered))
	for i, g := range gathered {
		res := g.Value
		if g.Err != nil {
			// semaphore acquisition failed (cancelled ctx)
			res = Result{Name: judges[i].Name, Score: judges[i].SafeScore, Safe: true, Error: g.Err.Error()}
		}
		verdict.Results[i] = res
		scores[i] = res.Score
		if res.Safe {
			verdict.IsSafeScore = 1
		}
	}
	verdict.Score = agg(scores)
	return verdict
}
