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

// Package envsynth implements the environment-synthesis pipeline: necessity
// checking and verification of decomposition traces, per-step tool
// synthesis against a sandbox, and cross-step cluster merging.
package envsynth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/record"
	"github.com/blilab/agentsynth/pkg/sandbox"
)

// Retry budgets for the synthesis loops.
const (
	InnerMaxRetries = 5  // per synthesis stage
	OuterMaxRetries = 15 // call+deploy validation loop
	MergeMaxRetries = 20 // cluster merge convergence
)

// Chatter is the slice of the LLM client the pipeline needs; tests stub it.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Reply, error)
}

// Runner is the sandbox surface the synthesizer needs.
type Runner interface {
	RunCode(ctx context.Context, code string) (*sandbox.Response, error)
}

// formatTrace renders trace steps for judge prompts, one numbered block per
// step with its uuid, question, answer and dependencies.
func formatTrace(steps []record.TraceStep) string {
	var b strings.Builder
	for i, step := range steps {
		fmt.Fprintf(&b, "Step %d (uuid=%s, hop=%d):\n", i+1, step.UUID, step.HopLevel)
		fmt.Fprintf(&b, "  sub_question: %s\n", step.SubQuestion)
		fmt.Fprintf(&b, "  sub_answer: %s\n", step.SubAnswer)
		if len(step.Dependency) > 0 {
			fmt.Fprintf(&b, "  depends_on: %s\n", strings.Join(step.Dependency, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// sleep is swapped out in tests.
var sleep = sleepCtx

// sleepCtx pauses for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
