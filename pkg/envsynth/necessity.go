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
	"fmt"
	"time"

	"github.com/blilab/agentsynth/pkg/llm"
	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/parse"
	"github.com/blilab/agentsynth/pkg/prompts"
	"github.com/blilab/agentsynth/pkg/record"
)

const (
	necessityMaxAttempts = 3
	necessityRetrySleep  = 5 * time.Second
)

// NecessityChecker marks each trace step with whether answering it needs an
// external tool, and derives tool_necessity_legitimacy for the record.
type NecessityChecker struct {
	Chat    Chatter
	Prompts *prompts.Store
}

// Check annotates rec's trace in place. The judge reply must align with the
// trace in both length and uuids; misalignment is retried up to 3 times
// with a 5s pause. When alignment never succeeds the record is still
// returned, with legitimacy forced false.
func (c *NecessityChecker) Check(ctx context.Context, rec *record.DecompositionRecord) error {
	log := logger.GetLogger()

	prompt, err := c.Prompts.Render("tool_necessity", map[string]string{
		"MAIN_QUESTION": rec.MainQuestion,
		"TRACE":         formatTrace(rec.Trace),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= necessityMaxAttempts; attempt++ {
		reply, err := c.Chat.Chat(ctx, []llm.Message{llm.User(prompt)}, nil)
		if err != nil {
			lastErr = err
		} else if err := c.apply(rec, reply.Content); err != nil {
			lastErr = err
		} else {
			c.deriveLegitimacy(rec)
			return nil
		}

		log.Warn("tool necessity check failed",
			"uuid", rec.UUID, "attempt", attempt, "error", lastErr)
		if attempt < necessityMaxAttempts {
			if err := sleep(ctx, necessityRetrySleep); err != nil {
				return err
			}
		}
	}

	// record survives with legitimacy denied rather than being lost
	falseVal := false
	rec.ToolNecessityLegitimacy = &falseVal
	rec.Error = fmt.Sprintf("tool necessity check failed: %v", lastErr)
	return nil
}

// apply writes the judge's verdicts onto the trace, enforcing length and
// uuid alignment.
func (c *NecessityChecker) apply(rec *record.DecompositionRecord, raw string) error {
	list, parsed := parse.JSONList(raw)
	if !parsed.OK() {
		return fmt.Errorf("unparseable necessity reply: %w", parsed.Err)
	}
	if len(list) != len(rec.Trace) {
		return fmt.Errorf("necessity reply has %d entries, trace has %d", len(list), len(rec.Trace))
	}
	for i, entry := range list {
		uuid, _ := entry["uuid"].(string)
		if uuid != rec.Trace[i].UUID {
			return fmt.Errorf("necessity reply entry %d uuid %q does not match step %q", i, uuid, rec.Trace[i].UUID)
		}
	}
	for i, entry := range list {
		necessity, ok := parse.Bool(entry, "tool_necessity")
		if !ok {
			return fmt.Errorf("necessity reply entry %d missing tool_necessity", i)
		}
		rec.Trace[i].ToolNecessity = &necessity
		if reason, ok := entry["reason"].(string); ok {
			rec.Trace[i].Reason = reason
		}
	}
	return nil
}

// deriveLegitimacy: every step any other step depends on must itself need a
// tool; one unnecessary dependency poisons the whole record.
func (c *NecessityChecker) deriveLegitimacy(rec *record.DecompositionRecord) {
	depended := make(map[string]bool)
	for _, step := range rec.Trace {
		for _, dep := range step.Dependency {
			depended[dep] = true
		}
	}
	legit := true
	for _, step := range rec.Trace {
		if depended[step.UUID] && (step.ToolNecessity == nil || !*step.ToolNecessity) {
			legit = false
			break
		}
	}
	rec.ToolNecessityLegitimacy = &legit
}
