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

// Package stage runs one pipeline stage: a bounded fan-out over JSONL input
// records with checkpoint-resume against the output file. Resume is a
// correctness property: an already-processed record is never re-run, a
// record is never written twice in one run, and failed records are written
// with their error attached so a resume does not silently re-try them.
package stage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/blilab/agentsynth/pkg/logger"
)

// DefaultConcurrency matches the pipeline-wide default worker count.
const DefaultConcurrency = 5

// Options configures one Run.
type Options[In any] struct {
	// Name labels logs and metrics.
	Name string
	// OutputPath is the JSONL file results are committed to.
	OutputPath string
	// Append preserves the existing output file and resumes against it.
	Append bool
	// Concurrency bounds in-flight workers; <=0 means DefaultConcurrency.
	Concurrency int
	// Key identifies an input for resume. Required when Append is set.
	Key func(In) string
	// KeyFromLine recovers the resume key from an existing output line.
	// Required when Append is set.
	KeyFromLine func([]byte) (string, bool)
	// OnError builds the record written for a failed input, typically the
	// input with the error message attached. Nil means failed inputs are
	// only logged and counted; a resume will re-try them.
	OnError func(In, error) any
}

// Report summarizes one Run.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

// Run maps fn over inputs with bounded concurrency, committing each result
// as one JSON line in completion order. fn returns the record to write;
// a nil record with a nil error is deliberately dropped (written nowhere,
// counted as succeeded). Worker failures never abort siblings.
func Run[In any](ctx context.Context, opts Options[In], inputs []In, fn func(context.Context, In) (any, error)) (Report, error) {
	log := logger.GetLogger()
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var done map[string]struct{}
	if opts.Append {
		if opts.Key == nil || opts.KeyFromLine == nil {
			return Report{}, fmt.Errorf("stage %s: resume requires Key and KeyFromLine", opts.Name)
		}
		var err error
		done, err = ScanKeys(opts.OutputPath, opts.KeyFromLine)
		if err != nil {
			return Report{}, fmt.Errorf("stage %s: %w", opts.Name, err)
		}
	}

	pending := inputs
	skipped := 0
	if len(done) > 0 {
		pending = pending[:0:0]
		for _, in := range inputs {
			if _, ok := done[opts.Key(in)]; ok {
				skipped++
				countOutcome(opts.Name, outcomeSkipped)
				continue
			}
			pending = append(pending, in)
		}
		log.Info("resuming stage", "stage", opts.Name, "skipped", skipped, "remaining", len(pending))
	}

	writer, err := NewWriter(opts.OutputPath, opts.Append)
	if err != nil {
		return Report{}, fmt.Errorf("stage %s: %w", opts.Name, err)
	}
	defer writer.Close()

	report := Report{Skipped: skipped}
	results := make(chan bool, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, in := range pending {
		g.Go(func() error {
			out, err := fn(gctx, in)
			if err != nil {
				log.Error("stage record failed", "stage", opts.Name, "error", err)
				countOutcome(opts.Name, outcomeFailed)
				if opts.OnError != nil {
					if rec := opts.OnError(in, err); rec != nil {
						if werr := writer.Write(rec); werr != nil {
							return werr
						}
					}
				}
				results <- false
				return nil
			}
			if out != nil {
				if werr := writer.Write(out); werr != nil {
					return werr
				}
			}
			countOutcome(opts.Name, outcomeSucceeded)
			results <- true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("stage %s: %w", opts.Name, err)
	}
	close(results)
	for ok := range results {
		report.Processed++
		if ok {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	log.Info("stage finished",
		"stage", opts.Name,
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped)
	return report, nil
}
