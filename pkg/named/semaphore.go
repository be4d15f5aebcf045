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

// Package named holds the process-wide registry of named semaphores that
// throttle each logical workload ("dependency_score", "tool_call", ...)
// independently of the stage executor's own fan-out.
package named

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the per-workload concurrency cap unless overridden.
const DefaultLimit = 5

// Registry maps workload names to weighted semaphores, created lazily with
// the registry's default limit or a per-name override.
type Registry struct {
	mu        sync.Mutex
	limit     int64
	overrides map[string]int64
	sems      map[string]*semaphore.Weighted
}

// NewRegistry builds a registry with the given default limit; non-positive
// values fall back to DefaultLimit.
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Registry{
		limit:     int64(limit),
		overrides: make(map[string]int64),
		sems:      make(map[string]*semaphore.Weighted),
	}
}

var defaultRegistry = NewRegistry(DefaultLimit)

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// SetDefaultLimit reconfigures the process-wide registry at startup.
// Existing semaphores are discarded, so call this before spawning work.
func SetDefaultLimit(limit int) { defaultRegistry = NewRegistry(limit) }

// SetLimit overrides the cap for one workload. Discards any semaphore
// already created under the old cap.
func (r *Registry) SetLimit(name string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		delete(r.overrides, name)
	} else {
		r.overrides[name] = int64(limit)
	}
	delete(r.sems, name)
}

func (r *Registry) get(name string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sem, ok := r.sems[name]; ok {
		return sem
	}
	limit := r.limit
	if override, ok := r.overrides[name]; ok {
		limit = override
	}
	sem := semaphore.NewWeighted(limit)
	r.sems[name] = sem
	return sem
}

// Do runs fn while holding one slot of the named semaphore.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	sem := r.get(name)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn(ctx)
}

// Result is one slot of a Gather call: the task's value or its error.
type Result[T any] struct {
	Value T
	Err   error
}

// Gather runs every task concurrently under the named semaphore of r and
// returns results in task order. Task errors are captured per slot, never
// aborting siblings; the ctx governs acquisition and is passed through.
func Gather[T any](ctx context.Context, r *Registry, name string, tasks []func(context.Context) (T, error)) []Result[T] {
	results := make([]Result[T], len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task func(context.Context) (T, error)) {
			defer wg.Done()
			err := r.Do(ctx, name, func(ctx context.Context) error {
				value, err := task(ctx)
				results[i].Value = value
				return err
			})
			results[i].Err = err
		}(i, task)
	}
	wg.Wait()
	return results
}
