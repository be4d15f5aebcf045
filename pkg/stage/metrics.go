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

package stage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the registry the CLI can expose or dump at exit.
var Metrics = prometheus.NewRegistry()

var recordsTotal = func() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentsynth",
		Subsystem: "stage",
		Name:      "records_total",
		Help:      "Pipeline records by stage and outcome.",
	}, []string{"stage", "outcome"})
	Metrics.MustRegister(c)
	return c
}()

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

func countOutcome(stage, outcome string) {
	recordsTotal.WithLabelValues(stage, outcome).Inc()
}
