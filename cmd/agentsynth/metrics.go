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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/stage"
)

// metricsHandler exposes the stage counters in Prometheus text format.
func metricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(stage.Metrics, promhttp.HandlerOpts{}))
	return r
}

// serveMetrics runs the metrics endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	log := logger.GetLogger()
	srv := &http.Server{Addr: addr, Handler: metricsHandler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", "addr", addr, "error", err)
	}
}
