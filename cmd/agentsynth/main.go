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

// Command agentsynth runs the training-data pipelines over JSONL files.
//
// Usage:
//
//	agentsynth env synth -i traces.jsonl -o synthesized.jsonl --model-name coder
//	agentsynth traj interact -i queries.jsonl -o trajectories.jsonl --model-name actor --resume
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/blilab/agentsynth/pkg/logger"
	"github.com/blilab/agentsynth/pkg/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Env     EnvCmd     `cmd:"" help:"Environment-synthesis pipeline stages."`
	Traj    TrajCmd    `cmd:"" help:"Trajectory-synthesis pipeline stages."`

	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFile     string `help:"Log file path (empty = stderr)." env:"LOG_FILE_NAME"`
	LogFormat   string `help:"Log format (simple or verbose)." default:"simple" env:"LOG_FORMAT"`
	MetricsAddr string `help:"Listen address for the Prometheus /metrics endpoint (empty = disabled)." env:"METRICS_ADDR"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.Get().String())
	return nil
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("agentsynth"),
		kong.Description("Agentic training-data synthesis pipelines."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if cli.MetricsAddr != "" {
		go serveMetrics(ctx, cli.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("shutting down, letting in-flight records drain")
		cancel()
	}()

	kctx.FatalIfErrorf(kctx.Run())
}
