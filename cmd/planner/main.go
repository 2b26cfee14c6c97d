// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command planner is a small CLI that wires a session.Coordinator end to
// end against an in-memory store and demonstrates one foreground turn:
// spawn, stream StateUpdates, print the final answer.
//
// Usage:
//
//	planner ask --query "what time is it?"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	plannerpkg "github.com/penguiflow/planner"
	"github.com/penguiflow/planner/pkg/checkpoint"
	"github.com/penguiflow/planner/pkg/config"
	"github.com/penguiflow/planner/pkg/eventsink"
	"github.com/penguiflow/planner/pkg/invoker"
	"github.com/penguiflow/planner/pkg/logger"
	"github.com/penguiflow/planner/pkg/observability"
	"github.com/penguiflow/planner/pkg/recovery"
	"github.com/penguiflow/planner/pkg/schema"
	"github.com/penguiflow/planner/pkg/session"
	"github.com/penguiflow/planner/pkg/steering"
	"github.com/penguiflow/planner/pkg/store"
	"github.com/penguiflow/planner/pkg/task"
	"github.com/penguiflow/planner/pkg/tool"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd `cmd:"" help:"Show version information."`
	Ask      AskCmd     `cmd:"" help:"Run one foreground turn against the in-process demo model."`
	LogLevel string     `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(plannerpkg.GetVersion())
	return nil
}

// AskCmd spawns one foreground task and prints its StateUpdate stream.
type AskCmd struct {
	Query     string `help:"Query to run through the planner." default:"what time is it?"`
	SessionID string `help:"Session to run under." default:"cli"`
	Trace     bool   `help:"Trace task execution, LLM calls, and tool dispatch to stderr."`
	Metrics   bool   `help:"Collect Prometheus metrics (not served; recorded in-process only in this demo)."`
}

func (c *AskCmd) Run(cli *CLI) error {
	_ = config.LoadEnvFiles()

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, "simple")

	cfg := config.Default()

	obsCfg := &observability.Config{
		Tracing: observability.TracingConfig{Enabled: c.Trace, ServiceName: "planner-cli"},
		Metrics: observability.MetricsConfig{Enabled: c.Metrics, Namespace: "planner_cli"},
	}
	obs, err := observability.NewManager(obsCfg, os.Stderr)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	backend := store.NewInMemoryStore()
	client := newEchoClient()
	inv := invoker.New(client, schema.ModelProfile{Name: "echo-demo", SupportsNative: true}, invoker.Pricing{},
		invoker.WithMetrics(obs.Metrics()), invoker.WithTracer(obs.Tracer()))

	deps := session.Deps{
		PlannerConfig: plannerConfigFrom(cfg.Runtime),
		Invoker:       inv,
		Recovery:      recovery.New(nil, recovery.DefaultBackoff()),
		Checkpoint:    checkpoint.NewManager(nil, backend),
		Sink:          eventsink.New(backend, eventsink.WithMetrics(obs.Metrics())),
		Backend:       backend,
		Tools: map[string]tool.CallableTool{
			currentTimeTool.Name(): currentTimeTool,
			todoWriteTool.Name():   todoWriteTool,
		},
		TaskLimits: task.Limits{
			MaxTotalTasks:      cfg.Tasks.MaxTotalTasks,
			MaxConcurrentTasks: cfg.Tasks.MaxConcurrentTasks,
		},
		InboxConfig:               steering.DefaultConfig(),
		Metrics:                   obs.Metrics(),
		Tracer:                    obs.Tracer(),
		BufferForegroundSteering: true,
	}
	coordinator := session.NewCoordinator(deps)
	defer coordinator.Shutdown()

	ctx := context.Background()
	actor := coordinator.Session(c.SessionID)

	taskID, err := actor.SpawnTask(ctx, session.TaskSpawnRequest{
		Query:      c.Query,
		Foreground: true,
	})
	if err != nil {
		return fmt.Errorf("spawn task: %w", err)
	}

	sub, err := actor.Connect(ctx, taskID, "")
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for update := range sub.C() {
		switch update.UpdateType {
		case eventsink.Result:
			fmt.Printf("answer: %v\n", update.Content["answer"])
		case eventsink.StatusChange:
			if status, _ := update.Content["status"].(string); status != "" {
				slog.Info("status change", "status", status)
			}
			if status, _ := update.Content["status"].(string); status == "COMPLETE" || status == "FAILED" || status == "CANCELLED" {
				return nil
			}
		default:
			slog.Debug("update", "type", update.UpdateType, "content", update.Content)
		}
	}
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("planner"),
		kong.Description("ReAct planner runtime demo CLI"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
