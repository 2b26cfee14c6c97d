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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/config"
	"github.com/penguiflow/planner/pkg/llmclient"
	"github.com/penguiflow/planner/pkg/planner"
	"github.com/penguiflow/planner/pkg/tool"
	"github.com/penguiflow/planner/pkg/tool/functiontool"
	"github.com/penguiflow/planner/pkg/tool/todotool"
)

// plannerConfigFrom maps the loaded runtime config onto planner.Config,
// disabling auto-seq since the echo client always drives the loop
// explicitly rather than emitting a single visible read-only tool call.
func plannerConfigFrom(rc config.RuntimeConfig) planner.Config {
	cfg := planner.DefaultConfig()
	cfg.MaxIters = rc.MaxIters
	cfg.MaxRetries = rc.MaxRetries
	cfg.Timeout = time.Duration(rc.TimeoutSeconds * float64(time.Second))
	cfg.AutoSeqEnabled = false
	return cfg
}

// echoClient is a deterministic stand-in for a real provider client: it
// calls current_time, marks its one-item todo list complete via
// todo_write, then answers with the current_time result. Real provider
// wire adapters are out of scope (consumed through llmclient.Client).
type echoClient struct {
	calls int
}

func newEchoClient() *echoClient { return &echoClient{} }

func (c *echoClient) Name() string                { return "echo-demo" }
func (c *echoClient) Provider() llmclient.Provider { return llmclient.ProviderOpenAI }
func (c *echoClient) Close() error                 { return nil }

func (c *echoClient) GenerateContent(ctx context.Context, req *llmclient.Request, stream bool) iter.Seq2[*llmclient.Response, error] {
	idx := c.calls
	c.calls++
	return func(yield func(*llmclient.Response, error) bool) {
		var content string
		switch idx {
		case 0:
			content = `{"next_node": "current_time", "args": {}}`
		case 1:
			content = `{"next_node": "todo_write", "args": {"merge": false, "todos": [` +
				`{"id": "1", "content": "look up the current time", "status": "completed"}]}}`
		default:
			answer := lastToolAnswer(req)
			args, _ := json.Marshal(map[string]string{"answer": answer})
			content = `{"next_node": "final_response", "args": ` + string(args) + `}`
		}
		resp := &llmclient.Response{
			Content: action.NewTextMessage(action.RoleAssistant, content),
			Usage:   &llmclient.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		}
		yield(resp, nil)
	}
}

// lastToolAnswer pulls the current_time tool's observation back out of the
// serialized trajectory the planner feeds back as a system message, so the
// final answer can quote it.
func lastToolAnswer(req *llmclient.Request) string {
	for _, m := range req.Messages {
		if m.Role != action.RoleSystem {
			continue
		}
		text := m.Text()
		var serialized struct {
			Steps []struct {
				Observation map[string]any `json:"observation"`
			} `json:"steps"`
		}
		const prefix = "trajectory: "
		if idx := indexAfterPrefix(text, prefix); idx >= 0 {
			if err := json.Unmarshal([]byte(text[idx:]), &serialized); err == nil {
				steps := serialized.Steps
				for i := len(steps) - 1; i >= 0; i-- {
					if t, ok := steps[i].Observation["time"].(string); ok {
						return "the current time is " + t
					}
				}
			}
		}
	}
	return "done"
}

func indexAfterPrefix(s, prefix string) int {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return -1
	}
	return len(prefix)
}

type currentTimeArgs struct{}

var currentTimeTool = mustFunctionTool()

func mustFunctionTool() tool.CallableTool {
	t, err := functiontool.New(
		functiontool.Config{
			Name:        "current_time",
			Description: "Returns the current UTC time in RFC3339 form.",
		},
		func(ctx tool.Context, args currentTimeArgs) (map[string]any, error) {
			return map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	)
	if err != nil {
		panic(fmt.Sprintf("building current_time tool: %v", err))
	}
	return t
}

// demoTodoManager backs the demo's todo_write tool; the CLI keeps a single
// manager alive for the process so todos persist across planner steps.
var demoTodoManager = todotool.NewTodoManager()

var todoWriteTool = mustTodoTool()

func mustTodoTool() tool.CallableTool {
	t, err := demoTodoManager.Tool()
	if err != nil {
		panic(fmt.Sprintf("building todo_write tool: %v", err))
	}
	return t
}
