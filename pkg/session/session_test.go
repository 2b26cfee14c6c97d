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

package session_test

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/checkpoint"
	"github.com/penguiflow/planner/pkg/eventsink"
	"github.com/penguiflow/planner/pkg/invoker"
	"github.com/penguiflow/planner/pkg/llmclient"
	"github.com/penguiflow/planner/pkg/planner"
	"github.com/penguiflow/planner/pkg/recovery"
	"github.com/penguiflow/planner/pkg/schema"
	"github.com/penguiflow/planner/pkg/session"
	"github.com/penguiflow/planner/pkg/steering"
	"github.com/penguiflow/planner/pkg/store"
	"github.com/penguiflow/planner/pkg/task"
)

type fakeClient struct {
	response *llmclient.Response
}

func (f *fakeClient) Name() string                { return "fake-model" }
func (f *fakeClient) Provider() llmclient.Provider { return llmclient.ProviderOpenAI }
func (f *fakeClient) Close() error                 { return nil }
func (f *fakeClient) GenerateContent(ctx context.Context, req *llmclient.Request, stream bool) iter.Seq2[*llmclient.Response, error] {
	return func(yield func(*llmclient.Response, error) bool) {
		yield(f.response, nil)
	}
}

func finalResponse(answer string) *llmclient.Response {
	return &llmclient.Response{
		Content: action.NewTextMessage(action.RoleAssistant, `{"next_node": "final_response", "args": {"answer": "`+answer+`"}}`),
		Usage:   &llmclient.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}
}

func newCoordinator(t *testing.T, answer string) *session.Coordinator {
	t.Helper()
	backend := store.NewInMemoryStore()
	client := &fakeClient{response: finalResponse(answer)}
	inv := invoker.New(client, schema.ModelProfile{Name: "fake-model", SupportsNative: true}, invoker.Pricing{})

	deps := session.Deps{
		PlannerConfig:            planner.DefaultConfig(),
		Invoker:                  inv,
		Recovery:                 recovery.New(nil, recovery.DefaultBackoff()),
		Checkpoint:               checkpoint.NewManager(nil, backend),
		Sink:                     eventsink.New(backend),
		Backend:                  backend,
		TaskLimits:               task.DefaultLimits(),
		InboxConfig:              steering.DefaultConfig(),
		BufferForegroundSteering: true,
	}
	return session.NewCoordinator(deps)
}

func waitForTerminal(t *testing.T, c *session.Coordinator, taskID string) *task.State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states, err := c.Session("sess1").GetTaskState(context.Background(), taskID)
		require.NoError(t, err)
		require.Len(t, states, 1)
		if states[0].Status.IsTerminal() {
			return states[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestSpawnTaskRunsToCompletion(t *testing.T) {
	c := newCoordinator(t, "hello there")
	actor := c.Session("sess1")

	taskID, err := actor.SpawnTask(context.Background(), session.TaskSpawnRequest{
		Query:      "say hi",
		Foreground: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	st := waitForTerminal(t, c, taskID)
	require.Equal(t, task.Complete, st.Status)
}

func TestGetTaskStateUnknownTaskErrors(t *testing.T) {
	c := newCoordinator(t, "hi")
	actor := c.Session("sess1")

	_, err := actor.GetTaskState(context.Background(), "no-such-task")
	require.Error(t, err)
}

func TestGetTaskStateListsAllTasks(t *testing.T) {
	c := newCoordinator(t, "hi")
	actor := c.Session("sess1")

	id1, err := actor.SpawnTask(context.Background(), session.TaskSpawnRequest{Query: "q1", Foreground: true})
	require.NoError(t, err)
	waitForTerminal(t, c, id1)

	states, err := actor.GetTaskState(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, states, 1)
}

func TestSteerBuffersForForegroundBeforeSpawn(t *testing.T) {
	c := newCoordinator(t, "buffered-ok")
	actor := c.Session("sess1")

	err := actor.Steer(context.Background(), steering.Event{
		EventID: "e1",
		TaskID:  session.ForegroundTaskID,
		Type:    steering.UserMessage,
		Payload: map[string]any{"text": "extra context"},
	})
	require.NoError(t, err)

	taskID, err := actor.SpawnTask(context.Background(), session.TaskSpawnRequest{
		Query:      "say hi",
		Foreground: true,
	})
	require.NoError(t, err)
	waitForTerminal(t, c, taskID)
}

func TestConnectSubscribesToTaskStream(t *testing.T) {
	c := newCoordinator(t, "streamed")
	actor := c.Session("sess1")

	taskID, err := actor.SpawnTask(context.Background(), session.TaskSpawnRequest{
		Query:      "say hi",
		Foreground: true,
	})
	require.NoError(t, err)

	sub, err := actor.Connect(context.Background(), taskID, "")
	require.NoError(t, err)
	require.NotNil(t, sub)

	waitForTerminal(t, c, taskID)
}
