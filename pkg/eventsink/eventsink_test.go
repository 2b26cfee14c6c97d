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

package eventsink_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/eventsink"
	"github.com/penguiflow/planner/pkg/store"
)

func TestEmitDeliversToLiveSubscriber(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	sub, err := sink.Subscribe(ctx, "sess1", "task1", "")
	require.NoError(t, err)

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1",
		UpdateType: eventsink.Thinking,
		Content:    map[string]any{"text": "hi"},
	}))

	got := <-sub.C()
	require.Equal(t, eventsink.Thinking, got.UpdateType)
	require.NotEmpty(t, got.UpdateID)
}

func TestEmitPersistsToStore(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1",
		UpdateType: eventsink.Result,
		Content:    map[string]any{"answer": "42"},
	}))

	rows, err := backend.ListUpdates(ctx, "sess1", "task1", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "RESULT", rows[0].UpdateType)
}

func TestSubscribeReplaysThenLive(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1",
		UpdateType: eventsink.Progress,
		Content:    map[string]any{"step": 1},
	}))

	sub, err := sink.Subscribe(ctx, "sess1", "task1", "")
	require.NoError(t, err)

	replayed := <-sub.C()
	require.Equal(t, eventsink.Progress, replayed.UpdateType)

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1",
		UpdateType: eventsink.Result,
		Content:    map[string]any{"answer": "done"},
	}))

	live := <-sub.C()
	require.Equal(t, eventsink.Result, live.UpdateType)
}

func TestSubscribeSinceUpdateIDExcludesReplayedRows(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{SessionID: "sess1", TaskID: "task1", UpdateType: eventsink.Progress}))
	rows, err := backend.ListUpdates(ctx, "sess1", "task1", "")
	require.NoError(t, err)
	firstID := rows[0].UpdateID

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{SessionID: "sess1", TaskID: "task1", UpdateType: eventsink.Result}))

	sub, err := sink.Subscribe(ctx, "sess1", "task1", firstID)
	require.NoError(t, err)

	only := <-sub.C()
	require.Equal(t, eventsink.Result, only.UpdateType)
}

func TestBackpressureDropsNonTerminalButKeepsTerminal(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	sub, err := sink.Subscribe(ctx, "sess1", "task1", "")
	require.NoError(t, err)

	// Fill the subscriber's bounded queue with progress updates without
	// draining, then push one more plus a terminal RESULT.
	const queueSize = 256
	for i := 0; i < queueSize; i++ {
		require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
			SessionID: "sess1", TaskID: "task1", UpdateType: eventsink.Progress,
		}))
	}
	// The queue is full: this progress update is dropped without blocking.
	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1", UpdateType: eventsink.Progress,
	}))

	done := make(chan struct{})
	go func() {
		require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
			SessionID: "sess1", TaskID: "task1", UpdateType: eventsink.Result,
		}))
		close(done)
	}()

	// Drain everything; the terminal RESULT must appear even though the
	// queue was full of progress updates and a further one was dropped.
	var sawResult bool
	for i := 0; i < queueSize+1; i++ {
		u := <-sub.C()
		if u.UpdateType == eventsink.Result {
			sawResult = true
		}
	}
	<-done
	require.True(t, sawResult)
	require.Len(t, sub.C(), 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	sub, err := sink.Subscribe(ctx, "sess1", "task1", "")
	require.NoError(t, err)

	sink.Unsubscribe("sess1", "task1", sub)

	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestStatusChangeTerminalOnlyForTerminalStatus(t *testing.T) {
	backend := store.NewInMemoryStore()
	sink := eventsink.New(backend)
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1",
		UpdateType: eventsink.StatusChange,
		Content:    map[string]any{"status": "RUNNING"},
	}))
	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task1",
		UpdateType: eventsink.StatusChange,
		Content:    map[string]any{"status": "COMPLETE"},
	}))

	rows, err := backend.ListUpdates(ctx, "sess1", "task1", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// With a full queue, a RUNNING status change is dropped like any
	// non-terminal update, while COMPLETE waits for room and is delivered.
	sub, err := sink.Subscribe(ctx, "sess1", "task2", "")
	require.NoError(t, err)
	const queueSize = 256
	for i := 0; i < queueSize; i++ {
		require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
			SessionID: "sess1", TaskID: "task2", UpdateType: eventsink.Progress,
		}))
	}
	require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
		SessionID: "sess1", TaskID: "task2",
		UpdateType: eventsink.StatusChange,
		Content:    map[string]any{"status": "RUNNING"},
	}))
	done := make(chan struct{})
	go func() {
		require.NoError(t, sink.Emit(ctx, eventsink.StateUpdate{
			SessionID: "sess1", TaskID: "task2",
			UpdateType: eventsink.StatusChange,
			Content:    map[string]any{"status": "COMPLETE"},
		}))
		close(done)
	}()
	var statuses []any
	for i := 0; i < queueSize+1; i++ {
		u := <-sub.C()
		if u.UpdateType == eventsink.StatusChange {
			statuses = append(statuses, u.Content["status"])
		}
	}
	<-done
	require.Equal(t, []any{"COMPLETE"}, statuses)
}
