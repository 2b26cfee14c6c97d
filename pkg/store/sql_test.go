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

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/store"
)

func newTestSQLStore(t *testing.T) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLStore(ctx, store.SQLConfig{
		Driver:   "sqlite",
		DSN:      "file::memory:?cache=shared",
		MaxConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLConfigValidate(t *testing.T) {
	cfg := store.SQLConfig{Driver: "oracle", DSN: "x"}
	require.Error(t, cfg.Validate())

	cfg = store.SQLConfig{Driver: "sqlite"}
	require.Error(t, cfg.Validate()) // missing DSN

	cfg = store.SQLConfig{Driver: "postgres", DSN: "postgres://x"}
	require.NoError(t, cfg.Validate())
}

func TestSQLStoreSatisfiesEveryCapability(t *testing.T) {
	s := newTestSQLStore(t)
	caps := store.DetectCapabilities(s)
	require.Equal(t, store.Capabilities{
		PlannerState:  true,
		MemoryState:   true,
		Tasks:         true,
		Updates:       true,
		Steering:      true,
		Trajectories:  true,
		PlannerEvents: true,
		Artifacts:     true,
	}, caps)
}

func TestSQLStoreEventLogAppendAndReplay(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	ev1 := store.Event{TraceID: "t1", Ts: time.Now(), Kind: store.EventTaskCreated, NodeID: "n1"}
	require.NoError(t, s.SaveEvent(ctx, ev1))
	ev2 := store.Event{TraceID: "t1", Ts: time.Now(), Kind: store.EventTaskProgress, Payload: map[string]any{"pct": 50.0}}
	require.NoError(t, s.SaveEvent(ctx, ev2))

	// Replaying the first row (now with its assigned SeqNo) is a no-op.
	rows, err := s.LoadHistory(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, s.SaveEvent(ctx, rows[0]))

	rows2, err := s.LoadHistory(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, rows2, 2)

	sinceFirst, err := s.LoadHistory(ctx, "t1", rows[0].SeqNo)
	require.NoError(t, err)
	require.Len(t, sinceFirst, 1)
	require.Equal(t, store.EventTaskProgress, sinceFirst[0].Kind)
	require.Equal(t, 50.0, sinceFirst[0].Payload["pct"])
}

func TestSQLStoreRemoteBindingUpsert(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRemoteBinding(ctx, store.RemoteBinding{SessionID: "s1", RemoteID: "r1", Transport: "ws", CreatedAt: time.Now()}))
	require.NoError(t, s.SaveRemoteBinding(ctx, store.RemoteBinding{SessionID: "s1", RemoteID: "r1", Transport: "sse", CreatedAt: time.Now()}))
}

func TestSQLStorePlannerState(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadPlannerState(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SavePlannerState(ctx, "tok1", []byte("snapshot-1")))
	v, ok, err := s.LoadPlannerState(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("snapshot-1"), v)

	v, ok, err = s.ConsumePlannerState(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("snapshot-1"), v)

	// Second consumption is a no-op.
	_, ok, err = s.ConsumePlannerState(ctx, "tok1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLStoreMemoryState(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMemoryState(ctx, "sess1", []byte("branch-a")))
	require.NoError(t, s.SaveMemoryState(ctx, "sess1", []byte("branch-b")))
	v, ok, err := s.LoadMemoryState(ctx, "sess1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("branch-b"), v)
}

func TestSQLStoreTasksLatestWins(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveTask(ctx, store.TaskRecord{
		TaskID: "task1", SessionID: "sess1", Status: "PENDING", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveTask(ctx, store.TaskRecord{
		TaskID: "task1", SessionID: "sess1", Status: "RUNNING", CreatedAt: now, UpdatedAt: now.Add(time.Second),
		Payload: map[string]any{"attempt": 2.0},
	}))
	require.NoError(t, s.SaveTask(ctx, store.TaskRecord{
		TaskID: "task2", SessionID: "sess1", Status: "PENDING", CreatedAt: now, UpdatedAt: now,
	}))

	rows, err := s.ListTasks(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "task1", rows[0].TaskID)
	require.Equal(t, "RUNNING", rows[0].Status)
	require.Equal(t, 2.0, rows[0].Payload["attempt"])
}

func TestSQLStoreUpdatesIdempotentAndCursor(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := store.UpdateRecord{
			SessionID: "sess1", TaskID: "task1", UpdateID: itoa(i),
			UpdateType: "THINKING", CreatedAt: time.Now(),
		}
		require.NoError(t, s.SaveUpdate(ctx, rec))
	}
	// Duplicate UpdateID is a no-op.
	require.NoError(t, s.SaveUpdate(ctx, store.UpdateRecord{
		SessionID: "sess1", TaskID: "task1", UpdateID: "2", UpdateType: "DUPLICATE", CreatedAt: time.Now(),
	}))

	all, err := s.ListUpdates(ctx, "sess1", "task1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "THINKING", all[1].UpdateType) // not overwritten by the duplicate insert

	since, err := s.ListUpdates(ctx, "sess1", "task1", "1")
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.Equal(t, "2", since[0].UpdateID)
}

func TestSQLStoreSteering(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSteering(ctx, store.SteeringRecord{
		SessionID: "sess1", TaskID: "task1", EventID: "evt1", EventType: "PAUSE", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveSteering(ctx, store.SteeringRecord{
		SessionID: "sess1", TaskID: "task1", EventID: "evt1", EventType: "PAUSE", CreatedAt: time.Now(),
	})) // idempotent by EventID

	rows, err := s.ListSteering(ctx, "sess1", "task1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSQLStoreTrajectoriesAndTraces(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterTrace(ctx, "sess1", "task1"))
	require.NoError(t, s.RegisterTrace(ctx, "sess1", "task2"))
	require.NoError(t, s.SaveTrajectory(ctx, "task1", []byte(`{"steps":1}`)))
	require.NoError(t, s.SaveTrajectory(ctx, "task1", []byte(`{"steps":2}`)))

	data, ok, err := s.GetTrajectory(ctx, "task1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"steps":2}`), data)

	_, ok, err = s.GetTrajectory(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	traces, err := s.ListTraces(ctx, "sess1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"task1", "task2"}, traces)
}

func TestSQLStorePlannerEvents(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePlannerEvent(ctx, store.PlannerEventRecord{TaskID: "task1", Ts: time.Now(), Kind: "auto_seq_detected"}))
	require.NoError(t, s.SavePlannerEvent(ctx, store.PlannerEventRecord{TaskID: "task1", Ts: time.Now(), Kind: "auto_seq_executed"}))

	rows, err := s.ListPlannerEvents(ctx, "task1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "auto_seq_detected", rows[0].Kind)
	require.Equal(t, "auto_seq_executed", rows[1].Kind)
}

func TestSQLStoreArtifacts(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	ref, err := s.PutArtifact(ctx, store.Artifact{ContentType: "text/plain", Data: []byte("hello")})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := s.GetArtifact(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []byte("hello"), got.Data)

	explicit, err := s.PutArtifact(ctx, store.Artifact{Ref: "artifact:pinned", Data: []byte("v1")})
	require.NoError(t, err)
	require.Equal(t, "artifact:pinned", explicit)
	_, err = s.PutArtifact(ctx, store.Artifact{Ref: "artifact:pinned", Data: []byte("v2")})
	require.NoError(t, err)
	got, err = s.GetArtifact(ctx, "artifact:pinned")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Data)

	missing, err := s.GetArtifact(ctx, "artifact:does-not-exist")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
