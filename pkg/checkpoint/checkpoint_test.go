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

package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/checkpoint"
	"github.com/penguiflow/planner/pkg/store"
)

func TestManagerPauseResume(t *testing.T) {
	backend := store.NewInMemoryStore()
	cfg := &checkpoint.Config{}
	cfg.SetDefaults()
	mgr := checkpoint.NewManager(cfg, backend)

	traj := action.New("hello", time.Now())
	token, err := mgr.Pause(context.Background(), "task-1", "sess-1", traj, checkpoint.Constraints{MaxIters: 10, StepCount: 3}, checkpoint.ReasonHITL)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rec, found, err := mgr.Resume(context.Background(), token)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "task-1", rec.TaskID)
	require.Equal(t, checkpoint.ReasonHITL, rec.Reason)
	require.Equal(t, 3, rec.Constraints.StepCount)
}

func TestManagerResumeIsIdempotent(t *testing.T) {
	backend := store.NewInMemoryStore()
	cfg := &checkpoint.Config{}
	cfg.SetDefaults()
	mgr := checkpoint.NewManager(cfg, backend)

	traj := action.New("hello", time.Now())
	token, err := mgr.Pause(context.Background(), "task-1", "sess-1", traj, checkpoint.Constraints{}, checkpoint.ReasonManual)
	require.NoError(t, err)

	_, found, err := mgr.Resume(context.Background(), token)
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = mgr.Resume(context.Background(), token)
	require.NoError(t, err)
	require.False(t, found, "second resume of the same token must be a no-op")
}

func TestManagerDisabledBackendIsNoOp(t *testing.T) {
	cfg := &checkpoint.Config{}
	cfg.SetDefaults()
	mgr := checkpoint.NewManager(cfg, struct{ store.Core }{})

	traj := action.New("hello", time.Now())
	token, err := mgr.Pause(context.Background(), "task-1", "sess-1", traj, checkpoint.Constraints{}, checkpoint.ReasonManual)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, found, err := mgr.Resume(context.Background(), token)
	require.NoError(t, err)
	require.False(t, found, "backend without PlannerStateStore never persisted anything")
}

func TestRecordSerializeRoundTrip(t *testing.T) {
	traj := action.New("hello", time.Now())
	rec := checkpoint.NewRecord("rt_abc", "task-1", "sess-1", traj, checkpoint.Constraints{MaxIters: 5}, checkpoint.ReasonRetainTurn)

	data, err := rec.Serialize()
	require.NoError(t, err)

	got, err := checkpoint.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, rec.ResumeToken, got.ResumeToken)
	require.Equal(t, rec.Reason, got.Reason)
	require.False(t, got.IsExpired(0))
}
