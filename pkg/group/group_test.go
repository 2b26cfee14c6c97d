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

package group_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/group"
	"github.com/penguiflow/planner/pkg/snapshot"
	"github.com/penguiflow/planner/pkg/task"
)

func TestCreateOrJoinResolvesDisplayNameWithinTurn(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id1, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)

	id2, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestCreateOrJoinDoesNotCrossTurnBoundary(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id1, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)

	id2, err := r.CreateOrJoin("turn2", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestCreateOrJoinByGroupIDRequiresOpen(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)
	require.NoError(t, r.Seal(id, now))

	_, err = r.CreateOrJoin("turn1", "", id, snapshot.MergeAppend, group.ReportAll, now)
	require.Error(t, err)
}

func TestSealTurnSealsAllOpenGroupsInTurn(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)

	r.SealTurn("turn1", now)

	g, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, group.Sealed, g.Status)
	require.NotNil(t, g.SealedAt)
}

func TestReconcileTransitionsToCompleteWhenAllTerminal(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)
	require.NoError(t, r.AddTask(id, "t1"))
	require.NoError(t, r.AddTask(id, "t2"))
	require.NoError(t, r.Seal(id, now))

	statuses := map[string]task.Status{"t1": task.Running, "t2": task.Complete}
	lookup := func(taskID string) (task.Status, bool) { s, ok := statuses[taskID]; return s, ok }

	g, err := r.Reconcile(id, lookup, now)
	require.NoError(t, err)
	require.Equal(t, group.Sealed, g.Status) // t1 still running

	statuses["t1"] = task.Complete
	g, err = r.Reconcile(id, lookup, now)
	require.NoError(t, err)
	require.Equal(t, group.Complete, g.Status)
	require.NotNil(t, g.CompletedAt)
}

func TestShouldReportDedupesByGroupID(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAll, now)
	require.NoError(t, err)
	require.NoError(t, r.AddTask(id, "t1"))
	require.NoError(t, r.Seal(id, now))

	statuses := map[string]task.Status{"t1": task.Complete}
	lookup := func(taskID string) (task.Status, bool) { s, ok := statuses[taskID]; return s, ok }
	_, err = r.Reconcile(id, lookup, now)
	require.NoError(t, err)

	require.True(t, r.ShouldReport(id, lookup))
	require.False(t, r.ShouldReport(id, lookup))
}

func TestShouldReportNoneNeverReports(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportNone, now)
	require.NoError(t, err)
	require.NoError(t, r.AddTask(id, "t1"))
	require.NoError(t, r.Seal(id, now))

	statuses := map[string]task.Status{"t1": task.Complete}
	lookup := func(taskID string) (task.Status, bool) { s, ok := statuses[taskID]; return s, ok }
	_, err = r.Reconcile(id, lookup, now)
	require.NoError(t, err)

	require.False(t, r.ShouldReport(id, lookup))
}

func TestShouldReportAnyFiresOnFirstTerminalMember(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeAppend, group.ReportAny, now)
	require.NoError(t, err)
	require.NoError(t, r.AddTask(id, "t1"))
	require.NoError(t, r.AddTask(id, "t2"))
	require.NoError(t, r.Seal(id, now))

	statuses := map[string]task.Status{"t1": task.Complete, "t2": task.Running}
	lookup := func(taskID string) (task.Status, bool) { s, ok := statuses[taskID]; return s, ok }

	require.True(t, r.ShouldReport(id, lookup))
}

func TestShouldReportHumanGatedWaitsForPendingPatches(t *testing.T) {
	r := group.NewRegistry("sess1")
	now := time.Now()

	id, err := r.CreateOrJoin("turn1", "research", "", snapshot.MergeHumanGated, group.ReportAll, now)
	require.NoError(t, err)
	require.NoError(t, r.AddTask(id, "t1"))
	require.NoError(t, r.QueuePatch(id, snapshot.Patch{PatchID: "p1", TaskID: "t1", Strategy: snapshot.MergeHumanGated}))
	require.NoError(t, r.Seal(id, now))

	statuses := map[string]task.Status{"t1": task.Complete}
	lookup := func(taskID string) (task.Status, bool) { s, ok := statuses[taskID]; return s, ok }
	_, err = r.Reconcile(id, lookup, now)
	require.NoError(t, err)

	require.False(t, r.ShouldReport(id, lookup))

	r.ResolvePatch(id, "p1")
	require.True(t, r.ShouldReport(id, lookup))
}
