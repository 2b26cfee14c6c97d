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

// Package group implements task groups: turn-scoped create_or_join name
// resolution, explicit/implicit sealing, and deduped COMPLETE reporting
// for sets of background tasks spawned together.
package group

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/planner/pkg/snapshot"
	"github.com/penguiflow/planner/pkg/task"
)

// Status is a group's lifecycle state.
type Status string

const (
	Open     Status = "OPEN"
	Sealed   Status = "SEALED"
	Complete Status = "COMPLETE"
	Failed   Status = "FAILED"
)

// ReportStrategy controls when the group-level synthesis report is
// eligible for emission.
type ReportStrategy string

const (
	ReportAll  ReportStrategy = "all"
	ReportAny  ReportStrategy = "any"
	ReportNone ReportStrategy = "none"
)

// Group is the lifecycle record for a set of tasks spawned under one
// display_name or group_id.
type Group struct {
	GroupID        string
	DisplayName    string
	SessionID      string
	Status         Status
	MergeStrategy  snapshot.MergeStrategy
	ReportStrategy ReportStrategy
	TaskIDs        []string
	PendingPatches []snapshot.Patch
	CreatedAt      time.Time
	SealedAt       *time.Time
	CompletedAt    *time.Time

	reported bool
}

// Registry tracks every group for one session, plus the turn-scoped
// display_name -> group_id resolution table create_or_join needs.
type Registry struct {
	mu        sync.Mutex
	sessionID string
	groups    map[string]*Group
	byTurn    map[string]map[string]string // turn_id -> display_name -> group_id
}

// NewRegistry creates an empty group registry for one session.
func NewRegistry(sessionID string) *Registry {
	return &Registry{
		sessionID: sessionID,
		groups:    make(map[string]*Group),
		byTurn:    make(map[string]map[string]string),
	}
}

// CreateOrJoin resolves a create_or_join(display_name|group_id, ...) call.
// When groupID is non-empty it must name an existing OPEN group in this
// session (join); otherwise displayName is resolved against every OPEN
// group created earlier in turnID, falling back to creating a fresh group.
func (r *Registry) CreateOrJoin(turnID, displayName, groupID string, mergeStrategy snapshot.MergeStrategy, reportStrategy ReportStrategy, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if groupID != "" {
		g, ok := r.groups[groupID]
		if !ok {
			return "", fmt.Errorf("group: unknown group_id %q", groupID)
		}
		if g.Status != Open {
			return "", fmt.Errorf("group: group %q is not OPEN (status=%s)", groupID, g.Status)
		}
		return g.GroupID, nil
	}

	if displayName != "" {
		if byName, ok := r.byTurn[turnID]; ok {
			if existingID, ok := byName[displayName]; ok {
				if g, ok := r.groups[existingID]; ok && g.Status == Open {
					return g.GroupID, nil
				}
			}
		}
	}

	g := &Group{
		GroupID:        uuid.New().String(),
		DisplayName:    displayName,
		SessionID:      r.sessionID,
		Status:         Open,
		MergeStrategy:  mergeStrategy,
		ReportStrategy: reportStrategy,
		CreatedAt:      now,
	}
	r.groups[g.GroupID] = g

	if displayName != "" {
		if r.byTurn[turnID] == nil {
			r.byTurn[turnID] = make(map[string]string)
		}
		r.byTurn[turnID][displayName] = g.GroupID
	}
	return g.GroupID, nil
}

// AddTask records a spawned task as a member of groupID.
func (r *Registry) AddTask(groupID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("group: unknown group_id %q", groupID)
	}
	g.TaskIDs = append(g.TaskIDs, taskID)
	return nil
}

// QueuePatch appends a human_gated patch awaiting approval to a group's
// pending_patches list, surfaced to callers deciding report readiness.
func (r *Registry) QueuePatch(groupID string, patch snapshot.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("group: unknown group_id %q", groupID)
	}
	g.PendingPatches = append(g.PendingPatches, patch)
	return nil
}

// ResolvePatch removes a pending patch once it has been approved or
// rejected.
func (r *Registry) ResolvePatch(groupID, patchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return
	}
	out := g.PendingPatches[:0]
	for _, p := range g.PendingPatches {
		if p.PatchID != patchID {
			out = append(out, p)
		}
	}
	g.PendingPatches = out
}

// Seal explicitly seals a group (seal_group, or group_sealed=true on the
// last spawn). Sealing an already-sealed-or-terminal group is a no-op.
func (r *Registry) Seal(groupID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("group: unknown group_id %q", groupID)
	}
	if g.Status != Open {
		return nil
	}
	g.Status = Sealed
	sealedAt := now
	g.SealedAt = &sealedAt
	return nil
}

// SealTurn implicitly seals every still-OPEN group created within turnID,
// called when the foreground turn yields (§4.H).
func (r *Registry) SealTurn(turnID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.byTurn[turnID]
	if !ok {
		return
	}
	for _, groupID := range byName {
		if g, ok := r.groups[groupID]; ok && g.Status == Open {
			g.Status = Sealed
			sealedAt := now
			g.SealedAt = &sealedAt
		}
	}
	delete(r.byTurn, turnID)
}

// Get returns a group by id.
func (r *Registry) Get(groupID string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	return g, ok
}

// Reconcile inspects the terminal status of every member task and
// transitions a SEALED group to COMPLETE once all members are terminal,
// per §4.H's "SEALED and all member tasks are terminal" invariant. lookup
// resolves a task's current status; tasks the lookup doesn't know about
// are treated as not-yet-terminal.
func (r *Registry) Reconcile(groupID string, lookup func(taskID string) (task.Status, bool), now time.Time) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group: unknown group_id %q", groupID)
	}
	if g.Status != Sealed {
		return g, nil
	}
	for _, taskID := range g.TaskIDs {
		status, known := lookup(taskID)
		if !known || !status.IsTerminal() {
			return g, nil
		}
	}
	g.Status = Complete
	completedAt := now
	g.CompletedAt = &completedAt
	return g, nil
}

// ShouldReport reports whether the group-level synthesis report is due
// now and marks it emitted (so a second call returns false — report
// emission is deduped by group_id). A human_gated group never reports
// while pending_patches is non-empty, regardless of ReportStrategy.
func (r *Registry) ShouldReport(groupID string, lookup func(taskID string) (task.Status, bool)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok || g.reported {
		return false
	}
	if g.ReportStrategy == ReportNone {
		return false
	}
	if g.MergeStrategy == snapshot.MergeHumanGated && len(g.PendingPatches) > 0 {
		return false
	}

	switch g.ReportStrategy {
	case ReportAll:
		if g.Status != Complete {
			return false
		}
	case ReportAny:
		if g.Status != Sealed && g.Status != Complete {
			return false
		}
		anyTerminal := false
		for _, taskID := range g.TaskIDs {
			if status, known := lookup(taskID); known && status.IsTerminal() {
				anyTerminal = true
				break
			}
		}
		if !anyTerminal {
			return false
		}
	default:
		return false
	}

	g.reported = true
	return true
}
