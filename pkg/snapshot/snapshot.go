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

// Package snapshot freezes the LLM-visible context at task spawn time and
// applies merge patches produced by completed background tasks back onto
// the foreground context.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MergeStrategy selects how a ContextPatch is folded into foreground
// context.
type MergeStrategy string

const (
	MergeAppend     MergeStrategy = "append"
	MergeReplace    MergeStrategy = "replace"
	MergeHumanGated MergeStrategy = "human_gated"
)

// Snapshot is a frozen, JSON-serializable view of the foreground context at
// the moment a background task is spawned. Read-only after creation;
// llm_context round-trips through JSON by construction (it is built from a
// JSON marshal/unmarshal deep clone).
type Snapshot struct {
	LLMContext       map[string]any    `json:"llm_context"`
	ToolContext      map[string]string `json:"tool_context"` // handle refs, never raw objects
	MemoryStrategy   string            `json:"memory_strategy"`
	MemoryBranch     string            `json:"memory_branch_or_summary"`
	Artifacts        []string          `json:"artifacts"`
	SpawnedFromTask  string            `json:"spawned_from_task_id"`
	SpawnedFromEvent string            `json:"spawned_from_event_id"`
	SpawnedAt        time.Time         `json:"spawned_at"`
	SpawnReason      string            `json:"spawn_reason"`
}

// Freeze deep-clones llmContext via a JSON round trip and packages the
// remaining snapshot fields. toolContext must already be handle references,
// never raw objects.
func Freeze(llmContext map[string]any, toolContext map[string]string, memoryStrategy, memoryBranch string, artifacts []string, spawnedFromTask, spawnedFromEvent string, now time.Time, reason string) (*Snapshot, error) {
	raw, err := json.Marshal(llmContext)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal llm_context: %w", err)
	}
	var cloned map[string]any
	if err := json.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("snapshot: round-trip llm_context: %w", err)
	}
	return &Snapshot{
		LLMContext:       cloned,
		ToolContext:      toolContext,
		MemoryStrategy:   memoryStrategy,
		MemoryBranch:     memoryBranch,
		Artifacts:        artifacts,
		SpawnedFromTask:  spawnedFromTask,
		SpawnedFromEvent: spawnedFromEvent,
		SpawnedAt:        now,
		SpawnReason:      reason,
	}, nil
}

// Patch is the task→foreground merge payload a background task produces on
// completion.
type Patch struct {
	PatchID               string         `json:"patch_id"`
	TaskID                string         `json:"task_id"`
	SpawnedFromEventID     string        `json:"spawned_from_event_id"`
	CompletedAt            time.Time     `json:"completed_at"`
	Digest                 []string      `json:"digest"`
	Facts                  map[string]any `json:"facts"`
	Artifacts               []string     `json:"artifacts"`
	Sources                 []string     `json:"sources"`
	Assumptions             []string     `json:"assumptions"`
	RecommendedNextSteps    []string     `json:"recommended_next_steps"`
	Strategy                MergeStrategy `json:"merge_strategy"`
	ReplaceKey              string       `json:"replace_key,omitempty"`
}

// Divergence reports whether the foreground trajectory has advanced past
// the event a patch was spawned from. The caller (planner runtime) still
// applies the merge but must surface a NOTIFICATION warning.
func (p *Patch) Divergence(currentEventSeq, spawnedFromEventSeq int) bool {
	return currentEventSeq > spawnedFromEventSeq
}

// PendingApproval is a human_gated patch queued awaiting an APPROVE/REJECT
// steering event that references PatchID.
type PendingApproval struct {
	Patch     Patch
	QueuedAt  time.Time
}

// Merger applies patches onto a foreground llm_context under the patch's
// merge strategy. Safe for concurrent use; callers hold one Merger per
// foreground task since llm_context mutation must be serialized with that
// task's single-writer loop.
type Merger struct {
	mu             sync.Mutex
	llmContext     map[string]any
	appliedPatches map[string]bool // dedupe by patch_id
	pending        map[string]PendingApproval
}

// NewMerger wraps a foreground llm_context for patch application.
func NewMerger(llmContext map[string]any) *Merger {
	if llmContext == nil {
		llmContext = map[string]any{}
	}
	return &Merger{
		llmContext:     llmContext,
		appliedPatches: make(map[string]bool),
		pending:        make(map[string]PendingApproval),
	}
}

// Apply merges a patch according to its strategy. For human_gated patches
// this only queues the patch; call ApproveGated/RejectGated to resolve it.
// Applying the same patch_id twice under append is a no-op (idempotent).
func (m *Merger) Apply(p Patch, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appliedPatches[p.PatchID] {
		return nil
	}

	switch p.Strategy {
	case MergeAppend:
		entry := map[string]any{
			"task_id":   p.TaskID,
			"ts":        p.CompletedAt,
			"digest":    p.Digest,
			"facts":     p.Facts,
			"sources":   p.Sources,
			"artifacts": p.Artifacts,
		}
		results, _ := m.llmContext["research_results"].([]any)
		m.llmContext["research_results"] = append(results, entry)
		m.appliedPatches[p.PatchID] = true
		return nil

	case MergeReplace:
		if p.ReplaceKey == "" {
			return fmt.Errorf("snapshot: replace strategy requires a target key")
		}
		if _, exists := m.llmContext[p.ReplaceKey]; !exists {
			return fmt.Errorf("snapshot: replace key %q not found in llm_context", p.ReplaceKey)
		}
		m.llmContext[p.ReplaceKey] = p.Facts
		m.appliedPatches[p.PatchID] = true
		return nil

	case MergeHumanGated:
		m.pending[p.PatchID] = PendingApproval{Patch: p, QueuedAt: now}
		return nil

	default:
		return fmt.Errorf("snapshot: unknown merge strategy %q", p.Strategy)
	}
}

// ApproveGated applies a previously queued human_gated patch. Returns
// (applied, error); applied is false if no such pending patch exists
// (already resolved or unknown id — treated as a no-op, not an error, so
// duplicate APPROVE events are safe).
func (m *Merger) ApproveGated(patchID string) (bool, error) {
	m.mu.Lock()
	pending, ok := m.pending[patchID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.pending, patchID)
	m.mu.Unlock()

	approved := pending.Patch
	approved.Strategy = MergeAppend
	if err := m.Apply(approved, pending.QueuedAt); err != nil {
		return false, err
	}
	return true, nil
}

// RejectGated drops a pending human_gated patch without merging it.
func (m *Merger) RejectGated(patchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[patchID]; !ok {
		return false
	}
	delete(m.pending, patchID)
	return true
}

// LLMContext returns the current merged context. The returned map must not
// be mutated by callers outside the owning foreground task's loop.
func (m *Merger) LLMContext() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.llmContext
}
