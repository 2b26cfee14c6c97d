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

// Package task implements the per-session task registry and lifecycle
// state machine: spawn, get, list, cancel, pause, resume, prioritize, and
// transition, with idempotency and per-session spawn limits.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/planner/pkg/snapshot"
)

// Status is a task's lifecycle state.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Paused    Status = "PAUSED"
	Complete  Status = "COMPLETE"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// IsTerminal reports whether a status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case Complete, Failed, Cancelled:
		return true
	}
	return false
}

// Type distinguishes the single allowed foreground task from background
// tasks within a session.
type Type string

const (
	Foreground Type = "FOREGROUND"
	Background Type = "BACKGROUND"
)

// validTransitions encodes the lifecycle graph from §3: terminal states are
// absorbing and every edge below is the only way to reach its target.
var validTransitions = map[Status]map[Status]bool{
	Pending: {Running: true, Cancelled: true},
	Running: {Paused: true, Complete: true, Failed: true, Cancelled: true},
	Paused:  {Running: true, Cancelled: true},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return validTransitions[from][to]
}

// State is the full lifecycle record for one task.
type State struct {
	TaskID           string
	SessionID        string
	Status           Status
	TaskType         Type
	Priority         int
	Description      string
	GroupID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ContextSnapshot  *snapshot.Snapshot
	Result           any
	Err              *TaskError
	IdempotencyKey   string

	cancelToken *cancelToken
}

// TaskError is the safe, user-visible failure payload carried on a FAILED
// task's State.Err.
type TaskError struct {
	Kind      string
	Message   string
	TraceID   string
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// cancelToken is observed at suspension points; cooperative cancellation,
// never force-terminates work in flight.
type cancelToken struct {
	mu        sync.RWMutex
	cancelled bool
	reason    string
}

func (c *cancelToken) set(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	c.reason = reason
}

func (c *cancelToken) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

func (c *cancelToken) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// CancelToken exposes read-only cancellation observation to a running
// planner loop and the tools it invokes.
type CancelToken interface {
	Cancelled() bool
	Reason() string
}

// Spec describes a task spawn request.
type Spec struct {
	SessionID        string
	Description      string
	TaskType         Type
	Priority         int
	GroupID          string
	IdempotencyKey   string
	ContextSnapshot  *snapshot.Snapshot
}

// Limits bounds a session's task population, per §6 "Tasks" configuration.
type Limits struct {
	MaxTotalTasks      int
	MaxConcurrentTasks int
}

// DefaultLimits returns permissive defaults; sessions configure tighter
// bounds explicitly.
func DefaultLimits() Limits {
	return Limits{MaxTotalTasks: 256, MaxConcurrentTasks: 16}
}

// Registry is the per-session task store and lifecycle authority. One
// Registry per session; all access is internally synchronized, but the
// session coordinator's single-writer executor is still expected to
// serialize higher-level operations (spawn ordering, foreground policy).
type Registry struct {
	mu             sync.RWMutex
	sessionID      string
	limits         Limits
	tasks          map[string]*State
	byIdempotency  map[string]string // idempotency_key -> task_id
	pending        []string          // PENDING task ids, priority-ordered
	runningForeground string
}

// NewRegistry creates an empty registry for one session.
func NewRegistry(sessionID string, limits Limits) *Registry {
	return &Registry{
		sessionID:     sessionID,
		limits:        limits,
		tasks:         make(map[string]*State),
		byIdempotency: make(map[string]string),
	}
}

// Spawn creates a task, or returns the existing one if IdempotencyKey
// matches a non-terminal task. Enforces per-session limits and the
// single-RUNNING-foreground-task policy (a new foreground task spawns
// PENDING if one is already RUNNING).
func (r *Registry) Spawn(spec Spec, now time.Time) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.IdempotencyKey != "" {
		if existingID, ok := r.byIdempotency[spec.IdempotencyKey]; ok {
			if existing, ok := r.tasks[existingID]; ok && !existing.Status.IsTerminal() {
				return existing, nil
			}
		}
	}

	if r.limits.MaxTotalTasks > 0 && len(r.tasks) >= r.limits.MaxTotalTasks {
		return nil, fmt.Errorf("task: session %q at max_total_tasks (%d)", r.sessionID, r.limits.MaxTotalTasks)
	}

	st := &State{
		TaskID:          uuid.New().String(),
		SessionID:       spec.SessionID,
		Status:          Pending,
		TaskType:        spec.TaskType,
		Priority:        spec.Priority,
		Description:     spec.Description,
		GroupID:         spec.GroupID,
		CreatedAt:       now,
		UpdatedAt:       now,
		ContextSnapshot: spec.ContextSnapshot,
		IdempotencyKey:  spec.IdempotencyKey,
		cancelToken:     &cancelToken{},
	}

	r.tasks[st.TaskID] = st
	if spec.IdempotencyKey != "" {
		r.byIdempotency[spec.IdempotencyKey] = st.TaskID
	}
	r.insertPending(st.TaskID, spec.Priority)
	return st, nil
}

func (r *Registry) insertPending(taskID string, priority int) {
	idx := 0
	for idx < len(r.pending) {
		other := r.tasks[r.pending[idx]]
		if other == nil || other.Priority < priority {
			break
		}
		idx++
	}
	r.pending = append(r.pending, "")
	copy(r.pending[idx+1:], r.pending[idx:])
	r.pending[idx] = taskID
}

// AdmitNext pops the highest-priority PENDING task eligible to run given
// MaxConcurrentTasks and the foreground policy, transitioning it to
// RUNNING. Returns nil if nothing is eligible.
func (r *Registry) AdmitNext(now time.Time) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := 0
	for _, st := range r.tasks {
		if st.Status == Running {
			running++
		}
	}
	if r.limits.MaxConcurrentTasks > 0 && running >= r.limits.MaxConcurrentTasks {
		return nil
	}

	for i, id := range r.pending {
		st := r.tasks[id]
		if st == nil || st.Status != Pending {
			continue
		}
		if st.TaskType == Foreground && r.runningForeground != "" {
			continue // at most one RUNNING foreground task
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		st.Status = Running
		st.UpdatedAt = now
		if st.TaskType == Foreground {
			r.runningForeground = st.TaskID
		}
		return st
	}
	return nil
}

// Get returns a task by id.
func (r *Registry) Get(taskID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.tasks[taskID]
	return st, ok
}

// Filter selects tasks for List.
type Filter struct {
	Status  *Status
	GroupID string
	Type    *Type
}

// List returns tasks for this session matching filter (nil selects all).
func (r *Registry) List(filter *Filter) []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*State
	for _, st := range r.tasks {
		if filter != nil {
			if filter.Status != nil && st.Status != *filter.Status {
				continue
			}
			if filter.GroupID != "" && st.GroupID != filter.GroupID {
				continue
			}
			if filter.Type != nil && st.TaskType != *filter.Type {
				continue
			}
		}
		out = append(out, st)
	}
	return out
}

// Transition moves a task to a new status, enforcing the lifecycle graph.
// Only the owning runtime should call this for RUNNING<->PAUSED; CANCELLED
// may be requested by the session coordinator at any time via Cancel.
func (r *Registry) Transition(taskID string, to Status, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(taskID, to, now)
}

func (r *Registry) transitionLocked(taskID string, to Status, now time.Time) error {
	st, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task: unknown task %q", taskID)
	}
	if !CanTransition(st.Status, to) {
		if st.Status.IsTerminal() {
			return nil // terminal states are absorbing; ignore, not an error
		}
		return fmt.Errorf("task: invalid transition %s -> %s", st.Status, to)
	}
	st.Status = to
	st.UpdatedAt = now
	if st.TaskType == Foreground && to.IsTerminal() && r.runningForeground == taskID {
		r.runningForeground = ""
	}
	return nil
}

// Cancel sets a task CANCELLED atomically and signals its cancellation
// token. Terminal tasks are left untouched (absorbing). cascade=true also
// cancels every descendant listed in descendantIDs (looked up by the
// caller via group membership).
func (r *Registry) Cancel(taskID, reason string, cascade bool, descendantIDs []string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task: unknown task %q", taskID)
	}
	if st.Status.IsTerminal() {
		return nil
	}
	st.cancelToken.set(reason)
	if err := r.transitionLocked(taskID, Cancelled, now); err != nil {
		return err
	}

	if cascade {
		for _, id := range descendantIDs {
			if d, ok := r.tasks[id]; ok && !d.Status.IsTerminal() {
				d.cancelToken.set(reason)
				_ = r.transitionLocked(id, Cancelled, now)
			}
		}
	}
	return nil
}

// Pause transitions a RUNNING task to PAUSED. Only the owning runtime
// should call this.
func (r *Registry) Pause(taskID string, now time.Time) error {
	return r.Transition(taskID, Paused, now)
}

// Resume transitions a PAUSED task back to RUNNING.
func (r *Registry) Resume(taskID string, now time.Time) error {
	return r.Transition(taskID, Running, now)
}

// Prioritize updates a task's priority, re-ordering the pending queue if
// the task is still PENDING.
func (r *Registry) Prioritize(taskID string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task: unknown task %q", taskID)
	}
	st.Priority = priority
	if st.Status == Pending {
		for i, id := range r.pending {
			if id == taskID {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.insertPending(taskID, priority)
	}
	return nil
}

// CancelTokenFor returns the cancellation token for a task, for wiring into
// the planner loop and tool context.
func (r *Registry) CancelTokenFor(taskID string) CancelToken {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.tasks[taskID]; ok {
		return st.cancelToken
	}
	return &cancelToken{}
}

// Complete marks a task COMPLETE with its result.
func (r *Registry) Complete(taskID string, result any, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task: unknown task %q", taskID)
	}
	st.Result = result
	return r.transitionLocked(taskID, Complete, now)
}

// Fail marks a task FAILED with a user-safe error payload.
func (r *Registry) Fail(taskID string, taskErr *TaskError, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task: unknown task %q", taskID)
	}
	st.Err = taskErr
	return r.transitionLocked(taskID, Failed, now)
}
