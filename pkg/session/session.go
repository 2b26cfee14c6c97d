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

// Package session implements the session coordinator: one logical
// executor per session that serializes every mutation to that session's
// task registry, groups, and trajectories, while letting the session's
// tasks themselves run as independent concurrent planner runtimes.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/planner/pkg/checkpoint"
	"github.com/penguiflow/planner/pkg/eventsink"
	"github.com/penguiflow/planner/pkg/group"
	"github.com/penguiflow/planner/pkg/invoker"
	"github.com/penguiflow/planner/pkg/memory"
	"github.com/penguiflow/planner/pkg/observability"
	"github.com/penguiflow/planner/pkg/planner"
	"github.com/penguiflow/planner/pkg/recovery"
	"github.com/penguiflow/planner/pkg/snapshot"
	"github.com/penguiflow/planner/pkg/steering"
	"github.com/penguiflow/planner/pkg/store"
	"github.com/penguiflow/planner/pkg/task"
	"github.com/penguiflow/planner/pkg/tool"
)

// ForegroundTaskID is the routing alias steer() accepts to mean
// "whichever task is this session's current foreground turn".
const ForegroundTaskID = "foreground"

// Deps wires every Coordinator session to the process-wide component
// instances a planner.Runtime is built from. Tools and Memory are shared
// read-only across sessions; Tasks and Groups are allocated fresh per
// session by the Coordinator.
type Deps struct {
	PlannerConfig planner.Config
	Invoker       *invoker.Invoker
	Recovery      *recovery.Recovery
	Checkpoint    *checkpoint.Manager
	Sink          *eventsink.Sink
	Backend       store.Core
	Tools         map[string]tool.CallableTool
	Memory        memory.Adapter
	TaskLimits    task.Limits
	InboxConfig   steering.Config

	// Metrics and Tracer are optional; a nil value records/traces nothing.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// BufferForegroundSteering controls routing when a steer() targets
	// ForegroundTaskID but no foreground task is currently RUNNING: true
	// buffers the event for the next spawned foreground task, false
	// rejects it outright. The zero value (false) rejects; cmd/planner sets
	// it true (see DESIGN.md Open Questions).
	BufferForegroundSteering bool
}

// Coordinator owns one sessionActor per session_id, created on first use.
type Coordinator struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*sessionActor
}

// NewCoordinator builds a Coordinator over shared Deps.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{deps: deps, sessions: make(map[string]*sessionActor)}
}

// Session returns the actor for sessionID, creating and starting it if
// this is the first reference.
func (c *Coordinator) Session(sessionID string) *sessionActor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		return s
	}
	s := newSessionActor(sessionID, c.deps)
	c.sessions[sessionID] = s
	return s
}

// Shutdown stops every session's executor goroutine. In-flight task
// runtimes are not cancelled; callers that need that should cancel the
// context passed to spawn_task/connect first.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.stop()
	}
}

// TaskSpawnRequest is the input to spawn_task.
type TaskSpawnRequest struct {
	Query       string
	Description string
	TaskType    task.Type
	Priority    int
	GroupID     string
	Foreground  bool // marks this as the session's new foreground turn
}

// sessionActor is the single-writer executor for one session: a bounded
// channel of closures, drained by exactly one goroutine, so every
// mutation to tasks/groups/trajectories for this session is applied in
// the order the coordinator received it.
type sessionActor struct {
	sessionID string
	deps      Deps

	tasks  *task.Registry
	groups *group.Registry
	rt     *planner.Runtime

	mu                sync.Mutex
	inboxes           map[string]*steering.Inbox
	mergers           map[string]*snapshot.Merger
	pendingQuery      map[string]runInput
	foreground        string
	pendingForeground []steering.Event

	cmds     chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// runInput is the per-task input stashed at spawn time and consumed once
// task.Registry.AdmitNext actually admits that task to RUNNING.
type runInput struct {
	query   string
	groupID string
}

func newSessionActor(sessionID string, deps Deps) *sessionActor {
	limits := deps.TaskLimits
	if limits.MaxTotalTasks == 0 && limits.MaxConcurrentTasks == 0 {
		limits = task.DefaultLimits()
	}
	s := &sessionActor{
		sessionID:    sessionID,
		deps:         deps,
		tasks:        task.NewRegistry(sessionID, limits),
		groups:       group.NewRegistry(sessionID),
		inboxes:      make(map[string]*steering.Inbox),
		mergers:      make(map[string]*snapshot.Merger),
		pendingQuery: make(map[string]runInput),
		cmds:         make(chan func(), 256),
		done:         make(chan struct{}),
	}
	s.rt = planner.New(deps.PlannerConfig, planner.Deps{
		Invoker:    deps.Invoker,
		Recovery:   deps.Recovery,
		Checkpoint: deps.Checkpoint,
		Sink:       deps.Sink,
		Tasks:      s.tasks,
		Groups:     s.groups,
		Backend:    deps.Backend,
		Tools:      deps.Tools,
		Memory:     deps.Memory,
		Metrics:    deps.Metrics,
		Tracer:     deps.Tracer,
	})
	go s.loop()
	return s
}

// loop is the session's single writer: every command submitted via
// submitSync runs here, never concurrently with another command for the
// same session.
func (s *sessionActor) loop() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *sessionActor) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// submitSync runs fn on the session's executor goroutine and blocks for
// its result.
func (s *sessionActor) submitSync(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(reply) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session: %s is shut down", s.sessionID)
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect subscribes a transport to one task's outbound update stream,
// per §4.M's connect(transport). sinceUpdateID replays persisted updates
// from a cursor when the backend supports it.
func (s *sessionActor) Connect(ctx context.Context, taskID, sinceUpdateID string) (*eventsink.Subscriber, error) {
	return s.deps.Sink.Subscribe(ctx, s.sessionID, taskID, sinceUpdateID)
}

// Subscribe is an alias for Connect, named after §4.M's subscribe(filter)
// operation; filtering here is by (session_id, task_id), the Sink's
// native stream key.
func (s *sessionActor) Subscribe(ctx context.Context, taskID, sinceUpdateID string) (*eventsink.Subscriber, error) {
	return s.Connect(ctx, taskID, sinceUpdateID)
}

// SpawnTask enqueues a task (PENDING) and wires its Inbox and Merger.
// For a foreground spawn, any steering events buffered while no
// foreground task was running are replayed into the new Inbox. The task
// only starts executing once task.Registry.AdmitNext admits it — spawn
// itself returns immediately with the new task_id, matching §5's
// cooperative-concurrency model where admission is bounded by
// max_concurrent_tasks and the single-RUNNING-foreground-task policy.
func (s *sessionActor) SpawnTask(ctx context.Context, req TaskSpawnRequest) (taskID string, err error) {
	submitErr := s.submitSync(ctx, func() {
		taskType := req.TaskType
		if taskType == "" {
			if req.Foreground {
				taskType = task.Foreground
			} else {
				taskType = task.Background
			}
		}

		st, spawnErr := s.tasks.Spawn(task.Spec{
			SessionID:   s.sessionID,
			Description: req.Description,
			TaskType:    taskType,
			Priority:    req.Priority,
			GroupID:     req.GroupID,
		}, time.Now())
		if spawnErr != nil {
			err = spawnErr
			return
		}
		taskID = st.TaskID

		inbox := steering.New(s.deps.InboxConfig)
		merger := snapshot.NewMerger(nil)
		s.mu.Lock()
		s.inboxes[taskID] = inbox
		s.mergers[taskID] = merger
		s.pendingQuery[taskID] = runInput{query: req.Query, groupID: req.GroupID}
		if req.Foreground {
			s.foreground = taskID
			buffered := s.pendingForeground
			s.pendingForeground = nil
			for _, ev := range buffered {
				ev.TaskID = taskID
				inbox.Push(ev)
			}
		}
		s.mu.Unlock()

		s.admitPendingLocked()
	})
	if submitErr != nil {
		return "", submitErr
	}
	return taskID, err
}

// admitPendingLocked drains every task.Registry.AdmitNext slot currently
// available and launches a planner Runtime for each newly RUNNING task.
// Must be called from the executor goroutine (directly, or scheduled via
// s.cmds) since it reads s.pendingQuery/s.inboxes/s.mergers.
func (s *sessionActor) admitPendingLocked() {
	for {
		st := s.tasks.AdmitNext(time.Now())
		if st == nil {
			return
		}

		s.mu.Lock()
		input := s.pendingQuery[st.TaskID]
		delete(s.pendingQuery, st.TaskID)
		inbox := s.inboxes[st.TaskID]
		merger := s.mergers[st.TaskID]
		s.mu.Unlock()

		run := &planner.Run{
			SessionID:   s.sessionID,
			TaskID:      st.TaskID,
			TurnID:      uuid.NewString(),
			Query:       input.query,
			GroupID:     input.groupID,
			Merger:      merger,
			Constraints: checkpoint.Constraints{MaxIters: s.deps.PlannerConfig.MaxIters},
			Inbox:       inbox,
			CancelToken: s.tasks.CancelTokenFor(st.TaskID),
		}
		go s.drive(run)
	}
}

// drive runs a task's planner loop to completion or pause, then
// schedules another admission pass on the executor goroutine so a
// concurrency slot freed by this task's completion is picked up by the
// next PENDING task. It is the only place outside the executor goroutine
// that touches s.tasks/s.groups, both of which are independently
// mutex-protected for exactly this reason: per §5, tasks execute
// concurrently as independent flows, while session-level bookkeeping
// (registries, subscriptions, steering routing) stays serialized through
// the executor.
func (s *sessionActor) drive(run *planner.Run) {
	ctx := context.Background()
	out, _ := s.rt.Execute(ctx, run)
	if out != nil && out.Reason == planner.ReasonPaused {
		_ = s.tasks.Pause(run.TaskID, time.Now())
	}

	select {
	case s.cmds <- func() { s.admitPendingLocked() }:
	case <-s.done:
	}
}

// Resume restarts a paused task from a checkpoint.Manager resume token,
// continuing its trajectory and constraints exactly where Pause left
// off.
func (s *sessionActor) Resume(ctx context.Context, taskID, resumeToken string) error {
	rec, found, err := s.deps.Checkpoint.Resume(ctx, resumeToken)
	if err != nil {
		return fmt.Errorf("session: resume %s: %w", taskID, err)
	}
	if !found {
		return fmt.Errorf("session: resume token not found or expired")
	}

	return s.submitSync(ctx, func() {
		if err := s.tasks.Resume(taskID, time.Now()); err != nil {
			return
		}
		s.mu.Lock()
		inbox, ok := s.inboxes[taskID]
		if !ok {
			inbox = steering.New(s.deps.InboxConfig)
			s.inboxes[taskID] = inbox
		}
		merger, ok := s.mergers[taskID]
		if !ok {
			merger = snapshot.NewMerger(nil)
			s.mergers[taskID] = merger
		}
		s.mu.Unlock()

		run := &planner.Run{
			SessionID:   s.sessionID,
			TaskID:      taskID,
			TurnID:      uuid.NewString(),
			Merger:      merger,
			Constraints: rec.Constraints,
			Trajectory:  rec.Trajectory,
			Inbox:       inbox,
			CancelToken: s.tasks.CancelTokenFor(taskID),
		}
		go s.drive(run)
	})
}

// Steer routes a steering event to its target task's Inbox. TaskID ==
// ForegroundTaskID resolves to the session's current foreground task;
// per §4.M, if no foreground task is RUNNING the event is either
// buffered for the next spawn (Deps.BufferForegroundSteering true) or
// rejected (false, the zero value).
func (s *sessionActor) Steer(ctx context.Context, ev steering.Event) error {
	return s.submitSync(ctx, func() {
		targetID := ev.TaskID
		if targetID == ForegroundTaskID || targetID == "" {
			s.mu.Lock()
			targetID = s.foreground
			s.mu.Unlock()
		}

		if targetID == "" {
			if s.deps.BufferForegroundSteering {
				s.mu.Lock()
				s.pendingForeground = append(s.pendingForeground, ev)
				s.mu.Unlock()
			}
			return
		}

		st, ok := s.tasks.Get(targetID)
		if !ok || st.Status.IsTerminal() {
			if ev.TaskID == ForegroundTaskID && s.deps.BufferForegroundSteering {
				s.mu.Lock()
				s.pendingForeground = append(s.pendingForeground, ev)
				s.mu.Unlock()
			}
			return
		}

		s.mu.Lock()
		inbox, ok := s.inboxes[targetID]
		s.mu.Unlock()
		if !ok {
			return
		}
		ev.TaskID = targetID
		inbox.Push(ev)
	})
}

// GetTaskState returns a snapshot of one task's state, or every task in
// the session when taskID is empty.
func (s *sessionActor) GetTaskState(ctx context.Context, taskID string) (states []*task.State, err error) {
	submitErr := s.submitSync(ctx, func() {
		if taskID == "" {
			states = s.tasks.List(nil)
			return
		}
		st, ok := s.tasks.Get(taskID)
		if !ok {
			err = fmt.Errorf("session: unknown task %s", taskID)
			return
		}
		states = []*task.State{st}
	})
	if submitErr != nil {
		return nil, submitErr
	}
	return states, err
}

// ApplyContextPatch merges a context snapshot.Patch into the task's
// merged context, per §4.G. When the patch belongs to a task group,
// group.Registry tracks it toward that group's report gate; a
// human_gated patch waits for a later APPROVE/REJECT steering event,
// resolved by the planner's own drain-time handling.
func (s *sessionActor) ApplyContextPatch(ctx context.Context, taskID string, patch snapshot.Patch) error {
	return s.submitSync(ctx, func() {
		s.mu.Lock()
		merger, ok := s.mergers[taskID]
		if !ok {
			merger = snapshot.NewMerger(nil)
			s.mergers[taskID] = merger
		}
		s.mu.Unlock()

		_ = merger.Apply(patch, time.Now())

		if st, ok := s.tasks.Get(taskID); ok && st.GroupID != "" {
			_ = s.groups.QueuePatch(st.GroupID, patch)
		}
	})
}

// Cancel cancels a task, optionally cascading to descendantIDs the
// caller already resolved from its own task tree (the registry tracks
// GroupID membership, not parent/child edges, so cascade resolution is
// the caller's responsibility).
func (s *sessionActor) Cancel(ctx context.Context, taskID, reason string, cascade bool, descendantIDs []string) error {
	return s.submitSync(ctx, func() {
		_ = s.tasks.Cancel(taskID, reason, cascade, descendantIDs, time.Now())
	})
}
