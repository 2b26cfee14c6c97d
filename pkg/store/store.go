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

// Package store defines the State Store Protocol: a unified persistence
// surface for events, tasks, trajectories, steering, memory, and artifacts.
// The core (audit log) operations are required of every backend; the rest
// are optional, capability-gated interfaces a backend may additionally
// implement. DetectCapabilities reports which optional interfaces a backend
// provides, but nothing calls it at startup: each consumer type-asserts the
// interface it needs where it uses it. Optional persistence that is missing
// or fails is logged with a warning at every occurrence, not once per
// feature, and the run continues.
package store

import (
	"context"
	"time"
)

// EventKind enumerates the rows of the persisted event log (§6).
type EventKind string

const (
	EventTaskCreated            EventKind = "task.created"
	EventTaskStatusChanged      EventKind = "task.status_changed"
	EventTaskProgress           EventKind = "task.progress"
	EventTaskResultReady        EventKind = "task.result_ready"
	EventContextPatchReady      EventKind = "task.context_patch_ready"
	EventContextPatchApplied    EventKind = "task.context_patch_applied"
	EventTaskSteeringReceived   EventKind = "task.steering_received"
	EventTaskControlRequested   EventKind = "task.control_requested"
	EventTaskControlConfirmed   EventKind = "task.control_confirmed"
)

// Event is one append-only row of the event log, keyed by TraceID (the
// session or task trace being recorded) and ordered by Ts then SeqNo (the
// deterministic tiebreak for rows sharing a timestamp).
type Event struct {
	TraceID  string
	Ts       time.Time
	SeqNo    int64
	Kind     EventKind
	NodeID   string
	NodeName string
	Payload  map[string]any
}

// RemoteBinding associates an external/remote identifier (e.g. a transport
// session handle) with a session_id, so a reconnecting client can resume the
// same session.
type RemoteBinding struct {
	SessionID  string
	RemoteID   string
	Transport  string
	CreatedAt  time.Time
}

// Core is the required persistence surface every backend must implement.
// Failure here is surfaced to the caller (perr.StoreCore) and fails the
// task; it is never silently swallowed.
type Core interface {
	// SaveEvent appends one row to the event log. Idempotent by
	// (TraceID, Ts, SeqNo): replaying the same row is a no-op.
	SaveEvent(ctx context.Context, ev Event) error

	// LoadHistory returns a trace's events in ascending (Ts, SeqNo) order.
	// sinceSeqNo is an exclusive cursor; zero loads from the beginning.
	LoadHistory(ctx context.Context, traceID string, sinceSeqNo int64) ([]Event, error)

	// SaveRemoteBinding records (or updates) a remote binding. Idempotent by
	// (SessionID, RemoteID).
	SaveRemoteBinding(ctx context.Context, b RemoteBinding) error
}

// PlannerStateStore persists pause/resume records (§4.I). Capability-gated:
// a backend without it disables pause/resume support.
type PlannerStateStore interface {
	SavePlannerState(ctx context.Context, resumeToken string, state []byte) error
	LoadPlannerState(ctx context.Context, resumeToken string) ([]byte, bool, error)
}

// MemoryStateStore persists memory branch/summary strategy state (§4.G).
type MemoryStateStore interface {
	SaveMemoryState(ctx context.Context, sessionID string, state []byte) error
	LoadMemoryState(ctx context.Context, sessionID string) ([]byte, bool, error)
}

// TaskRecord is the persisted form of task.State (§3 TaskState), decoupled
// from the in-process registry type so the store package has no import
// cycle back onto pkg/task.
type TaskRecord struct {
	TaskID         string
	SessionID      string
	Status         string
	TaskType       string
	Priority       int
	Description    string
	GroupID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IdempotencyKey string
	Payload        map[string]any
}

// TaskStore persists TaskState rows (§4.F), for recovery of the registry
// after a restart.
type TaskStore interface {
	SaveTask(ctx context.Context, rec TaskRecord) error
	ListTasks(ctx context.Context, sessionID string) ([]TaskRecord, error)
}

// UpdateRecord is the persisted form of an outbound StateUpdate (§3).
type UpdateRecord struct {
	SessionID  string
	TaskID     string
	UpdateID   string
	UpdateType string
	Content    map[string]any
	StepIndex  *int
	TotalSteps *int
	CreatedAt  time.Time
}

// UpdateStore persists outbound StateUpdates for replay (§4.K). ListUpdates
// returns rows with update_id > sinceUpdateID in log order (cursor is
// exclusive).
type UpdateStore interface {
	SaveUpdate(ctx context.Context, rec UpdateRecord) error
	ListUpdates(ctx context.Context, sessionID, taskID string, sinceUpdateID string) ([]UpdateRecord, error)
}

// SteeringRecord is the persisted form of a SteeringEvent (§3).
type SteeringRecord struct {
	SessionID string
	TaskID    string
	EventID   string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// SteeringStore persists inbound steering events, for audit and for
// replaying a session's control history.
type SteeringStore interface {
	SaveSteering(ctx context.Context, rec SteeringRecord) error
	ListSteering(ctx context.Context, sessionID, taskID string) ([]SteeringRecord, error)
}

// TrajectoryStore persists full Trajectory snapshots keyed by task, and
// enumerates known traces. Concrete trajectory serialization is caller-
// supplied JSON (action.Trajectory.SerializeForLLM produces the canonical
// form, but the store persists whatever bytes it is given).
type TrajectoryStore interface {
	SaveTrajectory(ctx context.Context, taskID string, data []byte) error
	GetTrajectory(ctx context.Context, taskID string) ([]byte, bool, error)
	ListTraces(ctx context.Context, sessionID string) ([]string, error)
}

// PlannerEventRecord is a fine-grained planner-internal event (distinct
// from the coarse task-lifecycle Event), used for detailed replay/debugging
// (auto_seq_detected_unique, auto_seq_executed, and similar).
type PlannerEventRecord struct {
	TaskID  string
	Ts      time.Time
	Kind    string
	Payload map[string]any
}

// PlannerEventStore persists planner-internal events.
type PlannerEventStore interface {
	SavePlannerEvent(ctx context.Context, rec PlannerEventRecord) error
	ListPlannerEvents(ctx context.Context, taskID string) ([]PlannerEventRecord, error)
}

// Artifact is one content-addressed blob extracted from a tool output field
// marked artifact:true.
type Artifact struct {
	Ref         string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// ArtifactStore persists artifact blobs out-of-band from the LLM-visible
// observation, which carries only a "<artifact:ref>" placeholder.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, a Artifact) (ref string, err error)
	GetArtifact(ctx context.Context, ref string) (*Artifact, error)
}

// Capabilities reports which optional interfaces a backend satisfies,
// computed once at session startup (§6 "Capability discovery").
type Capabilities struct {
	PlannerState  bool
	MemoryState   bool
	Tasks         bool
	Updates       bool
	Steering      bool
	Trajectories  bool
	PlannerEvents bool
	Artifacts     bool
}

// DetectCapabilities performs the startup capability discovery for a Core
// backend, via type assertion against the optional interfaces above.
func DetectCapabilities(backend Core) Capabilities {
	var caps Capabilities
	if _, ok := backend.(PlannerStateStore); ok {
		caps.PlannerState = true
	}
	if _, ok := backend.(MemoryStateStore); ok {
		caps.MemoryState = true
	}
	if _, ok := backend.(TaskStore); ok {
		caps.Tasks = true
	}
	if _, ok := backend.(UpdateStore); ok {
		caps.Updates = true
	}
	if _, ok := backend.(SteeringStore); ok {
		caps.Steering = true
	}
	if _, ok := backend.(TrajectoryStore); ok {
		caps.Trajectories = true
	}
	if _, ok := backend.(PlannerEventStore); ok {
		caps.PlannerEvents = true
	}
	if _, ok := backend.(ArtifactStore); ok {
		caps.Artifacts = true
	}
	return caps
}
