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

// Package eventsink emits the planner runtime's outbound StateUpdate
// stream: ordered per (session_id, task_id), fanned out to live
// subscribers, and appended to the State Store as a durable log. Replay
// reconstructs from the log up to a cursor, then switches to live.
package eventsink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/penguiflow/planner/pkg/observability"
	"github.com/penguiflow/planner/pkg/store"
)

// UpdateType enumerates outbound StateUpdate kinds (§3).
type UpdateType string

const (
	Thinking     UpdateType = "THINKING"
	Progress     UpdateType = "PROGRESS"
	ToolCall     UpdateType = "TOOL_CALL"
	Result       UpdateType = "RESULT"
	Error        UpdateType = "ERROR"
	Checkpoint   UpdateType = "CHECKPOINT"
	StatusChange UpdateType = "STATUS_CHANGE"
	Notification UpdateType = "NOTIFICATION"
	ArtifactChunk UpdateType = "ARTIFACT_CHUNK"
)

// terminal types are never dropped under backpressure.
var terminal = map[UpdateType]bool{
	Result:       true,
	Error:        true,
	Notification: true,
	// STATUS_CHANGE is terminal only when its content names a terminal
	// status; see isTerminalStatusChange.
}

var terminalStatuses = map[string]bool{
	"COMPLETE":  true,
	"FAILED":    true,
	"CANCELLED": true,
}

// StateUpdate is one outbound event (§3).
type StateUpdate struct {
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	UpdateID   string         `json:"update_id"`
	UpdateType UpdateType     `json:"update_type"`
	Content    map[string]any `json:"content"`
	StepIndex  *int           `json:"step_index,omitempty"`
	TotalSteps *int           `json:"total_steps,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (u StateUpdate) isTerminal() bool {
	if terminal[u.UpdateType] {
		return true
	}
	if u.UpdateType == StatusChange {
		if status, ok := u.Content["status"].(string); ok {
			return terminalStatuses[status]
		}
	}
	return false
}

// Subscriber receives a bounded, ordered stream of StateUpdates for one
// (session_id, task_id).
type Subscriber struct {
	ch     chan StateUpdate
	closed bool
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan StateUpdate { return s.ch }

const defaultQueueSize = 256

// Sink is the per-process Event Sink. One Sink is shared by every task in a
// session; streams are distinguished by (session_id, task_id) key.
type Sink struct {
	backend store.Core // capability-detected for store.UpdateStore

	mu          sync.Mutex
	seqByStream map[string]int64
	subscribers map[string][]*Subscriber
	queueSize   int

	metrics *observability.Metrics
}

// Option configures optional Sink dependencies.
type Option func(*Sink)

// WithMetrics records emitted/dropped update counts and the subscriber
// count against m. A nil m is accepted and simply records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// New creates a Sink over a State Store backend. Persistence degrades to a
// log+warning no-op when backend doesn't implement store.UpdateStore.
func New(backend store.Core, opts ...Option) *Sink {
	s := &Sink{
		backend:     backend,
		seqByStream: make(map[string]int64),
		subscribers: make(map[string][]*Subscriber),
		queueSize:   defaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func streamKey(sessionID, taskID string) string { return sessionID + "|" + taskID }

// Emit assigns update_id (if empty), persists the update, and fans it out
// to live subscribers of its (session_id, task_id) stream. Under
// backpressure (a subscriber's bounded queue is full), non-terminal
// updates are dropped for that subscriber; terminal updates block until
// the subscriber has room, to guarantee delivery, per §4.K.
func (s *Sink) Emit(ctx context.Context, u StateUpdate) error {
	key := streamKey(u.SessionID, u.TaskID)

	s.mu.Lock()
	if u.UpdateID == "" {
		s.seqByStream[key]++
		u.UpdateID = sequentialID(u.SessionID, u.TaskID, s.seqByStream[key])
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	subs := append([]*Subscriber(nil), s.subscribers[key]...)
	s.mu.Unlock()

	if updater, ok := s.backend.(store.UpdateStore); ok {
		rec := store.UpdateRecord{
			SessionID: u.SessionID, TaskID: u.TaskID, UpdateID: u.UpdateID,
			UpdateType: string(u.UpdateType), Content: u.Content,
			StepIndex: u.StepIndex, TotalSteps: u.TotalSteps, CreatedAt: u.CreatedAt,
		}
		if err := updater.SaveUpdate(ctx, rec); err != nil {
			slog.Warn("eventsink: failed to persist update", "session_id", u.SessionID, "task_id", u.TaskID, "error", err)
		}
	}

	s.metrics.RecordUpdate(string(u.UpdateType))
	for _, sub := range subs {
		s.deliver(sub, u)
	}
	return nil
}

func (s *Sink) deliver(sub *Subscriber, u StateUpdate) {
	if u.isTerminal() {
		sub.ch <- u // terminal updates always delivered; blocks until the subscriber has room
		return
	}
	select {
	case sub.ch <- u:
	default:
		s.metrics.RecordDropped(string(u.UpdateType))
		slog.Warn("eventsink: dropped non-terminal update under backpressure",
			"session_id", u.SessionID, "task_id", u.TaskID, "update_type", u.UpdateType)
	}
}

// Subscribe returns a live stream for (session_id, task_id). When the
// backend supports store.UpdateStore, the stream first replays every
// persisted update after sinceUpdateID (every persisted update when
// sinceUpdateID is empty) before switching to live delivery.
func (s *Sink) Subscribe(ctx context.Context, sessionID, taskID, sinceUpdateID string) (*Subscriber, error) {
	key := streamKey(sessionID, taskID)
	sub := &Subscriber{ch: make(chan StateUpdate, s.queueSize)}

	if lister, ok := s.backend.(store.UpdateStore); ok {
		rows, err := lister.ListUpdates(ctx, sessionID, taskID, sinceUpdateID)
		if err != nil {
			return nil, err
		}
		for _, rec := range rows {
			sub.ch <- StateUpdate{
				SessionID: rec.SessionID, TaskID: rec.TaskID, UpdateID: rec.UpdateID,
				UpdateType: UpdateType(rec.UpdateType), Content: rec.Content,
				StepIndex: rec.StepIndex, TotalSteps: rec.TotalSteps, CreatedAt: rec.CreatedAt,
			}
		}
	}

	s.mu.Lock()
	s.subscribers[key] = append(s.subscribers[key], sub)
	depth := len(s.subscribers[key])
	s.mu.Unlock()
	s.metrics.SetQueueDepth(sessionID, taskID, depth)
	return sub, nil
}

// Unsubscribe removes sub from its stream and closes its channel.
func (s *Sink) Unsubscribe(sessionID, taskID string, sub *Subscriber) {
	key := streamKey(sessionID, taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[key]
	for i, existing := range subs {
		if existing == sub {
			s.subscribers[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	depth := len(s.subscribers[key])
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	s.metrics.SetQueueDepth(sessionID, taskID, depth)
}

func sequentialID(sessionID, taskID string, seq int64) string {
	return sessionID + ":" + taskID + ":" + itoa64(seq)
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
