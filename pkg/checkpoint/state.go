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

// Package checkpoint implements the planner's pause/resume record: PAUSE
// writes a durable record to the State Store keyed by a resume token; RESUME
// reconstructs the trajectory and constraints and continues. Resume is
// idempotent — the same token consumed twice yields a no-op on the second.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/penguiflow/planner/pkg/action"
)

// Reason names why a task was paused.
type Reason string

const (
	// ReasonHITL - paused awaiting a human-in-the-loop approval/rejection.
	ReasonHITL Reason = "hitl"

	// ReasonManual - paused by an explicit PAUSE steering event.
	ReasonManual Reason = "manual"

	// ReasonRetainTurn - force-yielded on a retain-turn timeout; the group
	// continues in the background under a bounded continuation budget.
	ReasonRetainTurn Reason = "retain_turn"
)

// Constraints carries the budget/deadline/gate state a resumed run loop must
// re-enforce; it mirrors the planner's per-task constraint set.
type Constraints struct {
	MaxIters      int       `json:"max_iters"`
	StepCount     int       `json:"step_count"`
	Deadline      time.Time `json:"deadline,omitempty"`
	BudgetUSD     float64   `json:"budget_usd,omitempty"`
	SpentUSD      float64   `json:"spent_usd,omitempty"`
	HITLRequired  bool      `json:"hitl_required,omitempty"`
}

// Record is the durable pause record written to the State Store, keyed by
// ResumeToken. It captures exactly what the run loop needs to continue: the
// trajectory, the constraint set, and why it paused.
type Record struct {
	ResumeToken string `json:"resume_token"`
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`

	Trajectory  *action.Trajectory `json:"trajectory"`
	Constraints Constraints        `json:"constraints"`
	Reason      Reason             `json:"reason"`

	// PendingApprovalID names the snapshot.PendingApproval awaiting an
	// APPROVE/REJECT steering event, set only when Reason == ReasonHITL.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds a pause Record ready to persist.
func NewRecord(resumeToken, taskID, sessionID string, traj *action.Trajectory, constraints Constraints, reason Reason) *Record {
	return &Record{
		ResumeToken: resumeToken,
		TaskID:      taskID,
		SessionID:   sessionID,
		Trajectory:  traj,
		Constraints: constraints,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}
}

// Serialize converts the Record to JSON bytes for the State Store.
func (r *Record) Serialize() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("checkpoint: cannot serialize nil record")
	}
	return json.Marshal(r)
}

// Deserialize reconstructs a Record from JSON bytes.
func Deserialize(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("checkpoint: cannot deserialize empty data")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal pause record: %w", err)
	}
	return &rec, nil
}

// IsExpired reports whether the record is older than timeout. A zero
// timeout means no expiry is enforced.
func (r *Record) IsExpired(timeout time.Duration) bool {
	if r.CreatedAt.IsZero() || timeout <= 0 {
		return false
	}
	return time.Since(r.CreatedAt) > timeout
}
