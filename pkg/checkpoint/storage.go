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

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/penguiflow/planner/pkg/store"
)

// Storage persists pause Records through a store.PlannerStateStore. It is a
// thin adapter: the State Store Protocol already guarantees idempotent
// writes by natural key, so Storage only handles (de)serialization.
type Storage struct {
	backend store.PlannerStateStore
}

// NewStorage wraps a capability-detected store.PlannerStateStore. Callers
// should check store.Capabilities.PlannerState before constructing one;
// a nil backend makes every operation a no-op, matching the "missing
// optional methods disables the feature" rule.
func NewStorage(backend store.PlannerStateStore) *Storage {
	return &Storage{backend: backend}
}

// Save persists a pause Record keyed by its resume token.
func (s *Storage) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("checkpoint: cannot save nil record")
	}
	if rec.ResumeToken == "" {
		return fmt.Errorf("checkpoint: resume_token is required")
	}
	if s.backend == nil {
		slog.Warn("checkpoint: pause/resume disabled, backend lacks PlannerStateStore", "task_id", rec.TaskID)
		return nil
	}

	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("checkpoint: serialize pause record: %w", err)
	}
	if err := s.backend.SavePlannerState(ctx, rec.ResumeToken, data); err != nil {
		return fmt.Errorf("checkpoint: save pause record: %w", err)
	}

	slog.Debug("checkpoint: saved pause record",
		"task_id", rec.TaskID, "session_id", rec.SessionID, "reason", rec.Reason)
	return nil
}

// Load retrieves a pause Record by resume token without consuming it.
func (s *Storage) Load(ctx context.Context, resumeToken string) (*Record, bool, error) {
	if s.backend == nil {
		return nil, false, nil
	}
	data, ok, err := s.backend.LoadPlannerState(ctx, resumeToken)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: load pause record: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil, false, nil
	}
	rec, err := Deserialize(data)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: deserialize pause record: %w", err)
	}
	return rec, true, nil
}

// Consume retrieves and deletes a pause Record in one step, so resuming the
// same token twice is a no-op the second time (§4.I idempotent resume). The
// in-memory backend exposes this directly; other backends are expected to
// implement it as LoadPlannerState followed by a tombstone write, but since
// Consume is not part of the State Store Protocol's optional interface set,
// Storage falls back to load-then-clear via two calls when the backend
// cannot do it atomically.
func (s *Storage) Consume(ctx context.Context, resumeToken string) (*Record, bool, error) {
	if s.backend == nil {
		return nil, false, nil
	}
	type consumer interface {
		ConsumePlannerState(ctx context.Context, resumeToken string) ([]byte, bool, error)
	}
	if c, ok := s.backend.(consumer); ok {
		data, found, err := c.ConsumePlannerState(ctx, resumeToken)
		if err != nil {
			return nil, false, fmt.Errorf("checkpoint: consume pause record: %w", err)
		}
		if !found {
			return nil, false, nil
		}
		rec, err := Deserialize(data)
		if err != nil {
			return nil, false, fmt.Errorf("checkpoint: deserialize pause record: %w", err)
		}
		return rec, true, nil
	}

	rec, found, err := s.Load(ctx, resumeToken)
	if err != nil || !found {
		return rec, found, err
	}
	if err := s.backend.SavePlannerState(ctx, resumeToken, nil); err != nil {
		slog.Warn("checkpoint: failed to tombstone consumed pause record", "resume_token", resumeToken, "error", err)
	}
	return rec, true, nil
}
