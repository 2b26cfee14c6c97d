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
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/store"
)

// Manager is the run loop's pause/resume integration point. One Manager is
// shared by every planner instance in a session; Storage already
// degrades to a no-op when the backend lacks PlannerStateStore.
type Manager struct {
	config  *Config
	storage *Storage
}

// NewManager creates a checkpoint Manager over a capability-detected store.
func NewManager(cfg *Config, backend store.Core) *Manager {
	if cfg == nil {
		cfg = &Config{}
		cfg.SetDefaults()
	}

	var planner store.PlannerStateStore
	if p, ok := backend.(store.PlannerStateStore); ok {
		planner = p
	}

	return &Manager{
		config:  cfg,
		storage: NewStorage(planner),
	}
}

// IsEnabled returns whether checkpointing is enabled.
func (m *Manager) IsEnabled() bool {
	return m.config.IsEnabled()
}

// Config returns the checkpoint configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// Pause writes a durable pause record and returns the resume token the
// caller must hand back to Resume. Every call generates a fresh token.
func (m *Manager) Pause(ctx context.Context, taskID, sessionID string, traj *action.Trajectory, constraints Constraints, reason Reason) (string, error) {
	token, err := newResumeToken()
	if err != nil {
		return "", fmt.Errorf("checkpoint: generate resume token: %w", err)
	}

	rec := NewRecord(token, taskID, sessionID, traj, constraints, reason)
	if err := m.storage.Save(ctx, rec); err != nil {
		return "", err
	}
	return token, nil
}

// Resume consumes the pause record for resumeToken. found is false both
// when the token never existed and when it was already consumed by a prior
// Resume call — the run loop treats either case as "nothing to resume".
// A record older than the configured recovery timeout is consumed and
// reported as not found (expired).
func (m *Manager) Resume(ctx context.Context, resumeToken string) (rec *Record, found bool, err error) {
	rec, found, err = m.storage.Consume(ctx, resumeToken)
	if err != nil || !found {
		return rec, found, err
	}
	if rec.IsExpired(m.config.GetRecoveryTimeout()) {
		return nil, false, nil
	}
	return rec, true, nil
}

func newResumeToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rt_" + hex.EncodeToString(buf), nil
}
