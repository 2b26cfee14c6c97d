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

package planner

import (
	"context"

	"github.com/penguiflow/planner/pkg/memory"
	"github.com/penguiflow/planner/pkg/snapshot"
	"github.com/penguiflow/planner/pkg/task"
)

// toolContext is the concrete snapshot.Context handed to a tool's Call. One
// instance is built per tool invocation; it carries no mutable state beyond
// the EventActions the tool may populate.
type toolContext struct {
	sessionID      string
	taskID         string
	functionCallID string
	state          map[string]any
	actions        snapshot.EventActions
	memory         memory.Adapter
	cancelToken    task.CancelToken
}

func newToolContext(sessionID, taskID, functionCallID string, state map[string]any, mem memory.Adapter, cancelToken task.CancelToken) *toolContext {
	return &toolContext{
		sessionID:      sessionID,
		taskID:         taskID,
		functionCallID: functionCallID,
		state:          state,
		memory:         mem,
		cancelToken:    cancelToken,
	}
}

func (c *toolContext) SessionID() string { return c.sessionID }
func (c *toolContext) TaskID() string    { return c.taskID }
func (c *toolContext) State() map[string]any { return c.state }
func (c *toolContext) FunctionCallID() string { return c.functionCallID }
func (c *toolContext) Actions() *snapshot.EventActions { return &c.actions }

func (c *toolContext) SearchMemory(ctx context.Context, query string) (*snapshot.MemorySearchResponse, error) {
	if c.memory == nil {
		return &snapshot.MemorySearchResponse{}, nil
	}
	return c.memory.Search(ctx, c.sessionID, query)
}

func (c *toolContext) Cancelled() bool {
	if c.cancelToken == nil {
		return false
	}
	return c.cancelToken.Cancelled()
}
