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

// Package memory implements the abstract memory adapter a tool call reaches
// through snapshot.Context.SearchMemory, and the branch/summary bookkeeping a
// TaskContextSnapshot references under its memory strategy.
package memory

// Strategy names a TaskContextSnapshot's memory handling at spawn time.
type Strategy string

const (
	// StrategyShared means the spawned task reads the same memory adapter
	// instance as its parent; no branch is created.
	StrategyShared Strategy = "shared"

	// StrategyBranch forks a private branch of memory state, isolated from
	// concurrent writes in the parent session.
	StrategyBranch Strategy = "branch"

	// StrategySummary freezes a point-in-time summary string instead of a
	// live branch; cheaper, but not updatable.
	StrategySummary Strategy = "summary"
)

// Config configures an adapter's behavior.
type Config struct {
	// Enabled turns memory search on; when false, adapters return an empty
	// response rather than erroring.
	Enabled bool `yaml:"enabled"`

	// RecallLimit caps the number of results a search returns.
	RecallLimit int `yaml:"recall_limit"`

	// Collection names the backing namespace (index/table/bucket) a
	// concrete adapter stores facts under.
	Collection string `yaml:"collection"`
}

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	if c.RecallLimit <= 0 {
		c.RecallLimit = 5
	}
	if c.Collection == "" {
		c.Collection = "planner_memory"
	}
}
