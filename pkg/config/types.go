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

package config

import "fmt"

// RuntimeConfig covers the planner run-loop options (§6 "Runtime").
type RuntimeConfig struct {
	MaxIters            int     `yaml:"max_iters,omitempty"`
	MaxRetries          int     `yaml:"max_retries,omitempty"`
	TimeoutSeconds      float64 `yaml:"timeout_s,omitempty"`
	StreamingEnabled    bool    `yaml:"streaming_enabled,omitempty"`
	AutoSeqEnabled      bool    `yaml:"auto_seq_enabled,omitempty"`
	AutoSeqExecute      bool    `yaml:"auto_seq_execute,omitempty"`
	AutoSeqReadOnlyOnly bool    `yaml:"auto_seq_read_only_only,omitempty"`
}

// SetDefaults applies default values to RuntimeConfig.
func (c *RuntimeConfig) SetDefaults() {
	if c.MaxIters == 0 {
		c.MaxIters = 25
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 60
	}
}

// Validate checks the runtime configuration.
func (c *RuntimeConfig) Validate() error {
	if c.MaxIters < 0 {
		return fmt.Errorf("max_iters must be >= 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_s must be >= 0")
	}
	return nil
}

// TaskConfig covers task registry admission and lifetime options (§6 "Tasks").
type TaskConfig struct {
	MaxTotalTasks                int     `yaml:"max_total_tasks,omitempty"`
	MaxConcurrentTasks           int     `yaml:"max_concurrent_tasks,omitempty"`
	MaxTaskLifetimeSeconds       float64 `yaml:"max_task_lifetime_s,omitempty"`
	MaxPendingUserMessages       int     `yaml:"max_pending_user_messages,omitempty"`
	RetainTurnTimeoutSeconds     float64 `yaml:"retain_turn_timeout_s,omitempty"`
	BackgroundContinuationMaxHops int    `yaml:"background_continuation_max_hops,omitempty"`
}

// SetDefaults applies default values to TaskConfig.
func (c *TaskConfig) SetDefaults() {
	if c.MaxTotalTasks == 0 {
		c.MaxTotalTasks = 200
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 8
	}
	if c.MaxTaskLifetimeSeconds == 0 {
		c.MaxTaskLifetimeSeconds = 3600
	}
	if c.MaxPendingUserMessages == 0 {
		c.MaxPendingUserMessages = 2
	}
	if c.BackgroundContinuationMaxHops == 0 {
		c.BackgroundContinuationMaxHops = 10
	}
}

// Validate checks the task configuration.
func (c *TaskConfig) Validate() error {
	if c.MaxTotalTasks < 0 || c.MaxConcurrentTasks < 0 {
		return fmt.Errorf("task limits must be >= 0")
	}
	if c.MaxConcurrentTasks > 0 && c.MaxTotalTasks > 0 && c.MaxConcurrentTasks > c.MaxTotalTasks {
		return fmt.Errorf("max_concurrent_tasks must be <= max_total_tasks")
	}
	return nil
}

// RecoveryConfig covers error-recovery options (§6 "Error recovery").
type RecoveryConfig struct {
	Enabled                   bool `yaml:"enabled,omitempty"`
	MaxCompressRetries        int  `yaml:"max_compress_retries,omitempty"`
	CompressionThresholdChars int  `yaml:"compression_threshold_chars,omitempty"`
}

// SetDefaults applies default values to RecoveryConfig.
func (c *RecoveryConfig) SetDefaults() {
	if c.MaxCompressRetries == 0 {
		c.MaxCompressRetries = 2
	}
	if c.CompressionThresholdChars == 0 {
		c.CompressionThresholdChars = 8000
	}
}

// Validate checks the recovery configuration.
func (c *RecoveryConfig) Validate() error {
	if c.MaxCompressRetries < 0 {
		return fmt.Errorf("max_compress_retries must be >= 0")
	}
	if c.CompressionThresholdChars < 0 {
		return fmt.Errorf("compression_threshold_chars must be >= 0")
	}
	return nil
}

// GroupConfig covers task-group defaults (§6 "Groups").
type GroupConfig struct {
	DefaultMergeStrategy        string  `yaml:"default_group_merge_strategy,omitempty"`
	DefaultReport               string  `yaml:"default_group_report,omitempty"`
	TimeoutSeconds               float64 `yaml:"group_timeout_s,omitempty"`
	PartialOnFailure             bool    `yaml:"group_partial_on_failure,omitempty"`
	AutoSealGroupsOnForegroundYield bool `yaml:"auto_seal_groups_on_foreground_yield,omitempty"`
}

// SetDefaults applies default values to GroupConfig.
func (c *GroupConfig) SetDefaults() {
	if c.DefaultMergeStrategy == "" {
		c.DefaultMergeStrategy = "append"
	}
	if c.DefaultReport == "" {
		c.DefaultReport = "all"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 1800
	}
}

// Validate checks the group configuration.
func (c *GroupConfig) Validate() error {
	switch c.DefaultMergeStrategy {
	case "", "append", "replace", "human_gated":
	default:
		return fmt.Errorf("invalid default_group_merge_strategy %q", c.DefaultMergeStrategy)
	}
	switch c.DefaultReport {
	case "", "all", "any", "none":
	default:
		return fmt.Errorf("invalid default_group_report %q", c.DefaultReport)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("group_timeout_s must be >= 0")
	}
	return nil
}
