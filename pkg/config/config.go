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

// Package config loads the planner runtime's option set: runtime (planner
// loop), tasks (admission/lifetime), error recovery, and group defaults.
//
// Example config:
//
//	runtime:
//	  max_iters: 25
//	  auto_seq_enabled: true
//
//	tasks:
//	  max_concurrent_tasks: 8
//
//	recovery:
//	  enabled: true
//
//	groups:
//	  default_group_merge_strategy: append
//
//	logger:
//	  level: info
//
// LLM provider selection, document stores, auth, and rate limiting are the
// teacher's platform-wide config surface and are out of this module's
// domain; callers wire an llmclient.Client of their own choosing.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Runtime  RuntimeConfig   `yaml:"runtime,omitempty"`
	Tasks    TaskConfig      `yaml:"tasks,omitempty"`
	Recovery RecoveryConfig  `yaml:"recovery,omitempty"`
	Groups   GroupConfig     `yaml:"groups,omitempty"`
	Logger   *LoggerConfig   `yaml:"logger,omitempty"`
}

// SetDefaults applies default values to the config.
func (c *Config) SetDefaults() {
	c.Runtime.SetDefaults()
	c.Tasks.SetDefaults()
	c.Recovery.SetDefaults()
	c.Groups.SetDefaults()
	if c.Logger == nil {
		c.Logger = &LoggerConfig{}
	}
	c.Logger.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Runtime.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("runtime: %v", err))
	}
	if err := c.Tasks.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("tasks: %v", err))
	}
	if err := c.Recovery.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("recovery: %v", err))
	}
	if err := c.Groups.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("groups: %v", err))
	}
	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("logger: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Load reads a YAML config file, expands ${VAR} environment references,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every section at its default values.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
