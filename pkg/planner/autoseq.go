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
	"github.com/penguiflow/planner/pkg/action"
)

// autoSeqDetect implements the deterministic fast-path: fire only when the
// previous step was not a plan, the last observation coerces to a structured
// map, and exactly one visible tool both validates against it and clears the
// side-effect/blocked-tool gates. Ambiguity (zero or more than one match)
// always falls through to the LLM.
func (rt *Runtime) autoSeqDetect(traj *action.Trajectory) (action.PlannerAction, bool) {
	if traj.LastActionIsPlan() {
		return action.PlannerAction{}, false
	}
	obs := action.CoerceObservation(lastStep(traj))
	if obs == nil {
		return action.PlannerAction{}, false
	}

	var match *action.PlannerAction
	for name, t := range rt.deps.Tools {
		if rt.cfg.BlockedAutoSeqTools != nil && rt.cfg.BlockedAutoSeqTools[name] {
			continue
		}
		if rt.cfg.AutoSeqReadOnlyOnly && rt.cfg.StatefulTools != nil && rt.cfg.StatefulTools[name] {
			continue
		}
		if t.RequiresApproval() {
			continue
		}
		if !validatesAgainst(t.Schema(), obs) {
			continue
		}
		if match != nil {
			return action.PlannerAction{}, false // ambiguous: more than one candidate
		}
		m := action.PlannerAction{NextNode: name, Args: obs}
		match = &m
	}
	if match == nil {
		return action.PlannerAction{}, false
	}
	return *match, true
}

func lastStep(traj *action.Trajectory) action.TrajectoryStep {
	if len(traj.Steps) == 0 {
		return action.TrajectoryStep{}
	}
	return traj.Steps[len(traj.Steps)-1]
}

// validatesAgainst is a shallow JSON-schema check: every required top-level
// property must be present in args, and present properties must match their
// declared JSON type where specified. This is intentionally not a full
// schema validator — the auto-seq gate only needs to rule out obviously
// incompatible tools, not fully type-check nested structures.
func validatesAgainst(schema map[string]any, args map[string]any) bool {
	if schema == nil {
		return len(args) == 0
	}
	required, _ := schema["required"].([]any)
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[key]; !present {
			return false
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for key, val := range args {
		propSchema, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(val, wantType) {
			return false
		}
	}
	return true
}

func matchesJSONType(v any, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
