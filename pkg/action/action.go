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

// Package action defines the typed action and trajectory model the planner
// runtime drives: the two-field PlannerAction the LLM emits each turn, and
// the append-only Trajectory of steps built from executing those actions.
package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known next_node values that are not tool names.
const (
	NodePlan          = "plan"
	NodeTask          = "task"
	NodeFinalResponse = "final_response"
)

// PlannerAction is the immutable decision the LLM produces each turn.
// Exactly these two fields; any reasoning text travels out-of-band on the
// TrajectoryStep, never inside args.
type PlannerAction struct {
	NextNode string         `json:"next_node"`
	Args     map[string]any `json:"args"`
}

// IsTool reports whether this action dispatches to a tool (i.e. not one of
// the reserved control nodes).
func (a PlannerAction) IsTool() bool {
	switch a.NextNode {
	case NodePlan, NodeTask, NodeFinalResponse:
		return false
	default:
		return true
	}
}

// PlanStep is one entry of a "plan" action's steps list.
type PlanStep struct {
	Node string         `json:"node"`
	Args map[string]any `json:"args"`
}

// PlanJoin describes how a plan's parallel branches are combined.
type PlanJoin struct {
	Node   string         `json:"node,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Inject map[string]any `json:"inject,omitempty"`
}

// DecodePlanArgs extracts {steps, join?} from a "plan" action's Args.
func DecodePlanArgs(args map[string]any) (steps []PlanStep, join *PlanJoin, err error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("action: marshal plan args: %w", err)
	}
	var decoded struct {
		Steps []PlanStep `json:"steps"`
		Join  *PlanJoin  `json:"join"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, fmt.Errorf("action: decode plan args: %w", err)
	}
	return decoded.Steps, decoded.Join, nil
}

// FinalResponseArgs is the decoded shape of a "final_response" action's args.
type FinalResponseArgs struct {
	Answer     string   `json:"answer"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// DecodeFinalResponseArgs extracts the final-response payload from Args.
func DecodeFinalResponseArgs(args map[string]any) (FinalResponseArgs, error) {
	var out FinalResponseArgs
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("action: marshal final_response args: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("action: decode final_response args: %w", err)
	}
	return out, nil
}

// TaskSpawnArgs is the decoded shape of a "task" action's args.
type TaskSpawnArgs struct {
	Description      string         `json:"description,omitempty"`
	Query            string         `json:"query"`
	Priority         int            `json:"priority,omitempty"`
	GroupID          string         `json:"group_id,omitempty"`
	GroupDisplayName string         `json:"group_display_name,omitempty"`
	MergeStrategy    string         `json:"merge_strategy,omitempty"`
	ReportStrategy   string         `json:"report_strategy,omitempty"`
	GroupSealed      bool           `json:"group_sealed,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DecodeTaskSpawnArgs extracts a task-spawn payload from Args.
func DecodeTaskSpawnArgs(args map[string]any) (TaskSpawnArgs, error) {
	var out TaskSpawnArgs
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("action: marshal task args: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("action: decode task args: %w", err)
	}
	return out, nil
}

// TrajectoryStep is one (action, observation) pair. Immutable after the
// fields are written; RecordObservation/RecordError fill in the remaining
// fields of a step already appended by AppendStep.
type TrajectoryStep struct {
	StepIndex      int            `json:"step_index"`
	Action         PlannerAction  `json:"action"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Observation    any            `json:"observation,omitempty"`
	LLMObservation any            `json:"llm_observation,omitempty"`
	Error          *StepError     `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Compressed     bool           `json:"compressed,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// StepError is the error recorded against a step, distinct from a fatal
// task-level failure.
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Metadata carries trajectory-scoped bookkeeping: pending deterministic
// actions, planner hints, and steering-derived user messages.
type Metadata struct {
	PendingActions []PlannerAction  `json:"pending_actions,omitempty"`
	Hints          map[string]any   `json:"hints,omitempty"`
	SteeringInputs []SteeringInput  `json:"steering_inputs,omitempty"`
}

// SteeringInput is a steering-derived entry injected into the trajectory as
// context for the next LLM call (e.g. an INJECT_CONTEXT payload rendered as
// a user message).
type SteeringInput struct {
	EventID   string    `json:"event_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Trajectory is the append-only, dense-indexed history of one task run.
// Owned by exactly one runtime; cross-task access is forbidden.
type Trajectory struct {
	Query     string         `json:"query"`
	StartedAt time.Time      `json:"started_at"`
	Steps     []TrajectoryStep `json:"steps"`
	Meta      Metadata       `json:"metadata"`
}

// New creates an empty trajectory for the given query.
func New(query string, startedAt time.Time) *Trajectory {
	return &Trajectory{Query: query, StartedAt: startedAt}
}

// AppendStep logs a chosen action as the next dense step and returns its
// index. The step is not visible (in SerializeForLLM) until this call
// returns; observation/error are filled in afterward.
func (t *Trajectory) AppendStep(act PlannerAction, reasoning string, now time.Time) int {
	idx := len(t.Steps)
	t.Steps = append(t.Steps, TrajectoryStep{
		StepIndex: idx,
		Action:    act,
		Reasoning: reasoning,
		Timestamp: now,
	})
	return idx
}

// RecordObservation fills in the full and redacted observation for a step
// already appended. Both fields are immutable once set.
func (t *Trajectory) RecordObservation(stepIndex int, observation, llmObservation any) error {
	if stepIndex < 0 || stepIndex >= len(t.Steps) {
		return fmt.Errorf("action: step index %d out of range [0,%d)", stepIndex, len(t.Steps))
	}
	t.Steps[stepIndex].Observation = observation
	t.Steps[stepIndex].LLMObservation = llmObservation
	return nil
}

// RecordError attaches a step-level error (not a fatal task failure).
func (t *Trajectory) RecordError(stepIndex int, kind, message string) error {
	if stepIndex < 0 || stepIndex >= len(t.Steps) {
		return fmt.Errorf("action: step index %d out of range [0,%d)", stepIndex, len(t.Steps))
	}
	t.Steps[stepIndex].Error = &StepError{Kind: kind, Message: message}
	return nil
}

// MarkCompressed flags a step's llm_observation as replaced by a summary.
func (t *Trajectory) MarkCompressed(stepIndex int, summary string) error {
	if stepIndex < 0 || stepIndex >= len(t.Steps) {
		return fmt.Errorf("action: step index %d out of range [0,%d)", stepIndex, len(t.Steps))
	}
	t.Steps[stepIndex].Compressed = true
	t.Steps[stepIndex].LLMObservation = map[string]any{"_compressed": true, "summary": summary}
	return nil
}

// LastObservation returns the llm_observation of the most recent step, or
// nil if the trajectory has no steps.
func (t *Trajectory) LastObservation() any {
	if len(t.Steps) == 0 {
		return nil
	}
	return t.Steps[len(t.Steps)-1].LLMObservation
}

// LastActionIsPlan reports whether the most recent step's action was a plan.
func (t *Trajectory) LastActionIsPlan() bool {
	if len(t.Steps) == 0 {
		return false
	}
	return t.Steps[len(t.Steps)-1].Action.NextNode == NodePlan
}

// CoerceObservation returns the structured payload of a step's
// llm_observation if it is a JSON object/map, else nil. Auto-seq and
// validation paths skip non-structured observations.
func CoerceObservation(step TrajectoryStep) map[string]any {
	switch v := step.LLMObservation.(type) {
	case map[string]any:
		return v
	default:
		return nil
	}
}

// SerializeForLLM renders the trajectory to its canonical JSON form, the
// shape fed back into the next LLM request as conversation history.
func (t *Trajectory) SerializeForLLM() ([]byte, error) {
	type llmStep struct {
		StepIndex int            `json:"step_index"`
		Action    PlannerAction  `json:"action"`
		Reasoning string         `json:"reasoning,omitempty"`
		Observation any          `json:"observation,omitempty"`
		Error     *StepError     `json:"error,omitempty"`
	}
	out := make([]llmStep, 0, len(t.Steps))
	for _, s := range t.Steps {
		out = append(out, llmStep{
			StepIndex:   s.StepIndex,
			Action:      s.Action,
			Reasoning:   s.Reasoning,
			Observation: s.LLMObservation,
			Error:       s.Error,
		})
	}
	return json.Marshal(struct {
		Query string    `json:"query"`
		Steps []llmStep `json:"steps"`
	}{Query: t.Query, Steps: out})
}
