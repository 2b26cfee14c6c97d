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

// Package planner implements the ReAct planner runtime: the central run
// loop that drains steering, dequeues pending or auto-sequenced actions,
// falls back to the LLM invoker, dispatches by next_node (final response,
// parallel plan, background task, or tool), and emits StateUpdates until
// the task finishes or is paused.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/checkpoint"
	"github.com/penguiflow/planner/pkg/eventsink"
	"github.com/penguiflow/planner/pkg/group"
	"github.com/penguiflow/planner/pkg/invoker"
	"github.com/penguiflow/planner/pkg/memory"
	"github.com/penguiflow/planner/pkg/observability"
	"github.com/penguiflow/planner/pkg/perr"
	"github.com/penguiflow/planner/pkg/recovery"
	"github.com/penguiflow/planner/pkg/snapshot"
	"github.com/penguiflow/planner/pkg/steering"
	"github.com/penguiflow/planner/pkg/store"
	"github.com/penguiflow/planner/pkg/task"
	"github.com/penguiflow/planner/pkg/tool"
)

// Reason explains why a run stopped, for both successful completion and
// every terminal failure mode in §7.
type Reason string

const (
	ReasonCompleted          Reason = "completed"
	ReasonCancelled          Reason = "cancelled"
	ReasonBudgetExceeded     Reason = "budget_exceeded"
	ReasonConstraintViolated Reason = "constraint_violated"
	ReasonPaused             Reason = "paused"
	ReasonFailed             Reason = "failed"
)

// Config bounds one Runtime's behavior, mirroring the Runtime config
// surface named in §6 ("Configuration").
type Config struct {
	MaxIters                int
	MaxRetries              int
	Timeout                 time.Duration
	AutoSeqEnabled          bool
	AutoSeqReadOnlyOnly     bool
	MaxConcurrentPlanSteps  int
	PlanFailFast            bool
	AliasMap                map[string]string
	StatefulTools           map[string]bool
	BlockedAutoSeqTools     map[string]bool
}

// DefaultConfig returns permissive defaults a session overrides.
func DefaultConfig() Config {
	return Config{
		MaxIters:               25,
		MaxRetries:              2,
		Timeout:                 60 * time.Second,
		AutoSeqEnabled:          true,
		AutoSeqReadOnlyOnly:     true,
		MaxConcurrentPlanSteps:  4,
		PlanFailFast:            false,
	}
}

// Deps wires a Runtime to the rest of the component set.
type Deps struct {
	Invoker    *invoker.Invoker
	Recovery   *recovery.Recovery
	Checkpoint *checkpoint.Manager
	Sink       *eventsink.Sink
	Tasks      *task.Registry
	Groups     *group.Registry
	Backend    store.Core
	Tools      map[string]tool.CallableTool
	Memory     memory.Adapter

	// Metrics and Tracer are optional; a nil value records/traces nothing.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Runtime drives the run loop for every task in one session. Stateless
// across calls to Execute beyond its Deps/Config; all per-run state lives
// on the Run and its Trajectory.
type Runtime struct {
	cfg  Config
	deps Deps
}

// New builds a Runtime.
func New(cfg Config, deps Deps) *Runtime {
	return &Runtime{cfg: cfg, deps: deps}
}

// Run is the full input to one Execute call: identity, the frozen context
// (if this is a background task), constraint state (fresh or resumed),
// and the channels the loop drains each iteration.
type Run struct {
	SessionID string
	TaskID    string
	TurnID    string
	Query     string
	GroupID   string

	Merger *snapshot.Merger

	Constraints checkpoint.Constraints
	Trajectory  *action.Trajectory // nil starts a fresh run

	Inbox       *steering.Inbox
	CancelToken task.CancelToken
}

// Outcome is what Execute returns: either a terminal result or a pause
// with a resume token the caller (session coordinator) hands back to
// Resume a later Execute call.
type Outcome struct {
	Reason      Reason
	Success     bool
	Answer      string
	Error       *perr.Error
	ResumeToken string
	Trajectory  *action.Trajectory
}

// Execute runs the §4.I loop to completion, a terminal failure, or a
// suspension point.
func (rt *Runtime) Execute(ctx context.Context, run *Run) (*Outcome, error) {
	ctx, span := rt.deps.Tracer.Start(ctx, observability.SpanTaskExecute)
	defer span.End()

	traj := run.Trajectory
	if traj == nil {
		traj = action.New(run.Query, time.Now())
	}
	constraints := run.Constraints
	if constraints.MaxIters <= 0 {
		constraints.MaxIters = rt.cfg.MaxIters
	}

	llmAttempt := 0

	for {
		rt.deps.Metrics.RecordIteration(run.SessionID)

		if run.CancelToken != nil && run.CancelToken.Cancelled() {
			return rt.finish(ctx, run, traj, ReasonCancelled, "", false,
				perr.New(perr.Cancelled, run.CancelToken.Reason(), nil)), nil
		}

		dr := rt.drainSteering(run, traj)
		if dr.cancelled {
			return rt.finish(ctx, run, traj, ReasonCancelled, "", false,
				perr.New(perr.Cancelled, dr.cancelReason, nil)), nil
		}
		if dr.paused {
			token, err := rt.deps.Checkpoint.Pause(ctx, run.TaskID, run.SessionID, traj, constraints, checkpoint.ReasonManual)
			if err != nil {
				return rt.finish(ctx, run, traj, ReasonFailed, "", false, perr.New(perr.StoreCore, err.Error(), err)), nil
			}
			rt.emit(ctx, run, eventsink.StatusChange, map[string]any{"status": "PAUSED"})
			return &Outcome{Reason: ReasonPaused, ResumeToken: token, Trajectory: traj}, nil
		}

		var act action.PlannerAction
		var reasoning string

		switch {
		case len(traj.Meta.PendingActions) > 0:
			act = traj.Meta.PendingActions[0]
			traj.Meta.PendingActions = traj.Meta.PendingActions[1:]

		case rt.cfg.AutoSeqEnabled:
			if detected, ok := rt.autoSeqDetect(traj); ok {
				act = detected
				rt.emitPlannerEvent(ctx, run.TaskID, "auto_seq_detected_unique", map[string]any{"tool_name": act.NextNode})
			} else {
				var outcome *Outcome
				act, reasoning, outcome = rt.invokeLLM(ctx, run, traj, &constraints, &llmAttempt)
				if outcome != nil {
					return outcome, nil
				}
			}

		default:
			var outcome *Outcome
			act, reasoning, outcome = rt.invokeLLM(ctx, run, traj, &constraints, &llmAttempt)
			if outcome != nil {
				return outcome, nil
			}
		}

		act = rt.applyAlias(act)

		if violation := checkConstraints(constraints, time.Now()); violation != nil {
			return rt.finish(ctx, run, traj, ReasonConstraintViolated, "", false, violation), nil
		}

		if act.IsTool() && constraints.HITLRequired {
			if t, ok := rt.deps.Tools[act.NextNode]; ok && t.RequiresApproval() {
				traj.Meta.PendingActions = append([]action.PlannerAction{act}, traj.Meta.PendingActions...)
				token, err := rt.deps.Checkpoint.Pause(ctx, run.TaskID, run.SessionID, traj, constraints, checkpoint.ReasonHITL)
				if err != nil {
					return rt.finish(ctx, run, traj, ReasonFailed, "", false, perr.New(perr.StoreCore, err.Error(), err)), nil
				}
				rt.emit(ctx, run, eventsink.StatusChange, map[string]any{"status": "PAUSED", "reason": "hitl", "tool": act.NextNode})
				return &Outcome{Reason: ReasonPaused, ResumeToken: token, Trajectory: traj}, nil
			}
		}

		if done := rt.dispatch(ctx, run, traj, act, reasoning); done != nil {
			return done, nil
		}

		if len(traj.Steps) >= constraints.MaxIters {
			return rt.finish(ctx, run, traj, ReasonBudgetExceeded, fallbackAnswer(traj), false,
				perr.New(perr.Unknown, "max_iters reached", nil)), nil
		}
	}
}

// invokeLLM calls the LLM invoker, feeding failures through Error Recovery
// (§4.J) and looping internally for compress-and-retry / backoff-and-retry
// outcomes. Returns a non-nil Outcome only when the run must stop.
func (rt *Runtime) invokeLLM(ctx context.Context, run *Run, traj *action.Trajectory, constraints *checkpoint.Constraints, attempt *int) (action.PlannerAction, string, *Outcome) {
	for {
		messages, err := rt.buildMessages(run, traj)
		if err != nil {
			return action.PlannerAction{}, "", rt.finish(ctx, run, traj, ReasonFailed, "", false, perr.New(perr.Unknown, err.Error(), err))
		}

		req := &invoker.Request{
			Messages:   messages,
			Tools:      rt.toolDefinitions(),
			Timeout:    rt.cfg.Timeout,
			CancelToken: run.CancelToken,
			MaxRetries: rt.cfg.MaxRetries,
		}

		result, callErr := rt.deps.Invoker.Call(ctx, req)
		if callErr == nil {
			constraints.SpentUSD += result.CostUSD
			*attempt = 0
			return result.Action, result.Reasoning, nil
		}

		outcome := rt.deps.Recovery.Handle(ctx, callErr, traj, *attempt)
		if outcome.Fatal {
			pe, _ := perr.As(outcome.Err)
			if pe == nil {
				pe = perr.New(perr.Unknown, outcome.Err.Error(), outcome.Err)
			}
			return action.PlannerAction{}, "", rt.finish(ctx, run, traj, ReasonFailed, "", false, pe)
		}
		if outcome.SynthesizedStep != nil {
			idx := traj.AppendStep(outcome.SynthesizedStep.Action, "", time.Now())
			_ = traj.RecordObservation(idx, outcome.SynthesizedStep.LLMObservation, outcome.SynthesizedStep.LLMObservation)
			*attempt = 0
			continue
		}
		if outcome.Retry {
			*attempt++
			rt.deps.Metrics.RecordRetry(run.SessionID)
			if outcome.Wait > 0 {
				select {
				case <-time.After(outcome.Wait):
				case <-ctx.Done():
					return action.PlannerAction{}, "", rt.finish(ctx, run, traj, ReasonCancelled, "", false, perr.New(perr.Cancelled, ctx.Err().Error(), ctx.Err()))
				}
			}
			continue
		}
		return action.PlannerAction{}, "", rt.finish(ctx, run, traj, ReasonFailed, "", false, perr.New(perr.Unknown, "recovery produced no actionable outcome", nil))
	}
}

func checkConstraints(c checkpoint.Constraints, now time.Time) *perr.Error {
	if !c.Deadline.IsZero() && now.After(c.Deadline) {
		return perr.New(perr.ConstraintViolation, "deadline exceeded", nil)
	}
	if c.BudgetUSD > 0 && c.SpentUSD > c.BudgetUSD {
		return perr.New(perr.ConstraintViolation, "budget exceeded", nil)
	}
	return nil
}

func (rt *Runtime) applyAlias(act action.PlannerAction) action.PlannerAction {
	if rt.cfg.AliasMap == nil {
		return act
	}
	if alias, ok := rt.cfg.AliasMap[act.NextNode]; ok {
		act.NextNode = alias
	}
	return act
}

// buildMessages renders the conversation the LLM sees this turn: the
// original query, the serialized trajectory so far, and any queued
// steering-derived user input.
func (rt *Runtime) buildMessages(run *Run, traj *action.Trajectory) ([]*action.Message, error) {
	serialized, err := traj.SerializeForLLM()
	if err != nil {
		return nil, fmt.Errorf("planner: serialize trajectory: %w", err)
	}
	msgs := []*action.Message{
		action.NewTextMessage(action.RoleUser, run.Query),
		action.NewTextMessage(action.RoleSystem, "trajectory: "+string(serialized)),
	}
	for _, si := range traj.Meta.SteeringInputs {
		msgs = append(msgs, action.NewTextMessage(action.RoleUser, si.Text))
	}
	return msgs, nil
}

func (rt *Runtime) toolDefinitions() []tool.Definition {
	defs := make([]tool.Definition, 0, len(rt.deps.Tools))
	for _, t := range rt.deps.Tools {
		defs = append(defs, tool.ToDefinition(t))
	}
	return defs
}

func (rt *Runtime) emit(ctx context.Context, run *Run, t eventsink.UpdateType, content map[string]any) {
	if rt.deps.Sink == nil {
		return
	}
	_ = rt.deps.Sink.Emit(ctx, eventsink.StateUpdate{
		SessionID:  run.SessionID,
		TaskID:     run.TaskID,
		UpdateType: t,
		Content:    content,
	})
}

func (rt *Runtime) emitPlannerEvent(ctx context.Context, taskID, kind string, payload map[string]any) {
	pes, ok := rt.deps.Backend.(store.PlannerEventStore)
	if !ok {
		return
	}
	_ = pes.SavePlannerEvent(ctx, store.PlannerEventRecord{TaskID: taskID, Ts: time.Now(), Kind: kind, Payload: payload})
}

// finish emits the terminal RESULT + STATUS_CHANGE pair, transitions the
// task registry, and builds the returned Outcome. Per §7's user-visible
// failure contract, failures carry {success:false, error:{kind, message}}.
func (rt *Runtime) finish(ctx context.Context, run *Run, traj *action.Trajectory, reason Reason, answer string, success bool, pe *perr.Error) *Outcome {
	content := map[string]any{"success": success}
	if answer != "" {
		content["answer"] = answer
	}
	if pe != nil {
		content["error"] = map[string]any{"kind": string(pe.Kind), "message": pe.Message}
	}
	rt.emit(ctx, run, eventsink.Result, content)

	var status string
	var taskStatus task.Status
	switch reason {
	case ReasonCompleted:
		status, taskStatus = "COMPLETE", task.Complete
	case ReasonCancelled:
		status, taskStatus = "CANCELLED", task.Cancelled
	default:
		status, taskStatus = "FAILED", task.Failed
	}
	rt.emit(ctx, run, eventsink.StatusChange, map[string]any{"status": status})

	if rt.deps.Tasks != nil {
		now := time.Now()
		if taskStatus == task.Complete {
			_ = rt.deps.Tasks.Complete(run.TaskID, content, now)
		} else if taskStatus == task.Failed && pe != nil {
			_ = rt.deps.Tasks.Fail(run.TaskID, &task.TaskError{Kind: string(pe.Kind), Message: pe.Message}, now)
		} else {
			_ = rt.deps.Tasks.Transition(run.TaskID, taskStatus, now)
		}
	}

	return &Outcome{Reason: reason, Success: success, Answer: answer, Error: pe, Trajectory: traj}
}

func fallbackAnswer(traj *action.Trajectory) string {
	if len(traj.Steps) == 0 {
		return ""
	}
	last := traj.Steps[len(traj.Steps)-1]
	if obs, ok := last.LLMObservation.(map[string]any); ok {
		if s, ok := obs["summary"].(string); ok {
			return s
		}
	}
	return fmt.Sprintf("stopped after %d steps without a final_response", len(traj.Steps))
}
