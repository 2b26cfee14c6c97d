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

// Package recovery classifies pkg/invoker failures and decides the planner
// runtime's response: compress the trajectory and retry once on
// CONTEXT_LENGTH_EXCEEDED, back off with jitter on RATE_LIMIT/SERVICE
// errors, synthesize a cleaned-up observation step on other bad requests,
// and surface anything else as fatal.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/perr"
)

// Summarizer condenses an oversized observation down to a short text blurb
// for the `{_compressed: true, summary: ...}` replacement §4.J requires. A
// concrete implementation may call out to an LLM via pkg/invoker; the
// default TruncatingSummarizer needs none and is always available.
type Summarizer interface {
	Summarize(ctx context.Context, observation any) (string, error)
}

// TruncatingSummarizer renders the observation as JSON and truncates it,
// the same degrade-gracefully behavior the teacher's history compaction
// falls back to when no LLM-backed summarizer is configured.
type TruncatingSummarizer struct {
	MaxChars int
}

// Summarize implements Summarizer.
func (s TruncatingSummarizer) Summarize(ctx context.Context, observation any) (string, error) {
	max := s.MaxChars
	if max <= 0 {
		max = 500
	}
	raw, err := json.Marshal(observation)
	if err != nil {
		return "", fmt.Errorf("recovery: marshal observation for summary: %w", err)
	}
	text := string(raw)
	if len(text) <= max {
		return text, nil
	}
	return text[:max] + "... (truncated)", nil
}

// CompressionThreshold is the byte size above which a step's
// llm_observation is a compression candidate.
const CompressionThreshold = 4000

// BackoffConfig bounds the exponential-backoff-with-jitter retry applied to
// RATE_LIMIT/SERVICE_UNAVAILABLE failures.
type BackoffConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultBackoff matches common provider-SDK retry defaults: short base
// delay, capped ceiling, a handful of attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxRetries: 5}
}

// Delay computes the jittered exponential backoff for the given attempt
// (0-indexed).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(maxDelay) {
		exp = float64(maxDelay)
	}
	jitter := rand.Float64() * exp * 0.25
	return time.Duration(exp + jitter)
}

// Recovery dispatches §4.J's per-Kind behavior.
type Recovery struct {
	summarizer Summarizer
	backoff    BackoffConfig
}

// New builds a Recovery. A nil summarizer defaults to TruncatingSummarizer.
func New(summarizer Summarizer, backoff BackoffConfig) *Recovery {
	if summarizer == nil {
		summarizer = TruncatingSummarizer{}
	}
	return &Recovery{summarizer: summarizer, backoff: backoff}
}

// Outcome tells the planner run loop what to do next after a failed LLM
// attempt.
type Outcome struct {
	// Retry indicates the same step should be re-attempted.
	Retry bool

	// Wait, when non-zero, is how long to sleep before Retry.
	Wait time.Duration

	// SynthesizedStep, when non-nil, should be appended to the trajectory
	// as a step whose observation carries the cleaned error, letting the
	// next LLM turn react to it instead of crashing the task.
	SynthesizedStep *action.TrajectoryStep

	// Fatal indicates the task must fail; the caller should not retry.
	Fatal bool
	Err   error
}

// Handle classifies err and returns the recovery Outcome. traj is mutated
// in place for CONTEXT_LENGTH_EXCEEDED (every oversized llm_observation is
// replaced with its compressed summary) before Retry is signaled — the
// caller re-invokes the same step once. When no step is left to compress
// (a repeat of the error after compression), the error is fatal.
func (r *Recovery) Handle(ctx context.Context, err error, traj *action.Trajectory, attempt int) Outcome {
	pe, ok := perr.As(err)
	if !ok {
		pe = perr.New(perr.Unknown, err.Error(), err)
	}

	switch pe.Kind {
	case perr.ContextLengthExceeded:
		compressed, compressErr := r.compress(ctx, traj)
		if compressErr != nil {
			return Outcome{Fatal: true, Err: fmt.Errorf("recovery: compression failed: %w", compressErr)}
		}
		if compressed == 0 {
			return Outcome{Fatal: true, Err: pe}
		}
		return Outcome{Retry: true}

	case perr.LLMRateLimit, perr.LLMServer, perr.LLMTimeout:
		if attempt >= r.backoff.MaxRetries {
			return Outcome{Fatal: true, Err: pe}
		}
		return Outcome{Retry: true, Wait: r.backoff.Delay(attempt)}

	case perr.LLMInvalidRequest:
		step := synthesizeErrorStep(pe)
		return Outcome{SynthesizedStep: step}

	case perr.LLMAuth, perr.ConstraintViolation, perr.Cancelled:
		return Outcome{Fatal: true, Err: pe}

	default:
		return Outcome{Fatal: true, Err: pe}
	}
}

// compress walks the trajectory in order and replaces every oversized
// llm_observation with its summarized form, per §4.J, and returns how many
// steps it compressed.
func (r *Recovery) compress(ctx context.Context, traj *action.Trajectory) (int, error) {
	compressed := 0
	for i := range traj.Steps {
		step := &traj.Steps[i]
		if step.Compressed || step.LLMObservation == nil {
			continue
		}
		raw, err := json.Marshal(step.LLMObservation)
		if err != nil {
			continue
		}
		if len(raw) <= CompressionThreshold {
			continue
		}
		summary, err := r.summarizer.Summarize(ctx, step.LLMObservation)
		if err != nil {
			return compressed, fmt.Errorf("summarize step %d: %w", i, err)
		}
		if err := traj.MarkCompressed(i, summary); err != nil {
			return compressed, err
		}
		compressed++
	}
	return compressed, nil
}

// synthesizeErrorStep builds an observation-only step carrying the cleaned
// error message, unwrapping one level of nested JSON if the message embeds
// a JSON error body (a common shape for provider 400 responses).
func synthesizeErrorStep(pe *perr.Error) *action.TrajectoryStep {
	cleaned := unwrapNestedJSON(pe.Message)
	return &action.TrajectoryStep{
		Action:         action.PlannerAction{NextNode: "error_observation", Args: map[string]any{}},
		LLMObservation: map[string]any{"error": cleaned, "kind": string(pe.Kind)},
		Timestamp:      time.Now(),
	}
}

func unwrapNestedJSON(message string) string {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") {
		return message
	}
	var nested map[string]any
	if err := json.Unmarshal([]byte(trimmed), &nested); err != nil {
		return message
	}
	if inner, ok := nested["error"]; ok {
		if m, ok := inner.(map[string]any); ok {
			if msg, ok := m["message"].(string); ok {
				return msg
			}
		}
		if s, ok := inner.(string); ok {
			return s
		}
	}
	if msg, ok := nested["message"].(string); ok {
		return msg
	}
	return message
}
