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

package recovery_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/perr"
	"github.com/penguiflow/planner/pkg/recovery"
)

func TestHandleContextLengthCompressesAndRetries(t *testing.T) {
	traj := action.New("q", time.Now())
	big := strings.Repeat("x", recovery.CompressionThreshold+100)
	idx := traj.AppendStep(action.PlannerAction{NextNode: "search"}, "", time.Now())
	require.NoError(t, traj.RecordObservation(idx, big, big))

	r := recovery.New(nil, recovery.DefaultBackoff())
	outcome := r.Handle(context.Background(), perr.New(perr.ContextLengthExceeded, "too long", nil), traj, 0)

	require.True(t, outcome.Retry)
	require.False(t, outcome.Fatal)
	require.True(t, traj.Steps[idx].Compressed)
}

func TestHandleRateLimitBacksOffUntilExhausted(t *testing.T) {
	r := recovery.New(nil, recovery.BackoffConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond * 10, MaxRetries: 2})
	traj := action.New("q", time.Now())

	o1 := r.Handle(context.Background(), perr.New(perr.LLMRateLimit, "429", nil), traj, 0)
	require.True(t, o1.Retry)
	require.False(t, o1.Fatal)

	o2 := r.Handle(context.Background(), perr.New(perr.LLMRateLimit, "429", nil), traj, 2)
	require.True(t, o2.Fatal)
}

func TestHandleBadRequestSynthesizesStep(t *testing.T) {
	r := recovery.New(nil, recovery.DefaultBackoff())
	traj := action.New("q", time.Now())

	outcome := r.Handle(context.Background(), perr.New(perr.LLMInvalidRequest, `{"error": {"message": "bad field"}}`, nil), traj, 0)
	require.False(t, outcome.Fatal)
	require.NotNil(t, outcome.SynthesizedStep)
	obs, ok := outcome.SynthesizedStep.LLMObservation.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "bad field", obs["error"])
}

func TestHandleAuthIsFatal(t *testing.T) {
	r := recovery.New(nil, recovery.DefaultBackoff())
	traj := action.New("q", time.Now())

	outcome := r.Handle(context.Background(), perr.New(perr.LLMAuth, "denied", nil), traj, 0)
	require.True(t, outcome.Fatal)
}

func TestTruncatingSummarizerTruncates(t *testing.T) {
	s := recovery.TruncatingSummarizer{MaxChars: 10}
	summary, err := s.Summarize(context.Background(), strings.Repeat("a", 100))
	require.NoError(t, err)
	require.LessOrEqual(t, len(summary), 30)
}
