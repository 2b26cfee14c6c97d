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

package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordIteration("s1")
	m.RecordRetry("s1")
	m.RecordLLMCall("model", 10*time.Millisecond, 1, 1, nil)
	m.RecordToolCall("tool", 10*time.Millisecond, nil)
	m.RecordUpdate("RESULT")
	m.RecordDropped("PROGRESS")
	m.SetQueueDepth("s1", "t1", 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordIteration("session-1")
	m.RecordRetry("session-1")
	m.RecordLLMCall("gpt-4o", 100*time.Millisecond, 50, 25, nil)
	m.RecordLLMCall("gpt-4o", 50*time.Millisecond, 0, 0, assert.AnError)
	m.RecordToolCall("search", 10*time.Millisecond, nil)
	m.RecordUpdate("RESULT")
	m.SetQueueDepth("session-1", "task-1", 2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_runtime_iterations_total")
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, tracer)

	var nilTracer *Tracer
	ctx, span := nilTracer.Start(context.Background(), "op")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
}

func TestTracerEnabled(t *testing.T) {
	var buf bytes.Buffer
	tracer, err := NewTracer(TracingConfig{Enabled: true, ServiceName: "test-service"}, &buf)
	require.NoError(t, err)
	require.NotNil(t, tracer)

	ctx, span := tracer.Start(context.Background(), SpanTaskExecute)
	require.NotNil(t, ctx)
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), SpanTaskExecute)
}

func TestManagerLifecycle(t *testing.T) {
	cfg := &Config{
		Tracing: TracingConfig{Enabled: true, ServiceName: "test"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "test"},
	}
	var buf bytes.Buffer
	m, err := NewManager(cfg, &buf)
	require.NoError(t, err)
	require.NotNil(t, m.Tracer())
	require.NotNil(t, m.Metrics())

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerNilConfig(t *testing.T) {
	m, err := NewManager(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, m.Tracer())
	assert.Nil(t, m.Metrics())
	assert.Equal(t, DefaultMetricsPath, m.MetricsEndpoint())
}
