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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exercised across the planner
// runtime: the run loop's iteration/retry counts, the LLM invoker's call
// latency and token usage, tool dispatch latency and errors, and the
// event sink's subscriber count and update counts. Every method is nil-safe so
// callers can pass a nil *Metrics when metrics are disabled rather than
// branch at every call site.
type Metrics struct {
	registry *prometheus.Registry

	iterationsTotal *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec

	llmCallDuration *prometheus.HistogramVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec
	llmErrorsTotal  *prometheus.CounterVec

	toolCallDuration *prometheus.HistogramVec
	toolErrorsTotal  *prometheus.CounterVec

	sinkUpdatesTotal *prometheus.CounterVec
	sinkQueueDepth   *prometheus.GaugeVec
	sinkDroppedTotal *prometheus.CounterVec
}

// NewMetrics builds a Metrics registered under cfg.Namespace. Returns
// (nil, nil) when metrics are disabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.iterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "runtime", Name: "iterations_total",
		Help: "Total number of planner run-loop iterations.",
	}, []string{"session_id"})

	m.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "runtime", Name: "retries_total",
		Help: "Total number of error-recovery retries.",
	}, []string{"session_id"})

	m.llmCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "llm", Name: "call_duration_seconds",
		Help:    "LLM invoker call latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})

	m.llmTokensInput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "llm", Name: "tokens_input_total",
		Help: "Total prompt tokens sent to the LLM.",
	}, []string{"model"})

	m.llmTokensOutput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "llm", Name: "tokens_output_total",
		Help: "Total completion tokens received from the LLM.",
	}, []string{"model"})

	m.llmErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "llm", Name: "errors_total",
		Help: "Total LLM invoker call failures.",
	}, []string{"model"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool dispatch latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})

	m.toolErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "tool", Name: "errors_total",
		Help: "Total tool dispatch failures.",
	}, []string{"tool"})

	m.sinkUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "eventsink", Name: "updates_total",
		Help: "Total StateUpdates emitted, by type.",
	}, []string{"update_type"})

	m.sinkQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: "eventsink", Name: "subscriber_queue_depth",
		Help: "Current subscriber count per (session_id, task_id) stream.",
	}, []string{"session_id", "task_id"})

	m.sinkDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "eventsink", Name: "dropped_total",
		Help: "Total non-terminal updates dropped under subscriber backpressure.",
	}, []string{"update_type"})

	m.registry.MustRegister(
		m.iterationsTotal, m.retriesTotal,
		m.llmCallDuration, m.llmTokensInput, m.llmTokensOutput, m.llmErrorsTotal,
		m.toolCallDuration, m.toolErrorsTotal,
		m.sinkUpdatesTotal, m.sinkQueueDepth, m.sinkDroppedTotal,
	)

	return m, nil
}

// Handler exposes the registered collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIteration increments the run-loop iteration counter.
func (m *Metrics) RecordIteration(sessionID string) {
	if m == nil || m.iterationsTotal == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(sessionID).Inc()
}

// RecordRetry increments the error-recovery retry counter.
func (m *Metrics) RecordRetry(sessionID string) {
	if m == nil || m.retriesTotal == nil {
		return
	}
	m.retriesTotal.WithLabelValues(sessionID).Inc()
}

// RecordLLMCall records one invoker.Call's latency, token usage, and
// success/failure.
func (m *Metrics) RecordLLMCall(model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	if m.llmCallDuration != nil {
		m.llmCallDuration.WithLabelValues(model).Observe(duration.Seconds())
	}
	if inputTokens > 0 && m.llmTokensInput != nil {
		m.llmTokensInput.WithLabelValues(model).Add(float64(inputTokens))
	}
	if outputTokens > 0 && m.llmTokensOutput != nil {
		m.llmTokensOutput.WithLabelValues(model).Add(float64(outputTokens))
	}
	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.WithLabelValues(model).Inc()
	}
}

// RecordToolCall records one tool dispatch's latency and success/failure.
func (m *Metrics) RecordToolCall(tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if m.toolCallDuration != nil {
		m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordUpdate increments the emitted-update counter for a StateUpdate type.
func (m *Metrics) RecordUpdate(updateType string) {
	if m == nil || m.sinkUpdatesTotal == nil {
		return
	}
	m.sinkUpdatesTotal.WithLabelValues(updateType).Inc()
}

// RecordDropped increments the dropped-update counter for a StateUpdate type.
func (m *Metrics) RecordDropped(updateType string) {
	if m == nil || m.sinkDroppedTotal == nil {
		return
	}
	m.sinkDroppedTotal.WithLabelValues(updateType).Inc()
}

// SetQueueDepth records the live subscriber count for a (session_id,
// task_id) stream.
func (m *Metrics) SetQueueDepth(sessionID, taskID string, depth int) {
	if m == nil || m.sinkQueueDepth == nil {
		return
	}
	m.sinkQueueDepth.WithLabelValues(sessionID, taskID).Set(float64(depth))
}
