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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Manager owns the lifecycle of the Tracer and Metrics built from one
// Config, so callers construct observability once and hand Manager.Tracer()
// / Manager.Metrics() to the components that use them (pkg/planner,
// pkg/invoker, pkg/eventsink).
type Manager struct {
	config  *Config
	tracer  *Tracer
	metrics *Metrics
}

// NewManager builds a Manager from Config, writing trace output to w
// (ignored when tracing is disabled).
func NewManager(cfg *Config, w io.Writer) (*Manager, error) {
	if cfg == nil {
		return &Manager{}, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observability config: %w", err)
	}

	m := &Manager{config: cfg}

	tracer, err := NewTracer(cfg.Tracing, w)
	if err != nil {
		return nil, fmt.Errorf("observability: init tracer: %w", err)
	}
	m.tracer = tracer
	if tracer != nil {
		slog.Info("observability: tracing initialized", "service_name", cfg.Tracing.ServiceName)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}
	m.metrics = metrics
	if metrics != nil {
		slog.Info("observability: metrics initialized", "namespace", cfg.Metrics.Namespace, "endpoint", cfg.Metrics.Endpoint)
	}

	return m, nil
}

// Tracer returns the tracer instance, or nil if tracing is disabled.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// Metrics returns the metrics instance, or nil if metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsHandler returns an HTTP handler for the metrics endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return m.Metrics().Handler()
}

// MetricsEndpoint returns the configured metrics endpoint path.
func (m *Manager) MetricsEndpoint() string {
	if m == nil || m.config == nil {
		return DefaultMetricsPath
	}
	return m.config.Metrics.Endpoint
}

// Shutdown flushes and stops the tracer's span processor.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.tracer.Shutdown(ctx)
}
