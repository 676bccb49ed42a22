// Copyright 2025 Atlas Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry metrics through the Prometheus
// exporter and exposes the scrape handler.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records the orchestrator's operational signals.
type Metrics interface {
	RecordRequest(ctx context.Context, outcome string, rounds int, duration time.Duration)
	RecordToolCall(ctx context.Context, capability, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokens int, err error)
	RecordCacheLookup(ctx context.Context, hit bool)
}

// NoopMetrics discards every measurement. Used in tests and when metrics
// are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(context.Context, string, int, time.Duration)            {}
func (NoopMetrics) RecordToolCall(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, error)     {}
func (NoopMetrics) RecordCacheLookup(context.Context, bool)                              {}

// PrometheusMetrics is the production Metrics implementation. All
// instruments flow through the OpenTelemetry SDK into the Prometheus
// exporter registered on the default registry.
type PrometheusMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	roundsPerTurn   metric.Int64Histogram

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration    metric.Float64Histogram
	llmTokensTotal metric.Int64Counter
	llmErrorsTotal metric.Int64Counter

	cacheLookups metric.Int64Counter
}

// Init creates the meter provider, the Prometheus exporter and every
// instrument the orchestrator records.
func Init() (*PrometheusMetrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("atlas")

	m := &PrometheusMetrics{}

	if m.requestDuration, err = meter.Float64Histogram(
		"atlas_request_duration_seconds",
		metric.WithDescription("End-to-end chat request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	if m.requestsTotal, err = meter.Int64Counter(
		"atlas_requests_total",
		metric.WithDescription("Total chat requests by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	if m.roundsPerTurn, err = meter.Int64Histogram(
		"atlas_orchestration_rounds",
		metric.WithDescription("Orchestration rounds consumed per turn"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rounds histogram: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"atlas_tool_call_duration_seconds",
		metric.WithDescription("Capability tool call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	if m.toolCallsTotal, err = meter.Int64Counter(
		"atlas_tool_calls_total",
		metric.WithDescription("Total capability tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolErrorsTotal, err = meter.Int64Counter(
		"atlas_tool_errors_total",
		metric.WithDescription("Total failed capability tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"atlas_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmTokensTotal, err = meter.Int64Counter(
		"atlas_llm_tokens_total",
		metric.WithDescription("Total tokens reported by the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm tokens counter: %w", err)
	}

	if m.llmErrorsTotal, err = meter.Int64Counter(
		"atlas_llm_errors_total",
		metric.WithDescription("Total failed LLM requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"atlas_cache_lookups_total",
		metric.WithDescription("Query cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	return m, nil
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *PrometheusMetrics) RecordRequest(ctx context.Context, outcome string, rounds int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.roundsPerTurn.Record(ctx, int64(rounds))
}

func (m *PrometheusMetrics) RecordToolCall(ctx context.Context, capability, tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("tool", tool),
	)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.llmTokensTotal.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
