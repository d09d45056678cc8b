// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/counterfact/services/explain/search"
)

// Package-level tracer and meter for explanation runs.
var (
	tracer = otel.Tracer("counterfact.runner")
	meter  = otel.Meter("counterfact.runner")
)

// Metrics for per-instance searches.
var (
	searchLatency  metric.Float64Histogram
	instancesTotal metric.Int64Counter
	editDistance   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		searchLatency, err = meter.Float64Histogram(
			"cf_search_duration_seconds",
			metric.WithDescription("Duration of one instance's counterfactual search"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		instancesTotal, err = meter.Int64Counter(
			"cf_instances_total",
			metric.WithDescription("Total explained instances"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		editDistance, err = meter.Float64Histogram(
			"cf_edit_distance",
			metric.WithDescription("Edited undirected edges of accepted counterfactuals"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordInstanceMetrics records metrics for one finished search.
func recordInstanceMetrics(ctx context.Context, duration time.Duration, exp *search.Explanation) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("found", exp.Found))
	searchLatency.Record(ctx, duration.Seconds(), attrs)
	instancesTotal.Add(ctx, 1, attrs)

	if exp.Found {
		editDistance.Record(ctx, exp.Best.GraphDist)
	}
}

// startRunSpan creates a span for an explanation run.
func startRunSpan(ctx context.Context, runID string, instances int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Runner.Run",
		trace.WithAttributes(
			attribute.String("cf.run_id", runID),
			attribute.Int("cf.instance_count", instances),
		),
	)
}

// setRunSpanResult sets the outcome attributes on a run span.
func setRunSpanResult(span trace.Span, found, explained int) {
	span.SetAttributes(
		attribute.Int("cf.found", found),
		attribute.Int("cf.explained", explained),
	)
}
