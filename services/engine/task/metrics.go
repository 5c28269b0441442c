// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/AleutianAI/lumen/services/engine/task")

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tasks_submitted_total",
		Help: "Work items submitted, by category and priority.",
	}, []string{"category", "priority"})

	tasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tasks_terminal_total",
		Help: "Work items reaching a terminal state.",
	}, []string{"state"})

	tasksDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tasks_deferred_total",
		Help: "Submissions that found their priority tier full.",
	}, []string{"priority"})

	tasksAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_tasks_abandoned_total",
		Help: "Deferred low-priority submissions abandoned under load.",
	})

	tasksStuck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_tasks_stuck_total",
		Help: "Running items cancelled by the stuck-task sweep.",
	})

	tasksActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_tasks_active",
		Help: "Currently active work items, by priority tier.",
	}, []string{"priority"})
)

var (
	metricsOnce  sync.Once
	taskDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/AleutianAI/lumen/services/engine/task")
		var err error
		taskDuration, err = meter.Float64Histogram(
			"engine.task.duration",
			metric.WithDescription("Work item running duration in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			taskDuration = nil
		}
	})
}

func recordTaskDuration(ctx context.Context, cat Category, final State, d time.Duration) {
	initMetrics()
	if taskDuration == nil {
		return
	}
	taskDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("category", cat.String()),
			attribute.String("state", final.String()),
		),
	)
}

// updateActiveGaugesLocked refreshes the per-tier active gauges.
// Caller holds s.mu.
func (s *Scheduler) updateActiveGaugesLocked() {
	for _, pri := range priorities {
		tasksActive.WithLabelValues(pri.String()).Set(float64(*s.usage.tier(pri)))
	}
}
