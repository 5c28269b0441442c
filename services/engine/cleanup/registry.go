// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cleanup holds the pluggable collection of cleanup handlers the
// memory supervisor drives under pressure.
//
// Any cache, view-model, or task-holding component can participate in
// pressure-driven reclamation by implementing Handler and registering it.
// Handlers are always invoked in descending priority order, and a failing
// handler never prevents the rest of the pass from running.
package cleanup

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for cleanup passes.
var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_cleanup_runs_total",
		Help: "Total cleanup passes by depth",
	}, []string{"depth"})

	cleanupHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_cleanup_handler_failures_total",
		Help: "Cleanup handler failures by handler id",
	}, []string{"handler"})
)

// Kind tags a handler with the broad category of resource it manages.
// The supervisor's medium response targets only cache-like handlers.
type Kind string

const (
	// KindCache marks volatile caches (URL, image, query results).
	KindCache Kind = "cache"

	// KindThumbnail marks thumbnail and preview stores.
	KindThumbnail Kind = "thumbnail"

	// KindViewModel marks retained view-model state.
	KindViewModel Kind = "viewmodel"

	// KindOther marks everything else.
	KindOther Kind = "other"
)

// Handler is implemented by components participating in pressure-driven
// reclamation.
//
// LightCleanup should clear only volatile state and return quickly.
// DeepCleanup may discard anything recomputable. Both run on the
// supervisor's goroutine; long-running work should be handed off.
type Handler interface {
	// ID uniquely identifies the handler within the registry.
	ID() string

	// Kind tags the resource category this handler manages.
	Kind() Kind

	// Priority orders invocation; higher priorities run first.
	Priority() int

	// LightCleanup clears volatile state.
	LightCleanup(ctx context.Context) error

	// DeepCleanup discards all recomputable state.
	DeepCleanup(ctx context.Context) error

	// EstimatedMemoryUsage returns the handler's current retained bytes,
	// best effort.
	EstimatedMemoryUsage() int64
}

// Registry is the ordered collection of cleanup handlers.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty cleanup registry.
//
// Inputs:
//   - logger: Logger for handler failures. If nil, uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With(slog.String("component", "cleanup_registry")),
	}
}

// Register adds a handler. Identifiers are unique; registering an existing
// id replaces the previous handler (last registration wins).
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.ID()]; exists {
		r.logger.Debug("cleanup handler replaced", slog.String("handler", h.ID()))
	}
	r.handlers[h.ID()] = h
}

// Unregister removes the handler with the given id, if present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// EstimatedMemoryUsage sums every handler's estimate.
func (r *Registry) EstimatedMemoryUsage() int64 {
	var total int64
	for _, h := range r.ordered(nil) {
		total += h.EstimatedMemoryUsage()
	}
	return total
}

// RunLight runs LightCleanup on every handler, highest priority first.
//
// Outputs:
//   - int: Number of handlers that ran without error.
func (r *Registry) RunLight(ctx context.Context) int {
	cleanupRunsTotal.WithLabelValues("light").Inc()
	return r.run(ctx, r.ordered(nil), func(ctx context.Context, h Handler) error {
		return h.LightCleanup(ctx)
	})
}

// RunDeep runs DeepCleanup on every handler, highest priority first.
func (r *Registry) RunDeep(ctx context.Context) int {
	cleanupRunsTotal.WithLabelValues("deep").Inc()
	return r.run(ctx, r.ordered(nil), func(ctx context.Context, h Handler) error {
		return h.DeepCleanup(ctx)
	})
}

// RunDeepKinds runs DeepCleanup on handlers of the given kinds only,
// highest priority first.
func (r *Registry) RunDeepKinds(ctx context.Context, kinds ...Kind) int {
	cleanupRunsTotal.WithLabelValues("deep_kind").Inc()
	return r.run(ctx, r.ordered(kinds), func(ctx context.Context, h Handler) error {
		return h.DeepCleanup(ctx)
	})
}

// RunLightKinds runs LightCleanup on handlers of the given kinds only,
// highest priority first.
func (r *Registry) RunLightKinds(ctx context.Context, kinds ...Kind) int {
	cleanupRunsTotal.WithLabelValues("light_kind").Inc()
	return r.run(ctx, r.ordered(kinds), func(ctx context.Context, h Handler) error {
		return h.LightCleanup(ctx)
	})
}

// ordered returns handlers sorted by descending priority, optionally
// filtered by kind. Ties break on id for stable ordering.
func (r *Registry) ordered(kinds []Kind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		if len(kinds) > 0 {
			match := false
			for _, k := range kinds {
				if h.Kind() == k {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// run invokes op on each handler in order. A handler failure is logged and
// counted; remaining handlers still run.
func (r *Registry) run(ctx context.Context, handlers []Handler, op func(context.Context, Handler) error) int {
	succeeded := 0
	for _, h := range handlers {
		if err := op(ctx, h); err != nil {
			cleanupHandlerFailures.WithLabelValues(h.ID()).Inc()
			r.logger.Warn("cleanup handler failed",
				slog.String("handler", h.ID()),
				slog.String("kind", string(h.Kind())),
				slog.Any("error", err),
			)
			continue
		}
		succeeded++
	}
	return succeeded
}
