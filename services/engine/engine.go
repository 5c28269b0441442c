// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the concurrency and resource-lifecycle core
// together: the task scheduler, the workflow coordinator, the memory
// supervisor, the cleanup and resource registries, the reference graph,
// and the optional diagnostics journal. Everything is constructed
// explicitly and passed down; there are no package-level singletons.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/lumen/pkg/logging"
	"github.com/AleutianAI/lumen/services/engine/cleanup"
	"github.com/AleutianAI/lumen/services/engine/config"
	"github.com/AleutianAI/lumen/services/engine/journal"
	"github.com/AleutianAI/lumen/services/engine/memory"
	"github.com/AleutianAI/lumen/services/engine/refgraph"
	"github.com/AleutianAI/lumen/services/engine/registry"
	"github.com/AleutianAI/lumen/services/engine/task"
	"github.com/AleutianAI/lumen/services/engine/workflow"
)

// Engine owns the core's components and their teardown order.
//
// Description:
//
//	Construction wires each component with its collaborators; Close
//	tears them down in reverse so nothing observes a closed dependency.
//	The journal is optional and only opened when a path is configured
//	or in-memory mode is requested.
//
// Thread Safety: Safe for concurrent use after New returns.
type Engine struct {
	cfgMu  sync.RWMutex
	cfg    config.Config
	logger *slog.Logger

	watcher    *config.Watcher
	scheduler  *task.Scheduler
	workflows  *workflow.Coordinator
	cleanup    *cleanup.Registry
	resources  *registry.Registry
	references *refgraph.Graph
	supervisor *memory.Supervisor
	journal    *journal.Journal
}

// Options adjusts construction beyond configuration.
type Options struct {
	// Sampler overrides the system memory sampler. Tests use this.
	Sampler memory.Sampler

	// InMemoryJournal opens the journal in memory regardless of the
	// configured path. Tests use this.
	InMemoryJournal bool

	// ConfigPath, when set, watches the file and refreshes the snapshot
	// returned by Config on valid reloads. Components keep the tuning
	// they were constructed with; the snapshot exists for introspection
	// and for callers that construct follow-on work from it.
	ConfigPath string
}

// New constructs and starts the engine.
func New(cfg config.Config, logger *slog.Logger, opts Options) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if logger == nil {
		logger = logging.Default().Slog()
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		cleanup:    cleanup.NewRegistry(logger),
		resources:  registry.New(),
		references: refgraph.New(),
	}

	e.scheduler = task.NewScheduler(cfg.Scheduler, logger)
	e.workflows = workflow.NewCoordinator(e.scheduler, cfg.Workflows.HistorySize, logger)

	if opts.InMemoryJournal || cfg.Journal.Path != "" {
		j, err := journal.Open(journal.Config{
			Path:     cfg.Journal.Path,
			InMemory: opts.InMemoryJournal,
			TTL:      cfg.Journal.TTL,
		}, logger)
		if err != nil {
			_ = e.scheduler.Close()
			return nil, err
		}
		e.journal = j
	}

	sampler := opts.Sampler
	if sampler == nil {
		sys, err := memory.NewSystemSampler()
		if err != nil {
			e.teardown()
			return nil, err
		}
		sampler = sys
	}

	supOpts := memory.Options{
		Sampler:   sampler,
		Cleaner:   e.cleanup,
		Scheduler: e.scheduler,
		Registry:  e.resources,
		Logger:    logger,
	}
	if e.journal != nil {
		supOpts.Recorder = e.journal
	}
	e.supervisor = memory.NewSupervisor(cfg.Memory, cfg.Leaks, supOpts)
	e.supervisor.Start()

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, logger)
		if err != nil {
			e.teardown()
			return nil, err
		}
		w.Subscribe(func(next config.Config) {
			e.cfgMu.Lock()
			e.cfg = next
			e.cfgMu.Unlock()
		})
		if err := w.Start(); err != nil {
			w.Stop()
			e.teardown()
			return nil, err
		}
		e.watcher = w
	}

	e.logger.Info("engine started",
		slog.Bool("journal", e.journal != nil),
		slog.Int("global_ceiling", cfg.Scheduler.GlobalActiveCeiling),
	)
	return e, nil
}

// Config returns the current configuration snapshot, reflecting the most
// recent valid reload when a watcher is attached.
func (e *Engine) Config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *task.Scheduler { return e.scheduler }

// Workflows returns the workflow coordinator.
func (e *Engine) Workflows() *workflow.Coordinator { return e.workflows }

// Cleanup returns the cleanup handler registry.
func (e *Engine) Cleanup() *cleanup.Registry { return e.cleanup }

// Resources returns the weak resource registry.
func (e *Engine) Resources() *registry.Registry { return e.resources }

// References returns the diagnostic reference graph.
func (e *Engine) References() *refgraph.Graph { return e.references }

// Memory returns the memory supervisor.
func (e *Engine) Memory() *memory.Supervisor { return e.supervisor }

// Journal returns the diagnostics journal, or nil when not configured.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Close shuts the engine down in reverse construction order. Idempotent
// component closes make Engine.Close idempotent too.
func (e *Engine) Close() error {
	e.teardown()
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) teardown() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.supervisor != nil {
		_ = e.supervisor.Close()
	}
	if e.workflows != nil {
		_ = e.workflows.Close()
	}
	if e.scheduler != nil {
		_ = e.scheduler.Close()
	}
	if e.journal != nil {
		// The run's terminal items become part of the diagnostic trail
		// before the store closes.
		e.journal.RecordTasks(e.scheduler.History())
		_ = e.journal.Close()
	}
}
