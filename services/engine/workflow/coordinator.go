// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/lumen/services/engine/history"
	"github.com/AleutianAI/lumen/services/engine/task"
)

var (
	workflowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_workflows_started_total",
		Help: "Workflows entering execution, by type.",
	}, []string{"type"})

	workflowsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_workflows_terminal_total",
		Help: "Workflows reaching a terminal state.",
	}, []string{"type", "state"})

	workflowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_workflows_active",
		Help: "Workflows not yet in a terminal state.",
	})
)

// workflow is the coordinator-internal record. Guarded by Coordinator.mu.
type workflow struct {
	id          uuid.UUID
	typ         Type
	priority    task.Priority
	state       State
	progress    float64
	currentStep string
	err         error
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	cancel      context.CancelFunc
	cancelled   bool
}

// Coordinator manages workflow lifecycles.
//
// Description:
//
//	Creates workflows, drives their state machines through Execute,
//	clamps progress regressions, and cancels workflows individually, by
//	type, or wholesale. The coordinator owns no concurrency of its own
//	beyond bookkeeping: a workflow's body runs in the caller's
//	goroutine, and its parallelism comes from scheduler submissions made
//	inside the body.
//
// Thread Safety: Safe for concurrent use.
type Coordinator struct {
	sched  *task.Scheduler
	logger *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*workflow
	closed bool

	hist *history.Log[Workflow]
}

// NewCoordinator creates a coordinator submitting through the scheduler.
func NewCoordinator(sched *task.Scheduler, historySize int, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize <= 0 {
		historySize = 50
	}
	return &Coordinator{
		sched:  sched,
		logger: logger.With(slog.String("component", "workflow_coordinator")),
		active: make(map[uuid.UUID]*workflow),
		hist:   history.NewLog[Workflow](historySize),
	}
}

// Scheduler returns the scheduler workflows submit through. Step bodies
// use it for nested submissions.
func (c *Coordinator) Scheduler() *task.Scheduler { return c.sched }

// Create registers a new idle workflow and returns its ID.
func (c *Coordinator) Create(typ Type, pri task.Priority) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return uuid.Nil, ErrCoordinatorClosed
	}

	wf := &workflow{
		id:        uuid.New(),
		typ:       typ,
		priority:  pri,
		state:     StateIdle,
		createdAt: time.Now(),
	}
	c.active[wf.id] = wf
	workflowsActive.Set(float64(len(c.active)))

	c.logger.Debug("workflow created",
		slog.String("workflow_id", wf.id.String()),
		slog.String("type", typ.String()),
	)
	return wf.id, nil
}

// Execute runs the workflow body and drives the state machine to a
// terminal state.
//
// Description:
//
//	Transitions the workflow idle → preparing → executing, derives the
//	workflow context from ctx, and calls fn with it. When fn returns,
//	the workflow moves through completing to completed, or to failed or
//	cancelled depending on the outcome. Execute is one-shot per
//	workflow; a second call returns ErrInvalidTransition.
//
// Inputs:
//   - ctx: Parent context. Its cancellation cancels the workflow.
//   - id: Workflow ID from Create.
//   - fn: Workflow body. Receives the workflow's context; nested
//     scheduler submissions made with it are cancelled with the
//     workflow.
//
// Outputs:
//   - error: Nil on completion, fn's error on failure, the context error
//     on cancellation, ErrNotFound or ErrInvalidTransition on misuse.
//
// Thread Safety: Safe for concurrent use across distinct workflows.
func (c *Coordinator) Execute(ctx context.Context, id uuid.UUID, fn StepFunc) error {
	wfCtx, err := c.begin(ctx, id)
	if err != nil {
		return err
	}

	runErr := fn(wfCtx)

	return c.end(id, wfCtx, runErr)
}

// begin moves the workflow to executing and installs its context.
func (c *Coordinator) begin(ctx context.Context, id uuid.UUID) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wf, ok := c.active[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !canTransition(wf.state, StatePreparing) {
		return nil, ErrInvalidTransition
	}

	wfCtx, cancel := context.WithCancel(ctx)
	wf.state = StatePreparing
	wf.cancel = cancel

	// Preparation is bookkeeping only, so the two transitions collapse
	// into one critical section.
	wf.state = StateExecuting
	wf.startedAt = time.Now()
	workflowsStarted.WithLabelValues(wf.typ.String()).Inc()

	return wfCtx, nil
}

// end finalizes the workflow after its body returns.
func (c *Coordinator) end(id uuid.UUID, wfCtx context.Context, runErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wf, ok := c.active[id]
	if !ok {
		return ErrNotFound
	}

	switch {
	case wf.cancelled || errors.Is(runErr, context.Canceled) || wfCtx.Err() != nil:
		wf.state = StateCancelled
		if runErr == nil {
			runErr = context.Canceled
		}
		wf.err = runErr
	case runErr != nil:
		wf.state = StateFailed
		wf.err = runErr
	default:
		wf.state = StateCompleting
		wf.progress = 1.0
		wf.state = StateCompleted
	}
	wf.completedAt = time.Now()
	if wf.cancel != nil {
		wf.cancel()
		wf.cancel = nil
	}

	c.finalizeLocked(wf)

	if wf.state == StateCompleted {
		return nil
	}
	return runErr
}

// finalizeLocked moves a terminal workflow to history. Caller holds c.mu.
func (c *Coordinator) finalizeLocked(wf *workflow) {
	delete(c.active, wf.id)
	workflowsActive.Set(float64(len(c.active)))
	workflowsTerminal.WithLabelValues(wf.typ.String(), wf.state.String()).Inc()
	c.hist.Append(snapshotLocked(wf))

	c.logger.Debug("workflow finished",
		slog.String("workflow_id", wf.id.String()),
		slog.String("type", wf.typ.String()),
		slog.String("state", wf.state.String()),
		slog.Duration("duration", wf.completedAt.Sub(wf.createdAt)),
	)
}

// UpdateProgress records forward progress while the workflow executes.
// Regressions are clamped to the current value rather than rejected, and
// values above 1 are clamped to 1.
func (c *Coordinator) UpdateProgress(id uuid.UUID, step string, progress float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wf, ok := c.active[id]
	if !ok {
		return ErrNotFound
	}
	if wf.state != StateExecuting {
		return ErrInvalidTransition
	}

	if progress > 1 {
		progress = 1
	}
	if progress > wf.progress {
		wf.progress = progress
	}
	wf.currentStep = step
	return nil
}

// Cancel cancels the workflow. An idle workflow is finalized immediately;
// an executing one reaches the cancelled state when its body unwinds.
func (c *Coordinator) Cancel(id uuid.UUID) error {
	c.mu.Lock()

	wf, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	c.cancelLocked(wf)
	cancel := wf.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// CancelByType cancels every active workflow of the given type and
// returns the number signalled.
func (c *Coordinator) CancelByType(typ Type) int {
	return c.cancelWhere(func(wf *workflow) bool { return wf.typ == typ })
}

// CancelAll cancels every active workflow.
func (c *Coordinator) CancelAll() int {
	return c.cancelWhere(func(*workflow) bool { return true })
}

func (c *Coordinator) cancelWhere(match func(*workflow) bool) int {
	c.mu.Lock()
	var cancels []context.CancelFunc
	n := 0
	for _, wf := range c.active {
		if !match(wf) {
			continue
		}
		n++
		c.cancelLocked(wf)
		if wf.cancel != nil {
			cancels = append(cancels, wf.cancel)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return n
}

// cancelLocked marks the workflow cancelled; idle workflows finalize on
// the spot since no body will ever run. Caller holds c.mu.
func (c *Coordinator) cancelLocked(wf *workflow) {
	wf.cancelled = true
	if wf.state == StateIdle {
		wf.state = StateCancelled
		wf.err = context.Canceled
		wf.completedAt = time.Now()
		c.finalizeLocked(wf)
	}
}

// Get returns a snapshot of an active workflow.
func (c *Coordinator) Get(id uuid.UUID) (Workflow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wf, ok := c.active[id]
	if !ok {
		return Workflow{}, false
	}
	return snapshotLocked(wf), true
}

// Active returns snapshots of every non-terminal workflow.
func (c *Coordinator) Active() []Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Workflow, 0, len(c.active))
	for _, wf := range c.active {
		out = append(out, snapshotLocked(wf))
	}
	return out
}

// History returns terminal workflows, oldest first.
func (c *Coordinator) History() []Workflow {
	return c.hist.Snapshot()
}

// Close cancels all active workflows and rejects further creation.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelAll()
	return nil
}

func snapshotLocked(wf *workflow) Workflow {
	return Workflow{
		ID:          wf.id,
		Type:        wf.typ,
		Priority:    wf.priority,
		State:       wf.state,
		Progress:    wf.progress,
		CurrentStep: wf.currentStep,
		Err:         wf.err,
		CreatedAt:   wf.createdAt,
		StartedAt:   wf.startedAt,
		CompletedAt: wf.completedAt,
	}
}
