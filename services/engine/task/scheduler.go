// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task admits, executes, and supervises the engine's asynchronous
// units of work.
//
// Every submission is tagged with a category and a priority. Each priority
// tier has a fixed concurrency ceiling; a submission finding its tier full
// waits on the tier's slot channel rather than spinning, and a deferred
// low-priority submission is abandoned outright once the aggregate active
// count exceeds the global ceiling. Two categories (semantic analysis and
// visualization generation) bypass admission and run inline because they
// submit nested work of their own; see Category.BypassesAdmission.
//
// Operation failures are contained: a failed or panicking operation
// terminates only its own work item and is surfaced to the caller as an
// absent result, never as a scheduler fault.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lumen/services/engine/config"
	"github.com/AleutianAI/lumen/services/engine/history"
)

// Operation is an asynchronous, cancellable, possibly-failing computation
// producing a value. Operations must observe ctx to honor cancellation;
// the scheduler cannot forcibly terminate a non-cooperative operation.
type Operation func(ctx context.Context) (any, error)

// item is the scheduler-internal work item. All fields are guarded by the
// scheduler's mutex; WorkItem snapshots are handed out instead of *item.
type item struct {
	id          uuid.UUID
	category    Category
	priority    Priority
	description string
	state       State
	err         error
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	cancel      context.CancelFunc
}

// Scheduler is the priority admission controller.
//
// Description:
//
//	Accepts operations tagged with (category, priority), enforces
//	per-tier concurrency ceilings, abandons deferred low-priority work
//	under pressure, executes admitted operations, and sweeps for stuck
//	work. All active-set bookkeeping is owned by a single mutex so
//	admission counts and state transitions are always observed
//	consistently; cross-component readers go through the public
//	accessors.
//
// Thread Safety: Safe for concurrent use.
type Scheduler struct {
	cfg    config.Scheduler
	logger *slog.Logger

	mu      sync.Mutex
	active  map[uuid.UUID]*item
	usage   ResourceUsage
	changed chan struct{} // closed and replaced on every active-set change
	closed  bool

	// Per-tier slot channels; a buffered send is an admission.
	slots map[Priority]chan struct{}

	hist *history.Log[WorkItem]

	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup
	inflight   sync.WaitGroup
}

// NewScheduler creates a scheduler with the given tuning.
//
// Description:
//
//	Zero-valued tuning fields take engine defaults. The stuck-task sweep
//	goroutine starts immediately; call Close to stop it.
//
// Inputs:
//   - cfg: Scheduler tuning. Zero values use defaults.
//   - logger: Logger for admission events. If nil, uses slog.Default().
//
// Outputs:
//   - *Scheduler: The created scheduler. Never nil.
//
// Thread Safety: The returned scheduler is safe for concurrent use.
func NewScheduler(cfg config.Scheduler, logger *slog.Logger) *Scheduler {
	whole := config.Config{Scheduler: cfg}
	whole.ApplyDefaults()
	cfg = whole.Scheduler

	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "task_scheduler")),
		active:  make(map[uuid.UUID]*item),
		changed: make(chan struct{}),
		slots: map[Priority]chan struct{}{
			PriorityCritical: make(chan struct{}, cfg.CriticalLimit),
			PriorityHigh:     make(chan struct{}, cfg.HighLimit),
			PriorityNormal:   make(chan struct{}, cfg.NormalLimit),
			PriorityLow:      make(chan struct{}, cfg.LowLimit),
		},
		hist:       history.NewLog[WorkItem](cfg.HistorySize),
		shutdownCh: make(chan struct{}),
	}

	s.shutdownWg.Add(1)
	go s.stuckSweep()

	return s
}

// run admits and executes a single operation, returning its value or the
// error that classified the item's terminal state.
func (s *Scheduler) run(ctx context.Context, cat Category, pri Priority, desc string, op Operation) (any, error) {
	if s.isClosed() {
		return nil, ErrSchedulerClosed
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	it := &item{
		id:          uuid.New(),
		category:    cat,
		priority:    pri,
		description: desc,
		state:       StatePending,
		createdAt:   time.Now(),
	}

	tasksSubmitted.WithLabelValues(cat.String(), pri.String()).Inc()

	// The inline path exists to break the deadlock between admission and
	// categories whose operations submit nested work; it shares execution
	// and observability with the admitted path but never takes a slot.
	if !cat.BypassesAdmission() {
		if err := s.acquire(ctx, pri); err != nil {
			if errors.Is(err, ErrAbandoned) {
				tasksAbandoned.Inc()
				s.logger.Info("submission abandoned under load",
					slog.String("category", cat.String()),
					slog.String("description", desc),
					slog.Int("active", s.ActiveCount()),
				)
			}
			return nil, err
		}
		defer s.release(pri)
	}

	return s.execute(ctx, it, op)
}

// acquire blocks until a tier slot frees, the context is cancelled, the
// scheduler shuts down, or, for low priority only, the abandonment rule
// fires. Waiting is channel-based; the periodic tick exists solely to
// re-evaluate the abandonment rule for deferred low-priority work.
func (s *Scheduler) acquire(ctx context.Context, pri Priority) error {
	slot := s.slots[pri]

	select {
	case slot <- struct{}{}:
		return nil
	default:
	}

	// Deferred.
	tasksDeferred.WithLabelValues(pri.String()).Inc()

	if pri == PriorityLow {
		if s.Usage().Total() > s.cfg.GlobalActiveCeiling {
			return ErrAbandoned
		}
		ticker := time.NewTicker(s.cfg.DeferCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case slot <- struct{}{}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-s.shutdownCh:
				return ErrSchedulerClosed
			case <-ticker.C:
				if s.Usage().Total() > s.cfg.GlobalActiveCeiling {
					return ErrAbandoned
				}
			}
		}
	}

	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdownCh:
		return ErrSchedulerClosed
	}
}

// release frees a tier slot.
func (s *Scheduler) release(pri Priority) {
	<-s.slots[pri]
}

// execute runs the operation with the item in the active set.
func (s *Scheduler) execute(ctx context.Context, it *item, op Operation) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.admit(it, cancel)

	spanCtx, span := tracer.Start(runCtx, "task.execute",
		trace.WithAttributes(
			attribute.String("task_id", it.id.String()),
			attribute.String("category", it.category.String()),
			attribute.String("priority", it.priority.String()),
		),
	)

	value, err := invoke(spanCtx, op)

	final := s.finish(it, err)

	span.SetAttributes(attribute.String("state", final.String()))
	if err != nil && final == StateFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	recordTaskDuration(ctx, it.category, final, time.Since(it.startedAt))

	if err != nil {
		return nil, err
	}
	return value, nil
}

// invoke calls the operation, converting a panic into a failure so a
// misbehaving unit cannot take the scheduler down with it.
func invoke(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()
	return op(ctx)
}

// admit moves the item into the active set and marks it running.
func (s *Scheduler) admit(it *item, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it.state = StateRunning
	it.startedAt = time.Now()
	it.cancel = cancel
	s.active[it.id] = it
	*s.usage.tier(it.priority)++
	s.signalLocked()

	// An item slipping in between Close's cancel sweep and its drain
	// wait still gets the shutdown cancellation.
	if s.closed {
		cancel()
	}
}

// finish records the terminal state, moves the item to history, and
// releases its cancellable handle. Returns the terminal state.
func (s *Scheduler) finish(it *item, err error) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		it.state = StateCompleted
	case errors.Is(err, context.Canceled):
		it.state = StateCancelled
	default:
		it.state = StateFailed
		it.err = err
	}
	it.completedAt = time.Now()
	it.cancel = nil // handle released once terminal

	delete(s.active, it.id)
	*s.usage.tier(it.priority)--
	s.hist.Append(snapshotLocked(it))
	tasksTerminal.WithLabelValues(it.state.String()).Inc()
	s.signalLocked()

	return it.state
}

// signalLocked wakes every WaitForCompletion waiter. Caller holds s.mu.
func (s *Scheduler) signalLocked() {
	s.updateActiveGaugesLocked()
	close(s.changed)
	s.changed = make(chan struct{})
}

// changeCh returns the channel closed on the next active-set change.
func (s *Scheduler) changeCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func snapshotLocked(it *item) WorkItem {
	return WorkItem{
		ID:          it.id,
		Category:    it.category,
		Priority:    it.priority,
		Description: it.description,
		State:       it.state,
		Err:         it.err,
		CreatedAt:   it.createdAt,
		StartedAt:   it.startedAt,
		CompletedAt: it.completedAt,
	}
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

// CancelCategory cancels every active item in the given category.
//
// Description:
//
//	Marks each matching item's operation for cooperative cancellation.
//	The items reach the cancelled terminal state when their operations
//	unwind; a non-responsive operation may ignore the signal.
//
// Outputs:
//   - int: Number of items signalled.
//
// Thread Safety: Safe for concurrent use.
func (s *Scheduler) CancelCategory(cat Category) int {
	return s.cancelWhere(func(it *item) bool { return it.category == cat })
}

// CancelPriority cancels every active item in the given tier. The memory
// supervisor uses this to shed low-value work under pressure.
func (s *Scheduler) CancelPriority(pri Priority) int {
	return s.cancelWhere(func(it *item) bool { return it.priority == pri })
}

// CancelAll cancels every active item.
func (s *Scheduler) CancelAll() int {
	return s.cancelWhere(func(*item) bool { return true })
}

func (s *Scheduler) cancelWhere(match func(*item) bool) int {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, it := range s.active {
		if match(it) && it.cancel != nil {
			cancels = append(cancels, it.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// WaitForCompletion blocks until no item of the given category is active,
// the timeout elapses, or ctx is cancelled.
//
// Outputs:
//   - error: Nil once the category drains; ErrWaitTimeout on timeout.
func (s *Scheduler) WaitForCompletion(ctx context.Context, cat Category, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ch := s.changeCh()
		if s.CategoryActive(cat) == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-timer.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// Usage returns the per-tier active counts. The sum of the tiers equals
// the active-set size.
func (s *Scheduler) Usage() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// ActiveCount returns the aggregate number of active items.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// CategoryActive returns the number of active items in the category.
func (s *Scheduler) CategoryActive(cat Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.active {
		if it.category == cat {
			n++
		}
	}
	return n
}

// ActiveItems returns a snapshot of every active item.
func (s *Scheduler) ActiveItems() []WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkItem, 0, len(s.active))
	for _, it := range s.active {
		out = append(out, snapshotLocked(it))
	}
	return out
}

// History returns a snapshot of terminal items, oldest first.
func (s *Scheduler) History() []WorkItem {
	return s.hist.Snapshot()
}

// -----------------------------------------------------------------------------
// Stuck-task sweep
// -----------------------------------------------------------------------------

// stuckSweep periodically cancels items whose running duration exceeds the
// stuck timeout. Advisory self-healing: cancellation is cooperative, so a
// wedged operation may still not halt.
func (s *Scheduler) stuckSweep() {
	defer s.shutdownWg.Done()

	ticker := time.NewTicker(s.cfg.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Scheduler) sweepOnce() {
	now := time.Now()

	s.mu.Lock()
	type stuck struct {
		id       uuid.UUID
		desc     string
		duration time.Duration
		cancel   context.CancelFunc
	}
	var flagged []stuck
	for _, it := range s.active {
		if it.state != StateRunning || it.cancel == nil {
			continue
		}
		if d := now.Sub(it.startedAt); d > s.cfg.StuckTimeout {
			flagged = append(flagged, stuck{it.id, it.description, d, it.cancel})
		}
	}
	s.mu.Unlock()

	for _, f := range flagged {
		tasksStuck.Inc()
		s.logger.Warn("stuck task cancelled",
			slog.String("task_id", f.id.String()),
			slog.String("description", f.desc),
			slog.Duration("running_for", f.duration),
			slog.Duration("timeout", s.cfg.StuckTimeout),
		)
		f.cancel()
	}
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the scheduler down.
//
// Description:
//
//	Rejects new submissions, cancels all active items, unblocks deferred
//	waiters, and waits for in-flight submissions and the sweep goroutine
//	to drain. Idempotent.
//
// Thread Safety: Safe for concurrent use.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdownCh)
	s.CancelAll()
	s.inflight.Wait()
	s.shutdownWg.Wait()

	s.logger.Debug("scheduler closed")
	return nil
}
