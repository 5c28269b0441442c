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
	"errors"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrSchedulerClosed is returned when submissions arrive after Close.
	ErrSchedulerClosed = errors.New("task scheduler is closed")

	// ErrAbandoned is returned when a deferred low-priority submission is
	// dropped under sustained load instead of waiting indefinitely.
	ErrAbandoned = errors.New("submission abandoned under load")

	// ErrWaitTimeout is returned when WaitForCompletion's timeout elapses
	// with work still active.
	ErrWaitTimeout = errors.New("wait for completion timed out")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Category classifies the kind of work a submission performs.
type Category int

const (
	// CategoryUI is interactive work the user is waiting on.
	CategoryUI Category = iota

	// CategoryImport is content ingestion.
	CategoryImport

	// CategoryBackground is deferrable background processing.
	CategoryBackground

	// CategorySearch is query evaluation.
	CategorySearch

	// CategoryCleanup is reclamation work.
	CategoryCleanup

	// CategoryVisualization is visualization generation. Runs inline,
	// outside admission control (see Scheduler).
	CategoryVisualization

	// CategoryVision is image-understanding analysis.
	CategoryVision

	// CategoryOCR is text extraction.
	CategoryOCR

	// CategorySemantic is semantic analysis. Runs inline, outside
	// admission control (see Scheduler).
	CategorySemantic
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryUI:
		return "ui"
	case CategoryImport:
		return "import"
	case CategoryBackground:
		return "background"
	case CategorySearch:
		return "search"
	case CategoryCleanup:
		return "cleanup"
	case CategoryVisualization:
		return "visualization"
	case CategoryVision:
		return "vision"
	case CategoryOCR:
		return "ocr"
	case CategorySemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// BypassesAdmission reports whether this category executes inline rather
// than through admission control.
//
// Semantic analysis and visualization generation submit nested work of
// their own; admitting them through the shared queue risks deadlock when
// every slot is held by a parent waiting on a child. They run on a
// dedicated inline path instead, which means they are not resource-limited.
func (c Category) BypassesAdmission() bool {
	return c == CategorySemantic || c == CategoryVisualization
}

// Priority orders submissions: critical > high > normal > low.
type Priority int

const (
	// PriorityCritical is for work blocking the user right now.
	PriorityCritical Priority = iota

	// PriorityHigh is for near-interactive work.
	PriorityHigh

	// PriorityNormal is the default tier.
	PriorityNormal

	// PriorityLow is for deferrable, abandonable work.
	PriorityLow
)

// priorities lists every tier in descending order.
var priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a work item.
//
// Items transition strictly forward: pending → running → one terminal
// state. Terminal items move from the active set into bounded history.
type State int

const (
	// StatePending indicates the item is waiting for admission.
	StatePending State = iota

	// StateRunning indicates the operation is executing.
	StateRunning

	// StateCompleted indicates the operation returned a value.
	StateCompleted

	// StateCancelled indicates the operation observed cancellation.
	StateCancelled

	// StateFailed indicates the operation returned an error.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// -----------------------------------------------------------------------------
// Work items
// -----------------------------------------------------------------------------

// WorkItem is a point-in-time snapshot of one schedulable unit.
type WorkItem struct {
	// ID is the unique identity of the item.
	ID uuid.UUID

	// Category classifies the work.
	Category Category

	// Priority is the admission tier.
	Priority Priority

	// Description is a human-readable label for diagnostics.
	Description string

	// State is the lifecycle state at snapshot time.
	State State

	// Err carries the failure cause when State is StateFailed.
	Err error

	// CreatedAt is when the item was submitted.
	CreatedAt time.Time

	// StartedAt is when the operation began running.
	StartedAt time.Time

	// CompletedAt is when the item reached a terminal state.
	CompletedAt time.Time
}

// Duration returns how long the operation ran, or has been running.
func (w WorkItem) Duration() time.Duration {
	if w.StartedAt.IsZero() {
		return 0
	}
	if w.CompletedAt.IsZero() {
		return time.Since(w.StartedAt)
	}
	return w.CompletedAt.Sub(w.StartedAt)
}

// ResourceUsage counts active work items per priority tier.
//
// It is derived state: recomputed whenever the active set changes, never
// independently mutable. The sum of the tier counts always equals the
// active-set size.
type ResourceUsage struct {
	Critical int
	High     int
	Normal   int
	Low      int
}

// Total returns the aggregate active-item count.
func (u ResourceUsage) Total() int {
	return u.Critical + u.High + u.Normal + u.Low
}

// tier returns a pointer to the counter for the given priority.
func (u *ResourceUsage) tier(p Priority) *int {
	switch p {
	case PriorityCritical:
		return &u.Critical
	case PriorityHigh:
		return &u.High
	case PriorityNormal:
		return &u.Normal
	default:
		return &u.Low
	}
}
