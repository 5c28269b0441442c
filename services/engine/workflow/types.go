// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow coordinates multi-step operations built on top of the
// task scheduler. A workflow is a state machine with monotonic progress;
// its steps submit their work through the scheduler using the workflow's
// own context, so cancelling the workflow cancels every nested submission
// by construction.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lumen/services/engine/task"
)

var (
	// ErrNotFound is returned when no workflow with the given ID exists.
	ErrNotFound = errors.New("workflow: not found")

	// ErrInvalidTransition is returned when an operation is not legal in
	// the workflow's current state, such as executing a workflow twice.
	ErrInvalidTransition = errors.New("workflow: invalid state transition")

	// ErrCoordinatorClosed is returned for operations after Close.
	ErrCoordinatorClosed = errors.New("workflow: coordinator is closed")
)

// Type identifies the kind of multi-step operation a workflow performs.
type Type int

const (
	TypeImport Type = iota
	TypeBackground
	TypeSearch
	TypeVisualization
	TypeStartup
	TypeInteraction
)

func (t Type) String() string {
	switch t {
	case TypeImport:
		return "import"
	case TypeBackground:
		return "background"
	case TypeSearch:
		return "search"
	case TypeVisualization:
		return "visualization"
	case TypeStartup:
		return "startup"
	case TypeInteraction:
		return "interaction"
	default:
		return "unknown"
	}
}

// State is a workflow lifecycle state.
//
// The legal transitions form a line with three exits:
//
//	idle → preparing → executing → completing → completed
//
// with failed reachable from preparing, executing, and completing, and
// cancelled reachable from every non-terminal state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateExecuting
	StateCompleting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateExecuting:
		return "executing"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// canTransition reports whether from → to is a legal lifecycle step.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	switch from {
	case StateIdle:
		return to == StatePreparing
	case StatePreparing:
		return to == StateExecuting || to == StateFailed
	case StateExecuting:
		return to == StateCompleting || to == StateFailed
	case StateCompleting:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// Workflow is an immutable snapshot of a workflow's observable state.
type Workflow struct {
	ID          uuid.UUID
	Type        Type
	Priority    task.Priority
	State       State
	Progress    float64 // [0, 1], monotonically non-decreasing while executing
	CurrentStep string
	Err         error
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// StepFunc is the body of a workflow. It receives the workflow's own
// context; submissions made with that context are cancelled when the
// workflow is.
type StepFunc func(ctx context.Context) error
