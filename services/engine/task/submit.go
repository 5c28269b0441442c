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
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Func is a typed asynchronous computation. The package-level submit
// helpers are generic functions rather than Scheduler methods because Go
// methods cannot carry their own type parameters.
type Func[T any] func(ctx context.Context) (T, error)

// GroupResult carries one unit's outcome within a group submission.
type GroupResult[T any] struct {
	Value T
	Err   error
}

// Absent reports whether the unit failed to produce a value.
func (r GroupResult[T]) Absent() bool { return r.Err != nil }

// Submit runs a typed operation through the scheduler and blocks until it
// reaches a terminal state.
//
// Outputs:
//   - T: The operation's value, or the zero value on failure.
//   - error: Nil on completion. ErrAbandoned for abandoned low-priority
//     work, ErrSchedulerClosed after Close, the operation's own error on
//     failure, or ctx.Err() on cancellation.
func Submit[T any](ctx context.Context, s *Scheduler, cat Category, pri Priority, desc string, fn Func[T]) (T, error) {
	value, err := s.run(ctx, cat, pri, desc, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value.(T), nil
}

// SubmitGroup runs the operations concurrently, each as its own admitted
// work item, and returns their outcomes in submission order. A failed
// unit occupies its slot in the result as an absent entry; it never
// affects its siblings.
func SubmitGroup[T any](ctx context.Context, s *Scheduler, cat Category, pri Priority, desc string, fns []Func[T]) []GroupResult[T] {
	results := make([]GroupResult[T], len(fns))

	var wg errgroup.Group
	for i, fn := range fns {
		wg.Go(func() error {
			results[i].Value, results[i].Err = Submit(ctx, s, cat, pri, desc, fn)
			return nil
		})
	}
	_ = wg.Wait() // units report through results, never through the group

	return results
}

// SubmitWithRetry retries an absent outcome up to attempts times with a
// fixed delay between attempts. Both operation failures and abandonment
// are retried, since load may clear between attempts; shutdown and
// context cancellation are not.
func SubmitWithRetry[T any](ctx context.Context, s *Scheduler, cat Category, pri Priority, desc string, attempts int, delay time.Duration, fn Func[T]) (T, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		value T
		err   error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err = Submit(ctx, s, cat, pri, desc, fn)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrSchedulerClosed) || ctx.Err() != nil {
			return value, err
		}
		if attempt < attempts {
			s.logger.Debug("retrying failed operation",
				slog.String("description", desc),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return value, ctx.Err()
			}
		}
	}
	return value, err
}

// SubmitWithDependencies runs the prerequisite operations to completion
// before submitting the main group. Prerequisites are soft: a failed
// prerequisite is logged and swallowed, and the main group runs
// regardless. Context cancellation during the prerequisite phase skips
// the main group entirely.
func SubmitWithDependencies[T any](ctx context.Context, s *Scheduler, cat Category, pri Priority, desc string, prereqs []Func[struct{}], fns []Func[T]) []GroupResult[T] {
	var wg errgroup.Group
	for _, prereq := range prereqs {
		wg.Go(func() error {
			if _, err := Submit(ctx, s, cat, pri, desc+" prerequisite", prereq); err != nil {
				s.logger.Debug("prerequisite failed, continuing",
					slog.String("description", desc),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = wg.Wait()

	if ctx.Err() != nil {
		results := make([]GroupResult[T], len(fns))
		for i := range results {
			results[i].Err = ctx.Err()
		}
		return results
	}

	return SubmitGroup(ctx, s, cat, pri, desc, fns)
}
