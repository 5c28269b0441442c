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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitGroup_PreservesOrder(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	fns := make([]Func[int], 5)
	for i := range fns {
		fns[i] = func(ctx context.Context) (int, error) {
			// Finish out of submission order on purpose.
			time.Sleep(time.Duration(5-i) * 5 * time.Millisecond)
			return i * 10, nil
		}
	}

	results := SubmitGroup(context.Background(), s, CategoryImport, PriorityNormal, "batch", fns)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, i*10, r.Value, "result %d out of order", i)
	}
}

func TestSubmitGroup_FailureDoesNotAffectSiblings(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	failAt := 1
	fns := make([]Func[string], 3)
	for i := range fns {
		fns[i] = func(ctx context.Context) (string, error) {
			if i == failAt {
				return "", errors.New("decode error")
			}
			return fmt.Sprintf("thumb-%d", i), nil
		}
	}

	results := SubmitGroup(context.Background(), s, CategoryImport, PriorityNormal, "thumbnails", fns)
	require.Len(t, results, 3)
	assert.False(t, results[0].Absent())
	assert.True(t, results[1].Absent())
	assert.False(t, results[2].Absent())
	assert.Equal(t, "thumb-0", results[0].Value)
	assert.Equal(t, "thumb-2", results[2].Value)
}

func TestSubmitGroup_Empty(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	results := SubmitGroup[string](context.Background(), s, CategoryImport, PriorityNormal, "none", nil)
	assert.Empty(t, results)
}

func TestSubmitWithRetry_SucceedsAfterFailures(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	var calls atomic.Int32
	value, err := SubmitWithRetry(context.Background(), s, CategorySearch, PriorityHigh, "flaky", 3, time.Millisecond,
		func(ctx context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", errors.New("transient")
			}
			return "eventually", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "eventually", value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitWithRetry_ExhaustsAttempts(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	var calls atomic.Int32
	opErr := errors.New("permanent")
	_, err := SubmitWithRetry(context.Background(), s, CategorySearch, PriorityHigh, "doomed", 3, time.Millisecond,
		func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", opErr
		})
	require.ErrorIs(t, err, opErr)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitWithRetry_RetriesAbandonment(t *testing.T) {
	cfg := testConfig()
	cfg.LowLimit = 1
	cfg.NormalLimit = 2
	cfg.GlobalActiveCeiling = 2
	s := newTestScheduler(t, cfg)

	// Saturate the low tier and push the aggregate past the ceiling so
	// the first attempt is abandoned.
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	hold := func(ctx context.Context) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
			return "held", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for i := 0; i < 3; i++ {
		pri := PriorityNormal
		if i == 0 {
			pri = PriorityLow
		}
		go func() { _, _ = Submit(context.Background(), s, CategoryBackground, pri, "hold", hold) }()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("holders did not start")
		}
	}

	// Clear the load while the retry helper is waiting out its delay.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	var calls atomic.Int32
	value, err := SubmitWithRetry(context.Background(), s, CategoryCleanup, PriorityLow, "deferred", 5, 50*time.Millisecond,
		func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "eventually", nil
		})
	require.NoError(t, err, "abandonment must be retried once load clears")
	assert.Equal(t, "eventually", value)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestSubmitWithRetry_DoesNotRetryShutdown(t *testing.T) {
	s := NewScheduler(testConfig(), nil)
	require.NoError(t, s.Close())

	var calls atomic.Int32
	_, err := SubmitWithRetry(context.Background(), s, CategorySearch, PriorityHigh, "late", 5, time.Millisecond,
		func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", nil
		})
	require.ErrorIs(t, err, ErrSchedulerClosed)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSubmitWithDependencies_PrereqsRunFirst(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	var prereqDone atomic.Bool
	prereqs := []Func[struct{}]{
		func(ctx context.Context) (struct{}, error) {
			time.Sleep(10 * time.Millisecond)
			prereqDone.Store(true)
			return struct{}{}, nil
		},
	}
	fns := []Func[bool]{
		func(ctx context.Context) (bool, error) {
			return prereqDone.Load(), nil
		},
	}

	results := SubmitWithDependencies(context.Background(), s, CategorySemantic, PriorityHigh, "analysis", prereqs, fns)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Value, "main group ran before its prerequisite finished")
}

func TestSubmitWithDependencies_PrereqFailureIsSwallowed(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	prereqs := []Func[struct{}]{
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, errors.New("embedding model unavailable")
		},
	}
	fns := []Func[string]{
		func(ctx context.Context) (string, error) {
			return "main ran", nil
		},
	}

	results := SubmitWithDependencies(context.Background(), s, CategorySemantic, PriorityHigh, "analysis", prereqs, fns)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "main ran", results[0].Value)
}

func TestSubmitWithDependencies_CancelledContextSkipsMainGroup(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	prereqs := []Func[struct{}]{
		func(ctx context.Context) (struct{}, error) {
			cancel()
			return struct{}{}, nil
		},
	}
	var mainRan atomic.Bool
	fns := []Func[string]{
		func(ctx context.Context) (string, error) {
			mainRan.Store(true)
			return "", nil
		},
	}

	results := SubmitWithDependencies(ctx, s, CategorySemantic, PriorityHigh, "analysis", prereqs, fns)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.False(t, mainRan.Load())
}
