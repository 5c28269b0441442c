// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lumen/services/engine/cleanup"
	"github.com/AleutianAI/lumen/services/engine/config"
	"github.com/AleutianAI/lumen/services/engine/registry"
	"github.com/AleutianAI/lumen/services/engine/task"
)

// stubSampler returns a fixed usage percentage.
type stubSampler struct {
	mu      sync.Mutex
	percent float64
	fail    error
}

func (s *stubSampler) set(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percent = p
}

func (s *stubSampler) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return Sample{}, s.fail
	}
	return Sample{
		Total:     16 << 30,
		Resident:  1 << 30,
		Percent:   s.percent,
		Timestamp: time.Now(),
	}, nil
}

// countingHandler records cleanup invocations.
type countingHandler struct {
	id   string
	kind cleanup.Kind
	prio int

	mu    sync.Mutex
	light int
	deep  int
}

func (h *countingHandler) ID() string                 { return h.id }
func (h *countingHandler) Kind() cleanup.Kind         { return h.kind }
func (h *countingHandler) Priority() int              { return h.prio }
func (h *countingHandler) EstimatedMemoryUsage() int64 { return 0 }

func (h *countingHandler) LightCleanup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.light++
	return nil
}

func (h *countingHandler) DeepCleanup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deep++
	return nil
}

func (h *countingHandler) counts() (light, deep int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.light, h.deep
}

type recordingRecorder struct {
	mu        sync.Mutex
	pressures []Sample
	leaks     []Leak
}

func (r *recordingRecorder) RecordPressure(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pressures = append(r.pressures, s)
}

func (r *recordingRecorder) RecordLeak(l Leak) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaks = append(r.leaks, l)
}

func testMemoryConfig() config.Memory {
	return config.Memory{
		SampleInterval:             10 * time.Millisecond,
		WarningPercent:             75,
		CriticalPercent:            85,
		EmergencyPercent:           95,
		SampleHistorySize:          16,
		EmergencyCleanupsPerMinute: 1000, // effectively unlimited unless a test tightens it
	}
}

func testLeakConfig() config.Leaks {
	return config.Leaks{
		DefaultThreshold:   time.Minute,
		LongLivedThreshold: time.Hour,
		LongLivedClasses:   []string{"SettingsService"},
		ReportSize:         10,
	}
}

func TestClassify_Boundaries(t *testing.T) {
	cfg := testMemoryConfig()
	cases := []struct {
		percent float64
		want    PressureLevel
	}{
		{0, LevelNormal},
		{74.9, LevelNormal},
		{75.0, LevelWarning},
		{84.9, LevelWarning},
		{85.0, LevelCritical},
		{94.9, LevelCritical},
		{95.0, LevelEmergency},
		{100, LevelEmergency},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.percent, cfg), "percent=%v", tc.percent)
	}
}

func TestSupervisor_WarningRunsLightOnly(t *testing.T) {
	cleaner := cleanup.NewRegistry(nil)
	h := &countingHandler{id: "url-cache", kind: cleanup.KindCache, prio: 50}
	cleaner.Register(h)

	sampler := &stubSampler{percent: 80}
	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler: sampler,
		Cleaner: cleaner,
	})

	s.tick(context.Background())

	assert.Equal(t, LevelWarning, s.Level())
	light, deep := h.counts()
	assert.Equal(t, 1, light)
	assert.Equal(t, 0, deep)
}

func TestSupervisor_NormalRunsNothing(t *testing.T) {
	cleaner := cleanup.NewRegistry(nil)
	h := &countingHandler{id: "url-cache", kind: cleanup.KindCache, prio: 50}
	cleaner.Register(h)

	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler: &stubSampler{percent: 40},
		Cleaner: cleaner,
	})
	s.tick(context.Background())

	assert.Equal(t, LevelNormal, s.Level())
	light, deep := h.counts()
	assert.Zero(t, light)
	assert.Zero(t, deep)
}

func TestSupervisor_CriticalDeepensCachesAndShedsLowPriority(t *testing.T) {
	cleaner := cleanup.NewRegistry(nil)
	cache := &countingHandler{id: "url-cache", kind: cleanup.KindCache, prio: 50}
	thumbs := &countingHandler{id: "thumbnails", kind: cleanup.KindThumbnail, prio: 80}
	vm := &countingHandler{id: "gallery-vm", kind: cleanup.KindViewModel, prio: 30}
	cleaner.Register(cache)
	cleaner.Register(thumbs)
	cleaner.Register(vm)

	sched := task.NewScheduler(config.Default().Scheduler, nil)
	defer sched.Close()

	started := make(chan struct{})
	lowDone := make(chan error, 1)
	go func() {
		_, err := task.Submit(context.Background(), sched, task.CategoryCleanup, task.PriorityLow, "idle work",
			func(ctx context.Context) (struct{}, error) {
				close(started)
				<-ctx.Done()
				return struct{}{}, ctx.Err()
			})
		lowDone <- err
	}()
	<-started

	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler:   &stubSampler{percent: 90},
		Cleaner:   cleaner,
		Scheduler: sched,
	})
	s.tick(context.Background())

	assert.Equal(t, LevelCritical, s.Level())
	_, cacheDeep := cache.counts()
	_, thumbsDeep := thumbs.counts()
	_, vmDeep := vm.counts()
	assert.Equal(t, 1, cacheDeep)
	assert.Equal(t, 1, thumbsDeep)
	assert.Zero(t, vmDeep, "view-model handler deep-cleaned at critical")

	select {
	case err := <-lowDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("low-priority work not shed at critical pressure")
	}
}

func TestSupervisor_EmergencyRunsFullDeepPass(t *testing.T) {
	cleaner := cleanup.NewRegistry(nil)
	vm := &countingHandler{id: "gallery-vm", kind: cleanup.KindViewModel, prio: 30}
	cleaner.Register(vm)

	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler: &stubSampler{percent: 97},
		Cleaner: cleaner,
	})
	s.tick(context.Background())

	assert.Equal(t, LevelEmergency, s.Level())
	_, deep := vm.counts()
	assert.Equal(t, 1, deep)
}

func TestSupervisor_DeepPassesAreRateLimited(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.EmergencyCleanupsPerMinute = 1

	cleaner := cleanup.NewRegistry(nil)
	h := &countingHandler{id: "url-cache", kind: cleanup.KindCache, prio: 50}
	cleaner.Register(h)

	s := NewSupervisor(cfg, testLeakConfig(), Options{
		Sampler: &stubSampler{percent: 97},
		Cleaner: cleaner,
	})

	s.tick(context.Background())
	s.tick(context.Background())
	s.tick(context.Background())

	light, deep := h.counts()
	assert.Equal(t, 1, deep, "deep passes not rate limited")
	assert.Equal(t, 2, light, "throttled emergency ticks should fall back to light cleanup")
}

func TestSupervisor_NotifyPressureTriggersEmergency(t *testing.T) {
	cleaner := cleanup.NewRegistry(nil)
	h := &countingHandler{id: "url-cache", kind: cleanup.KindCache, prio: 50}
	cleaner.Register(h)

	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler: &stubSampler{percent: 40},
		Cleaner: cleaner,
	})

	s.NotifyPressure(context.Background())

	assert.Equal(t, LevelEmergency, s.Level())
	_, deep := h.counts()
	assert.Equal(t, 1, deep)
}

func TestSupervisor_PressureTransitionRecorded(t *testing.T) {
	rec := &recordingRecorder{}
	sampler := &stubSampler{percent: 40}
	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler:  sampler,
		Recorder: rec,
	})

	s.tick(context.Background()) // normal → normal: no transition
	sampler.set(90)
	s.tick(context.Background()) // normal → critical
	s.tick(context.Background()) // critical → critical: no transition

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.pressures, 1)
	assert.Equal(t, LevelCritical, rec.pressures[0].Level)
}

func TestSupervisor_LeakDetection(t *testing.T) {
	leakCfg := testLeakConfig()
	rec := &recordingRecorder{}
	reg := registry.New()

	type session struct{ name string }
	liveObj := &session{name: "import-session"}
	registry.Track(reg, "import-session", liveObj, "ImportSession")

	s := NewSupervisor(testMemoryConfig(), leakCfg, Options{
		Sampler:  &stubSampler{percent: 40},
		Registry: reg,
		Recorder: rec,
	})

	s.TrackObject("import-session", "ImportSession")
	s.TrackObject("settings", "SettingsService")

	// Past the default threshold: the short-lived class is flagged, the
	// long-lived singleton is not.
	s.sweepLeaks(time.Now().Add(2 * time.Minute))

	report := s.LeakReport()
	require.Len(t, report, 1)
	assert.Equal(t, "import-session", report[0].ID)
	assert.Equal(t, "ImportSession", report[0].Class)
	assert.GreaterOrEqual(t, report[0].Age, time.Minute)

	// Flagged at most once.
	s.sweepLeaks(time.Now().Add(3 * time.Minute))
	assert.Len(t, s.LeakReport(), 1)

	// Past the long-lived threshold even the singleton is flagged,
	// but only if still alive; identifiers are gated on the registry.
	s.sweepLeaks(time.Now().Add(2 * time.Hour))
	assert.Len(t, s.LeakReport(), 2)

	rec.mu.Lock()
	leaks := len(rec.leaks)
	rec.mu.Unlock()
	assert.Equal(t, 2, leaks)

	runtime.KeepAlive(liveObj)
}

func TestSupervisor_UntrackStopsDetection(t *testing.T) {
	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{
		Sampler: &stubSampler{percent: 40},
	})

	s.TrackObject("vm", "GalleryViewModel")
	require.Equal(t, 1, s.TrackedCount())
	s.UntrackObject("vm")
	require.Equal(t, 0, s.TrackedCount())

	s.sweepLeaks(time.Now().Add(time.Hour))
	assert.Empty(t, s.LeakReport())
}

func TestSupervisor_StartAndClose(t *testing.T) {
	sampler := &stubSampler{percent: 50}
	s := NewSupervisor(testMemoryConfig(), testLeakConfig(), Options{Sampler: sampler})

	s.Start()
	s.Start() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.Latest(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sampling loop produced no samples")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
