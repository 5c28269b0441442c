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
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/lumen/services/engine/cleanup"
	"github.com/AleutianAI/lumen/services/engine/config"
	"github.com/AleutianAI/lumen/services/engine/history"
	"github.com/AleutianAI/lumen/services/engine/registry"
	"github.com/AleutianAI/lumen/services/engine/task"
)

var (
	pressureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_memory_pressure_level",
		Help: "Current pressure level (0 normal, 1 warning, 2 critical, 3 emergency).",
	})

	usedPercentGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_memory_used_percent",
		Help: "System memory used percentage from the latest sample.",
	})

	cleanupPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_memory_cleanup_passes_total",
		Help: "Graduated cleanup passes run, by triggering level.",
	}, []string{"level"})

	leaksFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_memory_leaks_flagged_total",
		Help: "Tracked objects flagged as suspected leaks.",
	})
)

// Recorder receives pressure transitions and flagged leaks for durable
// diagnostics. Implementations must not block.
type Recorder interface {
	RecordPressure(s Sample)
	RecordLeak(l Leak)
}

// tracked is a leak-detection registration.
type tracked struct {
	class   string
	since   time.Time
	flagged bool
}

// Supervisor samples memory pressure on a fixed tick and drives the
// graduated cleanup response.
//
// Description:
//
//	At warning it runs light cleanup; at critical it adds deep cleanup
//	of cache and thumbnail handlers and sheds low-priority scheduler
//	work; at emergency it runs a full deep pass and compacts the weak
//	resource registry. Deep passes are rate limited so sustained
//	pressure cannot become a cleanup storm. Each tick also sweeps
//	tracked objects for suspected leaks, gated on the resource registry
//	so collected objects are never flagged.
//
// Thread Safety: Safe for concurrent use.
type Supervisor struct {
	cfg      config.Memory
	leakCfg  config.Leaks
	logger   *slog.Logger
	sampler  Sampler
	cleaner  *cleanup.Registry
	sched    *task.Scheduler
	reg      *registry.Registry
	recorder Recorder

	// deepLimiter gates critical and emergency deep passes.
	deepLimiter *rate.Limiter

	longLived map[string]struct{}

	mu      sync.Mutex
	samples *history.Ring[Sample]
	level   PressureLevel
	objects map[string]*tracked
	leaks   *history.Ring[Leak]
	started bool
	closed  bool

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Options carries the supervisor's collaborators. Sampler is required;
// the rest may be nil, disabling the corresponding response.
type Options struct {
	Sampler   Sampler
	Cleaner   *cleanup.Registry
	Scheduler *task.Scheduler
	Registry  *registry.Registry
	Recorder  Recorder
	Logger    *slog.Logger
}

// NewSupervisor creates a supervisor. Call Start to begin sampling.
func NewSupervisor(cfg config.Memory, leakCfg config.Leaks, opts Options) *Supervisor {
	whole := config.Config{Memory: cfg, Leaks: leakCfg}
	whole.ApplyDefaults()
	cfg, leakCfg = whole.Memory, whole.Leaks

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	longLived := make(map[string]struct{}, len(leakCfg.LongLivedClasses))
	for _, class := range leakCfg.LongLivedClasses {
		longLived[class] = struct{}{}
	}

	perMinute := float64(cfg.EmergencyCleanupsPerMinute)
	return &Supervisor{
		cfg:         cfg,
		leakCfg:     leakCfg,
		logger:      logger.With(slog.String("component", "memory_supervisor")),
		sampler:     opts.Sampler,
		cleaner:     opts.Cleaner,
		sched:       opts.Scheduler,
		reg:         opts.Registry,
		recorder:    opts.Recorder,
		deepLimiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		longLived:   longLived,
		samples:     history.NewRing[Sample](cfg.SampleHistorySize),
		objects:     make(map[string]*tracked),
		leaks:       history.NewRing[Leak](leakCfg.ReportSize),
		shutdownCh:  make(chan struct{}),
	}
}

// Start launches the sampling loop. Idempotent.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick takes one sample, responds to its level, and sweeps for leaks.
func (s *Supervisor) tick(ctx context.Context) {
	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.Warn("memory sample failed", slog.String("error", err.Error()))
		return
	}
	sample.Level = Classify(sample.Percent, s.cfg)

	s.mu.Lock()
	prev := s.level
	s.level = sample.Level
	s.samples.Append(sample)
	s.mu.Unlock()

	pressureGauge.Set(float64(sample.Level))
	usedPercentGauge.Set(sample.Percent)

	if sample.Level != prev {
		s.logger.Info("memory pressure transition",
			slog.String("from", prev.String()),
			slog.String("to", sample.Level.String()),
			slog.Float64("used_percent", sample.Percent),
		)
		if s.recorder != nil {
			s.recorder.RecordPressure(sample)
		}
	}

	s.respond(ctx, sample.Level)
	s.sweepLeaks(time.Now())
}

// respond runs the graduated cleanup for the given level.
func (s *Supervisor) respond(ctx context.Context, level PressureLevel) {
	if level == LevelNormal || s.cleaner == nil {
		return
	}

	cleanupPasses.WithLabelValues(level.String()).Inc()

	switch level {
	case LevelWarning:
		s.cleaner.RunLight(ctx)

	case LevelCritical:
		s.cleaner.RunLight(ctx)
		if s.deepLimiter.Allow() {
			s.cleaner.RunDeepKinds(ctx, cleanup.KindCache, cleanup.KindThumbnail)
		}
		s.shedLowPriority()

	case LevelEmergency:
		if s.deepLimiter.Allow() {
			s.cleaner.RunDeep(ctx)
			if s.reg != nil {
				s.reg.Compact()
			}
		} else {
			// Between permitted deep passes, keep at least the light
			// pass going.
			s.cleaner.RunLight(ctx)
		}
		s.shedLowPriority()
	}
}

func (s *Supervisor) shedLowPriority() {
	if s.sched == nil {
		return
	}
	if n := s.sched.CancelPriority(task.PriorityLow); n > 0 {
		s.logger.Info("shed low-priority work under memory pressure",
			slog.Int("cancelled", n))
	}
}

// NotifyPressure feeds an operating-system pressure notification into the
// supervisor, triggering the emergency response without waiting for the
// next sample tick.
func (s *Supervisor) NotifyPressure(ctx context.Context) {
	s.logger.Warn("external memory pressure notification")

	s.mu.Lock()
	s.level = LevelEmergency
	s.mu.Unlock()
	pressureGauge.Set(float64(LevelEmergency))

	s.respond(ctx, LevelEmergency)
}

// Level returns the most recently classified pressure level.
func (s *Supervisor) Level() PressureLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Latest returns the newest sample, if any exists yet.
func (s *Supervisor) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples.Newest()
}

// Samples returns the bounded sample history, oldest first.
func (s *Supervisor) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples.Snapshot()
}

// -----------------------------------------------------------------------------
// Leak detection
// -----------------------------------------------------------------------------

// TrackObject registers an object for leak detection under the given
// class. Re-tracking an ID resets its clock.
func (s *Supervisor) TrackObject(id, class string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = &tracked{class: class, since: time.Now()}
}

// UntrackObject removes an object from leak detection, typically on its
// orderly teardown.
func (s *Supervisor) UntrackObject(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id)
}

// TrackedCount returns the number of objects under leak detection.
func (s *Supervisor) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// sweepLeaks flags tracked objects that outlived their class threshold
// and are still observably alive. Each object is flagged at most once.
func (s *Supervisor) sweepLeaks(now time.Time) {
	var found []Leak

	s.mu.Lock()
	for id, obj := range s.objects {
		if obj.flagged {
			continue
		}
		threshold := s.leakCfg.DefaultThreshold
		if _, ok := s.longLived[obj.class]; ok {
			threshold = s.leakCfg.LongLivedThreshold
		}
		age := now.Sub(obj.since)
		if age < threshold {
			continue
		}
		// Gate on the weak registry: an object the runtime already
		// collected is not a leak, just a stale registration. Objects
		// never registered there have no collection evidence and stay
		// eligible.
		if s.reg != nil && s.reg.Contains(id) && !s.reg.Alive(id) {
			continue
		}
		obj.flagged = true
		leak := Leak{ID: id, Class: obj.class, Age: age, FlaggedAt: now}
		s.leaks.Append(leak)
		found = append(found, leak)
	}
	s.mu.Unlock()

	for _, leak := range found {
		leaksFlagged.Inc()
		s.logger.Warn("suspected leak",
			slog.String("object_id", leak.ID),
			slog.String("class", leak.Class),
			slog.Duration("age", leak.Age),
		)
		if s.recorder != nil {
			s.recorder.RecordLeak(leak)
		}
	}
}

// LeakReport returns the bounded list of flagged leaks, oldest first.
func (s *Supervisor) LeakReport() []Leak {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaks.Snapshot()
}

// Close stops the sampling loop. Idempotent.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdownCh)
	s.wg.Wait()
	return nil
}
