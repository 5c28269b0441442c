// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the tuning surface for the Lumen engine.
//
// A single Config struct covers every subsystem: scheduler admission
// ceilings, memory-pressure thresholds, leak policy, history capacities,
// and the optional diagnostics journal. Configs load from YAML, carry
// defaults for every zero value, and validate before use. A Watcher can
// re-read the file on change and publish updated configs to subscribers.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scheduler tunes the task scheduler.
type Scheduler struct {
	// CriticalLimit is the concurrency ceiling for critical-priority tasks.
	// Default: 3.
	CriticalLimit int `yaml:"critical_limit"`

	// HighLimit is the concurrency ceiling for high-priority tasks.
	// Default: 5.
	HighLimit int `yaml:"high_limit"`

	// NormalLimit is the concurrency ceiling for normal-priority tasks.
	// Default: 8.
	NormalLimit int `yaml:"normal_limit"`

	// LowLimit is the concurrency ceiling for low-priority tasks.
	// Default: 10.
	LowLimit int `yaml:"low_limit"`

	// GlobalActiveCeiling is the aggregate active-task count above which a
	// deferred low-priority submission is abandoned instead of waiting.
	// Default: 10.
	GlobalActiveCeiling int `yaml:"global_active_ceiling"`

	// DeferCheckInterval is how often a deferred submission re-evaluates
	// the abandonment rule while waiting for a slot.
	// Default: 500ms.
	DeferCheckInterval time.Duration `yaml:"defer_check_interval"`

	// StuckSweepInterval is how often running tasks are swept for
	// suspected deadlocks. Default: 30s.
	StuckSweepInterval time.Duration `yaml:"stuck_sweep_interval"`

	// StuckTimeout is the running duration beyond which a task is
	// flagged as stuck and cancelled. Default: 5m.
	StuckTimeout time.Duration `yaml:"stuck_timeout"`

	// HistorySize bounds the terminal work-item history.
	// Default: 100.
	HistorySize int `yaml:"history_size"`
}

// Memory tunes the memory supervisor.
type Memory struct {
	// SampleInterval is how often process memory is sampled.
	// Default: 5s.
	SampleInterval time.Duration `yaml:"sample_interval"`

	// WarningPercent is the usage percentage at which pressure is
	// classified as warning. Default: 75.
	WarningPercent float64 `yaml:"warning_percent"`

	// CriticalPercent is the usage percentage at which pressure is
	// classified as critical. Default: 85.
	CriticalPercent float64 `yaml:"critical_percent"`

	// EmergencyPercent is the usage percentage at which pressure is
	// classified as emergency. Default: 95.
	EmergencyPercent float64 `yaml:"emergency_percent"`

	// SampleHistorySize bounds the retained sample history.
	// Default: 120 (10 minutes at the default interval).
	SampleHistorySize int `yaml:"sample_history_size"`

	// EmergencyCleanupsPerMinute rate-limits full cleanup passes so an
	// oscillating pressure signal cannot thrash every cache at once.
	// Default: 4.
	EmergencyCleanupsPerMinute float64 `yaml:"emergency_cleanups_per_minute"`
}

// Leaks tunes lifetime diagnostics.
type Leaks struct {
	// DefaultThreshold is the lifetime after which an ordinary tracked
	// object is suspect. Default: 5m.
	DefaultThreshold time.Duration `yaml:"default_threshold"`

	// LongLivedThreshold is the lifetime threshold for classes on the
	// allow-list. Default: 1h.
	LongLivedThreshold time.Duration `yaml:"long_lived_threshold"`

	// LongLivedClasses is the allow-list of class names treated as
	// singleton services or long-lived views.
	LongLivedClasses []string `yaml:"long_lived_classes"`

	// ReportSize bounds the leak report. Default: 50.
	ReportSize int `yaml:"report_size"`
}

// Workflows tunes the workflow coordinator.
type Workflows struct {
	// HistorySize bounds the finished-workflow history. Default: 50.
	HistorySize int `yaml:"history_size"`
}

// Journal configures the optional badger-backed diagnostics journal.
type Journal struct {
	// Path is the directory for journal files. Empty disables the journal.
	Path string `yaml:"path"`

	// TTL is how long journal records are retained. Default: 72h.
	TTL time.Duration `yaml:"ttl"`
}

// Config is the complete engine tuning surface.
type Config struct {
	Scheduler Scheduler `yaml:"scheduler"`
	Memory    Memory    `yaml:"memory"`
	Leaks     Leaks     `yaml:"leaks"`
	Workflows Workflows `yaml:"workflows"`
	Journal   Journal   `yaml:"journal"`
}

// Default returns the engine's stock configuration.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Scheduler.CriticalLimit == 0 {
		c.Scheduler.CriticalLimit = 3
	}
	if c.Scheduler.HighLimit == 0 {
		c.Scheduler.HighLimit = 5
	}
	if c.Scheduler.NormalLimit == 0 {
		c.Scheduler.NormalLimit = 8
	}
	if c.Scheduler.LowLimit == 0 {
		c.Scheduler.LowLimit = 10
	}
	if c.Scheduler.GlobalActiveCeiling == 0 {
		c.Scheduler.GlobalActiveCeiling = 10
	}
	if c.Scheduler.DeferCheckInterval == 0 {
		c.Scheduler.DeferCheckInterval = 500 * time.Millisecond
	}
	if c.Scheduler.StuckSweepInterval == 0 {
		c.Scheduler.StuckSweepInterval = 30 * time.Second
	}
	if c.Scheduler.StuckTimeout == 0 {
		c.Scheduler.StuckTimeout = 5 * time.Minute
	}
	if c.Scheduler.HistorySize == 0 {
		c.Scheduler.HistorySize = 100
	}

	if c.Memory.SampleInterval == 0 {
		c.Memory.SampleInterval = 5 * time.Second
	}
	if c.Memory.WarningPercent == 0 {
		c.Memory.WarningPercent = 75
	}
	if c.Memory.CriticalPercent == 0 {
		c.Memory.CriticalPercent = 85
	}
	if c.Memory.EmergencyPercent == 0 {
		c.Memory.EmergencyPercent = 95
	}
	if c.Memory.SampleHistorySize == 0 {
		c.Memory.SampleHistorySize = 120
	}
	if c.Memory.EmergencyCleanupsPerMinute == 0 {
		c.Memory.EmergencyCleanupsPerMinute = 4
	}

	if c.Leaks.DefaultThreshold == 0 {
		c.Leaks.DefaultThreshold = 5 * time.Minute
	}
	if c.Leaks.LongLivedThreshold == 0 {
		c.Leaks.LongLivedThreshold = time.Hour
	}
	if c.Leaks.LongLivedClasses == nil {
		c.Leaks.LongLivedClasses = []string{
			"SettingsService",
			"LibraryService",
			"SearchService",
			"ThumbnailCache",
			"MainWindowModel",
		}
	}
	if c.Leaks.ReportSize == 0 {
		c.Leaks.ReportSize = 50
	}

	if c.Workflows.HistorySize == 0 {
		c.Workflows.HistorySize = 50
	}

	if c.Journal.TTL == 0 {
		c.Journal.TTL = 72 * time.Hour
	}
}

// Validate checks if the configuration is consistent.
//
// Description:
//
//	Validates every subsystem section. Call after ApplyDefaults.
//
// Outputs:
//   - error: Non-nil if any field is out of range.
func (c *Config) Validate() error {
	if c.Scheduler.CriticalLimit <= 0 {
		return errors.New("scheduler.critical_limit must be > 0")
	}
	if c.Scheduler.HighLimit <= 0 {
		return errors.New("scheduler.high_limit must be > 0")
	}
	if c.Scheduler.NormalLimit <= 0 {
		return errors.New("scheduler.normal_limit must be > 0")
	}
	if c.Scheduler.LowLimit <= 0 {
		return errors.New("scheduler.low_limit must be > 0")
	}
	if c.Scheduler.GlobalActiveCeiling <= 0 {
		return errors.New("scheduler.global_active_ceiling must be > 0")
	}
	if c.Scheduler.DeferCheckInterval <= 0 {
		return errors.New("scheduler.defer_check_interval must be > 0")
	}
	if c.Scheduler.StuckSweepInterval <= 0 {
		return errors.New("scheduler.stuck_sweep_interval must be > 0")
	}
	if c.Scheduler.StuckTimeout <= c.Scheduler.StuckSweepInterval {
		return errors.New("scheduler.stuck_timeout must be > stuck_sweep_interval")
	}

	if c.Memory.SampleInterval <= 0 {
		return errors.New("memory.sample_interval must be > 0")
	}
	if c.Memory.WarningPercent <= 0 || c.Memory.WarningPercent >= 100 {
		return errors.New("memory.warning_percent must be in (0, 100)")
	}
	if c.Memory.CriticalPercent <= c.Memory.WarningPercent {
		return errors.New("memory.critical_percent must be > warning_percent")
	}
	if c.Memory.EmergencyPercent <= c.Memory.CriticalPercent {
		return errors.New("memory.emergency_percent must be > critical_percent")
	}
	if c.Memory.EmergencyPercent > 100 {
		return errors.New("memory.emergency_percent must be <= 100")
	}

	if c.Leaks.DefaultThreshold <= 0 {
		return errors.New("leaks.default_threshold must be > 0")
	}
	if c.Leaks.LongLivedThreshold < c.Leaks.DefaultThreshold {
		return errors.New("leaks.long_lived_threshold must be >= default_threshold")
	}

	return nil
}

// Load reads a YAML config file, applies defaults, and validates.
//
// Description:
//
//	Missing fields take their default values, so a partial file tuning a
//	single ceiling is valid.
//
// Inputs:
//   - path: Path to the YAML file.
//
// Outputs:
//   - Config: The loaded configuration.
//   - error: Non-nil if the file cannot be read, parsed, or validated.
func Load(path string) (Config, error) {
	var c Config

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return c, nil
}
