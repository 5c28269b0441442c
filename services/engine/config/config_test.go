// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, 3, c.Scheduler.CriticalLimit)
	assert.Equal(t, 5, c.Scheduler.HighLimit)
	assert.Equal(t, 8, c.Scheduler.NormalLimit)
	assert.Equal(t, 10, c.Scheduler.LowLimit)
	assert.Equal(t, 10, c.Scheduler.GlobalActiveCeiling)
	assert.Equal(t, 500*time.Millisecond, c.Scheduler.DeferCheckInterval)
	assert.Equal(t, 30*time.Second, c.Scheduler.StuckSweepInterval)
	assert.Equal(t, 5*time.Minute, c.Scheduler.StuckTimeout)

	assert.Equal(t, 5*time.Second, c.Memory.SampleInterval)
	assert.Equal(t, 75.0, c.Memory.WarningPercent)
	assert.Equal(t, 85.0, c.Memory.CriticalPercent)
	assert.Equal(t, 95.0, c.Memory.EmergencyPercent)

	assert.Equal(t, 5*time.Minute, c.Leaks.DefaultThreshold)
	assert.Equal(t, time.Hour, c.Leaks.LongLivedThreshold)
	assert.Contains(t, c.Leaks.LongLivedClasses, "SettingsService")

	require.NoError(t, c.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "zero critical limit",
			mutate: func(c *Config) { c.Scheduler.CriticalLimit = -1 },
			errMsg: "critical_limit",
		},
		{
			name:   "stuck timeout below sweep interval",
			mutate: func(c *Config) { c.Scheduler.StuckTimeout = time.Second },
			errMsg: "stuck_timeout",
		},
		{
			name:   "warning above critical",
			mutate: func(c *Config) { c.Memory.WarningPercent = 90 },
			errMsg: "critical_percent",
		},
		{
			name:   "emergency above 100",
			mutate: func(c *Config) { c.Memory.EmergencyPercent = 101 },
			errMsg: "emergency_percent",
		},
		{
			name:   "long-lived threshold below default",
			mutate: func(c *Config) { c.Leaks.LongLivedThreshold = time.Minute },
			errMsg: "long_lived_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")

	content := `
scheduler:
  critical_limit: 2
  defer_check_interval: 250ms
memory:
  warning_percent: 70
  critical_percent: 80
  emergency_percent: 90
leaks:
  long_lived_classes:
    - SettingsService
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	// Overridden fields
	assert.Equal(t, 2, c.Scheduler.CriticalLimit)
	assert.Equal(t, 250*time.Millisecond, c.Scheduler.DeferCheckInterval)
	assert.Equal(t, 70.0, c.Memory.WarningPercent)

	// Defaults still applied for omitted fields
	assert.Equal(t, 5, c.Scheduler.HighLimit)
	assert.Equal(t, 10, c.Scheduler.GlobalActiveCeiling)
	assert.Equal(t, 72*time.Hour, c.Journal.TTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := `
memory:
  warning_percent: 90
  critical_percent: 80
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical_percent")
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  critical_limit: 2\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	updates := make(chan Config, 4)
	w.Subscribe(func(c Config) { updates <- c })
	require.NoError(t, w.Start())

	// Rewrite with a new value
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  critical_limit: 4\n"), 0o644))

	select {
	case c := <-updates:
		assert.Equal(t, 4, c.Scheduler.CriticalLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  critical_limit: 2\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	updates := make(chan Config, 4)
	w.Subscribe(func(c Config) { updates <- c })
	require.NoError(t, w.Start())

	// Invalid config: warning above critical
	bad := "memory:\n  warning_percent: 90\n  critical_percent: 80\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	select {
	case c := <-updates:
		t.Fatalf("invalid config published: %+v", c)
	case <-time.After(1 * time.Second):
		// Expected: rejected reloads are not published
	}
}
