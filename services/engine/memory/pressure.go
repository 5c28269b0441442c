// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory watches system memory pressure and responds with
// graduated cleanup: light passes at warning, deep cache passes plus
// low-priority load shedding at critical, and a full rate-limited purge
// at emergency. It also flags suspected leaks among explicitly tracked
// objects; leak detection is advisory and never frees anything itself.
package memory

import (
	"time"

	"github.com/AleutianAI/lumen/services/engine/config"
)

// PressureLevel classifies system memory usage.
type PressureLevel int

const (
	LevelNormal PressureLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l PressureLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Classify maps a used-memory percentage onto a pressure level. Each
// threshold is inclusive at its lower bound, so 75.0 is already warning
// while 74.9 is still normal.
func Classify(percent float64, cfg config.Memory) PressureLevel {
	switch {
	case percent >= cfg.EmergencyPercent:
		return LevelEmergency
	case percent >= cfg.CriticalPercent:
		return LevelCritical
	case percent >= cfg.WarningPercent:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Sample is one observation of system and process memory usage.
type Sample struct {
	Total     uint64 // system total, bytes
	Resident  uint64 // this process's resident set, bytes
	Percent   float64
	Level     PressureLevel
	Timestamp time.Time
}

// Leak describes a tracked object that outlived its class threshold while
// still observably alive.
type Leak struct {
	ID        string
	Class     string
	Age       time.Duration
	FlaggedAt time.Time
}
