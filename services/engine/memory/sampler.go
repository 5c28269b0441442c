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
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler produces memory usage observations. The supervisor classifies
// them; implementations leave Level at its zero value.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads system-wide usage and this process's resident set
// through gopsutil.
type SystemSampler struct {
	proc *process.Process
}

// NewSystemSampler creates a sampler bound to the current process.
func NewSystemSampler() (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("memory: resolving own process: %w", err)
	}
	return &SystemSampler{proc: proc}, nil
}

func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory: virtual memory: %w", err)
	}

	var resident uint64
	if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		resident = info.RSS
	}

	return Sample{
		Total:     vm.Total,
		Resident:  resident,
		Percent:   vm.UsedPercent,
		Timestamp: time.Now(),
	}, nil
}
