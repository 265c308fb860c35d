// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package osstats collects a point-in-time snapshot of host resource
// usage for the Runner Agent's heartbeat payload.
package osstats

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a single host stats reading, carried on the runner
// protocol's heartbeat frame.
type Snapshot struct {
	CPUCores    int     `json:"cpu_cores"`
	CPUUsedPct  float64 `json:"cpu_used_pct"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemUsedPct  float64 `json:"mem_used_pct"`
}

// Collect samples CPU usage over a short window and current memory
// usage. The CPU sample blocks for up to `window`; callers on a fast
// heartbeat interval should keep window well under it (e.g. 200ms
// against a 10s heartbeat).
func Collect(window time.Duration) (*Snapshot, error) {
	percent, err := cpu.Percent(window, false)
	if err != nil {
		return nil, err
	}
	var cpuPct float64
	if len(percent) > 0 {
		cpuPct = percent[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		CPUCores:   runtime.NumCPU(),
		CPUUsedPct: cpuPct,
		MemTotalMB: float64(vm.Total) / (1024 * 1024),
		MemUsedPct: vm.UsedPercent,
	}, nil
}
