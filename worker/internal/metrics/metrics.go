// Package metrics collects host resource utilization reported in the
// worker's HEARTBEAT frames (§4.1 cpuUsage/memoryUsage); activeJobs is not
// collected here.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource usage, expressed as
// percentages (0-100).
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Collect samples CPU usage over a short window and current memory
// utilization. Falls back to zero values if gopsutil cannot read the host
// (e.g. inside a restricted sandbox) rather than failing the heartbeat.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}

	return snap
}
