package connection

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

func hostOS() string   { return runtime.GOOS }
func hostArch() string { return runtime.GOARCH }

func cpuCores() int {
	n, err := cpu.Counts(true)
	if err != nil || n == 0 {
		return runtime.NumCPU()
	}
	return n
}

func totalMemoryGB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return float64(vm.Total) / (1 << 30)
}
