package server

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

type ProcessStats struct {
	RSSMB      float64 `json:"rssMB"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
}

// processSampler reads resource usage of the relay process for /health.
type processSampler struct {
	once sync.Once
	proc *process.Process
}

func (sampler *processSampler) Sample() ProcessStats {
	sampler.once.Do(func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			sampler.proc = proc
		}
	})

	stats := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if sampler.proc == nil {
		return stats
	}

	if memory, err := sampler.proc.MemoryInfo(); err == nil {
		stats.RSSMB = float64(memory.RSS) / 1024.0 / 1024.0
	}
	if percent, err := sampler.proc.CPUPercent(); err == nil {
		stats.CPUPercent = percent
	}
	return stats
}
