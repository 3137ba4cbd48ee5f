package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSampler tracks process and host resource usage for /stats.
type SystemSampler struct {
	mu          sync.RWMutex
	cpuPercent  float64
	hostMemUsed float64
	memoryStats runtime.MemStats
	lastSample  time.Time
}

// SystemStats is the JSON view served by /stats.
type SystemStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	HostMemPercent float64 `json:"host_mem_percent"`
	HeapAllocMB    float64 `json:"heap_alloc_mb"`
	SysTotalMB     float64 `json:"sys_total_mb"`
	GCCount        uint32  `json:"gc_count"`
	Goroutines     int     `json:"goroutines"`
	Cores          int     `json:"cores"`
	GoVersion      string  `json:"go_version"`
	SampledAt      string  `json:"sampled_at,omitempty"`
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

// Sample refreshes all readings. cpu.Percent with a zero interval compares
// against the previous call, so the first sample may read 0.
func (s *SystemSampler) Sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	cpuPercent := -1.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	hostMem := -1.0
	if vm, err := mem.VirtualMemory(); err == nil {
		hostMem = vm.UsedPercent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.memoryStats = ms
	if cpuPercent >= 0 {
		// Exponential moving average for stability
		if s.cpuPercent == 0 {
			s.cpuPercent = cpuPercent
		} else {
			alpha := 0.3
			s.cpuPercent = alpha*cpuPercent + (1-alpha)*s.cpuPercent
		}
	}
	if hostMem >= 0 {
		s.hostMemUsed = hostMem
	}
	s.lastSample = time.Now()
}

// Stats returns the latest readings.
func (s *SystemSampler) Stats() SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SystemStats{
		CPUPercent:     s.cpuPercent,
		HostMemPercent: s.hostMemUsed,
		HeapAllocMB:    float64(s.memoryStats.HeapAlloc) / 1024 / 1024,
		SysTotalMB:     float64(s.memoryStats.Sys) / 1024 / 1024,
		GCCount:        s.memoryStats.NumGC,
		Goroutines:     runtime.NumGoroutine(),
		Cores:          runtime.NumCPU(),
		GoVersion:      runtime.Version(),
	}
	if !s.lastSample.IsZero() {
		st.SampledAt = s.lastSample.UTC().Format(time.RFC3339)
	}
	return st
}

// Run samples every interval until done is closed.
func (s *SystemSampler) Run(interval time.Duration, done <-chan struct{}) {
	s.Sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}
