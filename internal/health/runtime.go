package health

import (
	"math"
	"runtime"
	"runtime/metrics"
	"sync"
)

const (
	cpuTotalMetric = "/cpu/classes/total:cpu-seconds"
	cpuIdleMetric  = "/cpu/classes/idle:cpu-seconds"
)

func memoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return math.Round(float64(ms.Sys)/(1024*1024)*100) / 100
}

// cpuSampler reports the share of available CPU time used since the previous sample
type cpuSampler struct {
	mu        sync.Mutex
	samples   []metrics.Sample
	lastTotal float64
	lastIdle  float64
}

func newCPUSampler() *cpuSampler {
	s := &cpuSampler{
		samples: []metrics.Sample{{Name: cpuTotalMetric}, {Name: cpuIdleMetric}},
	}
	s.lastTotal, s.lastIdle = s.read()
	return s
}

func (s *cpuSampler) read() (float64, float64) {
	metrics.Read(s.samples)
	var total, idle float64
	if s.samples[0].Value.Kind() == metrics.KindFloat64 {
		total = s.samples[0].Value.Float64()
	}
	if s.samples[1].Value.Kind() == metrics.KindFloat64 {
		idle = s.samples[1].Value.Float64()
	}
	return total, idle
}

// Sample returns CPU usage in percent
func (s *cpuSampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, idle := s.read()
	dTotal := total - s.lastTotal
	dIdle := idle - s.lastIdle
	s.lastTotal, s.lastIdle = total, idle

	if dTotal <= 0 {
		return 0
	}
	pct := (dTotal - dIdle) / dTotal * 100
	if pct < 0 {
		pct = 0
	}
	return math.Round(pct*100) / 100
}
