package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically measures process-level resource usage and
// publishes it to the Prometheus gauges. One instance per process.
type SystemSampler struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process
}

// NewSystemSampler builds a sampler for the current process.
func NewSystemSampler(logger zerolog.Logger, interval time.Duration) *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get process handle, system sampling degraded")
		proc = nil
	}

	return &SystemSampler{
		logger:   logger.With().Str("component", "system_sampler").Logger(),
		interval: interval,
		proc:     proc,
	}
}

// Run samples until ctx is cancelled. Call in a goroutine.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (s *SystemSampler) sample() {
	Goroutines.Set(float64(runtime.NumGoroutine()))

	if s.proc == nil {
		return
	}

	if memInfo, err := s.proc.MemoryInfo(); err == nil {
		ProcessMemoryBytes.Set(float64(memInfo.RSS))
	}
	if cpuPercent, err := s.proc.CPUPercent(); err == nil {
		ProcessCPUPercent.Set(cpuPercent)
	}

	s.logger.Debug().
		Int("goroutines", runtime.NumGoroutine()).
		Msg("System metrics updated")
}
