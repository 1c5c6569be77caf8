package boat

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// System is the host section of a status frame.
type System struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	Uptime     uint64  `json:"uptime"`
}

// Probe samples host statistics.
type Probe interface {
	Sample(ctx context.Context) System
}

// HostProbe reads the local machine through gopsutil. A failing reading
// leaves its field zero.
type HostProbe struct {
	logger zerolog.Logger
}

func NewHostProbe(logger zerolog.Logger) *HostProbe {
	return &HostProbe{logger: logger}
}

func (p *HostProbe) Sample(ctx context.Context) System {
	var s System

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		p.logger.Debug().Err(err).Msg("cpu probe failed")
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("memory probe failed")
	} else {
		s.MemPercent = vm.UsedPercent
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("uptime probe failed")
	} else {
		s.Uptime = up
	}

	return s
}
