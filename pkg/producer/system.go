// Package producer holds the built-in producers and registers them with
// a source.Registry.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/config"
)

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)

// System reports host health: CPU load and temperature, memory, disk
// and uptime. Each metric is read independently; one that fails is
// left out of the payload.
type System struct {
	diskPath   string
	tempSensor string
}

// NewSystem creates a host producer. diskPath is the mount point whose
// usage is reported; tempSensor is a substring of the preferred thermal
// sensor key (empty takes the first one found).
func NewSystem(diskPath, tempSensor string) *System {
	if diskPath == "" {
		diskPath = "/"
	}
	return &System{diskPath: diskPath, tempSensor: tempSensor}
}

func newSystemFromConfig(cfg config.SourceConfig) (*System, error) {
	return NewSystem(cfg.OptString("disk_path", "/"), cfg.OptString("temp_sensor", "")), nil
}

// Fetch implements source.Producer.
func (s *System) Fetch(ctx context.Context) (bus.Payload, error) {
	p := bus.Payload{}
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		p["cpu_percent"] = pct[0]
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	}

	if temp, ok := s.cpuTemp(ctx); ok {
		p["cpu_temp"] = temp
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p["ram_total_mb"] = float64(vm.Total) / bytesPerMB
		p["ram_used_mb"] = float64(vm.Total-vm.Available) / bytesPerMB
		p["ram_percent"] = vm.UsedPercent
	} else {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		p["disk_total_gb"] = float64(du.Total) / bytesPerGB
		p["disk_used_gb"] = float64(du.Used) / bytesPerGB
		p["disk_percent"] = du.UsedPercent
	} else {
		errs = append(errs, fmt.Errorf("disk %s: %w", s.diskPath, err))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		p["load_1m"] = avg.Load1
		p["load_5m"] = avg.Load5
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		hours, minutes := up/3600, (up%3600)/60
		p["uptime_hours"] = float64(hours)
		p["uptime_minutes"] = float64(minutes)
		p["uptime_str"] = fmt.Sprintf("%dh %dm", hours, minutes)
	}

	if len(p) == 0 {
		return nil, fmt.Errorf("no system metrics available: %w", errors.Join(errs...))
	}
	return p, nil
}

// cpuTemp picks a thermal sensor reading. gopsutil returns partial
// results together with a warning error, so the error is ignored when
// readings are present.
func (s *System) cpuTemp(ctx context.Context) (float64, bool) {
	temps, _ := sensors.TemperaturesWithContext(ctx)
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		if s.tempSensor == "" || strings.Contains(t.SensorKey, s.tempSensor) {
			return t.Temperature, true
		}
	}
	return 0, false
}
