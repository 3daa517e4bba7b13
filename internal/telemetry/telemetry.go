package telemetry

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/filmaeu/penareia/internal/servicelog"
)

// Stats is a point-in-time host snapshot, exposed on the status
// endpoint and logged periodically by the supervisor.
type Stats struct {
	CPUPercent   float64  `json:"cpu_percent"`
	MemUsedMB    uint64   `json:"mem_used_mb"`
	MemTotalMB   uint64   `json:"mem_total_mb"`
	MemPercent   float64  `json:"mem_percent"`
	DiskUsedMB   uint64   `json:"disk_used_mb"`
	DiskTotalMB  uint64   `json:"disk_total_mb"`
	DiskPercent  float64  `json:"disk_percent"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
}

// Collector reads host telemetry. A disabled collector returns nothing
// and costs nothing.
type Collector struct {
	logger   servicelog.Logger
	enabled  bool
	diskPath string
}

func New(logger servicelog.Logger, enabled bool, diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		logger:   logger,
		enabled:  enabled,
		diskPath: diskPath,
	}
}

// Enabled reports whether snapshots are collected.
func (c *Collector) Enabled() bool {
	return c.enabled
}

// Snapshot gathers the current host stats. Sensors that cannot be read
// are left at their zero value rather than failing the snapshot.
func (c *Collector) Snapshot(ctx context.Context) *Stats {
	if !c.enabled {
		return nil
	}
	stats := &Stats{}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemUsedMB = vm.Used >> 20
		stats.MemTotalMB = vm.Total >> 20
		stats.MemPercent = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		stats.DiskUsedMB = usage.Used >> 20
		stats.DiskTotalMB = usage.Total >> 20
		stats.DiskPercent = usage.UsedPercent
	}
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, sensor := range temps {
			key := strings.ToLower(sensor.SensorKey)
			if strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") {
				t := sensor.Temperature
				stats.TemperatureC = &t
				break
			}
		}
	}
	return stats
}
