// Package sysinfo reads CPU, memory, disk and host metrics of the local machine.
package sysinfo

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSampleInterval is how long CPU usage is measured.
const DefaultSampleInterval = time.Second

// CPUInfo reports processor usage.
type CPUInfo struct {
	UsagePercent float64  `json:"usage_percent"`
	CoreCount    int      `json:"core_count"`
	FrequencyMHz *float64 `json:"frequency_mhz"`
	Processor    string   `json:"processor"`
}

// MemoryInfo reports RAM usage in GiB.
type MemoryInfo struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	UsedGB      float64 `json:"used_gb"`
	PercentUsed float64 `json:"percent_used"`
}

// DiskInfo reports usage of the filesystem holding Path, in GiB.
type DiskInfo struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	PercentUsed float64 `json:"percent_used"`
}

// SystemInfo describes the host.
type SystemInfo struct {
	Platform        string `json:"platform"`
	PlatformRelease string `json:"platform_release"`
	PlatformVersion string `json:"platform_version"`
	Architecture    string `json:"architecture"`
	Hostname        string `json:"hostname"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	UptimeReadable  string `json:"uptime_readable"`
}

// Collector reads metrics from the running host.
type Collector struct {
	// SampleInterval is the CPU measurement window. Zero means DefaultSampleInterval.
	SampleInterval time.Duration
	// DiskPath is used when Disk is called with an empty path. Zero means "/".
	DiskPath string
}

// CPU measures usage over the sample interval.
func (c Collector) CPU(ctx context.Context) (CPUInfo, error) {
	interval := c.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	percents, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return CPUInfo{}, fmt.Errorf("cpu usage: %w", err)
	}
	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return CPUInfo{}, fmt.Errorf("cpu count: %w", err)
	}

	info := CPUInfo{CoreCount: count}
	if len(percents) > 0 {
		info.UsagePercent = round(percents[0], 1)
	}
	// Frequency and model are not available on every platform.
	if stats, err := cpu.InfoWithContext(ctx); err == nil && len(stats) > 0 {
		info.Processor = stats[0].ModelName
		if stats[0].Mhz > 0 {
			mhz := stats[0].Mhz
			info.FrequencyMHz = &mhz
		}
	}
	return info, nil
}

// Memory reads virtual memory usage.
func (c Collector) Memory(ctx context.Context) (MemoryInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("memory usage: %w", err)
	}
	return MemoryInfo{
		TotalGB:     gib(vm.Total),
		AvailableGB: gib(vm.Available),
		UsedGB:      gib(vm.Used),
		PercentUsed: round(vm.UsedPercent, 1),
	}, nil
}

// Disk reads usage of the filesystem holding path.
func (c Collector) Disk(ctx context.Context, path string) (DiskInfo, error) {
	if path == "" {
		path = c.DiskPath
	}
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskInfo{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return DiskInfo{
		Path:        path,
		TotalGB:     gib(usage.Total),
		UsedGB:      gib(usage.Used),
		FreeGB:      gib(usage.Free),
		PercentUsed: round(usage.UsedPercent, 1),
	}, nil
}

// System reads host identity and uptime.
func (c Collector) System(ctx context.Context) (SystemInfo, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return SystemInfo{}, fmt.Errorf("host info: %w", err)
	}
	uptime := time.Duration(h.Uptime) * time.Second
	return SystemInfo{
		Platform:        h.OS,
		PlatformRelease: h.KernelVersion,
		PlatformVersion: joinNonEmpty(h.Platform, h.PlatformVersion),
		Architecture:    h.KernelArch,
		Hostname:        h.Hostname,
		UptimeSeconds:   int64(h.Uptime),
		UptimeReadable:  FormatUptime(uptime),
	}, nil
}

// FormatUptime renders d as "H:MM:SS", prefixed with the day count when it spans
// more than a day.
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	days := secs / 86400
	secs %= 86400
	clock := fmt.Sprintf("%d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}

func gib(b uint64) float64 {
	return round(float64(b)/(1<<30), 2)
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
