package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/localrivet/gocopilot/protocol"
	"github.com/localrivet/gocopilot/sysinfo"
)

// Names of the metric tools.
const (
	ToolCPUInfo    = "get_cpu_info"
	ToolMemoryInfo = "get_memory_info"
	ToolDiskInfo   = "get_disk_info"
	ToolSystemInfo = "get_system_info"
)

// MetricSource reads host metrics. sysinfo.Collector is the production source.
type MetricSource interface {
	CPU(ctx context.Context) (sysinfo.CPUInfo, error)
	Memory(ctx context.Context) (sysinfo.MemoryInfo, error)
	Disk(ctx context.Context, path string) (sysinfo.DiskInfo, error)
	System(ctx context.Context) (sysinfo.SystemInfo, error)
}

type diskArgs struct {
	Path string `json:"path"`
}

// RegisterMetricTools adds the four host metric tools to reg.
func RegisterMetricTools(reg *Registry, src MetricSource) error {
	tools := []struct {
		tool    protocol.Tool
		handler ToolHandler
	}{
		{
			tool: protocol.Tool{
				Name:        ToolCPUInfo,
				Description: "Get current CPU usage and information including usage percentage, core count, and processor details",
			},
			handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return src.CPU(ctx)
			},
		},
		{
			tool: protocol.Tool{
				Name:        ToolMemoryInfo,
				Description: "Get current memory (RAM) usage information including total, available, used memory in GB and usage percentage",
			},
			handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return src.Memory(ctx)
			},
		},
		{
			tool: protocol.Tool{
				Name:        ToolDiskInfo,
				Description: "Get disk storage usage information including total, used, free space in GB and usage percentage",
				InputSchema: protocol.ToolInputSchema{
					Type: "object",
					Properties: map[string]protocol.PropertyDetail{
						"path": {Type: "string", Description: "Filesystem path to inspect, defaults to /"},
					},
				},
			},
			handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args diskArgs
				if err := DecodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return src.Disk(ctx, args.Path)
			},
		},
		{
			tool: protocol.Tool{
				Name:        ToolSystemInfo,
				Description: "Get general system information including platform, architecture, hostname, and system uptime",
			},
			handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return src.System(ctx)
			},
		},
	}

	for _, t := range tools {
		if err := reg.Tool(t.tool, t.handler); err != nil {
			return err
		}
	}
	return nil
}
