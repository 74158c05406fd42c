// Command copilot-metrics-mcp is an MCP tool server on stdio that reports CPU, memory,
// disk and host information. Attach it to sessions through the mcp_servers config
// section.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localrivet/gocopilot/logx"
	"github.com/localrivet/gocopilot/mcpserver"
	"github.com/localrivet/gocopilot/sysinfo"
)

func main() {
	diskPath := flag.String("disk", "/", "filesystem reported by get_disk_info when no path is given")
	sample := flag.Duration("cpu-sample", time.Second, "CPU usage measurement window")
	logLevel := flag.String("log-level", "warn", "log level (logs go to stderr)")
	flag.Parse()

	if err := run(*diskPath, *sample, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "copilot-metrics-mcp:", err)
		os.Exit(1)
	}
}

func run(diskPath string, sample time.Duration, logLevel string) error {
	cfg := logx.DefaultConfig()
	cfg.Level = logLevel
	logger := logx.New(cfg)

	reg := mcpserver.NewRegistry()
	src := sysinfo.Collector{SampleInterval: sample, DiskPath: diskPath}
	if err := mcpserver.RegisterMetricTools(reg, src); err != nil {
		return err
	}
	srv := mcpserver.New(reg, mcpserver.Options{
		Name:    "system-info-mcp-server",
		Version: "1.0.0",
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
