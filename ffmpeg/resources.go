package ffmpeg

import (
	"fmt"
	"log/slog"
	"time"

	"fileconv/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// checkResources verifies that the host has enough idle capacity to start a
// transcode. Each gate is skipped when its threshold is zero.
func checkResources(cfg *config.Config, dir string, logger *slog.Logger) error {
	if cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			logger.Warn("could not get CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], cfg.ThrottleCPU)
		}
	}

	if cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			logger.Warn("could not get memory usage", "error", err)
		} else if vm.Available < uint64(cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, cfg.ThrottleFreeMem)
		}
	}

	if cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(dir)
		if err != nil {
			logger.Warn("could not get disk usage", "dir", dir, "error", err)
		} else if d.Free < uint64(cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
