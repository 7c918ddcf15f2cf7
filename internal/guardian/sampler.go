package guardian

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rathamcloud/fleetd/internal/executor"
)

// Usage is one in-instance resource observation.
type Usage struct {
	CPUPercent float64
	RAMUsedMB  int
	RAMTotalMB int
}

// RAMPercent returns used RAM as a percentage of the total.
func (u Usage) RAMPercent() float64 {
	if u.RAMTotalMB <= 0 {
		return 0
	}
	return float64(u.RAMUsedMB) / float64(u.RAMTotalMB) * 100
}

// Sampler reads resource usage from inside an instance via the tool's
// exec subcommand.
type Sampler struct {
	runner executor.Runner
}

func NewSampler(runner executor.Runner) *Sampler {
	return &Sampler{runner: runner}
}

// InstanceUsage samples CPU and RAM inside the instance.
func (s *Sampler) InstanceUsage(ctx context.Context, id string) (Usage, error) {
	var u Usage

	topOut, err := s.runner.Run(ctx, fmt.Sprintf("rtc exec %s -- top -bn1", id))
	if err != nil {
		return u, fmt.Errorf("sample cpu: %w", err)
	}
	u.CPUPercent, err = ParseTopCPU(topOut)
	if err != nil {
		return u, err
	}

	freeOut, err := s.runner.Run(ctx, fmt.Sprintf("rtc exec %s -- free -m", id))
	if err != nil {
		return u, fmt.Errorf("sample ram: %w", err)
	}
	u.RAMUsedMB, u.RAMTotalMB, err = ParseFreeMem(freeOut)
	return u, err
}

// DiskUsage returns the used and total size of the instance's root
// filesystem as reported by df.
func (s *Sampler) DiskUsage(ctx context.Context, id string) (used, total string, err error) {
	out, err := s.runner.Run(ctx, fmt.Sprintf("rtc exec %s -- df -h /", id))
	if err != nil {
		return "", "", fmt.Errorf("sample disk: %w", err)
	}
	return ParseDiskUsage(out)
}

// ParseTopCPU extracts CPU usage (100 minus the idle percentage) from
// `top -bn1` output.
func ParseTopCPU(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Cpu(s)") {
			continue
		}
		rest := line
		if n := strings.Index(rest, ":"); n >= 0 {
			rest = rest[n+1:]
		}
		for _, field := range strings.Split(rest, ",") {
			field = strings.TrimSpace(field)
			if !strings.HasSuffix(field, "id") {
				continue
			}
			val := strings.TrimSpace(strings.TrimSuffix(field, "id"))
			idle, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			return 100 - idle, nil
		}
	}
	return 0, fmt.Errorf("no cpu line in top output")
}

// ParseFreeMem extracts used and total memory in MB from `free -m` output.
func ParseFreeMem(out string) (usedMB, totalMB int, err error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "Mem:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			break
		}
		total, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, 0, fmt.Errorf("parse free output: %w", err)
		}
		used, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, 0, fmt.Errorf("parse free output: %w", err)
		}
		return used, total, nil
	}
	return 0, 0, fmt.Errorf("no Mem line in free output")
}

// ParseDiskUsage extracts the used and total sizes from `df -h /` output.
func ParseDiskUsage(out string) (used, total string, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return "", "", fmt.Errorf("no data line in df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 3 {
		return "", "", fmt.Errorf("malformed df output")
	}
	return fields[2], fields[1], nil
}
