package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/store"
	"github.com/rathamcloud/fleetd/internal/usagelog"
)

const execOutputLimit = 16 * 1024

// InstanceStats combines the stored record with a live usage sample.
// Live fields are zero when the instance is not running.
type InstanceStats struct {
	ID         string            `json:"id"`
	Owner      string            `json:"owner"`
	Status     store.Status      `json:"status"`
	Suspended  bool              `json:"suspended"`
	Config     string            `json:"config"`
	CreatedAt  time.Time         `json:"created_at"`
	CPUPercent float64           `json:"cpu_percent"`
	RAMUsedMB  int               `json:"ram_used_mb"`
	RAMTotalMB int               `json:"ram_total_mb"`
	DiskUsed   string            `json:"disk_used"`
	DiskTotal  string            `json:"disk_total"`
	Recent     []usagelog.Sample `json:"recent,omitempty"`
}

// Stats returns the record plus, for a running instance, a live in-
// instance sample and recent usage history. Sampling failures degrade to
// record-only stats rather than failing the call.
func (s *Service) Stats(ctx context.Context, id string) (InstanceStats, error) {
	owner, inst, err := s.Get(id)
	if err != nil {
		return InstanceStats{}, err
	}
	out := InstanceStats{
		ID:        inst.ID,
		Owner:     owner,
		Status:    inst.Status,
		Suspended: inst.Suspended(),
		Config:    inst.Config,
		CreatedAt: inst.CreatedAt,
	}

	if inst.Status == store.StatusRunning {
		if u, err := s.sampler.InstanceUsage(ctx, id); err == nil {
			out.CPUPercent = u.CPUPercent
			out.RAMUsedMB = u.RAMUsedMB
			out.RAMTotalMB = u.RAMTotalMB
		}
		if used, total, err := s.sampler.DiskUsage(ctx, id); err == nil {
			out.DiskUsed = used
			out.DiskTotal = total
		}
	}
	if s.usage != nil {
		if recent, err := s.usage.Recent(ctx, id, 10); err == nil {
			out.Recent = recent
		}
	}
	return out, nil
}

// Usage returns recent usage samples for the instance.
func (s *Service) Usage(ctx context.Context, id string, limit int) ([]usagelog.Sample, error) {
	if _, _, err := s.Get(id); err != nil {
		return nil, err
	}
	if s.usage == nil {
		return nil, nil
	}
	return s.usage.Recent(ctx, id, limit)
}

// Exec runs an arbitrary shell command inside the instance.
func (s *Service) Exec(ctx context.Context, id, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", validationf("command is required")
	}
	_, inst, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if inst.Status != store.StatusRunning {
		return "", conflictf("%s is %s", id, inst.Status)
	}
	out, err := s.runner.Run(ctx, fmt.Sprintf("rtc exec %s -- bash -c %s", id, shellQuote(command)))
	if err != nil {
		return "", err
	}
	return truncate(out, execOutputLimit), nil
}

// shellQuote single-quotes s for the command line. Single quotes keep
// tabs, newlines and backslashes verbatim through parsing, unlike Go
// %q escapes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Processes returns the instance's process listing.
func (s *Service) Processes(ctx context.Context, id string) (string, error) {
	return s.Exec(ctx, id, "ps aux")
}

// Logs tails the instance's system log.
func (s *Service) Logs(ctx context.Context, id string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	return s.Exec(ctx, id, fmt.Sprintf("journalctl -n %d --no-pager", lines))
}

// Snapshot takes a named snapshot and returns the generated name.
func (s *Service) Snapshot(ctx context.Context, id string) (string, error) {
	if _, _, err := s.Get(id); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-backup-%s", id, s.now().UTC().Format("20060102-150405"))
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc snapshot %s %s", id, name)); err != nil {
		return "", err
	}
	s.log.Info("snapshot taken", zap.String("instance", id), zap.String("name", name))
	return name, nil
}

// Restore rolls the instance back to a snapshot.
func (s *Service) Restore(ctx context.Context, id, snapshot string) error {
	if snapshot == "" {
		return validationf("snapshot name is required")
	}
	if _, _, err := s.Get(id); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, fmt.Sprintf("rtc restore %s %s", id, snapshot))
	return err
}

// Snapshots lists the instance's snapshots.
func (s *Service) Snapshots(ctx context.Context, id string) ([]string, error) {
	if _, _, err := s.Get(id); err != nil {
		return nil, err
	}
	out, err := s.runner.Run(ctx, "rtc list --type snapshot --columns n")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "|")
		line = strings.TrimSpace(line)
		if line == "" || line == "NAME" || strings.HasPrefix(line, "+") {
			continue
		}
		if strings.HasPrefix(line, id+"-backup-") || strings.HasPrefix(line, id+"/") {
			names = append(names, line)
		}
	}
	return names, nil
}

// NetworkLimit caps the instance's ingress or egress bandwidth.
func (s *Service) NetworkLimit(ctx context.Context, id, direction, value string) error {
	if direction != "ingress" && direction != "egress" {
		return validationf("direction must be ingress or egress")
	}
	if value == "" {
		return validationf("limit value is required")
	}
	if _, _, err := s.Get(id); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, fmt.Sprintf("rtc config device set %s eth0 limits.%s %s", id, direction, value))
	return err
}
