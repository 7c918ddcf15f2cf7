// Package guardian runs the two recurring enforcement loops: a host-level
// CPU watchdog that force-stops the whole fleet, and a per-instance
// watchdog that suspends individual instances breaching their limits.
package guardian

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/executor"
	"github.com/rathamcloud/fleetd/internal/metrics"
	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/store"
)

// hostCPU samples aggregate host CPU utilization. Swappable for tests.
type hostCPU func(ctx context.Context) (float64, error)

func gopsutilCPU(ctx context.Context) (float64, error) {
	vals, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}

// Host is the host-level watchdog. When aggregate CPU crosses the
// threshold it force-stops every instance in one tool call and marks all
// running records stopped. The loop can be toggled at runtime.
type Host struct {
	store     *store.Store
	runner    executor.Runner
	notifier  notify.Notifier
	threshold float64
	interval  time.Duration
	enabled   atomic.Bool
	sample    hostCPU
	log       *zap.Logger
}

func NewHost(st *store.Store, runner executor.Runner, notifier notify.Notifier, threshold float64, interval time.Duration, log *zap.Logger) *Host {
	h := &Host{
		store:     st,
		runner:    runner,
		notifier:  notifier,
		threshold: threshold,
		interval:  interval,
		sample:    gopsutilCPU,
		log:       log,
	}
	h.enabled.Store(true)
	return h
}

// SetEnabled toggles enforcement without stopping the loop.
func (h *Host) SetEnabled(on bool) {
	h.enabled.Store(on)
	h.log.Info("host guardian toggled", zap.Bool("enabled", on))
}

func (h *Host) Enabled() bool { return h.enabled.Load() }

// Run ticks until ctx is cancelled. Sampling and enforcement failures are
// logged and the loop keeps going.
func (h *Host) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick performs one sample-and-enforce pass.
func (h *Host) Tick(ctx context.Context) {
	if !h.enabled.Load() {
		return
	}
	metrics.GuardianTicks.WithLabelValues("host").Inc()

	usage, err := h.sample(ctx)
	if err != nil {
		h.log.Warn("host cpu sample failed", zap.Error(err))
		return
	}
	metrics.HostCPU.Set(usage)
	if usage <= h.threshold {
		return
	}

	h.log.Warn("host cpu threshold breached, stopping all instances",
		zap.Float64("usage", usage), zap.Float64("threshold", h.threshold))
	metrics.GuardianBreaches.WithLabelValues("host").Inc()

	if _, err := h.runner.Run(ctx, "rtc stop --all --force"); err != nil {
		h.log.Error("force-stop-all failed", zap.Error(err))
		return
	}

	stopped := h.StopAllRecords()
	for owner, ids := range stopped {
		for _, id := range ids {
			h.notifier.Notify(ctx, notify.Event{
				User:     owner,
				Instance: id,
				Kind:     notify.KindStopAll,
				Detail:   "host CPU threshold breached, all instances stopped",
			})
		}
	}
}

// StopAllRecords marks every running instance stopped and persists.
// Returns the affected instance ids keyed by owner.
func (h *Host) StopAllRecords() map[string][]string {
	stopped := make(map[string][]string)
	err := h.store.Mutate(func(st *store.State) error {
		for owner, list := range st.Instances {
			for _, in := range list {
				if in.Status == store.StatusRunning {
					if err := in.Transition(store.StatusStopped); err != nil {
						return err
					}
					stopped[owner] = append(stopped[owner], in.ID)
				}
			}
		}
		return nil
	})
	if err != nil {
		h.log.Error("persist stop-all state", zap.Error(err))
	}
	return stopped
}
