package guardian

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/executor"
	"github.com/rathamcloud/fleetd/internal/metrics"
	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/store"
	"github.com/rathamcloud/fleetd/internal/usagelog"
)

const autoActor = "auto-system"

// Instances is the per-instance watchdog. Each tick it samples CPU and
// RAM inside every running instance and suspends the ones over threshold,
// with an audit entry and a best-effort owner notification.
type Instances struct {
	store        *store.Store
	runner       executor.Runner
	sampler      *Sampler
	notifier     notify.Notifier
	usage        *usagelog.Log
	cpuThreshold float64
	ramThreshold float64
	interval     time.Duration
	log          *zap.Logger
}

func NewInstances(st *store.Store, runner executor.Runner, notifier notify.Notifier, usage *usagelog.Log,
	cpuThreshold, ramThreshold float64, interval time.Duration, log *zap.Logger) *Instances {
	return &Instances{
		store:        st,
		runner:       runner,
		sampler:      NewSampler(runner),
		notifier:     notifier,
		usage:        usage,
		cpuThreshold: cpuThreshold,
		ramThreshold: ramThreshold,
		interval:     interval,
		log:          log,
	}
}

// Run ticks until ctx is cancelled.
func (g *Instances) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick samples every running instance. Failures on one instance are
// logged and the loop moves on to the next.
func (g *Instances) Tick(ctx context.Context) {
	metrics.GuardianTicks.WithLabelValues("instance").Inc()

	type target struct {
		owner string
		id    string
	}
	var targets []target
	g.store.View(func(st *store.State) {
		for owner, list := range st.Instances {
			for _, in := range list {
				if in.Status == store.StatusRunning {
					targets = append(targets, target{owner: owner, id: in.ID})
				}
			}
		}
	})

	for _, t := range targets {
		if err := g.check(ctx, t.owner, t.id); err != nil {
			g.log.Warn("instance check failed",
				zap.String("instance", t.id), zap.Error(err))
		}
	}
}

func (g *Instances) check(ctx context.Context, owner, id string) error {
	u, err := g.sampler.InstanceUsage(ctx, id)
	if err != nil {
		return err
	}

	if g.usage != nil {
		if err := g.usage.Record(ctx, usagelog.Sample{
			Instance:   id,
			CPUPercent: u.CPUPercent,
			RAMUsedMB:  u.RAMUsedMB,
			RAMTotalMB: u.RAMTotalMB,
		}); err != nil {
			g.log.Warn("record usage sample", zap.String("instance", id), zap.Error(err))
		}
	}

	var reason string
	switch {
	case u.CPUPercent > g.cpuThreshold:
		reason = fmt.Sprintf("CPU usage exceeded (%.1f%% > %.1f%%)", u.CPUPercent, g.cpuThreshold)
	case u.RAMPercent() > g.ramThreshold:
		reason = fmt.Sprintf("RAM usage exceeded (%.1f%% > %.1f%%)", u.RAMPercent(), g.ramThreshold)
	default:
		return nil
	}

	g.log.Warn("instance over threshold, suspending",
		zap.String("instance", id), zap.String("reason", reason))
	metrics.GuardianBreaches.WithLabelValues("instance").Inc()

	if _, err := g.runner.Run(ctx, fmt.Sprintf("rtc stop %s --force", id)); err != nil {
		// Stopping an already-stopped instance fails at the tool level;
		// the record check below decides whether to suspend anyway.
		g.log.Warn("stop before suspend failed", zap.String("instance", id), zap.Error(err))
	}

	suspended := false
	err = g.store.Mutate(func(st *store.State) error {
		_, in, ok := st.FindInstance(id)
		if !ok || in.Status != store.StatusRunning {
			return nil
		}
		if err := in.Suspend(time.Now().UTC(), reason, autoActor); err != nil {
			return err
		}
		suspended = true
		return nil
	})
	if err != nil {
		return err
	}
	if !suspended {
		return nil
	}
	metrics.Suspensions.WithLabelValues(autoActor).Inc()

	g.notifier.Notify(ctx, notify.Event{
		User:     owner,
		Instance: id,
		Kind:     notify.KindAutoSuspended,
		Detail:   reason,
	})
	return nil
}
