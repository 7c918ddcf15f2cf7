// Package lifecycle implements the instance state-transition operations.
// Each operation is a fixed sequence of tool commands interleaved with
// store mutations; a failed command aborts the remaining steps and leaves
// completed effects in place, so callers must read the reported record
// state rather than assume all-or-nothing.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/executor"
	"github.com/rathamcloud/fleetd/internal/guardian"
	"github.com/rathamcloud/fleetd/internal/metrics"
	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/ports"
	"github.com/rathamcloud/fleetd/internal/store"
	"github.com/rathamcloud/fleetd/internal/usagelog"
)

// Params wires a Service.
type Params struct {
	Store          *store.Store
	Runner         executor.Runner
	Ports          *ports.Allocator
	Notifier       notify.Notifier
	Usage          *usagelog.Log
	TemplateImage  string
	StoragePool    string
	InstancePrefix string
	// OnOwnerEmptied runs after a delete leaves the owner with no
	// instances, for external role bookkeeping. Optional.
	OnOwnerEmptied func(owner string)
	Log            *zap.Logger
}

// Service owns all lifecycle operations.
type Service struct {
	store          *store.Store
	runner         executor.Runner
	ports          *ports.Allocator
	notifier       notify.Notifier
	usage          *usagelog.Log
	sampler        *guardian.Sampler
	templateImage  string
	storagePool    string
	prefix         string
	onOwnerEmptied func(owner string)
	log            *zap.Logger
	now            func() time.Time
}

func New(p Params) *Service {
	if p.InstancePrefix == "" {
		p.InstancePrefix = "vps"
	}
	return &Service{
		store:          p.Store,
		runner:         p.Runner,
		ports:          p.Ports,
		notifier:       p.Notifier,
		usage:          p.Usage,
		sampler:        guardian.NewSampler(p.Runner),
		templateImage:  p.TemplateImage,
		storagePool:    p.StoragePool,
		prefix:         p.InstancePrefix,
		onOwnerEmptied: p.OnOwnerEmptied,
		log:            p.Log,
		now:            time.Now,
	}
}

// Get returns the owner and a copy of the record.
func (s *Service) Get(id string) (string, store.Instance, error) {
	var owner string
	var inst store.Instance
	found := false
	s.store.View(func(st *store.State) {
		if o, in, ok := st.FindInstance(id); ok {
			owner, inst, found = o, *in, true
		}
	})
	if !found {
		return "", store.Instance{}, notFound("instance " + id)
	}
	return owner, inst, nil
}

// List returns the instances visible to user: their own plus shared, or
// everything when all is set.
func (s *Service) List(user string, all bool) map[string][]store.Instance {
	out := make(map[string][]store.Instance)
	s.store.View(func(st *store.State) {
		for owner, list := range st.Instances {
			for _, in := range list {
				if all || owner == user || in.SharedWithUser(user) {
					out[owner] = append(out[owner], *in)
				}
			}
		}
	})
	return out
}

// nextID derives a fresh id for owner: one past the highest sequence
// number among the owner's current instances.
func (s *Service) nextID(st *store.State, owner string) string {
	prefix := fmt.Sprintf("%s-%s-", s.prefix, owner)
	max := 0
	for _, list := range st.Instances {
		for _, in := range list {
			var seq int
			if _, err := fmt.Sscanf(in.ID, prefix+"%d", &seq); err == nil && seq > max {
				max = seq
			}
		}
	}
	return fmt.Sprintf("%s%d", prefix, max+1)
}

// Create provisions a new instance. The record is inserted only after the
// start step succeeds: a failure partway leaves tool-side debris but no
// phantom record.
func (s *Service) Create(ctx context.Context, owner string, ramGB, cpuCores, diskGB int) (store.Instance, error) {
	if owner == "" {
		return store.Instance{}, validationf("owner is required")
	}
	if ramGB <= 0 || cpuCores <= 0 || diskGB <= 0 {
		return store.Instance{}, validationf("ram, cpu and disk must be positive")
	}

	var id string
	s.store.View(func(st *store.State) { id = s.nextID(st, owner) })

	steps := []string{
		fmt.Sprintf("rtc init %s %s --storage %s", s.templateImage, id, s.storagePool),
		fmt.Sprintf("rtc config set %s limits.memory %dMB", id, ramGB*1024),
		fmt.Sprintf("rtc config set %s limits.cpu %d", id, cpuCores),
		fmt.Sprintf("rtc config device set %s root size %dGB", id, diskGB),
		fmt.Sprintf("rtc start %s", id),
	}
	for _, cmd := range steps {
		if _, err := s.runner.Run(ctx, cmd); err != nil {
			return store.Instance{}, err
		}
	}

	inst := store.Instance{
		ID:        id,
		RAMGB:     ramGB,
		CPU:       cpuCores,
		DiskGB:    diskGB,
		Status:    store.StatusRunning,
		CreatedAt: s.now().UTC(),
	}
	inst.RefreshConfig()

	err := s.store.Mutate(func(st *store.State) error {
		st.Instances[owner] = append(st.Instances[owner], &inst)
		return nil
	})
	if err != nil {
		return inst, err
	}

	s.log.Info("instance created", zap.String("instance", id), zap.String("owner", owner),
		zap.String("config", inst.Config))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindCreated, Detail: inst.Config})
	return inst, nil
}

// Delete force-stops (best effort), force-deletes, then removes the
// record, its port forwards, and, when the owner is left with nothing,
// fires the owner-emptied hook.
func (s *Service) Delete(ctx context.Context, id, reason string) error {
	owner, _, err := s.Get(id)
	if err != nil {
		return err
	}

	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc stop %s --force", id)); err != nil {
		s.log.Warn("stop before delete failed", zap.String("instance", id), zap.Error(err))
	}
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc delete %s --force", id)); err != nil {
		return err
	}

	var emptied bool
	err = s.store.Mutate(func(st *store.State) error {
		emptied, _ = st.RemoveInstance(id)
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.ports.ReleaseInstance(ctx, id); err != nil {
		s.log.Warn("release forwards after delete", zap.String("instance", id), zap.Error(err))
	}
	if emptied && s.onOwnerEmptied != nil {
		s.onOwnerEmptied(owner)
	}

	s.log.Info("instance deleted", zap.String("instance", id), zap.String("reason", reason))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindDeleted, Detail: reason})
	return nil
}

// Start transitions stopped -> running.
func (s *Service) Start(ctx context.Context, id string) error {
	_, inst, err := s.Get(id)
	if err != nil {
		return err
	}
	if inst.Status == store.StatusSuspended {
		return conflictf("%s is suspended; unsuspend it instead", id)
	}
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc start %s", id)); err != nil {
		return err
	}
	return s.setStatus(id, store.StatusRunning)
}

// Stop transitions running -> stopped.
func (s *Service) Stop(ctx context.Context, id string) error {
	_, inst, err := s.Get(id)
	if err != nil {
		return err
	}
	if inst.Status == store.StatusSuspended {
		return conflictf("%s is suspended", id)
	}
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc stop %s", id)); err != nil {
		return err
	}
	return s.setStatus(id, store.StatusStopped)
}

// Restart restarts the instance, leaving it running.
func (s *Service) Restart(ctx context.Context, id string) error {
	_, inst, err := s.Get(id)
	if err != nil {
		return err
	}
	if inst.Status == store.StatusSuspended {
		return conflictf("%s is suspended", id)
	}
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc restart %s", id)); err != nil {
		return err
	}
	return s.setStatus(id, store.StatusRunning)
}

// Suspend requires a running instance. It mirrors the per-instance
// guardian's sequence with an explicit actor.
func (s *Service) Suspend(ctx context.Context, id, reason, actor string) error {
	owner, inst, err := s.Get(id)
	if err != nil {
		return err
	}
	if inst.Status != store.StatusRunning {
		return conflictf("%s is %s, only running instances can be suspended", id, inst.Status)
	}
	if reason == "" {
		reason = "suspended by administrator"
	}

	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc stop %s --force", id)); err != nil {
		return err
	}

	err = s.store.Mutate(func(st *store.State) error {
		_, in, ok := st.FindInstance(id)
		if !ok {
			return notFound("instance " + id)
		}
		if in.Status != store.StatusRunning {
			return conflictf("%s is no longer running", id)
		}
		return in.Suspend(s.now().UTC(), reason, actor)
	})
	if err != nil {
		return err
	}
	metrics.Suspensions.WithLabelValues("admin").Inc()

	s.log.Info("instance suspended", zap.String("instance", id),
		zap.String("reason", reason), zap.String("actor", actor))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindSuspended, Detail: reason})
	return nil
}

// Unsuspend requires a suspended instance and restarts it.
func (s *Service) Unsuspend(ctx context.Context, id, actor string) error {
	owner, inst, err := s.Get(id)
	if err != nil {
		return err
	}
	if !inst.Suspended() {
		return conflictf("%s is not suspended", id)
	}

	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc start %s", id)); err != nil {
		return err
	}
	if err := s.setStatus(id, store.StatusRunning); err != nil {
		return err
	}

	s.log.Info("instance unsuspended", zap.String("instance", id), zap.String("actor", actor))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindUnsuspended})
	return nil
}

func (s *Service) setStatus(id string, status store.Status) error {
	return s.store.Mutate(func(st *store.State) error {
		_, in, ok := st.FindInstance(id)
		if !ok {
			return notFound("instance " + id)
		}
		if err := in.Transition(status); err != nil {
			return conflictf("%v", err)
		}
		return nil
	})
}

// Share grants user operational access to id. Destructive rights stay
// with the owner.
func (s *Service) Share(id, user string) error {
	return s.store.Mutate(func(st *store.State) error {
		owner, in, ok := st.FindInstance(id)
		if !ok {
			return notFound("instance " + id)
		}
		if user == owner {
			return validationf("%s already owns %s", user, id)
		}
		if in.SharedWithUser(user) {
			return validationf("%s already has access to %s", user, id)
		}
		in.SharedWith = append(in.SharedWith, user)
		return nil
	})
}

// Unshare revokes a sharing grant.
func (s *Service) Unshare(id, user string) error {
	return s.store.Mutate(func(st *store.State) error {
		_, in, ok := st.FindInstance(id)
		if !ok {
			return notFound("instance " + id)
		}
		for n, u := range in.SharedWith {
			if u == user {
				in.SharedWith = append(in.SharedWith[:n], in.SharedWith[n+1:]...)
				return nil
			}
		}
		return validationf("%s has no access to %s", user, id)
	})
}

// AddAdmin delegates admin rights to user.
func (s *Service) AddAdmin(user string) error {
	return s.store.Mutate(func(st *store.State) error {
		if err := st.Admins.Add(user); err != nil {
			return &ValidationError{Msg: err.Error()}
		}
		return nil
	})
}

// RemoveAdmin revokes delegated admin rights.
func (s *Service) RemoveAdmin(user string) error {
	return s.store.Mutate(func(st *store.State) error {
		if err := st.Admins.Remove(user); err != nil {
			return &ValidationError{Msg: err.Error()}
		}
		return nil
	})
}

// Admins returns the registry contents.
func (s *Service) Admins() (main string, delegated []string) {
	s.store.View(func(st *store.State) {
		main = st.Admins.MainAdmin
		delegated = append(delegated, st.Admins.Admins...)
	})
	return main, delegated
}

// IsAdmin reports whether user holds admin rights.
func (s *Service) IsAdmin(user string) bool {
	var ok bool
	s.store.View(func(st *store.State) { ok = st.Admins.IsAdmin(user) })
	return ok
}

// IsMainAdmin reports whether user is the main admin.
func (s *Service) IsMainAdmin(user string) bool {
	var ok bool
	s.store.View(func(st *store.State) { ok = user == st.Admins.MainAdmin })
	return ok
}

// CanOperate reports whether user may run non-destructive operations on
// the instance: the owner, anyone shared on it, or an admin.
func (s *Service) CanOperate(user, id string) bool {
	var ok bool
	s.store.View(func(st *store.State) {
		if st.Admins.IsAdmin(user) {
			ok = true
			return
		}
		owner, in, found := st.FindInstance(id)
		ok = found && (owner == user || in.SharedWithUser(user))
	})
	return ok
}

// ServerTotals summarizes the fleet.
type ServerTotals struct {
	Owners    int `json:"owners"`
	Total     int `json:"total"`
	Running   int `json:"running"`
	Stopped   int `json:"stopped"`
	Suspended int `json:"suspended"`
	RAMGB     int `json:"ram_gb"`
	CPU       int `json:"cpu"`
	DiskGB    int `json:"disk_gb"`
}

// Totals aggregates counts and resource sums across all instances.
func (s *Service) Totals() ServerTotals {
	var t ServerTotals
	s.store.View(func(st *store.State) {
		t.Owners = len(st.Instances)
		for _, list := range st.Instances {
			for _, in := range list {
				t.Total++
				t.RAMGB += in.RAMGB
				t.CPU += in.CPU
				t.DiskGB += in.DiskGB
				switch in.Status {
				case store.StatusRunning:
					t.Running++
				case store.StatusStopped:
					t.Stopped++
				case store.StatusSuspended:
					t.Suspended++
				}
			}
		}
	})
	return t
}

// truncate keeps output to a displayable size.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "\n... (truncated)"
}
