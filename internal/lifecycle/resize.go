package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/store"
)

// Resize applies absolute resource values; a zero dimension is left
// unchanged. A running instance is stopped first and restarted after.
// Each dimension is applied and persisted independently, so the record
// never claims a value the tool did not accept.
func (s *Service) Resize(ctx context.Context, id string, ramGB, cpuCores, diskGB int) (store.Instance, error) {
	if ramGB < 0 || cpuCores < 0 || diskGB < 0 {
		return store.Instance{}, validationf("resource values must be positive")
	}
	if ramGB == 0 && cpuCores == 0 && diskGB == 0 {
		return store.Instance{}, validationf("nothing to resize")
	}

	owner, inst, err := s.Get(id)
	if err != nil {
		return store.Instance{}, err
	}
	if inst.Suspended() {
		return store.Instance{}, conflictf("%s is suspended", id)
	}
	if diskGB != 0 && diskGB < inst.DiskGB {
		return store.Instance{}, validationf("disk can only grow (current %dGB)", inst.DiskGB)
	}

	wasRunning := inst.Status == store.StatusRunning
	if wasRunning {
		if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc stop %s --force", id)); err != nil {
			return store.Instance{}, err
		}
		if err := s.setStatus(id, store.StatusStopped); err != nil {
			return store.Instance{}, err
		}
	}

	type dim struct {
		value int
		cmd   string
		apply func(in *store.Instance)
	}
	dims := []dim{
		{ramGB, fmt.Sprintf("rtc config set %s limits.memory %dMB", id, ramGB*1024),
			func(in *store.Instance) { in.RAMGB = ramGB }},
		{cpuCores, fmt.Sprintf("rtc config set %s limits.cpu %d", id, cpuCores),
			func(in *store.Instance) { in.CPU = cpuCores }},
		{diskGB, fmt.Sprintf("rtc config device set %s root size %dGB", id, diskGB),
			func(in *store.Instance) { in.DiskGB = diskGB }},
	}
	for _, d := range dims {
		if d.value == 0 {
			continue
		}
		if _, err := s.runner.Run(ctx, d.cmd); err != nil {
			return store.Instance{}, err
		}
		err := s.store.Mutate(func(st *store.State) error {
			_, in, ok := st.FindInstance(id)
			if !ok {
				return notFound("instance " + id)
			}
			d.apply(in)
			in.RefreshConfig()
			return nil
		})
		if err != nil {
			return store.Instance{}, err
		}
	}

	if wasRunning {
		if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc start %s", id)); err != nil {
			return store.Instance{}, err
		}
		if err := s.setStatus(id, store.StatusRunning); err != nil {
			return store.Instance{}, err
		}
	}

	_, out, err := s.Get(id)
	if err != nil {
		return store.Instance{}, err
	}
	s.log.Info("instance resized", zap.String("instance", id), zap.String("config", out.Config))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindResized, Detail: out.Config})
	return out, nil
}

// Grow adds resource deltas on top of the current values.
func (s *Service) Grow(ctx context.Context, id string, ramGB, cpuCores, diskGB int) (store.Instance, error) {
	if ramGB < 0 || cpuCores < 0 || diskGB < 0 {
		return store.Instance{}, validationf("deltas must be non-negative")
	}
	if ramGB == 0 && cpuCores == 0 && diskGB == 0 {
		return store.Instance{}, validationf("nothing to add")
	}

	_, inst, err := s.Get(id)
	if err != nil {
		return store.Instance{}, err
	}
	var ram, cpu, disk int
	if ramGB > 0 {
		ram = inst.RAMGB + ramGB
	}
	if cpuCores > 0 {
		cpu = inst.CPU + cpuCores
	}
	if diskGB > 0 {
		disk = inst.DiskGB + diskGB
	}
	return s.Resize(ctx, id, ram, cpu, disk)
}

// Reinstall wipes the instance and recreates it from the template with
// the resource values it already had. CreatedAt is reset; the suspension
// history is kept. A failure after the delete step leaves the record present but
// the instance absent at the tool level, which the next reinstall or
// delete repairs.
func (s *Service) Reinstall(ctx context.Context, id string) (store.Instance, error) {
	owner, inst, err := s.Get(id)
	if err != nil {
		return store.Instance{}, err
	}

	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc stop %s --force", id)); err != nil {
		s.log.Warn("stop before reinstall failed", zap.String("instance", id), zap.Error(err))
	}
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc delete %s --force", id)); err != nil {
		return store.Instance{}, err
	}

	steps := []string{
		fmt.Sprintf("rtc init %s %s --storage %s", s.templateImage, id, s.storagePool),
		fmt.Sprintf("rtc config set %s limits.memory %dMB", id, inst.RAMGB*1024),
		fmt.Sprintf("rtc config set %s limits.cpu %d", id, inst.CPU),
		fmt.Sprintf("rtc config device set %s root size %dGB", id, inst.DiskGB),
		fmt.Sprintf("rtc start %s", id),
	}
	for _, cmd := range steps {
		if _, err := s.runner.Run(ctx, cmd); err != nil {
			return store.Instance{}, err
		}
	}

	err = s.store.Mutate(func(st *store.State) error {
		_, in, ok := st.FindInstance(id)
		if !ok {
			return notFound("instance " + id)
		}
		if err := in.Transition(store.StatusRunning); err != nil {
			return conflictf("%v", err)
		}
		in.CreatedAt = s.now().UTC()
		in.RefreshConfig()
		return nil
	})
	if err != nil {
		return store.Instance{}, err
	}

	_, out, err := s.Get(id)
	if err != nil {
		return store.Instance{}, err
	}
	s.log.Info("instance reinstalled", zap.String("instance", id))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindReinstalled})
	return out, nil
}

// Clone copies the instance under the same owner with a fresh id, an
// empty sharing list and an empty suspension history.
func (s *Service) Clone(ctx context.Context, id string) (store.Instance, error) {
	owner, inst, err := s.Get(id)
	if err != nil {
		return store.Instance{}, err
	}

	var newID string
	s.store.View(func(st *store.State) { newID = s.nextID(st, owner) })

	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc copy %s %s", id, newID)); err != nil {
		return store.Instance{}, err
	}
	if _, err := s.runner.Run(ctx, fmt.Sprintf("rtc start %s", newID)); err != nil {
		return store.Instance{}, err
	}

	out := store.Instance{
		ID:        newID,
		RAMGB:     inst.RAMGB,
		CPU:       inst.CPU,
		DiskGB:    inst.DiskGB,
		Status:    store.StatusRunning,
		CreatedAt: s.now().UTC(),
	}
	out.RefreshConfig()

	err = s.store.Mutate(func(st *store.State) error {
		st.Instances[owner] = append(st.Instances[owner], &out)
		return nil
	})
	if err != nil {
		return out, err
	}
	s.log.Info("instance cloned", zap.String("source", id), zap.String("clone", newID))
	return out, nil
}

// Migrate moves the instance's data to another storage pool. The copy
// goes to a temporary name first so a failure between copy and delete
// never leaves zero copies of the data.
func (s *Service) Migrate(ctx context.Context, id, pool string) error {
	if pool == "" {
		return validationf("target pool is required")
	}
	owner, _, err := s.Get(id)
	if err != nil {
		return err
	}

	tmp := id + "-migrating"
	steps := []string{
		fmt.Sprintf("rtc stop %s --force", id),
		fmt.Sprintf("rtc copy %s %s --storage %s", id, tmp, pool),
		fmt.Sprintf("rtc delete %s --force", id),
		fmt.Sprintf("rtc rename %s %s", tmp, id),
		fmt.Sprintf("rtc start %s", id),
	}
	for _, cmd := range steps {
		if _, err := s.runner.Run(ctx, cmd); err != nil {
			return err
		}
	}

	if err := s.setStatus(id, store.StatusRunning); err != nil {
		return err
	}
	s.log.Info("instance migrated", zap.String("instance", id), zap.String("pool", pool))
	s.notifier.Notify(ctx, notify.Event{User: owner, Instance: id, Kind: notify.KindMigrated, Detail: pool})
	return nil
}
