// Package ports manages host port forwards: per-user quota slots, host
// port assignment from a fixed range, and the proxy device rules on the
// external tool that make a forward live.
package ports

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/executor"
	"github.com/rathamcloud/fleetd/internal/store"
)

var (
	// ErrQuotaExceeded means the user has no free forward slot.
	ErrQuotaExceeded = errors.New("port quota exceeded")
	// ErrRangeExhausted means every host port in the range is taken.
	ErrRangeExhausted = errors.New("host port range exhausted")
)

// Allocator assigns host ports and applies the matching proxy devices.
// Each forward maps one host port to one instance port for both tcp and
// udp, under paired device names derived from the host port.
type Allocator struct {
	store  *store.Store
	runner executor.Runner
	min    int
	max    int
	log    *zap.Logger
}

func NewAllocator(st *store.Store, runner executor.Runner, min, max int, log *zap.Logger) *Allocator {
	return &Allocator{store: st, runner: runner, min: min, max: max, log: log}
}

// NextPort returns the lowest free host port in the range.
func (a *Allocator) NextPort() (int, error) {
	var port int
	var err error
	a.store.View(func(st *store.State) {
		port, err = nextFree(st, a.min, a.max)
	})
	return port, err
}

func nextFree(st *store.State, min, max int) (int, error) {
	used := st.UsedHostPorts()
	for p := min; p <= max; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, ErrRangeExhausted
}

// Allocate reserves the lowest free host port for user, applies the tcp
// and udp proxy devices on instanceID, and records the forward. Quota is
// checked before any command runs. If the tcp rule fails nothing is
// recorded; if the udp rule fails the tcp rule is rolled back and nothing
// is recorded.
func (a *Allocator) Allocate(ctx context.Context, user, instanceID string, internalPort int) (store.Forward, error) {
	var fwd store.Forward

	var hostPort int
	var pickErr error
	a.store.View(func(st *store.State) {
		if len(st.Ports.Active[user]) >= st.Ports.Slots[user] {
			pickErr = ErrQuotaExceeded
			return
		}
		hostPort, pickErr = nextFree(st, a.min, a.max)
	})
	if pickErr != nil {
		return fwd, pickErr
	}

	tcpName, udpName := deviceNames(hostPort)

	_, err := a.runner.Run(ctx, fmt.Sprintf(
		"rtc config device add %s %s proxy listen=tcp:0.0.0.0:%d connect=tcp:127.0.0.1:%d",
		instanceID, tcpName, hostPort, internalPort))
	if err != nil {
		return fwd, fmt.Errorf("add tcp forward: %w", err)
	}

	_, err = a.runner.Run(ctx, fmt.Sprintf(
		"rtc config device add %s %s proxy listen=udp:0.0.0.0:%d connect=udp:127.0.0.1:%d",
		instanceID, udpName, hostPort, internalPort))
	if err != nil {
		if _, rbErr := a.runner.Run(ctx, fmt.Sprintf("rtc config device remove %s %s", instanceID, tcpName)); rbErr != nil {
			a.log.Warn("tcp forward rollback failed",
				zap.String("instance", instanceID), zap.Int("host_port", hostPort), zap.Error(rbErr))
		}
		return fwd, fmt.Errorf("add udp forward: %w", err)
	}

	fwd = store.Forward{Instance: instanceID, InternalPort: internalPort, HostPort: hostPort}
	err = a.store.Mutate(func(st *store.State) error {
		// Re-check under the lock: another allocation may have raced in
		// between picking the port and recording it.
		if len(st.Ports.Active[user]) >= st.Ports.Slots[user] {
			return ErrQuotaExceeded
		}
		if st.UsedHostPorts()[hostPort] {
			return fmt.Errorf("host port %d already recorded", hostPort)
		}
		st.Ports.Active[user] = append(st.Ports.Active[user], fwd)
		return nil
	})
	if err != nil {
		a.removeDevices(ctx, instanceID, hostPort)
		return store.Forward{}, err
	}
	return fwd, nil
}

// Release removes the forward for user on hostPort. Device removal
// failures are logged, not retried: the record is dropped regardless so
// the slot is reclaimed.
func (a *Allocator) Release(ctx context.Context, user string, hostPort int) error {
	var instanceID string
	found := false
	a.store.View(func(st *store.State) {
		for _, f := range st.Ports.Active[user] {
			if f.HostPort == hostPort {
				instanceID = f.Instance
				found = true
				return
			}
		}
	})
	if !found {
		return fmt.Errorf("forward on port %d: %w", hostPort, store.ErrNotFound)
	}

	a.removeDevices(ctx, instanceID, hostPort)

	return a.store.Mutate(func(st *store.State) error {
		fwds := st.Ports.Active[user]
		for n, f := range fwds {
			if f.HostPort == hostPort {
				st.Ports.Active[user] = append(fwds[:n], fwds[n+1:]...)
				break
			}
		}
		if len(st.Ports.Active[user]) == 0 {
			delete(st.Ports.Active, user)
		}
		return nil
	})
}

// ReleaseInstance drops every forward pointing at instanceID, removing
// the device rules best-effort. Used when the instance goes away.
func (a *Allocator) ReleaseInstance(ctx context.Context, instanceID string) error {
	var ports []int
	a.store.View(func(st *store.State) {
		for _, fwds := range st.Ports.Active {
			for _, f := range fwds {
				if f.Instance == instanceID {
					ports = append(ports, f.HostPort)
				}
			}
		}
	})
	for _, p := range ports {
		a.removeDevices(ctx, instanceID, p)
	}

	return a.store.Mutate(func(st *store.State) error {
		for user, fwds := range st.Ports.Active {
			kept := fwds[:0]
			for _, f := range fwds {
				if f.Instance != instanceID {
					kept = append(kept, f)
				}
			}
			if len(kept) == 0 {
				delete(st.Ports.Active, user)
			} else {
				st.Ports.Active[user] = kept
			}
		}
		return nil
	})
}

// AdjustSlots changes a user's forward quota by delta and returns the
// resulting quota. The result is clamped at the user's active forward
// count so the quota never understates what is already mapped.
func (a *Allocator) AdjustSlots(user string, delta int) (int, error) {
	var slots int
	err := a.store.Mutate(func(st *store.State) error {
		next := st.Ports.Slots[user] + delta
		if active := len(st.Ports.Active[user]); next < active {
			next = active
		}
		if next <= 0 {
			delete(st.Ports.Slots, user)
			next = 0
		} else {
			st.Ports.Slots[user] = next
		}
		slots = next
		return nil
	})
	return slots, err
}

func (a *Allocator) removeDevices(ctx context.Context, instanceID string, hostPort int) {
	tcpName, udpName := deviceNames(hostPort)
	for _, name := range []string{tcpName, udpName} {
		if _, err := a.runner.Run(ctx, fmt.Sprintf("rtc config device remove %s %s", instanceID, name)); err != nil {
			a.log.Warn("device remove failed",
				zap.String("instance", instanceID), zap.String("device", name), zap.Error(err))
		}
	}
}

func deviceNames(hostPort int) (tcp, udp string) {
	return fmt.Sprintf("port-%d-tcp", hostPort), fmt.Sprintf("port-%d-udp", hostPort)
}
