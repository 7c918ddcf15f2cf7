package store

import (
	"fmt"
	"time"
)

// Status is an instance's lifecycle state. It is the single source of
// truth: there is no separate suspended flag in the record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is one of the closed set of states.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusSuspended:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal transition. A
// transition to the current state is permitted as a no-op.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusRunning:
		return to == StatusStopped || to == StatusSuspended
	case StatusStopped:
		return to == StatusRunning
	case StatusSuspended:
		return to == StatusRunning
	}
	return false
}

// SuspensionEvent is one entry in an instance's append-only audit trail.
type SuspensionEvent struct {
	Time   time.Time `json:"time"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
}

// Instance is one user-owned compute unit. The ID is the sole correlation
// key with the external tool and is stable for the instance's lifetime.
type Instance struct {
	ID      string `json:"id"`
	RAMGB   int    `json:"ram_gb"`
	CPU     int    `json:"cpu"`
	DiskGB  int    `json:"disk_gb"`
	Config  string `json:"config"`
	Status  Status `json:"status"`

	CreatedAt         time.Time         `json:"created_at"`
	SuspensionHistory []SuspensionEvent `json:"suspension_history"`
	SharedWith        []string          `json:"shared_with"`
}

// RefreshConfig recomputes the cached human-readable config string from
// the resource fields.
func (i *Instance) RefreshConfig() {
	i.Config = fmt.Sprintf("%dGB RAM / %d CPU / %dGB Disk", i.RAMGB, i.CPU, i.DiskGB)
}

// Suspended reports whether the instance is suspended.
func (i *Instance) Suspended() bool {
	return i.Status == StatusSuspended
}

// SharedWithUser reports whether user holds a sharing grant.
func (i *Instance) SharedWithUser(user string) bool {
	for _, u := range i.SharedWith {
		if u == user {
			return true
		}
	}
	return false
}

// Transition moves the instance to the given state, rejecting moves
// CanTransition does not allow.
func (i *Instance) Transition(to Status) error {
	if !i.Status.CanTransition(to) {
		return fmt.Errorf("%s cannot go from %s to %s", i.ID, i.Status, to)
	}
	i.Status = to
	return nil
}

// Suspend appends an audit entry and moves the instance to suspended.
// A stopped instance cannot be suspended.
func (i *Instance) Suspend(at time.Time, reason, actor string) error {
	if err := i.Transition(StatusSuspended); err != nil {
		return err
	}
	i.SuspensionHistory = append(i.SuspensionHistory, SuspensionEvent{
		Time:   at,
		Reason: reason,
		Actor:  actor,
	})
	return nil
}

// AdminRegistry holds the immutable main admin plus delegated admins.
// The main admin is never a member of Admins and can never be removed.
type AdminRegistry struct {
	MainAdmin string   `json:"main_admin"`
	Admins    []string `json:"admins"`
}

// IsAdmin reports whether user is the main admin or a delegated admin.
func (a *AdminRegistry) IsAdmin(user string) bool {
	if user == a.MainAdmin {
		return true
	}
	for _, id := range a.Admins {
		if id == user {
			return true
		}
	}
	return false
}

// Add grants delegated admin rights. Adding the main admin or an existing
// admin is rejected.
func (a *AdminRegistry) Add(user string) error {
	if user == a.MainAdmin {
		return fmt.Errorf("%s is already the main admin", user)
	}
	if a.IsAdmin(user) {
		return fmt.Errorf("%s is already an admin", user)
	}
	a.Admins = append(a.Admins, user)
	return nil
}

// Remove revokes delegated admin rights. The main admin cannot be removed.
func (a *AdminRegistry) Remove(user string) error {
	if user == a.MainAdmin {
		return fmt.Errorf("the main admin cannot be removed")
	}
	for n, id := range a.Admins {
		if id == user {
			a.Admins = append(a.Admins[:n], a.Admins[n+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s is not an admin", user)
}

// Forward is one host-port-to-instance-port mapping.
type Forward struct {
	Instance     string `json:"instance"`
	InternalPort int    `json:"internal_port"`
	HostPort     int    `json:"host_port"`
}

// PortTable tracks per-user forward quotas and active forwards. Host ports
// are unique across the whole table.
type PortTable struct {
	Slots  map[string]int       `json:"slots"`
	Active map[string][]Forward `json:"active"`
}

// State is the full in-memory record set: instances keyed by owner id,
// the admin registry, and the port table. All mutation goes through
// Store.Mutate so there is exactly one choke point to reason about.
type State struct {
	Instances map[string][]*Instance `json:"-"`
	Admins    AdminRegistry          `json:"-"`
	Ports     PortTable              `json:"-"`
}

// FindInstance locates an instance by id. Returns the owner id and the
// record, or ok=false.
func (s *State) FindInstance(id string) (owner string, inst *Instance, ok bool) {
	for user, list := range s.Instances {
		for _, in := range list {
			if in.ID == id {
				return user, in, true
			}
		}
	}
	return "", nil, false
}

// RemoveInstance deletes the record with the given id. The owner's entry
// is dropped entirely when its list becomes empty; the return value
// reports whether the owner still holds instances.
func (s *State) RemoveInstance(id string) (ownerEmptied bool, owner string) {
	for user, list := range s.Instances {
		for n, in := range list {
			if in.ID == id {
				s.Instances[user] = append(list[:n], list[n+1:]...)
				if len(s.Instances[user]) == 0 {
					delete(s.Instances, user)
					return true, user
				}
				return false, user
			}
		}
	}
	return false, ""
}

// UsedHostPorts returns the set of host ports mapped by any user.
func (s *State) UsedHostPorts() map[int]bool {
	used := make(map[int]bool)
	for _, fwds := range s.Ports.Active {
		for _, f := range fwds {
			used[f.HostPort] = true
		}
	}
	return used
}
