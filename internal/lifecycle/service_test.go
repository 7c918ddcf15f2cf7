package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/shlex"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/ports"
	"github.com/rathamcloud/fleetd/internal/store"
)

// fakeRunner records every command line. Commands containing a failOn
// substring fail; outputs maps a substring to canned stdout.
type fakeRunner struct {
	commands []string
	failOn   map[string]error
	outputs  map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, commandLine string) (string, error) {
	f.commands = append(f.commands, commandLine)
	for pat, err := range f.failOn {
		if strings.Contains(commandLine, pat) {
			return "", err
		}
	}
	for pat, out := range f.outputs {
		if strings.Contains(commandLine, pat) {
			return out, nil
		}
	}
	return "ok", nil
}

func (f *fakeRunner) RunTimeout(ctx context.Context, commandLine string, _ time.Duration) (string, error) {
	return f.Run(ctx, commandLine)
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	r.events = append(r.events, ev)
}
func (r *recordingNotifier) Close() {}

type fixture struct {
	svc      *Service
	store    *store.Store
	runner   *fakeRunner
	notifier *recordingNotifier
	emptied  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), "admin-1", zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		store:    st,
		runner:   &fakeRunner{},
		notifier: &recordingNotifier{},
	}
	f.svc = New(Params{
		Store:          st,
		Runner:         f.runner,
		Ports:          ports.NewAllocator(st, f.runner, 10000, 10010, zap.NewNop()),
		Notifier:       f.notifier,
		TemplateImage:  "ubuntu:22.04",
		StoragePool:    "default",
		InstancePrefix: "vps",
		OnOwnerEmptied: func(owner string) { f.emptied = append(f.emptied, owner) },
		Log:            zap.NewNop(),
	})
	f.svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) mustCreate(t *testing.T, owner string, ram, cpu, disk int) store.Instance {
	t.Helper()
	inst, err := f.svc.Create(context.Background(), owner, ram, cpu, disk)
	require.NoError(t, err)
	f.runner.commands = nil
	f.notifier.events = nil
	return inst
}

func TestCreateRunsFullSequence(t *testing.T) {
	f := newFixture(t)

	inst, err := f.svc.Create(context.Background(), "u1", 4, 2, 20)
	require.NoError(t, err)

	require.Equal(t, []string{
		"rtc init ubuntu:22.04 vps-u1-1 --storage default",
		"rtc config set vps-u1-1 limits.memory 4096MB",
		"rtc config set vps-u1-1 limits.cpu 2",
		"rtc config device set vps-u1-1 root size 20GB",
		"rtc start vps-u1-1",
	}, f.runner.commands)

	require.Equal(t, "vps-u1-1", inst.ID)
	require.Equal(t, store.StatusRunning, inst.Status)
	require.False(t, inst.Suspended())
	require.Equal(t, "4GB RAM / 2 CPU / 20GB Disk", inst.Config)
	require.Len(t, f.notifier.events, 1)
	require.Equal(t, notify.KindCreated, f.notifier.events[0].Kind)
}

func TestCreateRejectsNonPositiveResources(t *testing.T) {
	f := newFixture(t)

	for _, args := range [][3]int{{0, 2, 20}, {4, -1, 20}, {4, 2, 0}} {
		_, err := f.svc.Create(context.Background(), "u1", args[0], args[1], args[2])
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}
	require.Empty(t, f.runner.commands)
}

func TestCreateRecordsOnlyAfterStart(t *testing.T) {
	f := newFixture(t)
	f.runner.failOn = map[string]error{"start": errors.New("boot failure")}

	_, err := f.svc.Create(context.Background(), "u1", 4, 2, 20)
	require.Error(t, err)

	f.store.View(func(st *store.State) {
		require.Empty(t, st.Instances)
	})
}

func TestCreateSequenceNumbersGrow(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 2, 1, 10)
	second := f.mustCreate(t, "u1", 2, 1, 10)
	require.Equal(t, "vps-u1-2", second.ID)

	require.NoError(t, f.svc.Delete(context.Background(), "vps-u1-2", "cleanup"))
	third, err := f.svc.Create(context.Background(), "u1", 2, 1, 10)
	require.NoError(t, err)
	require.Equal(t, "vps-u1-2", third.ID)
}

func TestDeleteIgnoresStopFailure(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	f.runner.failOn = map[string]error{"stop vps-u1-1": errors.New("already stopped")}

	require.NoError(t, f.svc.Delete(context.Background(), "vps-u1-1", "requested"))

	f.store.View(func(st *store.State) {
		require.Empty(t, st.Instances)
	})
	require.Equal(t, []string{"u1"}, f.emptied)
}

func TestDeleteAbortsWhenDeleteFails(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	f.runner.failOn = map[string]error{"delete": errors.New("busy")}

	require.Error(t, f.svc.Delete(context.Background(), "vps-u1-1", "requested"))
	f.store.View(func(st *store.State) {
		_, _, ok := st.FindInstance("vps-u1-1")
		require.True(t, ok)
	})
	require.Empty(t, f.emptied)
}

func TestDeleteReleasesForwards(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	alloc := ports.NewAllocator(f.store, f.runner, 10000, 10010, zap.NewNop())
	_, err := alloc.AdjustSlots("u1", 1)
	require.NoError(t, err)
	_, err = alloc.Allocate(context.Background(), "u1", "vps-u1-1", 8080)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), "vps-u1-1", "requested"))
	f.store.View(func(st *store.State) {
		require.Empty(t, st.Ports.Active)
	})
}

func TestDeleteUnknownInstance(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Delete(context.Background(), "vps-u1-9", "requested")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSuspendRequiresRunning(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	require.NoError(t, f.svc.Stop(context.Background(), "vps-u1-1"))

	err := f.svc.Suspend(context.Background(), "vps-u1-1", "abuse", "admin-1")
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestSuspendAppendsAuditEntry(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	require.NoError(t, f.svc.Suspend(context.Background(), "vps-u1-1", "abuse report", "admin-1"))

	f.store.View(func(st *store.State) {
		_, in, _ := st.FindInstance("vps-u1-1")
		require.Equal(t, store.StatusSuspended, in.Status)
		require.Len(t, in.SuspensionHistory, 1)
		require.Equal(t, "admin-1", in.SuspensionHistory[0].Actor)
		require.Equal(t, "abuse report", in.SuspensionHistory[0].Reason)
	})
	require.Contains(t, f.runner.commands, "rtc stop vps-u1-1 --force")
	require.Equal(t, notify.KindSuspended, f.notifier.events[0].Kind)
}

func TestUnsuspendRequiresSuspended(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	err := f.svc.Unsuspend(context.Background(), "vps-u1-1", "admin-1")
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestUnsuspendRestarts(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	require.NoError(t, f.svc.Suspend(context.Background(), "vps-u1-1", "abuse", "admin-1"))

	require.NoError(t, f.svc.Unsuspend(context.Background(), "vps-u1-1", "admin-1"))

	f.store.View(func(st *store.State) {
		_, in, _ := st.FindInstance("vps-u1-1")
		require.Equal(t, store.StatusRunning, in.Status)
		require.Len(t, in.SuspensionHistory, 1)
	})
	require.Contains(t, f.runner.commands, "rtc start vps-u1-1")
}

func TestResizeRunningInstance(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	out, err := f.svc.Resize(context.Background(), "vps-u1-1", 6, 0, 0)
	require.NoError(t, err)

	require.Equal(t, []string{
		"rtc stop vps-u1-1 --force",
		"rtc config set vps-u1-1 limits.memory 6144MB",
		"rtc start vps-u1-1",
	}, f.runner.commands)
	require.Equal(t, 6, out.RAMGB)
	require.Equal(t, "6GB RAM / 2 CPU / 20GB Disk", out.Config)
	require.Equal(t, store.StatusRunning, out.Status)
}

func TestResizeStoppedInstanceDoesNotStart(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	require.NoError(t, f.svc.Stop(context.Background(), "vps-u1-1"))
	f.runner.commands = nil

	out, err := f.svc.Resize(context.Background(), "vps-u1-1", 0, 4, 0)
	require.NoError(t, err)

	require.Equal(t, []string{"rtc config set vps-u1-1 limits.cpu 4"}, f.runner.commands)
	require.Equal(t, store.StatusStopped, out.Status)
}

func TestResizeUpdatesOnlyAppliedDimensions(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	f.runner.failOn = map[string]error{"limits.cpu": errors.New("rejected")}

	_, err := f.svc.Resize(context.Background(), "vps-u1-1", 8, 4, 0)
	require.Error(t, err)

	f.store.View(func(st *store.State) {
		_, in, _ := st.FindInstance("vps-u1-1")
		require.Equal(t, 8, in.RAMGB)
		require.Equal(t, 2, in.CPU)
		require.Equal(t, "8GB RAM / 2 CPU / 20GB Disk", in.Config)
	})
}

func TestResizeRejectsDiskShrink(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	_, err := f.svc.Resize(context.Background(), "vps-u1-1", 0, 0, 10)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, f.runner.commands)
}

func TestGrowAddsDeltas(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	out, err := f.svc.Grow(context.Background(), "vps-u1-1", 2, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 6, out.RAMGB)
	require.Contains(t, f.runner.commands, "rtc config set vps-u1-1 limits.memory 6144MB")
}

func TestReinstallResetsCreatedAtKeepsHistory(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	require.NoError(t, f.svc.Suspend(context.Background(), "vps-u1-1", "abuse", "admin-1"))
	require.NoError(t, f.svc.Unsuspend(context.Background(), "vps-u1-1", "admin-1"))

	later := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return later }
	f.runner.commands = nil

	out, err := f.svc.Reinstall(context.Background(), "vps-u1-1")
	require.NoError(t, err)

	require.Equal(t, []string{
		"rtc stop vps-u1-1 --force",
		"rtc delete vps-u1-1 --force",
		"rtc init ubuntu:22.04 vps-u1-1 --storage default",
		"rtc config set vps-u1-1 limits.memory 4096MB",
		"rtc config set vps-u1-1 limits.cpu 2",
		"rtc config device set vps-u1-1 root size 20GB",
		"rtc start vps-u1-1",
	}, f.runner.commands)
	require.True(t, later.Equal(out.CreatedAt))
	require.Len(t, out.SuspensionHistory, 1)
	require.Equal(t, store.StatusRunning, out.Status)
}

func TestCloneFreshRecord(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	require.NoError(t, f.svc.Share("vps-u1-1", "u2"))
	require.NoError(t, f.svc.Suspend(context.Background(), "vps-u1-1", "abuse", "admin-1"))
	require.NoError(t, f.svc.Unsuspend(context.Background(), "vps-u1-1", "admin-1"))
	f.runner.commands = nil

	out, err := f.svc.Clone(context.Background(), "vps-u1-1")
	require.NoError(t, err)

	require.Equal(t, []string{
		"rtc copy vps-u1-1 vps-u1-2",
		"rtc start vps-u1-2",
	}, f.runner.commands)
	require.Equal(t, "vps-u1-2", out.ID)
	require.Empty(t, out.SharedWith)
	require.Empty(t, out.SuspensionHistory)
	require.Equal(t, 4, out.RAMGB)
}

func TestMigrateOrdering(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	require.NoError(t, f.svc.Migrate(context.Background(), "vps-u1-1", "ssd"))

	require.Equal(t, []string{
		"rtc stop vps-u1-1 --force",
		"rtc copy vps-u1-1 vps-u1-1-migrating --storage ssd",
		"rtc delete vps-u1-1 --force",
		"rtc rename vps-u1-1-migrating vps-u1-1",
		"rtc start vps-u1-1",
	}, f.runner.commands)
}

func TestMigrateStopsBeforeDelete(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	f.runner.failOn = map[string]error{"copy": errors.New("pool full")}

	require.Error(t, f.svc.Migrate(context.Background(), "vps-u1-1", "ssd"))
	for _, cmd := range f.runner.commands {
		require.NotContains(t, cmd, "delete")
	}
}

func TestShareAndUnshare(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	require.NoError(t, f.svc.Share("vps-u1-1", "u2"))
	require.Error(t, f.svc.Share("vps-u1-1", "u2"))
	require.Error(t, f.svc.Share("vps-u1-1", "u1"))

	require.True(t, f.svc.CanOperate("u2", "vps-u1-1"))
	require.False(t, f.svc.CanOperate("u3", "vps-u1-1"))

	require.NoError(t, f.svc.Unshare("vps-u1-1", "u2"))
	require.Error(t, f.svc.Unshare("vps-u1-1", "u2"))
	require.False(t, f.svc.CanOperate("u2", "vps-u1-1"))
}

func TestExecRequiresRunning(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	require.NoError(t, f.svc.Stop(context.Background(), "vps-u1-1"))
	f.runner.commands = nil

	_, err := f.svc.Exec(context.Background(), "vps-u1-1", "uptime")
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.Empty(t, f.runner.commands)
}

func TestExecWrapsCommand(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	_, err := f.svc.Exec(context.Background(), "vps-u1-1", "uptime")
	require.NoError(t, err)
	require.Equal(t, `rtc exec vps-u1-1 -- bash -c 'uptime'`, f.runner.commands[0])
}

func TestExecQuotingSurvivesParsing(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	inner := "printf 'a\tb\nc' > /tmp/out"
	_, err := f.svc.Exec(context.Background(), "vps-u1-1", inner)
	require.NoError(t, err)

	argv, err := shlex.Split(f.runner.commands[0])
	require.NoError(t, err)
	require.Equal(t, []string{"rtc", "exec", "vps-u1-1", "--", "bash", "-c", inner}, argv)
}

func TestSnapshotGeneratesName(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	name, err := f.svc.Snapshot(context.Background(), "vps-u1-1")
	require.NoError(t, err)
	require.Equal(t, "vps-u1-1-backup-20260301-120000", name)
	require.Equal(t, []string{"rtc snapshot vps-u1-1 " + name}, f.runner.commands)
}

func TestNetworkLimitValidatesDirection(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)

	require.Error(t, f.svc.NetworkLimit(context.Background(), "vps-u1-1", "sideways", "10Mbit"))
	require.NoError(t, f.svc.NetworkLimit(context.Background(), "vps-u1-1", "egress", "10Mbit"))
	require.Equal(t, []string{"rtc config device set vps-u1-1 eth0 limits.egress 10Mbit"}, f.runner.commands)
}

func TestAdminOps(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.AddAdmin("u2"))
	require.True(t, f.svc.IsAdmin("u2"))
	require.False(t, f.svc.IsMainAdmin("u2"))
	require.True(t, f.svc.IsMainAdmin("admin-1"))

	err := f.svc.RemoveAdmin("admin-1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, f.svc.RemoveAdmin("u2"))
	require.False(t, f.svc.IsAdmin("u2"))
}

func TestTotals(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	f.mustCreate(t, "u1", 2, 1, 10)
	f.mustCreate(t, "u2", 8, 4, 40)
	require.NoError(t, f.svc.Stop(context.Background(), "vps-u1-2"))
	require.NoError(t, f.svc.Suspend(context.Background(), "vps-u2-1", "abuse", "admin-1"))

	totals := f.svc.Totals()
	require.Equal(t, ServerTotals{
		Owners: 2, Total: 3, Running: 1, Stopped: 1, Suspended: 1,
		RAMGB: 14, CPU: 7, DiskGB: 70,
	}, totals)
}

func TestListVisibility(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "u1", 4, 2, 20)
	f.mustCreate(t, "u2", 2, 1, 10)
	require.NoError(t, f.svc.Share("vps-u2-1", "u1"))

	own := f.svc.List("u1", false)
	require.Len(t, own["u1"], 1)
	require.Len(t, own["u2"], 1)

	all := f.svc.List("admin-1", true)
	require.Len(t, all, 2)

	other := f.svc.List("u3", false)
	require.Empty(t, other)
}
