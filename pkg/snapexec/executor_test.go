package snapexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snapdb"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
)

const gib = 1024 * 1024 * 1024

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var allCaps = snaptypes.Capabilities{Resize: true, Autoactivate: true, Revert: true, FreeSpace: true, Activate: true, Rename: true}

func TestCreateAtomicSuccess(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/var"))
	assert.Ok(t, err)
	assert.EqualString(t, string(set.State), "active")
	assert.Assert(t, len(set.Members) == 2)

	for _, member := range set.Members {
		assert.EqualString(t, string(member.State), "created")

		_, exists := env.cow.Snapshot(member.Handle.ID)
		assert.Assert(t, exists)
	}

	stored, err := env.registry.Get(set.ID)
	assert.Ok(t, err)
	assert.EqualString(t, string(stored.State), "active")

	assert.EqualString(t, strings.Join(env.cow.Calls(), "\n"), strings.Join([]string{
		"create root-snapset_nightly_1709294400_-",
		"autoactivate vg/root-snapset_nightly_1709294400_- false",
		"create var-snapset_nightly_1709294400_-var",
		"autoactivate vg/var-snapset_nightly_1709294400_-var false",
	}, "\n"))
}

func TestCreateAtomicRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.cow.FailCreate("vg/var", &snaptypes.BackendError{Command: "lvcreate", Output: "Insufficient free space", Err: errors.New("exit status 5")})

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/var", "/home"))
	assert.Assert(t, set == nil)
	assert.Assert(t, snaptypes.IsBackendFailure(err))
	assert.EqualString(t, err.Error(), "create nightly@1709294400: lvcreate failed: exit status 5, output: Insufficient free space")

	// no record, no snapshots. /home was never attempted.
	_, err = env.registry.Get("nightly@1709294400")
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))

	leftovers, err := env.cow.ListSnapshots(context.Background(), "")
	assert.Ok(t, err)
	assert.Assert(t, len(leftovers) == 0)

	assert.EqualString(t, env.cow.Calls()[len(env.cow.Calls())-1], "delete vg/root-snapset_nightly_1709294400_-")
}

func TestCreateAtomicRollbackFailureKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.cow.FailCreate("vg/var", errors.New("boom"))
	env.cow.FailDelete("vg/root-snapset_nightly_1709294400_-", errors.New("LV in use"))

	_, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/var"))
	assert.EqualString(t, err.Error(), "create nightly@1709294400: boom; 1 snapshot(s) left behind by failed rollback")

	stored, err := env.registry.Get("nightly@1709294400")
	assert.Ok(t, err)
	assert.EqualString(t, string(stored.State), "failed")
	assert.EqualString(t, string(stored.Members[0].State), "created")
	assert.EqualString(t, string(stored.Members[1].State), "failed")

	// leftover can be cleaned up once the backend cooperates
	env.cow.FailDelete("vg/root-snapset_nightly_1709294400_-", nil)
	assert.Ok(t, env.exec.Delete(context.Background(), stored.ID))
}

func TestCreatePartialKeepsSuccessfulMembers(t *testing.T) {
	env := newTestEnv(t)
	env.cow.FailCreate("vg/var", errors.New("boom"))

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModePartial, "/", "/var", "/home"))
	assert.Assert(t, snaptypes.IsPartialFailure(err))
	assert.EqualString(t, err.Error(), "create nightly@1709294400: partial failure: create failed for 1 member(s): /var: boom")

	assert.EqualString(t, string(set.State), "partial")
	assert.EqualString(t, string(set.Members[0].State), "created")
	assert.EqualString(t, string(set.Members[1].State), "failed")
	assert.EqualString(t, set.Members[1].Error, "boom")
	assert.EqualString(t, string(set.Members[2].State), "created")

	stored, err := env.registry.Get(set.ID)
	assert.Ok(t, err)
	assert.EqualString(t, string(stored.State), "partial")
}

func TestCreatePartialWithNothingCreatedIsAtomicFailure(t *testing.T) {
	env := newTestEnv(t)
	env.cow.FailCreate("vg/root", errors.New("boom"))

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModePartial, "/"))
	assert.Assert(t, set == nil)
	assert.EqualString(t, err.Error(), "create nightly@1709294400: boom")

	_, err = env.registry.Get("nightly@1709294400")
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))
}

func TestCreateCancelledSkipsRemainingMembers(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	set, err := env.exec.Create(ctx, env.plan(snaptypes.ModeAtomic, "/", "/var"))
	assert.Assert(t, set == nil)
	assert.Assert(t, errors.Is(err, context.Canceled))
	assert.Assert(t, len(env.cow.Calls()) == 0)
}

func TestCreateIsIdempotentForRetries(t *testing.T) {
	env := newTestEnv(t)

	plan := env.plan(snaptypes.ModeAtomic, "/var")

	// earlier attempt got as far as creating the snapshot
	earlier, err := env.cow.CreateSnapshot(context.Background(), plan.Members[0].Source, plan.Members[0].TargetName, gib)
	assert.Ok(t, err)

	set, err := env.exec.Create(context.Background(), plan)
	assert.Ok(t, err)
	assert.EqualString(t, set.Members[0].Handle.ID, earlier.ID)

	all, err := env.cow.ListSnapshots(context.Background(), "")
	assert.Ok(t, err)
	assert.Assert(t, len(all) == 1)
}

func TestRevert(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/var"))
	assert.Ok(t, err)

	reverted, err := env.exec.Revert(context.Background(), set.ID)
	assert.Ok(t, err)
	assert.EqualString(t, string(reverted.State), "active")

	calls := env.cow.Calls()
	assert.EqualString(t, calls[len(calls)-2], "revert vg/root-snapset_nightly_1709294400_-")
	assert.EqualString(t, calls[len(calls)-1], "revert vg/var-snapset_nightly_1709294400_-var")
}

func TestRevertChecksCapabilitiesBeforeTouchingAnything(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/srv"))
	assert.Ok(t, err)

	_, err = env.exec.Revert(context.Background(), set.ID)
	assert.Assert(t, snaptypes.IsUnsupported(err))
	assert.EqualString(t, err.Error(), "revert nightly@1709294400: member /srv: unsupported operation: provider stratis does not support revert")

	for _, call := range env.cow.Calls() {
		assert.Assert(t, !strings.HasPrefix(call, "revert"))
	}

	stored, err := env.registry.Get(set.ID)
	assert.Ok(t, err)
	assert.EqualString(t, string(stored.State), "active")
}

func TestRevertOnlyActiveSets(t *testing.T) {
	env := newTestEnv(t)
	env.cow.FailCreate("vg/var", errors.New("boom"))

	set, _ := env.exec.Create(context.Background(), env.plan(snaptypes.ModePartial, "/", "/var"))

	_, err := env.exec.Revert(context.Background(), set.ID)
	assert.Assert(t, errors.Is(err, snaptypes.ErrInvalidState))
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/var"))
	assert.Ok(t, err)

	// already gone is fine
	env.cow.RemoveSnapshot(set.Members[0].Handle.ID)

	assert.Ok(t, env.exec.Delete(context.Background(), set.ID))

	_, err = env.registry.Get(set.ID)
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))

	err = env.exec.Delete(context.Background(), set.ID)
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))
}

func TestDeleteFailureKeepsRecordDeleting(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/", "/var"))
	assert.Ok(t, err)

	env.cow.FailDelete(set.Members[1].Handle.ID, errors.New("Logical volume in use"))

	err = env.exec.Delete(context.Background(), set.ID)
	assert.Assert(t, snaptypes.IsPartialFailure(err))
	assert.EqualString(t, err.Error(), "delete nightly@1709294400: partial failure: delete failed for 1 member(s): /var: Logical volume in use")

	var opErr *snaptypes.OpError
	assert.Assert(t, errors.As(err, &opErr))
	assert.EqualString(t, opErr.Target, "nightly@1709294400")

	stored, err := env.registry.Get(set.ID)
	assert.Ok(t, err)
	assert.EqualString(t, string(stored.State), "deleting")
	assert.EqualString(t, string(stored.Members[0].State), "deleted")
	assert.EqualString(t, string(stored.Members[1].State), "created")

	env.cow.FailDelete(set.Members[1].Handle.ID, nil)
	assert.Ok(t, env.exec.Delete(context.Background(), set.ID))
}

func TestDeleteBusySet(t *testing.T) {
	env := newTestEnv(t)

	set := snaptypes.NewSetFromPlan(env.plan(snaptypes.ModeAtomic, "/"), t0)
	assert.Ok(t, env.registry.Put(set)) // state "creating"

	err := env.exec.Delete(context.Background(), set.ID)
	assert.Assert(t, snaptypes.IsBusy(err))
}

func TestActivate(t *testing.T) {
	env := newTestEnv(t)

	set, err := env.exec.Create(context.Background(), env.plan(snaptypes.ModeAtomic, "/var"))
	assert.Ok(t, err)

	_, err = env.exec.Activate(context.Background(), set.ID, true)
	assert.Ok(t, err)

	calls := env.cow.Calls()
	assert.EqualString(t, calls[len(calls)-1], "activate vg/var-snapset_nightly_1709294400_-var true")

	withStratis, err := env.exec.Create(context.Background(), env.planNamed("other", snaptypes.ModeAtomic, "/srv"))
	assert.Ok(t, err)

	_, err = env.exec.Activate(context.Background(), withStratis.ID, false)
	assert.Assert(t, snaptypes.IsUnsupported(err))
}

type testEnv struct {
	registry *snapdb.Registry
	cow      *snapprovider.Memory
	stratis  *snapprovider.Memory
	exec     *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry, err := snapdb.Open(t.TempDir(), logex.Discard)
	assert.Ok(t, err)

	cow := snapprovider.NewMemory(snaptypes.KindLvm2Cow, allCaps)
	stratis := snapprovider.NewMemory(snaptypes.KindStratis, snaptypes.Capabilities{FreeSpace: true})

	exec := New(registry, snapprovider.NewSet(cow, stratis), logex.Discard)
	exec.now = func() time.Time { return t0 }

	return &testEnv{registry, cow, stratis, exec}
}

func (e *testEnv) plan(mode snaptypes.CreateMode, mounts ...string) snaptypes.Plan {
	return e.planNamed("nightly", mode, mounts...)
}

// /srv is on stratis, everything else on lvm2-cow
func (e *testEnv) planNamed(name string, mode snaptypes.CreateMode, mounts ...string) snaptypes.Plan {
	members := []snaptypes.PlannedMember{}
	for _, mount := range mounts {
		originName := "root"
		if mount != "/" {
			originName = mount[1:]
		}

		vol := snaptypes.SourceVolume{
			MountPoint: mount,
			Device:     "/dev/mapper/vg-" + originName,
			Kind:       snaptypes.KindLvm2Cow,
			Origin:     "vg/" + originName,
			SpacePool:  "vg",
			SizeBytes:  10 * gib,
		}
		if mount == "/srv" {
			vol.Kind = snaptypes.KindStratis
			vol.Origin = "pool/" + originName
			vol.SpacePool = "pool"
		}

		members = append(members, snaptypes.PlannedMember{
			Source:     vol,
			TargetName: snaptypes.FormatMemberName(originName, name, t0, mount),
			SizeBytes:  gib,
		})
	}

	return snaptypes.Plan{
		SetName:   name,
		Timestamp: t0,
		UUID:      snaptypes.SetUUID(name, t0),
		Mode:      mode,
		Members:   members,
	}
}
