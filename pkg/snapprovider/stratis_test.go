package snapprovider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/snapset/pkg/snaptypes"
)

const stratisReportCmd = "stratis --propagate report engine_state_report"

const stratisReportJSON = `{
    "name": "stratisd",
    "pools": [
        {
            "name": "p1",
            "uuid": "6a1c5e2d-1e1b-4c3f-9a0e-2c8b8f7d0a11",
            "total_physical_size": "21474836480",
            "total_physical_used": "5368709120",
            "filesystems": [
                {
                    "name": "fs1",
                    "uuid": "0b1d7e9a-3c2f-4a61-8e5d-9f4c2b7a6e01",
                    "size": "1099511627776",
                    "used": "1073741824",
                    "origin": "Not set"
                },
                {
                    "name": "fs1-snapset_nightly_1700000000_-srv",
                    "uuid": "7c4e1a2b-9d3f-4b8e-a1c6-5e2d8f0b3a77",
                    "size": "1099511627776",
                    "used": "1073741824",
                    "origin": "0b1d7e9a-3c2f-4a61-8e5d-9f4c2b7a6e01"
                },
                {
                    "name": "fs1-adhoc",
                    "uuid": "1f2e3d4c-5b6a-4978-8a9b-0c1d2e3f4a5b",
                    "size": "1099511627776",
                    "used": "0",
                    "origin": "0b1d7e9a-3c2f-4a61-8e5d-9f4c2b7a6e01"
                }
            ]
        }
    ]
}`

func TestStratisProbe(t *testing.T) {
	runner := newScriptedRunner().on(stratisReportCmd, stratisReportJSON).on(stratisReportCmd, stratisReportJSON)

	provider := Stratis(runner, nil)

	vol, err := provider.Probe(context.Background(), "/dev/stratis/p1/fs1")
	assert.Ok(t, err)
	assert.EqualString(t, vol.Origin, "p1/fs1")
	assert.EqualString(t, vol.SpacePool, "p1")
	assert.Assert(t, vol.PoolFreeBytes == 16106127360)
	assert.Assert(t, vol.MinSnapshotSize == minStratisSnapshot)

	vol, err = provider.Probe(context.Background(), "/dev/mapper/stratis-1-6a1c5e2d1e1b4c3f9a0e2c8b8f7d0a11-thin-fs-0b1d7e9a3c2f4a618e5d9f4c2b7a6e01")
	assert.Ok(t, err)
	assert.EqualString(t, vol.Origin, "p1/fs1")

	vol, err = provider.Probe(context.Background(), "/dev/mapper/fedora-root")
	assert.Ok(t, err)
	assert.Assert(t, vol == nil)
	assert.Assert(t, len(runner.calls) == 2) // last probe didn't need the report
}

func TestStratisListAndFreeSpace(t *testing.T) {
	runner := newScriptedRunner().on(stratisReportCmd, stratisReportJSON).on(stratisReportCmd, stratisReportJSON)

	provider := Stratis(runner, nil)

	handles, err := provider.ListSnapshots(context.Background(), "p1/fs1")
	assert.Ok(t, err)
	assert.Assert(t, len(handles) == 1)
	assert.EqualString(t, handles[0].ID, "p1/fs1-snapset_nightly_1700000000_-srv")
	assert.EqualString(t, handles[0].Origin, "p1/fs1")

	free, err := provider.FreeSpace(context.Background(), handles[0])
	assert.Ok(t, err)
	assert.Assert(t, free == 0.75)
}

func TestStratisCreateSnapshot(t *testing.T) {
	name := "fs1-snapset_weekly_1700000000_-srv"

	created := `{"pools": [{"name": "p1", "uuid": "6a1c5e2d-1e1b-4c3f-9a0e-2c8b8f7d0a11", "total_physical_size": "100", "total_physical_used": "0", "filesystems": [
		{"name": "fs1", "uuid": "0b1d7e9a-3c2f-4a61-8e5d-9f4c2b7a6e01", "size": "1024", "used": "0", "origin": "Not set"},
		{"name": "` + name + `", "uuid": "9a9a9a9a-3c2f-4a61-8e5d-9f4c2b7a6e01", "size": "1024", "used": "0", "origin": "0b1d7e9a-3c2f-4a61-8e5d-9f4c2b7a6e01"}]}]}`

	runner := newScriptedRunner().
		on(stratisReportCmd, stratisReportJSON).
		on("stratis filesystem snapshot p1 fs1 "+name, "").
		on(stratisReportCmd, created)

	handle, err := Stratis(runner, nil).CreateSnapshot(
		context.Background(),
		snaptypes.SourceVolume{Origin: "p1/fs1"},
		name,
		0)
	assert.Ok(t, err)
	assert.EqualString(t, handle.ID, "p1/"+name)
	assert.EqualString(t, handle.Origin, "p1/fs1")
}

func TestStratisRenameSnapshot(t *testing.T) {
	oldName := "fs1-snapset_nightly_1700000000_-srv"
	newName := "fs1-snapset_keep_1700000000_-srv"

	runner := newScriptedRunner().
		on("stratis filesystem rename p1 "+oldName+" "+newName, "").
		on(stratisReportCmd, strings.ReplaceAll(stratisReportJSON, oldName, newName))

	handle, err := Stratis(runner, nil).RenameSnapshot(
		context.Background(),
		snaptypes.MemberHandle{ID: "p1/" + oldName, Name: oldName},
		newName)
	assert.Ok(t, err)
	assert.EqualString(t, handle.ID, "p1/"+newName)
	assert.EqualString(t, handle.Origin, "p1/fs1")
}

func TestStratisUnsupported(t *testing.T) {
	provider := Stratis(newScriptedRunner(), nil)

	err := provider.ResizeSnapshot(context.Background(), snaptypes.MemberHandle{}, 1)

	var unsupported *snaptypes.UnsupportedOperationError
	assert.Assert(t, errors.As(err, &unsupported))
	assert.EqualString(t, string(unsupported.Capability), "resize")
	assert.EqualString(t, string(unsupported.Kind), "stratis")

	assert.Assert(t, snaptypes.IsUnsupported(provider.SetAutoactivate(context.Background(), snaptypes.MemberHandle{}, true)))
}
