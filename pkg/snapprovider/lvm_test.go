package snapprovider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/snapset/pkg/snaptypes"
)

const lvsRoot = `  {
      "report": [
          {
              "lv": [
                  {"vg_name":"fedora", "lv_name":"root", "lv_attr":"owi-aos---", "origin":"", "pool_lv":"", "lv_size":"21474836480", "data_percent":"", "lv_role":"public,origin,thickorigin", "vg_extent_size":"4194304", "vg_free":"53687091200"}
              ]
          }
      ]
  }
`

const lvsSnapshot = `  {
      "report": [
          {
              "lv": [
                  {"vg_name":"fedora", "lv_name":"root-snapset_nightly_1700000000_-", "lv_attr":"swi-a-s---", "origin":"root", "pool_lv":"", "lv_size":"2147483648", "data_percent":"15.00", "lv_role":"public,snapshot,thicksnapshot", "vg_extent_size":"4194304", "vg_free":"51539607552"}
              ]
          }
      ]
  }
`

const lvsAll = `  {
      "report": [
          {
              "lv": [
                  {"vg_name":"fedora", "lv_name":"root", "lv_attr":"owi-aos---", "origin":"", "pool_lv":"", "lv_size":"21474836480", "data_percent":"", "lv_role":"public,origin,thickorigin", "vg_extent_size":"4194304", "vg_free":"51539607552"},
                  {"vg_name":"fedora", "lv_name":"root-snapset_nightly_1700000000_-", "lv_attr":"swi-a-s---", "origin":"root", "pool_lv":"", "lv_size":"2147483648", "data_percent":"15.00", "lv_role":"public,snapshot,thicksnapshot", "vg_extent_size":"4194304", "vg_free":"51539607552"},
                  {"vg_name":"fedora", "lv_name":"root-manual", "lv_attr":"swi-a-s---", "origin":"root", "pool_lv":"", "lv_size":"1073741824", "data_percent":"1.00", "lv_role":"public,snapshot,thicksnapshot", "vg_extent_size":"4194304", "vg_free":"51539607552"},
                  {"vg_name":"fedora", "lv_name":"pool0", "lv_attr":"twi-aotz--", "origin":"", "pool_lv":"", "lv_size":"10737418240", "data_percent":"40.00", "lv_role":"private", "vg_extent_size":"4194304", "vg_free":"51539607552"},
                  {"vg_name":"fedora", "lv_name":"home", "lv_attr":"Vwi-aotz--", "origin":"", "pool_lv":"pool0", "lv_size":"5368709120", "data_percent":"30.00", "lv_role":"public", "vg_extent_size":"4194304", "vg_free":"51539607552"},
                  {"vg_name":"fedora", "lv_name":"home-snapset_nightly_1700000000_-home", "lv_attr":"Vwi---tz-k", "origin":"home", "pool_lv":"pool0", "lv_size":"5368709120", "data_percent":"", "lv_role":"public,snapshot,thinsnapshot", "vg_extent_size":"4194304", "vg_free":"51539607552"}
              ]
          }
      ]
  }
`

const lvsPool = `{"report": [{"lv": [{"vg_name":"fedora", "lv_name":"pool0", "lv_attr":"twi-aotz--", "origin":"", "pool_lv":"", "lv_size":"10737418240", "data_percent":"40.00", "lv_role":"private", "vg_extent_size":"4194304", "vg_free":"51539607552"}]}]}`

const lvsHome = `{"report": [{"lv": [{"vg_name":"fedora", "lv_name":"home", "lv_attr":"Vwi-aotz--", "origin":"", "pool_lv":"pool0", "lv_size":"5368709120", "data_percent":"30.00", "lv_role":"public", "vg_extent_size":"4194304", "vg_free":"51539607552"}]}]}`

const snapName = "root-snapset_nightly_1700000000_-"

func lvsCmd(selector string) string {
	return strings.TrimSpace("lvs --reportformat json --units b --nosuffix --options " + lvsFields + " " + selector)
}

func TestParseLvsReport(t *testing.T) {
	rows, err := parseLvsReport([]byte(lvsAll))
	assert.Ok(t, err)
	assert.Assert(t, len(rows) == 6)
	assert.EqualString(t, rows[1].originID(), "fedora/root")
	assert.Assert(t, rows[4].isThinVolume())
	assert.Assert(t, !rows[0].isThinVolume())

	free, err := rows[1].unusedFraction()
	assert.Ok(t, err)
	assert.Assert(t, free > 0.849 && free < 0.851)

	_, err = parseLvsReport([]byte("garbage"))
	assert.Assert(t, err != nil)
}

func TestLvmCowProbe(t *testing.T) {
	runner := newScriptedRunner().
		on("dmsetup info -c --noheadings -o uuid /dev/mapper/fedora-root", "LVM-Jk3n2\n").
		on(lvsCmd("/dev/mapper/fedora-root"), lvsRoot).
		on(lvsCmd("/dev/mapper/fedora-root"), lvsRoot)

	vol, err := Lvm2Cow(runner, nil).Probe(context.Background(), "/dev/mapper/fedora-root")
	assert.Ok(t, err)
	assert.EqualString(t, vol.Origin, "fedora/root")
	assert.EqualString(t, vol.SpacePool, "fedora")
	assert.EqualString(t, string(vol.Kind), "lvm2-cow")
	assert.Assert(t, vol.SizeBytes == 21474836480)
	assert.Assert(t, vol.PoolFreeBytes == 53687091200)
	assert.Assert(t, vol.Granularity == 4194304)
	assert.Assert(t, vol.MinSnapshotSize == minCowSnapshot)

	// thin provider does not claim a thick LV
	runner.on("dmsetup info -c --noheadings -o uuid /dev/mapper/fedora-root", "LVM-Jk3n2\n")
	thinVol, err := Lvm2Thin(runner, nil).Probe(context.Background(), "/dev/mapper/fedora-root")
	assert.Ok(t, err)
	assert.Assert(t, thinVol == nil)
}

func TestLvmProbeIgnoresNonLvmDevices(t *testing.T) {
	runner := newScriptedRunner().on("dmsetup info -c --noheadings -o uuid /dev/sda1", "")

	vol, err := Lvm2Cow(runner, nil).Probe(context.Background(), "/dev/sda1")
	assert.Ok(t, err)
	assert.Assert(t, vol == nil)
}

func TestLvmThinProbe(t *testing.T) {
	runner := newScriptedRunner().
		on("dmsetup info -c --noheadings -o uuid /dev/mapper/fedora-home", "LVM-Xyz\n").
		on(lvsCmd("/dev/mapper/fedora-home"), lvsHome).
		on(lvsCmd("fedora/pool0"), lvsPool)

	vol, err := Lvm2Thin(runner, nil).Probe(context.Background(), "/dev/mapper/fedora-home")
	assert.Ok(t, err)
	assert.EqualString(t, vol.SpacePool, "fedora/pool0")
	assert.Assert(t, vol.PoolFreeBytes == 6442450944) // 60 % of 10 GiB
	assert.Assert(t, vol.MinSnapshotSize == 0)
}

func TestLvmCowCreateSnapshot(t *testing.T) {
	runner := newScriptedRunner().
		onErr(lvsCmd("fedora/"+snapName), `  Failed to find logical volume "fedora/`+snapName+`"`).
		on("lvcreate --snapshot --name "+snapName+" --size 2147483648b fedora/root", "").
		on(lvsCmd("fedora/"+snapName), lvsSnapshot)

	source := snaptypes.SourceVolume{Origin: "fedora/root", Kind: snaptypes.KindLvm2Cow}

	handle, err := Lvm2Cow(runner, nil).CreateSnapshot(context.Background(), source, snapName, 2147483648)
	assert.Ok(t, err)
	assert.EqualString(t, handle.ID, "fedora/"+snapName)
	assert.EqualString(t, handle.Origin, "fedora/root")
	assert.Assert(t, handle.SizeBytes == 2147483648)
	assert.Assert(t, len(runner.calls) == 3)
}

func TestLvmCreateSnapshotIsIdempotent(t *testing.T) {
	runner := newScriptedRunner().
		on(lvsCmd("fedora/"+snapName), lvsSnapshot).
		on(lvsCmd("fedora/"+snapName), lvsSnapshot)

	provider := Lvm2Cow(runner, nil)
	source := snaptypes.SourceVolume{Origin: "fedora/root", Kind: snaptypes.KindLvm2Cow}

	first, err := provider.CreateSnapshot(context.Background(), source, snapName, 2147483648)
	assert.Ok(t, err)

	second, err := provider.CreateSnapshot(context.Background(), source, snapName, 2147483648)
	assert.Ok(t, err)

	assert.Assert(t, first == second)
	assert.EqualString(t, strings.Join(runner.calls, "\n"), lvsCmd("fedora/"+snapName)+"\n"+lvsCmd("fedora/"+snapName))
}

func TestLvmCreateSnapshotNameCollision(t *testing.T) {
	runner := newScriptedRunner().on(lvsCmd("fedora/"+snapName), lvsSnapshot)

	source := snaptypes.SourceVolume{Origin: "fedora/var", Kind: snaptypes.KindLvm2Cow}

	_, err := Lvm2Cow(runner, nil).CreateSnapshot(context.Background(), source, snapName, 2147483648)
	assert.Assert(t, errors.Is(err, snaptypes.ErrNameCollision))
}

func TestLvmListSnapshots(t *testing.T) {
	runner := newScriptedRunner().
		on(lvsCmd(""), lvsAll).
		on(lvsCmd(""), lvsAll)

	cow, err := Lvm2Cow(runner, nil).ListSnapshots(context.Background(), "")
	assert.Ok(t, err)
	assert.Assert(t, len(cow) == 1) // "root-manual" does not follow the naming convention
	assert.EqualString(t, cow[0].Name, snapName)

	thin, err := Lvm2Thin(runner, nil).ListSnapshots(context.Background(), "")
	assert.Ok(t, err)
	assert.Assert(t, len(thin) == 1)
	assert.EqualString(t, thin[0].ID, "fedora/home-snapset_nightly_1700000000_-home")
	assert.EqualString(t, thin[0].Origin, "fedora/home")
}

func TestLvmDeleteMapsNotFound(t *testing.T) {
	runner := newScriptedRunner().onErr("lvremove --yes fedora/gone", `  Failed to find logical volume "fedora/gone"`)

	err := Lvm2Cow(runner, nil).DeleteSnapshot(context.Background(), snaptypes.MemberHandle{ID: "fedora/gone"})
	assert.Assert(t, snaptypes.IsNotFound(err))
	assert.Assert(t, !snaptypes.IsBackendFailure(err))
}

func TestLvmFreeSpaceAndResize(t *testing.T) {
	runner := newScriptedRunner().
		on(lvsCmd("fedora/"+snapName), lvsSnapshot).
		on("lvextend --size 2576980378b fedora/"+snapName, "")

	provider := Lvm2Cow(runner, nil)
	handle := snaptypes.MemberHandle{ID: "fedora/" + snapName}

	free, err := provider.FreeSpace(context.Background(), handle)
	assert.Ok(t, err)
	assert.Assert(t, free > 0.849 && free < 0.851)

	assert.Ok(t, provider.ResizeSnapshot(context.Background(), handle, 2576980378))

	err = Lvm2Thin(runner, nil).ResizeSnapshot(context.Background(), handle, 1)
	assert.EqualString(t, err.Error(), "unsupported operation: provider lvm2-thin does not support resize")
}

func TestLvmNameLength(t *testing.T) {
	long := strings.Repeat("x", 124)

	_, err := Lvm2Cow(newScriptedRunner(), nil).CreateSnapshot(
		context.Background(),
		snaptypes.SourceVolume{Origin: "vg/lv"},
		long,
		1)
	assert.Assert(t, errors.Is(err, snaptypes.ErrInvalidRequest))
}

func TestLvmRenameSnapshot(t *testing.T) {
	renamedName := "root-snapset_weekly_1700000000_-"
	renamedReport := strings.ReplaceAll(lvsSnapshot, snapName, renamedName)

	runner := newScriptedRunner().
		on("lvrename fedora "+snapName+" "+renamedName, "").
		on(lvsCmd("fedora/"+renamedName), renamedReport)

	handle, err := Lvm2Cow(runner, nil).RenameSnapshot(
		context.Background(),
		snaptypes.MemberHandle{ID: "fedora/" + snapName, Name: snapName},
		renamedName)
	assert.Ok(t, err)
	assert.EqualString(t, handle.ID, "fedora/"+renamedName)
	assert.EqualString(t, handle.Origin, "fedora/root")

	_, err = Lvm2Cow(runner, nil).RenameSnapshot(
		context.Background(),
		snaptypes.MemberHandle{ID: "fedora/" + snapName},
		strings.Repeat("x", 124))
	assert.Assert(t, errors.Is(err, snaptypes.ErrInvalidRequest))
}

type scriptedResponse struct {
	stdout string
	stderr string
	failed bool
}

// responds to exact command lines, in order of registration per command line
type scriptedRunner struct {
	responses map[string][]scriptedResponse
	calls     []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{responses: map[string][]scriptedResponse{}}
}

func (s *scriptedRunner) on(line string, stdout string) *scriptedRunner {
	s.responses[line] = append(s.responses[line], scriptedResponse{stdout: stdout})
	return s
}

func (s *scriptedRunner) onErr(line string, stderr string) *scriptedRunner {
	s.responses[line] = append(s.responses[line], scriptedResponse{stderr: stderr, failed: true})
	return s
}

func (s *scriptedRunner) Run(_ context.Context, command string, args ...string) ([]byte, error) {
	line := commandLine(command, args)
	s.calls = append(s.calls, line)

	queue := s.responses[line]
	if len(queue) == 0 {
		return nil, &snaptypes.BackendError{Command: line, Output: "unscripted call", Err: errors.New("exit status 1")}
	}

	response := queue[0]
	s.responses[line] = queue[1:]

	if response.failed {
		return nil, &snaptypes.BackendError{Command: line, Output: response.stderr, Err: errors.New("exit status 5")}
	}

	return []byte(response.stdout), nil
}
