package snapprovider

// snapshots using LVM2: classic copy-on-write snapshots and thin snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snaptypes"
)

const (
	lvmMaxNameLen = 127
	// COW snapshots reserve "_cow" suffix for the exception store device
	lvmCowSuffixLen = 4
	minCowSnapshot  = 512 * 1024 * 1024
)

var lvsFields = strings.Join([]string{
	"vg_name",
	"lv_name",
	"lv_attr",
	"origin",
	"pool_lv",
	"lv_size",
	"data_percent",
	"lv_role",
	"vg_extent_size",
	"vg_free",
}, ",")

func Lvm2Cow(runner Runner, logger *log.Logger) Provider {
	return &lvm2{false, runner, logex.Levels(logex.Prefix("lvm2-cow", logex.NonNil(logger)))}
}

func Lvm2Thin(runner Runner, logger *log.Logger) Provider {
	return &lvm2{true, runner, logex.Levels(logex.Prefix("lvm2-thin", logex.NonNil(logger)))}
}

type lvm2 struct {
	thin   bool
	runner Runner
	log    *logex.Leveled
}

func (l *lvm2) Kind() snaptypes.ProviderKind {
	if l.thin {
		return snaptypes.KindLvm2Thin
	}

	return snaptypes.KindLvm2Cow
}

func (l *lvm2) Capabilities() snaptypes.Capabilities {
	return snaptypes.Capabilities{
		Resize:       !l.thin, // thin snapshots allocate from the pool
		Autoactivate: true,
		Revert:       true,
		FreeSpace:    true,
		Activate:     true,
		Rename:       true,
	}
}

func (l *lvm2) Probe(ctx context.Context, device string) (*snaptypes.SourceVolume, error) {
	// device-mapper UUIDs of LVM devices start with "LVM-". anything else is not ours.
	dmUUID, err := l.runner.Run(ctx, "dmsetup", "info", "-c", "--noheadings", "-o", "uuid", device)
	if err != nil || !strings.HasPrefix(strings.TrimSpace(string(dmUUID)), "LVM-") {
		return nil, nil
	}

	rows, err := l.lvs(ctx, device)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("lvs %s: expected one logical volume, got %d", device, len(rows))
	}
	lv := rows[0]

	switch {
	case lv.merging():
		return nil, fmt.Errorf("%s: %w: snapshot merge in progress", lv.id(), snaptypes.ErrBusy)
	case lv.isThinVolume() != l.thin:
		return nil, nil
	case !l.thin && lv.volumeType() != '-' && lv.volumeType() != 'o':
		return nil, nil // not a plain LV (snapshot, pool, mirror, ...)
	}

	sizeBytes, err := lv.size()
	if err != nil {
		return nil, err
	}

	vol := &snaptypes.SourceVolume{
		Device:        device,
		Kind:          l.Kind(),
		Origin:        lv.id(),
		SizeBytes:     sizeBytes,
		MaxNameLength: l.maxNameLength(),
	}

	if l.thin {
		pool, err := l.lvsOne(ctx, lv.VgName+"/"+lv.PoolLv)
		if err != nil {
			return nil, err
		}

		poolFree, err := pool.unusedBytes()
		if err != nil {
			return nil, err
		}

		vol.SpacePool = pool.id()
		vol.PoolFreeBytes = poolFree
		vol.Granularity = snaptypes.SectorSize
	} else {
		vgFree, err := parseBytes(lv.VgFree)
		if err != nil {
			return nil, err
		}
		extentSize, err := parseBytes(lv.VgExtentSize)
		if err != nil {
			return nil, err
		}

		vol.SpacePool = lv.VgName
		vol.PoolFreeBytes = vgFree
		vol.Granularity = extentSize
		vol.MinSnapshotSize = minCowSnapshot
	}

	return vol, nil
}

func (l *lvm2) CreateSnapshot(
	ctx context.Context,
	source snaptypes.SourceVolume,
	name string,
	size uint64,
) (snaptypes.MemberHandle, error) {
	if err := l.validateName(name); err != nil {
		return snaptypes.MemberHandle{}, err
	}

	vgName, _, _ := strings.Cut(source.Origin, "/")
	target := vgName + "/" + name

	existing, err := l.lvsOne(ctx, target)
	switch {
	case err == nil:
		if existing.originID() != source.Origin {
			return snaptypes.MemberHandle{}, fmt.Errorf(
				"%w: %s exists with origin %s",
				snaptypes.ErrNameCollision,
				target,
				existing.originID())
		}

		l.log.Info.Printf("snapshot %s already exists; reusing", target)

		return existing.handle(l.Kind())
	case !snaptypes.IsNotFound(err):
		return snaptypes.MemberHandle{}, err
	}

	args := []string{"--snapshot", "--name", name}
	if !l.thin {
		args = append(args, "--size", fmt.Sprintf("%db", size))
	}
	args = append(args, source.Origin)

	if _, err := l.runner.Run(ctx, "lvcreate", args...); err != nil {
		return snaptypes.MemberHandle{}, err
	}

	created, err := l.lvsOne(ctx, target)
	if err != nil {
		return snaptypes.MemberHandle{}, fmt.Errorf("created %s but failed to read it back: %w", target, err)
	}

	return created.handle(l.Kind())
}

func (l *lvm2) DeleteSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error {
	_, err := l.runner.Run(ctx, "lvremove", "--yes", handle.ID)
	return classify(err, handle.ID)
}

func (l *lvm2) ListSnapshots(ctx context.Context, origin string) ([]snaptypes.MemberHandle, error) {
	var selector []string
	if origin != "" {
		vgName, _, _ := strings.Cut(origin, "/")
		selector = []string{vgName}
	}

	rows, err := l.lvs(ctx, selector...)
	if err != nil {
		return nil, err
	}

	handles := []snaptypes.MemberHandle{}
	for _, row := range rows {
		if !l.isOurKindOfSnapshot(row) {
			continue
		}

		if origin != "" && row.originID() != origin {
			continue
		}

		if _, ok := snaptypes.ParseMemberName(row.LvName, row.Origin); !ok {
			continue
		}

		handle, err := row.handle(l.Kind())
		if err != nil {
			return nil, err
		}

		handles = append(handles, handle)
	}

	return handles, nil
}

func (l *lvm2) ResizeSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newSize uint64) error {
	if l.thin {
		return snaptypes.Unsupported(l.Kind(), snaptypes.CapResize)
	}

	_, err := l.runner.Run(ctx, "lvextend", "--size", fmt.Sprintf("%db", newSize), handle.ID)
	return classify(err, handle.ID)
}

func (l *lvm2) RevertSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error {
	_, err := l.runner.Run(ctx, "lvconvert", "--merge", handle.ID)
	return classify(err, handle.ID)
}

func (l *lvm2) FreeSpace(ctx context.Context, handle snaptypes.MemberHandle) (float64, error) {
	lv, err := l.lvsOne(ctx, handle.ID)
	if err != nil {
		return 0, err
	}

	if lv.invalid() { // exhausted COW space, cannot be recovered
		return 0, nil
	}

	if l.thin {
		pool, err := l.lvsOne(ctx, lv.VgName+"/"+lv.PoolLv)
		if err != nil {
			return 0, err
		}

		return pool.unusedFraction()
	}

	return lv.unusedFraction()
}

func (l *lvm2) SetAutoactivate(ctx context.Context, handle snaptypes.MemberHandle, auto bool) error {
	skip := "y"
	if auto {
		skip = "n"
	}

	_, err := l.runner.Run(ctx, "lvchange", "--setactivationskip", skip, handle.ID)
	return classify(err, handle.ID)
}

func (l *lvm2) Activate(ctx context.Context, handle snaptypes.MemberHandle, active bool) error {
	activate := "n"
	if active {
		activate = "y"
	}

	_, err := l.runner.Run(ctx, "lvchange", "--activate", activate, "--ignoreactivationskip", handle.ID)
	return classify(err, handle.ID)
}

func (l *lvm2) RenameSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newName string) (snaptypes.MemberHandle, error) {
	if err := l.validateName(newName); err != nil {
		return snaptypes.MemberHandle{}, err
	}

	vgName, oldName, _ := strings.Cut(handle.ID, "/")

	if _, err := l.runner.Run(ctx, "lvrename", vgName, oldName, newName); err != nil {
		return snaptypes.MemberHandle{}, classify(err, handle.ID)
	}

	renamed, err := l.lvsOne(ctx, vgName+"/"+newName)
	if err != nil {
		return snaptypes.MemberHandle{}, fmt.Errorf("renamed %s but failed to read it back: %w", handle.ID, err)
	}

	return renamed.handle(l.Kind())
}

func (l *lvm2) maxNameLength() int {
	if l.thin {
		return lvmMaxNameLen
	}

	return lvmMaxNameLen - lvmCowSuffixLen
}

func (l *lvm2) validateName(name string) error {
	if maxLen := l.maxNameLength(); len(name) > maxLen {
		return fmt.Errorf(
			"%w: snapshot name %s exceeds %s limit of %d characters",
			snaptypes.ErrInvalidRequest,
			name,
			l.Kind(),
			maxLen)
	}

	return nil
}

func (l *lvm2) isOurKindOfSnapshot(row lvsRow) bool {
	if row.Origin == "" {
		return false
	}

	if l.thin {
		return row.isThinVolume()
	}

	return strings.Contains(row.LvRole, "snapshot") && !strings.Contains(row.LvRole, "thinsnapshot")
}

func (l *lvm2) lvs(ctx context.Context, selectors ...string) ([]lvsRow, error) {
	args := []string{"--reportformat", "json", "--units", "b", "--nosuffix", "--options", lvsFields}
	args = append(args, selectors...)

	output, err := l.runner.Run(ctx, "lvs", args...)
	if err != nil {
		return nil, classify(err, strings.Join(selectors, " "))
	}

	return parseLvsReport(output)
}

func (l *lvm2) lvsOne(ctx context.Context, id string) (*lvsRow, error) {
	rows, err := l.lvs(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(rows) != 1 {
		return nil, fmt.Errorf("%s: %w", id, snaptypes.ErrNotFound)
	}

	return &rows[0], nil
}

// see test for output example
type lvsReport struct {
	Report []struct {
		Lv []lvsRow `json:"lv"`
	} `json:"report"`
}

type lvsRow struct {
	VgName       string `json:"vg_name"`
	LvName       string `json:"lv_name"`
	LvAttr       string `json:"lv_attr"`
	Origin       string `json:"origin"`
	PoolLv       string `json:"pool_lv"`
	LvSize       string `json:"lv_size"`
	DataPercent  string `json:"data_percent"`
	LvRole       string `json:"lv_role"`
	VgExtentSize string `json:"vg_extent_size"`
	VgFree       string `json:"vg_free"`
}

func parseLvsReport(output []byte) ([]lvsRow, error) {
	report := lvsReport{}
	if err := json.Unmarshal(output, &report); err != nil {
		return nil, fmt.Errorf("parsing lvs report: %w", err)
	}

	rows := []lvsRow{}
	for _, section := range report.Report {
		rows = append(rows, section.Lv...)
	}

	return rows, nil
}

func (r lvsRow) id() string {
	return r.VgName + "/" + r.LvName
}

func (r lvsRow) originID() string {
	if r.Origin == "" {
		return ""
	}

	return r.VgName + "/" + r.Origin
}

// first lv_attr character: volume type
func (r lvsRow) volumeType() byte {
	if r.LvAttr == "" {
		return 0
	}

	return r.LvAttr[0]
}

func (r lvsRow) isThinVolume() bool {
	return r.volumeType() == 'V'
}

func (r lvsRow) merging() bool {
	return r.volumeType() == 'O'
}

// fifth lv_attr character: state. 'I' = invalid snapshot
func (r lvsRow) invalid() bool {
	return len(r.LvAttr) > 4 && r.LvAttr[4] == 'I'
}

func (r lvsRow) size() (uint64, error) {
	return parseBytes(r.LvSize)
}

func (r lvsRow) unusedFraction() (float64, error) {
	if r.DataPercent == "" {
		return 1, nil
	}

	used, err := strconv.ParseFloat(r.DataPercent, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad data_percent '%s'", r.id(), r.DataPercent)
	}

	return (100 - used) / 100, nil
}

func (r lvsRow) unusedBytes() (uint64, error) {
	size, err := r.size()
	if err != nil {
		return 0, err
	}

	unused, err := r.unusedFraction()
	if err != nil {
		return 0, err
	}

	return uint64(float64(size) * unused), nil
}

func (r lvsRow) handle(kind snaptypes.ProviderKind) (snaptypes.MemberHandle, error) {
	size, err := r.size()
	if err != nil {
		return snaptypes.MemberHandle{}, err
	}

	return snaptypes.MemberHandle{
		Kind:      kind,
		ID:        r.id(),
		Name:      r.LvName,
		Origin:    r.originID(),
		SizeBytes: size,
	}, nil
}

func parseBytes(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}

	num, err := strconv.ParseUint(strings.TrimSuffix(value, "B"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad byte value '%s'", value)
	}

	return num, nil
}
