package snapprovider

// snapshots of Stratis filesystems, driven through the stratis CLI

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/snaptypes"
)

const (
	stratisDevPrefix   = "/dev/stratis/"
	minStratisSnapshot = 512 * 1024 * 1024
)

// /dev/mapper/stratis-1-<pool uuid>-thin-fs-<fs uuid>
var stratisMapperRe = regexp.MustCompile(`^/dev/mapper/stratis-1-([0-9a-f]{32})-thin-fs-([0-9a-f]{32})$`)

func Stratis(runner Runner, logger *log.Logger) Provider {
	return &stratis{runner, logex.Levels(logex.Prefix("stratis", logex.NonNil(logger)))}
}

type stratis struct {
	runner Runner
	log    *logex.Leveled
}

func (s *stratis) Kind() snaptypes.ProviderKind {
	return snaptypes.KindStratis
}

func (s *stratis) Capabilities() snaptypes.Capabilities {
	return snaptypes.Capabilities{
		Revert:    true,
		FreeSpace: true,
		Rename:    true,
	}
}

func (s *stratis) Probe(ctx context.Context, device string) (*snaptypes.SourceVolume, error) {
	if !strings.HasPrefix(device, stratisDevPrefix) && !stratisMapperRe.MatchString(device) {
		return nil, nil
	}

	report, err := s.report(ctx)
	if err != nil {
		return nil, err
	}

	pool, fs := report.filesystemForDevice(device)
	if fs == nil {
		return nil, fmt.Errorf("%s: %w in stratis report", device, snaptypes.ErrNotFound)
	}

	size, err := parseBytes(fs.Size)
	if err != nil {
		return nil, err
	}

	poolFree, err := pool.freeBytes()
	if err != nil {
		return nil, err
	}

	return &snaptypes.SourceVolume{
		Device:          device,
		Kind:            s.Kind(),
		Origin:          pool.Name + "/" + fs.Name,
		SpacePool:       pool.Name,
		SizeBytes:       size,
		PoolFreeBytes:   poolFree,
		Granularity:     snaptypes.SectorSize,
		MinSnapshotSize: minStratisSnapshot,
	}, nil
}

func (s *stratis) CreateSnapshot(
	ctx context.Context,
	source snaptypes.SourceVolume,
	name string,
	_ uint64, // stratis snapshots are thinly provisioned from the pool
) (snaptypes.MemberHandle, error) {
	poolName, originName, _ := strings.Cut(source.Origin, "/")

	report, err := s.report(ctx)
	if err != nil {
		return snaptypes.MemberHandle{}, err
	}

	if pool, existing := report.filesystem(poolName, name); existing != nil {
		handle, err := pool.handle(*existing)
		if err != nil {
			return snaptypes.MemberHandle{}, err
		}

		if handle.Origin != source.Origin {
			return snaptypes.MemberHandle{}, fmt.Errorf(
				"%w: %s/%s exists with origin %s",
				snaptypes.ErrNameCollision,
				poolName,
				name,
				handle.Origin)
		}

		s.log.Info.Printf("snapshot %s/%s already exists; reusing", poolName, name)

		return handle, nil
	}

	if _, err := s.runner.Run(ctx, "stratis", "filesystem", "snapshot", poolName, originName, name); err != nil {
		return snaptypes.MemberHandle{}, err
	}

	report, err = s.report(ctx)
	if err != nil {
		return snaptypes.MemberHandle{}, err
	}

	pool, created := report.filesystem(poolName, name)
	if created == nil {
		return snaptypes.MemberHandle{}, fmt.Errorf("created %s/%s but it is missing from report", poolName, name)
	}

	return pool.handle(*created)
}

func (s *stratis) DeleteSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error {
	poolName, fsName, _ := strings.Cut(handle.ID, "/")

	_, err := s.runner.Run(ctx, "stratis", "filesystem", "destroy", poolName, fsName)
	return classify(err, handle.ID)
}

func (s *stratis) ListSnapshots(ctx context.Context, origin string) ([]snaptypes.MemberHandle, error) {
	report, err := s.report(ctx)
	if err != nil {
		return nil, err
	}

	handles := []snaptypes.MemberHandle{}
	for _, pool := range report.Pools {
		for _, fs := range pool.Filesystems {
			if !fs.isSnapshot() {
				continue
			}

			handle, err := pool.handle(fs)
			if err != nil {
				return nil, err
			}

			if origin != "" && handle.Origin != origin {
				continue
			}

			_, originName, _ := strings.Cut(handle.Origin, "/")
			if _, ok := snaptypes.ParseMemberName(fs.Name, originName); !ok {
				continue
			}

			handles = append(handles, handle)
		}
	}

	return handles, nil
}

func (s *stratis) ResizeSnapshot(_ context.Context, _ snaptypes.MemberHandle, _ uint64) error {
	return snaptypes.Unsupported(s.Kind(), snaptypes.CapResize)
}

func (s *stratis) RevertSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error {
	poolName, fsName, _ := strings.Cut(handle.ID, "/")

	_, err := s.runner.Run(ctx, "stratis", "filesystem", "schedule-revert", poolName, fsName)
	return classify(err, handle.ID)
}

// stratis snapshots share the pool's space, so headroom is the pool's
func (s *stratis) FreeSpace(ctx context.Context, handle snaptypes.MemberHandle) (float64, error) {
	poolName, _, _ := strings.Cut(handle.ID, "/")

	report, err := s.report(ctx)
	if err != nil {
		return 0, err
	}

	for _, pool := range report.Pools {
		if pool.Name == poolName {
			return pool.freeFraction()
		}
	}

	return 0, fmt.Errorf("pool %s: %w", poolName, snaptypes.ErrNotFound)
}

func (s *stratis) SetAutoactivate(_ context.Context, _ snaptypes.MemberHandle, _ bool) error {
	return snaptypes.Unsupported(s.Kind(), snaptypes.CapAutoactivate)
}

func (s *stratis) Activate(_ context.Context, _ snaptypes.MemberHandle, _ bool) error {
	return snaptypes.Unsupported(s.Kind(), snaptypes.CapActivate)
}

func (s *stratis) RenameSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newName string) (snaptypes.MemberHandle, error) {
	poolName, fsName, _ := strings.Cut(handle.ID, "/")

	if _, err := s.runner.Run(ctx, "stratis", "filesystem", "rename", poolName, fsName, newName); err != nil {
		return snaptypes.MemberHandle{}, classify(err, handle.ID)
	}

	report, err := s.report(ctx)
	if err != nil {
		return snaptypes.MemberHandle{}, err
	}

	pool, renamed := report.filesystem(poolName, newName)
	if renamed == nil {
		return snaptypes.MemberHandle{}, fmt.Errorf("renamed %s but %s/%s is missing from report", handle.ID, poolName, newName)
	}

	return pool.handle(*renamed)
}

func (s *stratis) report(ctx context.Context) (*stratisReport, error) {
	output, err := s.runner.Run(ctx, "stratis", "--propagate", "report", "engine_state_report")
	if err != nil {
		return nil, err
	}

	return parseStratisReport(output)
}

// see test for output example
type stratisReport struct {
	Pools []stratisPool `json:"pools"`
}

type stratisPool struct {
	Name              string              `json:"name"`
	UUID              string              `json:"uuid"`
	TotalPhysicalSize string              `json:"total_physical_size"`
	TotalPhysicalUsed string              `json:"total_physical_used"`
	Filesystems       []stratisFilesystem `json:"filesystems"`
}

type stratisFilesystem struct {
	Name   string `json:"name"`
	UUID   string `json:"uuid"`
	Size   string `json:"size"`
	Used   string `json:"used"`
	Origin string `json:"origin"` // UUID of origin filesystem, "Not set" for non-snapshots
}

func parseStratisReport(output []byte) (*stratisReport, error) {
	report := &stratisReport{}
	if err := json.Unmarshal(output, report); err != nil {
		return nil, fmt.Errorf("parsing stratis report: %w", err)
	}

	return report, nil
}

func (r *stratisReport) filesystem(poolName string, fsName string) (*stratisPool, *stratisFilesystem) {
	for i := range r.Pools {
		pool := &r.Pools[i]
		if pool.Name != poolName {
			continue
		}

		for j := range pool.Filesystems {
			if pool.Filesystems[j].Name == fsName {
				return pool, &pool.Filesystems[j]
			}
		}
	}

	return nil, nil
}

func (r *stratisReport) filesystemForDevice(device string) (*stratisPool, *stratisFilesystem) {
	if strings.HasPrefix(device, stratisDevPrefix) {
		poolName, fsName, _ := strings.Cut(strings.TrimPrefix(device, stratisDevPrefix), "/")
		return r.filesystem(poolName, fsName)
	}

	matches := stratisMapperRe.FindStringSubmatch(device)
	if matches == nil {
		return nil, nil
	}

	for i := range r.Pools {
		pool := &r.Pools[i]
		if compactUUID(pool.UUID) != matches[1] {
			continue
		}

		for j := range pool.Filesystems {
			if compactUUID(pool.Filesystems[j].UUID) == matches[2] {
				return pool, &pool.Filesystems[j]
			}
		}
	}

	return nil, nil
}

func (p *stratisPool) handle(fs stratisFilesystem) (snaptypes.MemberHandle, error) {
	size, err := parseBytes(fs.Size)
	if err != nil {
		return snaptypes.MemberHandle{}, err
	}

	origin := ""
	if fs.isSnapshot() {
		for _, candidate := range p.Filesystems {
			if compactUUID(candidate.UUID) == compactUUID(fs.Origin) {
				origin = p.Name + "/" + candidate.Name
			}
		}
	}

	return snaptypes.MemberHandle{
		Kind:      snaptypes.KindStratis,
		ID:        p.Name + "/" + fs.Name,
		Name:      fs.Name,
		Origin:    origin,
		SizeBytes: size,
	}, nil
}

func (p *stratisPool) freeBytes() (uint64, error) {
	size, err := parseBytes(p.TotalPhysicalSize)
	if err != nil {
		return 0, err
	}

	used, err := parseBytes(p.TotalPhysicalUsed)
	if err != nil {
		return 0, err
	}

	if used > size {
		return 0, nil
	}

	return size - used, nil
}

func (p *stratisPool) freeFraction() (float64, error) {
	size, err := parseBytes(p.TotalPhysicalSize)
	if err != nil {
		return 0, err
	}

	if size == 0 {
		return 0, nil
	}

	free, err := p.freeBytes()
	if err != nil {
		return 0, err
	}

	return float64(free) / float64(size), nil
}

func (f stratisFilesystem) isSnapshot() bool {
	return f.Origin != "" && f.Origin != "Not set"
}

func compactUUID(uuid string) string {
	return strings.ReplaceAll(strings.ToLower(uuid), "-", "")
}
