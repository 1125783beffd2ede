// Maps a mount point or block device to the volume backing it and the provider managing it
package snapdiscovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

type MountTableFn func() ([]*procfs.Mount, error)

// returns filesystem's used bytes
type UsageFn func(mountPoint string) (uint64, error)

// reports whether path is a block device
type BlockDeviceFn func(path string) (bool, error)

type Resolver struct {
	providers    snapprovider.Set
	mounts       MountTableFn
	usage        UsageFn
	isBlockDev   BlockDeviceFn
	evalSymlinks func(path string) (string, error)
}

func New(providers snapprovider.Set) *Resolver {
	return NewWithSystem(providers, SystemMounts, StatfsUsage, IsBlockDevice)
}

func NewWithSystem(
	providers snapprovider.Set,
	mounts MountTableFn,
	usage UsageFn,
	isBlockDev BlockDeviceFn,
) *Resolver {
	return &Resolver{
		providers:    providers,
		mounts:       mounts,
		usage:        usage,
		isBlockDev:   isBlockDev,
		evalSymlinks: filepath.EvalSymlinks,
	}
}

// Resolve reads the mount table and probes providers on every call, since devices can be
// resized or reattached between invocations
func (r *Resolver) Resolve(ctx context.Context, pathOrDevice string) (snaptypes.SourceVolume, error) {
	path := filepath.Clean(pathOrDevice)

	mounts, err := r.mounts()
	if err != nil {
		return snaptypes.SourceVolume{}, fmt.Errorf("reading mount table: %w", err)
	}

	device, mountPoint, err := r.deviceAndMountPoint(path, mounts)
	if err != nil {
		return snaptypes.SourceVolume{}, err
	}

	for _, provider := range r.providers.ProbeOrder() {
		vol, err := provider.Probe(ctx, device)
		if err != nil {
			return snaptypes.SourceVolume{}, fmt.Errorf("%s probe %s: %w", provider.Kind(), device, err)
		}

		if vol == nil {
			continue
		}

		vol.MountPoint = mountPoint

		if mountPoint != "" {
			used, err := r.usage(mountPoint)
			if err != nil {
				return snaptypes.SourceVolume{}, fmt.Errorf("filesystem usage of %s: %w", mountPoint, err)
			}

			vol.UsedBytes = used
		}

		return *vol, nil
	}

	return snaptypes.SourceVolume{}, fmt.Errorf(
		"%s: %w: device %s is not managed by any provider",
		pathOrDevice,
		snaptypes.ErrNotFound,
		device)
}

func (r *Resolver) deviceAndMountPoint(path string, mounts []*procfs.Mount) (string, string, error) {
	isBlockDev, err := r.isBlockDev(path)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", path, snaptypes.ErrNotFound)
	}

	if isBlockDev {
		// unmounted devices are fine. mounted ones get their mount point recorded.
		// the mount table may name the device by another link (/dev/mapper/vg-root vs /dev/dm-0).
		canonical := r.canonicalDevice(path)

		mountPoint := ""
		for _, mount := range mounts {
			if mount.Device == path || r.canonicalDevice(mount.Device) == canonical {
				mountPoint = mount.Mount
				break
			}
		}

		return path, mountPoint, nil
	}

	matches := mountsForPath(path, mounts)
	if len(matches) == 0 {
		return "", "", fmt.Errorf("%s: %w: no mount found", path, snaptypes.ErrNotFound)
	}

	devices := map[string]bool{}
	for _, match := range matches {
		devices[match.Device] = true
	}

	if len(devices) > 1 {
		names := []string{}
		for _, match := range matches {
			names = append(names, match.Device)
		}

		return "", "", fmt.Errorf(
			"%s: %w: mounted from %s",
			path,
			snaptypes.ErrAmbiguousMount,
			strings.Join(names, ", "))
	}

	return matches[0].Device, matches[0].Mount, nil
}

// devices whose links cannot be resolved compare as given
func (r *Resolver) canonicalDevice(device string) string {
	resolved, err := r.evalSymlinks(device)
	if err != nil {
		return device
	}

	return resolved
}

// mountsForPath returns the most specific mount entries (longest matching mount path)
// covering path. more than one entry is returned when mounts are stacked on the same path.
func mountsForPath(path string, mounts []*procfs.Mount) []*procfs.Mount {
	longest := -1
	matches := []*procfs.Mount{}

	for _, mount := range mounts {
		if !pathIsUnder(path, mount.Mount) {
			continue
		}

		switch {
		case len(mount.Mount) > longest:
			longest = len(mount.Mount)
			matches = []*procfs.Mount{mount}
		case len(mount.Mount) == longest:
			matches = append(matches, mount)
		}
	}

	return matches
}

// "/var/log" is under "/var" but "/variable" is not
func pathIsUnder(path string, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return strings.HasPrefix(path, mountPoint)
	}

	return strings.HasPrefix(path, mountPoint+"/")
}

func SystemMounts() ([]*procfs.Mount, error) {
	procSelf, err := procfs.Self()
	if err != nil {
		return nil, err
	}

	return procSelf.MountStats()
}

func StatfsUsage(mountPoint string) (uint64, error) {
	stat := unix.Statfs_t{}
	if err := unix.Statfs(mountPoint, &stat); err != nil {
		return 0, err
	}

	//nolint:unconvert // field types differ between architectures
	return (uint64(stat.Blocks) - uint64(stat.Bfree)) * uint64(stat.Bsize), nil
}

func IsBlockDevice(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	mode := info.Mode()

	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0, nil
}
