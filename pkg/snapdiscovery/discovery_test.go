package snapdiscovery

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/snapset/pkg/snapprovider"
	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/prometheus/procfs"
)

func TestMountsForPath(t *testing.T) {
	mounts := []*procfs.Mount{
		{Mount: "/home", Device: "/dev/mapper/vg-home"},
		{Mount: "/", Device: "/dev/mapper/vg-root"},
		{Mount: "/var/logs", Device: "/dev/mapper/vg-logs"},
	}

	single := func(path string) string {
		matches := mountsForPath(path, mounts)
		assert.Assert(t, len(matches) == 1)
		return matches[0].Mount
	}

	assert.EqualString(t, single("/home/vagrant"), "/home")
	assert.EqualString(t, single("/home"), "/home")
	assert.EqualString(t, single("/homeless"), "/")
	assert.EqualString(t, single("/root/.ssh/authorized_keys"), "/")
	assert.EqualString(t, single("/var/logs/httpd/access.log"), "/var/logs")
	assert.Assert(t, len(mountsForPath("x", mounts)) == 0)
}

func TestResolve(t *testing.T) {
	resolver, _ := testResolver([]*procfs.Mount{
		{Mount: "/", Device: "/dev/mapper/vg-root", Type: "xfs"},
		{Mount: "/var", Device: "/dev/mapper/vg-var", Type: "xfs"},
		{Mount: "/boot", Device: "/dev/sda1", Type: "ext4"},
	})

	vol, err := resolver.Resolve(context.Background(), "/var/")
	assert.Ok(t, err)
	assert.EqualString(t, vol.MountPoint, "/var")
	assert.EqualString(t, vol.Device, "/dev/mapper/vg-var")
	assert.EqualString(t, vol.Origin, "vg/var")
	assert.EqualString(t, string(vol.Kind), "lvm2-cow")
	assert.Assert(t, vol.UsedBytes == 1024)

	_, err = resolver.Resolve(context.Background(), "/boot")
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))
	assert.EqualString(t, err.Error(), "/boot: not found: device /dev/sda1 is not managed by any provider")
}

func TestResolveBlockDevice(t *testing.T) {
	resolver, _ := testResolver([]*procfs.Mount{
		{Mount: "/var", Device: "/dev/mapper/vg-var"},
	})

	unmounted, err := resolver.Resolve(context.Background(), "/dev/mapper/vg-scratch")
	assert.Ok(t, err)
	assert.EqualString(t, unmounted.MountPoint, "")
	assert.Assert(t, unmounted.UsedBytes == 0)

	mounted, err := resolver.Resolve(context.Background(), "/dev/mapper/vg-var")
	assert.Ok(t, err)
	assert.EqualString(t, mounted.MountPoint, "/var")
}

func TestResolveBlockDeviceMountedUnderAnotherName(t *testing.T) {
	resolver, _ := testResolver([]*procfs.Mount{
		{Mount: "/var", Device: "/dev/dm-1"},
	})

	links := map[string]string{
		"/dev/mapper/vg-var": "/dev/dm-1",
		"/dev/dm-1":          "/dev/dm-1",
	}

	resolver.evalSymlinks = func(path string) (string, error) {
		if target, found := links[path]; found {
			return target, nil
		}

		return "", os.ErrNotExist
	}

	mounted, err := resolver.Resolve(context.Background(), "/dev/mapper/vg-var")
	assert.Ok(t, err)
	assert.EqualString(t, mounted.Device, "/dev/mapper/vg-var")
	assert.EqualString(t, mounted.MountPoint, "/var")
	assert.Assert(t, mounted.UsedBytes == 1024)

	unmounted, err := resolver.Resolve(context.Background(), "/dev/mapper/vg-scratch")
	assert.Ok(t, err)
	assert.EqualString(t, unmounted.MountPoint, "")
}

func TestResolveAmbiguousMount(t *testing.T) {
	resolver, _ := testResolver([]*procfs.Mount{
		{Mount: "/", Device: "/dev/mapper/vg-root"},
		{Mount: "/data", Device: "/dev/mapper/vg-var"},
		{Mount: "/data", Device: "/dev/mapper/vg-root"},
	})

	_, err := resolver.Resolve(context.Background(), "/data")
	assert.Assert(t, errors.Is(err, snaptypes.ErrAmbiguousMount))
}

func TestResolveBindMountOfSameDeviceIsNotAmbiguous(t *testing.T) {
	resolver, _ := testResolver([]*procfs.Mount{
		{Mount: "/srv", Device: "/dev/mapper/vg-var"},
		{Mount: "/srv", Device: "/dev/mapper/vg-var"},
	})

	vol, err := resolver.Resolve(context.Background(), "/srv")
	assert.Ok(t, err)
	assert.EqualString(t, vol.Origin, "vg/var")
}

func TestResolveReprobesEveryCall(t *testing.T) {
	mounts := []*procfs.Mount{{Mount: "/var", Device: "/dev/mapper/vg-var"}}

	resolver, provider := testResolver(mounts)

	before, err := resolver.Resolve(context.Background(), "/var")
	assert.Ok(t, err)
	assert.Assert(t, before.SizeBytes == 10*1024*1024*1024)

	provider.AddVolume(snaptypes.SourceVolume{Device: "/dev/mapper/vg-var", Origin: "vg/var", SizeBytes: 20 * 1024 * 1024 * 1024})

	after, err := resolver.Resolve(context.Background(), "/var")
	assert.Ok(t, err)
	assert.Assert(t, after.SizeBytes == 20*1024*1024*1024)
}

func testResolver(mounts []*procfs.Mount) (*Resolver, *snapprovider.Memory) {
	provider := snapprovider.NewMemory(snaptypes.KindLvm2Cow, snaptypes.Capabilities{Resize: true, Revert: true, FreeSpace: true})
	for _, device := range []string{"/dev/mapper/vg-root", "/dev/mapper/vg-var", "/dev/mapper/vg-scratch"} {
		provider.AddVolume(snaptypes.SourceVolume{
			Device:    device,
			Origin:    "vg/" + device[len("/dev/mapper/vg-"):],
			SizeBytes: 10 * 1024 * 1024 * 1024,
		})
	}

	resolver := NewWithSystem(
		snapprovider.NewSet(provider),
		func() ([]*procfs.Mount, error) { return mounts, nil },
		func(string) (uint64, error) { return 1024, nil },
		func(path string) (bool, error) { return strings.HasPrefix(path, "/dev/"), nil })

	return resolver, provider
}
