package mount

import (
	"context"
	"errors"
	"testing"

	"github.com/outscale/bsud/pkg/opserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mountutils "k8s.io/mount-utils"
)

// fakeMounter is a minimal in-memory mountutils.Interface, used instead of
// the real mount syscalls so these tests can run without root.
type fakeMounter struct {
	mounted     map[string]string
	unmountFunc func(target string) error
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounted: map[string]string{}}
}

func (f *fakeMounter) Mount(source, target, fstype string, options []string) error {
	f.mounted[target] = source
	return nil
}
func (f *fakeMounter) MountSensitive(source, target, fstype string, options, sensitiveOptions []string) error {
	return f.Mount(source, target, fstype, options)
}
func (f *fakeMounter) MountSensitiveWithoutSystemd(source, target, fstype string, options, sensitiveOptions []string) error {
	return f.Mount(source, target, fstype, options)
}
func (f *fakeMounter) MountSensitiveWithoutSystemdWithMountFlags(source, target, fstype string, options, sensitiveOptions, mountFlags []string) error {
	return f.Mount(source, target, fstype, options)
}
func (f *fakeMounter) Unmount(target string) error {
	if f.unmountFunc != nil {
		if err := f.unmountFunc(target); err != nil {
			return err
		}
	}
	delete(f.mounted, target)
	return nil
}
func (f *fakeMounter) List() ([]mountutils.MountPoint, error) {
	var mps []mountutils.MountPoint
	for target, source := range f.mounted {
		mps = append(mps, mountutils.MountPoint{Device: source, Path: target})
	}
	return mps, nil
}
func (f *fakeMounter) IsLikelyNotMountPoint(file string) (bool, error) {
	_, ok := f.mounted[file]
	return !ok, nil
}
func (f *fakeMounter) CanSafelySkipMountPointCheck() bool { return true }
func (f *fakeMounter) IsMountPoint(file string) (bool, error) {
	_, ok := f.mounted[file]
	return ok, nil
}
func (f *fakeMounter) GetMountRefs(pathname string) ([]string, error) { return nil, nil }

var _ mountutils.Interface = (*fakeMounter)(nil)

func TestMountIsIdempotent(t *testing.T) {
	fm := newFakeMounter()
	l := NewLayer(fm)
	dir := t.TempDir()

	require.NoError(t, l.Mount(context.Background(), "/dev/data/bsud", dir, "btrfs"))
	require.NoError(t, l.Mount(context.Background(), "/dev/data/bsud", dir, "btrfs"))

	mounted, err := l.IsMounted(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, mounted)
	assert.Equal(t, "/dev/data/bsud", fm.mounted[dir])
}

func TestUnmountNoopWhenNotMounted(t *testing.T) {
	fm := newFakeMounter()
	l := NewLayer(fm)

	require.NoError(t, l.Unmount(context.Background(), t.TempDir()))
}

func TestUnmountClassifiesBusyAsTransient(t *testing.T) {
	dir := t.TempDir()
	fm := newFakeMounter()
	l := NewLayer(fm)
	require.NoError(t, l.Mount(context.Background(), "/dev/data/bsud", dir, "btrfs"))

	fm.unmountFunc = func(target string) error {
		return errors.New("device or resource busy")
	}

	err := l.Unmount(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, opserr.Transient, opserr.KindOf(err))
}
