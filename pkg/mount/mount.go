// Package mount mounts and unmounts a drive's logical volume at its
// configured mount path using k8s.io/mount-utils, the library the wider
// Outscale/Kubernetes storage ecosystem uses for this instead of shelling
// out to mount(8) directly.
package mount

import (
	"context"
	"os"
	"strings"

	"github.com/outscale/bsud/pkg/opserr"
	"k8s.io/klog/v2"
	mountutils "k8s.io/mount-utils"
)

// Layer mounts and unmounts the filesystem at a drive's configured path.
type Layer interface {
	IsMounted(ctx context.Context, mountPath string) (bool, error)
	Mount(ctx context.Context, lvPath, mountPath, fsType string) error
	Unmount(ctx context.Context, mountPath string) error
}

type layer struct {
	mounter mountutils.Interface
}

func NewLayer(mounter mountutils.Interface) Layer {
	return &layer{mounter: mounter}
}

func NewDefaultLayer() Layer {
	return &layer{mounter: mountutils.New("")}
}

func (l *layer) IsMounted(ctx context.Context, mountPath string) (bool, error) {
	mounted, err := l.mounter.IsMountPoint(mountPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, opserr.New("mount.IsMounted", opserr.Transient, err)
	}
	return mounted, nil
}

// Mount creates mountPath if absent and mounts lvPath there. Mounting an
// already-mounted path is a no-op success.
func (l *layer) Mount(ctx context.Context, lvPath, mountPath, fsType string) error {
	logger := klog.FromContext(ctx)

	mounted, err := l.IsMounted(ctx, mountPath)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return opserr.New("mount.Mount", opserr.Permanent, err)
	}

	logger.V(4).Info("mounting", "lvPath", lvPath, "mountPath", mountPath, "fsType", fsType)
	if err := l.mounter.Mount(lvPath, mountPath, fsType, nil); err != nil {
		return opserr.New("mount.Mount", opserr.Transient, err)
	}
	return nil
}

// Unmount unmounts mountPath. A busy target is classified transient: the
// reconciler retries on a later cycle instead of treating it as terminal.
func (l *layer) Unmount(ctx context.Context, mountPath string) error {
	mounted, err := l.IsMounted(ctx, mountPath)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}

	if err := l.mounter.Unmount(mountPath); err != nil {
		if strings.Contains(err.Error(), "busy") {
			return opserr.New("mount.Unmount", opserr.Transient, err)
		}
		return opserr.New("mount.Unmount", opserr.Permanent, err)
	}
	return nil
}
