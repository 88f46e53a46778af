package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/outscale/bsud/pkg/opserr"
	"k8s.io/klog/v2"
)

// Prober resolves an attached backing device's cloud identifier to the
// kernel device path it is visible under on this VM.
type Prober interface {
	// DevicePath resolves devicePath (the OS device name the cloud API
	// reports, e.g. "/dev/xvdb") to the path the kernel actually exposes
	// the volume under. When the volume is attached but the kernel
	// hasn't surfaced it yet, the returned error is classified
	// opserr.NotReady: the caller must end the cycle without retrying
	// immediately.
	DevicePath(ctx context.Context, devicePath, volumeID string) (string, error)
}

type prober struct {
	exists func(path string) (bool, error)
}

func NewProber() Prober {
	return &prober{exists: existsPath}
}

func existsPath(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// DevicePath finds the kernel path of device and verifies its existence.
// If the device is not nvme/scsi-renamed, the requested path is returned
// directly. Otherwise it resolves the scsi-by-id symlink the 3DS
// hypervisor exposes for Outscale's xvd* device naming scheme.
func (p *prober) DevicePath(ctx context.Context, devicePath, volumeID string) (string, error) {
	exists, err := p.exists(devicePath)
	if err != nil {
		return "", opserr.New("blockdev.DevicePath", opserr.Transient, err)
	}
	if exists {
		return devicePath, nil
	}

	scsiName, err := findScsiName(devicePath)
	if err != nil {
		return "", opserr.New("blockdev.DevicePath", opserr.Permanent, err)
	}

	klog.FromContext(ctx).V(4).Info("checking scsi device", "devicePath", devicePath, "scsiName", scsiName, "volumeID", volumeID)
	resolved, err := findScsiVolumeAt(byIDDir, scsiName)
	if err != nil {
		return "", opserr.New("blockdev.DevicePath", opserr.NotReady, err)
	}
	return resolved, nil
}

// byIDDir is a var, not a const, so tests can point it at a scratch
// directory instead of the real /dev/disk/by-id.
var byIDDir = "/dev/disk/by-id"

var scsiSuffixRe = regexp.MustCompile(`^/dev/xvd(?P<suffix>[a-z]{1,2})$`)

func findScsiName(devicePath string) (string, error) {
	match := scsiSuffixRe.FindStringSubmatch(devicePath)
	if match == nil {
		return "", fmt.Errorf("devicePath %s is not supported", devicePath)
	}
	suffix := match[scsiSuffixRe.SubexpIndex("suffix")]
	return "scsi-0QEMU_QEMU_HARDDISK_sd" + suffix, nil
}

func findScsiVolumeAt(dir, findName string) (string, error) {
	p := filepath.Join(dir, findName)
	stat, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("scsi path %q not found", p)
		}
		return "", fmt.Errorf("error getting stat of %q: %w", p, err)
	}
	if stat.Mode()&os.ModeSymlink != os.ModeSymlink {
		return "", fmt.Errorf("scsi file %q found, but was not a symlink", p)
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("error reading target of symlink %q: %w", p, err)
	}
	if !strings.HasPrefix(resolved, "/dev") {
		return "", fmt.Errorf("resolved symlink for %q was unexpected: %q", p, resolved)
	}
	return resolved, nil
}
