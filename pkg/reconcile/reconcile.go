// Package reconcile implements the Drive Reconciler: the per-drive,
// stateless decision list that sequences the Cloud Volume View, the
// block device probe, the LVM layers, the filesystem layer, the mount
// layer, and the scaling policy towards a drive's declared target.
//
// A single Cycle call performs at most one mutating action, chosen by
// walking the decision list top-down; the first matching rule fires and
// the cycle returns. The one exception is a scale-down: its shrink,
// evacuate, reduce, detach and delete steps all run within the same
// cycle (see evacuateAndRemove). Convergence happens across many cycles,
// not within one, and every step is idempotent and safe to interrupt.
package reconcile

import (
	"context"
	"fmt"

	"github.com/outscale/bsud/pkg/blockdev"
	"github.com/outscale/bsud/pkg/cloud"
	"github.com/outscale/bsud/pkg/filesystem"
	"github.com/outscale/bsud/pkg/lvm"
	"github.com/outscale/bsud/pkg/mount"
	"github.com/outscale/bsud/pkg/opserr"
	"github.com/outscale/bsud/pkg/scaling"
	"github.com/outscale/bsud/pkg/util"
	"k8s.io/klog/v2"
)

// FSType is the filesystem this daemon manages; btrfs is the only one
// wired, since it is the one in the stack that supports online shrink.
const FSType = "btrfs"

// Target mirrors config.Target without importing internal/config, so
// this package stays usable from tests with plain literals.
type Target string

const (
	TargetOnline  Target = "online"
	TargetOffline Target = "offline"
	TargetDelete  Target = "delete"
)

// DriveSpec is the declared configuration a Cycle reconciles towards.
type DriveSpec struct {
	Name             string
	Target           Target
	MountPath        string
	AvailabilityZone string
	DiskType         string
	DiskIopsPerGib   int64
	Scaling          scaling.Config
}

// Reconciler owns the layer clients for one drive. It holds no mutable
// state across cycles: every field is a stateless collaborator.
type Reconciler struct {
	Cloud      cloud.Cloud
	Prober     blockdev.Prober
	Physical   lvm.PhysicalLayer
	Group      lvm.GroupLayer
	Logical    lvm.LogicalLayer
	Filesystem filesystem.Layer
	Mount      mount.Layer
}

// Result reports what a cycle did, for logging and metrics. Devices,
// UsedBytes, and TotalBytes are only populated once the cycle has
// reached the scaling decision (they require a full disk listing and,
// for the byte counts, a filesystem usage query); earlier-exiting cycles
// leave them zero rather than report a stale or partial reading.
type Result struct {
	Action     string // e.g. "attach", "scale-up", "noop"
	Err        error
	Devices    int
	UsedBytes  int64
	TotalBytes int64
}

// Cycle performs exactly one reconcile cycle for spec.
func (r *Reconciler) Cycle(ctx context.Context, spec DriveSpec) Result {
	logger := klog.FromContext(ctx).WithValues("drive", spec.Name)
	ctx = klog.NewContext(ctx, logger)

	switch spec.Target {
	case TargetOffline:
		return r.cycleOffline(ctx, spec)
	case TargetDelete:
		return r.cycleDelete(ctx, spec)
	default:
		return r.cycleOnline(ctx, spec)
	}
}

func (r *Reconciler) cycleOnline(ctx context.Context, spec DriveSpec) Result {
	disks, err := r.Cloud.ListForDrive(ctx, spec.Name)
	if err != nil {
		return Result{Action: "list", Err: err}
	}

	// Rule 1: attach every volume tagged for this drive that isn't
	// attached to this VM yet.
	for _, d := range disks {
		if !d.AttachedToSelf {
			if _, err := r.Cloud.Attach(ctx, d.VolumeID); err != nil {
				return Result{Action: "attach", Err: err}
			}
			return Result{Action: "attach"}
		}
	}

	// Rule 2: every attached device must be visible in the kernel before
	// anything downstream can proceed.
	devicePaths := make(map[string]string, len(disks))
	for _, d := range disks {
		path, err := r.Prober.DevicePath(ctx, d.DeviceName, d.VolumeID)
		if err != nil {
			if opserr.KindOf(err) == opserr.NotReady {
				return Result{Action: "wait-for-device"}
			}
			return Result{Action: "probe", Err: err}
		}
		devicePaths[d.VolumeID] = path
	}

	// Rule 3: every attached device must be an initialized physical volume.
	for _, d := range disks {
		path := devicePaths[d.VolumeID]
		isPV, err := r.Physical.IsPV(ctx, path)
		if err != nil {
			return Result{Action: "is-pv", Err: err}
		}
		if !isPV {
			if err := r.Physical.PVCreate(ctx, path); err != nil {
				return Result{Action: "pv-create", Err: err}
			}
			return Result{Action: "pv-create"}
		}
	}

	if len(disks) == 0 {
		return r.considerScaleUp(ctx, spec, nil, usageBytes{})
	}

	// Rule 4: the group must exist, seeded with the first PV.
	groupExists, err := r.Group.Exists(ctx, spec.Name)
	if err != nil {
		return Result{Action: "group-exists", Err: err}
	}
	if !groupExists {
		if err := r.Group.Create(ctx, spec.Name, devicePaths[disks[0].VolumeID]); err != nil {
			return Result{Action: "group-create", Err: err}
		}
		return Result{Action: "group-create"}
	}

	// Rule 5: every PV must be a member of the group. A stateless
	// reconciler re-derives this every cycle by asking LVM which group
	// each PV currently belongs to, rather than inferring membership from
	// the group merely existing (which is already known true above).
	for _, d := range disks {
		path := devicePaths[d.VolumeID]
		inGroup, err := r.Group.InGroup(ctx, spec.Name, path)
		if err != nil {
			return Result{Action: "pv-in-group", Err: err}
		}
		if !inGroup {
			if err := r.Group.Extend(ctx, spec.Name, path); err != nil {
				return Result{Action: "group-extend", Err: err}
			}
			return Result{Action: "group-extend"}
		}
	}

	// Rule 6: the logical volume must exist, spanning 100% of the group.
	lvExists, err := r.Logical.Exists(ctx, spec.Name)
	if err != nil {
		return Result{Action: "lv-exists", Err: err}
	}
	if !lvExists {
		if _, err := r.Logical.CreateFull(ctx, spec.Name); err != nil {
			return Result{Action: "lv-create", Err: err}
		}
		return Result{Action: "lv-create"}
	}

	// Rule 7: the group may have grown since the LV was last sized (a new
	// PV just got extended into it); re-expand the LV to 100% before
	// anything downstream measures its size.
	needsGrow, err := r.Logical.NeedsGrow(ctx, spec.Name)
	if err != nil {
		return Result{Action: "lv-needs-grow", Err: err}
	}
	if needsGrow {
		if err := r.Logical.GrowToFull(ctx, spec.Name); err != nil {
			return Result{Action: "lv-grow", Err: err}
		}
		return Result{Action: "lv-grow"}
	}

	lvPath := "/dev/" + spec.Name + "/" + lvm.LVName

	// Rule 8: the filesystem must be formatted.
	formatted, err := r.Filesystem.IsFormatted(ctx, lvPath)
	if err != nil {
		return Result{Action: "is-formatted", Err: err}
	}
	if !formatted {
		if err := r.Filesystem.Format(ctx, lvPath); err != nil {
			return Result{Action: "format", Err: err}
		}
		return Result{Action: "format"}
	}

	// Rule 9 targets grow_online(mount_path), which only makes sense once
	// mounted; a freshly-formatted LV is already sized to fill it, so in
	// practice this condition only becomes true after the mount already
	// happened in an earlier cycle (rule 7 growing the LV further while
	// mounted). Checking mount state first lets rule 9 and rule 10 share
	// that one IsMounted call without reordering the decision list's
	// outcome.
	mounted, err := r.Mount.IsMounted(ctx, spec.MountPath)
	if err != nil {
		return Result{Action: "is-mounted", Err: err}
	}
	if mounted {
		lvBytes, err := r.Logical.SizeBytes(ctx, spec.Name)
		if err != nil {
			return Result{Action: "lv-size", Err: err}
		}
		_, fsTotal, err := r.Filesystem.Usage(ctx, spec.MountPath)
		if err != nil {
			return Result{Action: "usage", Err: err}
		}
		if fsTotal < lvBytes {
			if err := r.Filesystem.GrowOnline(ctx, spec.MountPath); err != nil {
				return Result{Action: "fs-grow", Err: err}
			}
			return Result{Action: "fs-grow"}
		}
	}

	// Rule 10: the mount path must be mounted.
	if !mounted {
		if err := r.Mount.Mount(ctx, lvPath, spec.MountPath, FSType); err != nil {
			return Result{Action: "mount", Err: err}
		}
		return Result{Action: "mount"}
	}

	// Rule 11: query usage and consult the scaling policy.
	used, total, err := r.Filesystem.Usage(ctx, spec.MountPath)
	if err != nil {
		return Result{Action: "usage", Err: err}
	}
	return r.considerScaleUp(ctx, spec, disks, usageBytes{used: used, total: total})
}

type usageBytes struct {
	used, total int64
}

func (r *Reconciler) considerScaleUp(ctx context.Context, spec DriveSpec, disks []cloud.Disk, usage usageBytes) Result {
	devices := make([]scaling.Device, 0, len(disks))
	for _, d := range disks {
		devices = append(devices, scaling.Device{CloudID: d.VolumeID, SizeGiB: d.SizeGiB, CreatedAt: d.CreationDate})
	}

	observed := Result{Devices: len(disks), UsedBytes: usage.used, TotalBytes: usage.total}

	action := scaling.Decide(scaling.Inputs{
		Devices:    devices,
		UsedBytes:  usage.used,
		TotalBytes: usage.total,
		Config:     spec.Scaling,
	})

	switch action.Kind {
	case scaling.ScaleUp:
		_, err := r.Cloud.Create(ctx, spec.Name, cloud.CreateOptions{
			SizeGiB:          action.NewSizeGiB,
			DiskType:         spec.DiskType,
			IOPSPerGib:       spec.DiskIopsPerGib,
			AvailabilityZone: spec.AvailabilityZone,
		})
		observed.Action = "scale-up"
		observed.Err = err
		return observed
	case scaling.ScaleDown:
		target := findDisk(disks, action.TargetCloudID)
		if target == nil {
			err := fmt.Errorf("scale-down target %q not present in the latest snapshot", action.TargetCloudID)
			observed.Action = "scale-down"
			observed.Err = opserr.New("reconcile.considerScaleUp", opserr.InvariantViolation, err)
			return observed
		}
		observed.Action = "scale-down"
		observed.Err = r.evacuateAndRemove(ctx, spec, disks, *target)
		return observed
	default:
		observed.Action = "noop"
		return observed
	}
}

// evacuateAndRemove runs the whole shrink → evacuate → reduce → detach →
// delete sequence in order within one call, stopping at the first error.
// It returns nil without acting when target's device is not visible yet,
// and stops with nil after pvmove when vgreduce still sees allocated
// extents; a later cycle then starts the sequence again from the
// shrink. It does not deinitialize the PV (no pvremove). The LV is kept at 100%
// of its group at all times (CreateFull/GrowToFull), so the group never
// holds free extents for pvmove to land on; the filesystem and the LV
// must each be shrunk down to the size the drive will have once target is
// gone before pvmove has anywhere to put target's extents. The target's
// attachment device name (recorded by the cloud view at Attach
// time) is resolved the same way rule 2 resolves every other device.
func (r *Reconciler) evacuateAndRemove(ctx context.Context, spec DriveSpec, disks []cloud.Disk, target cloud.Disk) error {
	path, err := r.Prober.DevicePath(ctx, target.DeviceName, target.VolumeID)
	if err != nil {
		if opserr.KindOf(err) == opserr.NotReady {
			return nil
		}
		return err
	}

	var remainingGiB int64
	for _, d := range disks {
		if d.VolumeID == target.VolumeID {
			continue
		}
		remainingGiB += d.SizeGiB
	}
	targetBytes := util.GiBToBytes(remainingGiB)

	if err := r.Filesystem.ShrinkOnline(ctx, spec.MountPath, targetBytes, spec.Scaling.SafetyMarginPerc); err != nil {
		return err
	}
	if err := r.Logical.ReduceTo(ctx, spec.Name, targetBytes); err != nil {
		return err
	}
	if err := r.Logical.PVMove(ctx, spec.Name, path); err != nil {
		return err
	}
	if err := r.Group.Reduce(ctx, spec.Name, path); err != nil {
		if opserr.KindOf(err) == opserr.Conflict {
			return nil
		}
		return err
	}
	if err := r.Cloud.Detach(ctx, target.VolumeID); err != nil {
		return err
	}
	return r.Cloud.Delete(ctx, target.VolumeID)
}

// drainToOffline performs at most one step of the unmount → deactivate LV
// → deactivate group → detach sequence shared by target=offline and the
// first half of target=delete. ok is true once nothing further is left to
// drain: the drive is fully offline (unmounted, deactivated, detached),
// its volumes still present and tagged so target=delete can remove them.
func (r *Reconciler) drainToOffline(ctx context.Context, spec DriveSpec) (ok bool, result Result) {
	mounted, err := r.Mount.IsMounted(ctx, spec.MountPath)
	if err != nil {
		return false, Result{Action: "is-mounted", Err: err}
	}
	if mounted {
		if err := r.Mount.Unmount(ctx, spec.MountPath); err != nil {
			return false, Result{Action: "unmount", Err: err}
		}
		return false, Result{Action: "unmount"}
	}

	lvExists, err := r.Logical.Exists(ctx, spec.Name)
	if err != nil {
		return false, Result{Action: "lv-exists", Err: err}
	}
	if lvExists {
		if err := r.Logical.Deactivate(ctx, spec.Name); err != nil {
			return false, Result{Action: "lv-deactivate", Err: err}
		}
		return false, Result{Action: "lv-deactivate"}
	}

	groupExists, err := r.Group.Exists(ctx, spec.Name)
	if err != nil {
		return false, Result{Action: "group-exists", Err: err}
	}
	if groupExists {
		if err := r.Group.Deactivate(ctx, spec.Name); err != nil {
			return false, Result{Action: "group-deactivate", Err: err}
		}
		return false, Result{Action: "group-deactivate"}
	}

	disks, err := r.Cloud.ListForDrive(ctx, spec.Name)
	if err != nil {
		return false, Result{Action: "list", Err: err}
	}
	for _, d := range disks {
		if d.AttachedToSelf {
			if err := r.Cloud.Detach(ctx, d.VolumeID); err != nil {
				return false, Result{Action: "detach", Err: err}
			}
			return false, Result{Action: "detach"}
		}
	}

	return true, Result{Action: "noop"}
}

// cycleOffline drives the drive towards unmounted/deactivated/detached,
// never deleting any cloud volume.
func (r *Reconciler) cycleOffline(ctx context.Context, spec DriveSpec) Result {
	_, result := r.drainToOffline(ctx, spec)
	return result
}

// cycleDelete first drains the drive offline exactly like target=offline,
// then deletes every cloud volume still tagged for it.
func (r *Reconciler) cycleDelete(ctx context.Context, spec DriveSpec) Result {
	ok, result := r.drainToOffline(ctx, spec)
	if !ok {
		return result
	}

	disks, err := r.Cloud.ListForDrive(ctx, spec.Name)
	if err != nil {
		return Result{Action: "list", Err: err}
	}
	for _, d := range disks {
		if err := r.Cloud.Delete(ctx, d.VolumeID); err != nil {
			return Result{Action: "delete", Err: err}
		}
		return Result{Action: "delete"}
	}
	return Result{Action: "noop"}
}

// findDisk returns the disk with the given cloud id, or nil if it is no
// longer present in the latest snapshot (another actor may have already
// removed it between the policy decision and this lookup).
func findDisk(disks []cloud.Disk, volumeID string) *cloud.Disk {
	for i := range disks {
		if disks[i].VolumeID == volumeID {
			return &disks[i]
		}
	}
	return nil
}
