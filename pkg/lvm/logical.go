package lvm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/outscale/bsud/pkg/opserr"
	"k8s.io/utils/exec"
)

// LVName is the canonical name given to the single logical volume created
// in every drive's group.
const LVName = "bsud"

// LogicalLayer manages the single logical volume spanning an entire group.
type LogicalLayer interface {
	Exists(ctx context.Context, group string) (bool, error)
	CreateFull(ctx context.Context, group string) (lvPath string, err error)
	GrowToFull(ctx context.Context, group string) error
	// NeedsGrow reports whether group holds free extents the LV hasn't
	// absorbed yet (true right after the group has grown).
	NeedsGrow(ctx context.Context, group string) (bool, error)
	// SizeBytes reports the LV's current size, for the reconciler to
	// compare against the filesystem's total bytes (rule 9 of the
	// online decision list).
	SizeBytes(ctx context.Context, group string) (int64, error)
	Deactivate(ctx context.Context, group string) error
	// ReduceTo shrinks the LV down to targetBytes, freeing the extents a
	// subsequent PVMove needs to evacuate a PV onto. The caller must have
	// already shrunk the filesystem living on the LV to fit targetBytes.
	ReduceTo(ctx context.Context, group string, targetBytes int64) error
	PVMove(ctx context.Context, group, sourcePV string) error
}

type logicalLayer struct {
	runner
}

func NewLogicalLayer(execer exec.Interface) LogicalLayer {
	return &logicalLayer{runner: newRunner(execer)}
}

func lvPath(group string) string {
	return fmt.Sprintf("/dev/%s/%s", group, LVName)
}

func (l *logicalLayer) Exists(ctx context.Context, group string) (bool, error) {
	_, err := l.run(ctx, "lvm.LVExists", "lvs", "--noheadings", lvPath(group))
	if err != nil {
		var ee exec.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateFull creates a single LV taking 100% of the group's free extents.
func (l *logicalLayer) CreateFull(ctx context.Context, group string) (string, error) {
	exists, err := l.Exists(ctx, group)
	if err != nil {
		return "", err
	}
	if !exists {
		if _, err := l.run(ctx, "lvm.LVCreate", "lvcreate", "-y", "-n", LVName, "-l", "100%FREE", group); err != nil {
			return "", err
		}
	}
	return lvPath(group), nil
}

// GrowToFull re-expands the LV to 100% of the group after the group grows.
func (l *logicalLayer) GrowToFull(ctx context.Context, group string) error {
	_, err := l.run(ctx, "lvm.LVGrow", "lvextend", "-l", "100%VG", lvPath(group))
	return err
}

// NeedsGrow reports whether the group has free extents the LV hasn't
// claimed, which happens right after the group has been extended with a
// newly added PV.
func (l *logicalLayer) NeedsGrow(ctx context.Context, group string) (bool, error) {
	out, err := l.run(ctx, "lvm.LVNeedsGrow", "vgs", "--noheadings", "-o", "vg_free_count", group)
	if err != nil {
		return false, err
	}
	free := strings.TrimSpace(out)
	return free != "" && free != "0", nil
}

// SizeBytes reports the LV's current size in bytes.
func (l *logicalLayer) SizeBytes(ctx context.Context, group string) (int64, error) {
	out, err := l.run(ctx, "lvm.LVSizeBytes", "lvs", "--noheadings", "--units", "b", "--nosuffix", "-o", "lv_size", lvPath(group))
	if err != nil {
		return 0, err
	}
	var sz int64
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(out), "%d", &sz); scanErr != nil {
		return 0, opserr.New("lvm.LVSizeBytes", opserr.Permanent, scanErr)
	}
	return sz, nil
}

func (l *logicalLayer) Deactivate(ctx context.Context, group string) error {
	_, err := l.run(ctx, "lvm.LVDeactivate", "lvchange", "-an", lvPath(group))
	return err
}

// ReduceTo shrinks the LV to an exact byte size, the LVM-level half of a
// scale-down: the filesystem above it must already have been shrunk to
// fit, or lvreduce truncates live data.
func (l *logicalLayer) ReduceTo(ctx context.Context, group string, targetBytes int64) error {
	_, err := l.run(ctx, "lvm.LVReduce", "lvreduce", "-f", "-L", fmt.Sprintf("%db", targetBytes), lvPath(group))
	return err
}

// PVMove evacuates extents off sourcePV onto the rest of the group. It
// fails if the group lacks free space to absorb them.
func (l *logicalLayer) PVMove(ctx context.Context, group, sourcePV string) error {
	_, err := l.run(ctx, "lvm.PVMove", "pvmove", sourcePV)
	return err
}
