package lvm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/outscale/bsud/pkg/opserr"
	"k8s.io/utils/exec"
)

// ErrNotEmpty is returned by Reduce when the physical volume being removed
// still holds allocated extents.
var ErrNotEmpty = errors.New("physical volume holds allocated extents")

// GroupLayer manages the aggregation of physical volumes into one volume
// group per drive. The group name always equals the drive name.
type GroupLayer interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name, firstPV string) error
	Extend(ctx context.Context, name, pv string) error
	// InGroup reports whether pv is already a member of the named group,
	// so a stateless reconciler can tell apart a PV that still needs
	// Extend from one that was already joined in an earlier cycle.
	InGroup(ctx context.Context, name, pv string) (bool, error)
	Reduce(ctx context.Context, name, pv string) error
	// Deactivate deactivates every LV in the group, the step target=offline
	// takes after the group's single LV has already been deactivated.
	Deactivate(ctx context.Context, name string) error
}

type groupLayer struct {
	runner
}

func NewGroupLayer(execer exec.Interface) GroupLayer {
	return &groupLayer{runner: newRunner(execer)}
}

func (g *groupLayer) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.run(ctx, "lvm.GroupExists", "vgs", "--noheadings", name)
	if err != nil {
		var ee exec.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *groupLayer) Create(ctx context.Context, name, firstPV string) error {
	exists, err := g.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = g.run(ctx, "lvm.GroupCreate", "vgcreate", name, firstPV)
	return err
}

func (g *groupLayer) Extend(ctx context.Context, name, pv string) error {
	_, err := g.run(ctx, "lvm.GroupExtend", "vgextend", name, pv)
	return err
}

// InGroup asks LVM which group pv currently belongs to and compares it
// against name, rather than inferring membership from the group's mere
// existence.
func (g *groupLayer) InGroup(ctx context.Context, name, pv string) (bool, error) {
	out, err := g.run(ctx, "lvm.GroupInGroup", "pvs", "--noheadings", "-o", "vg_name", pv)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == name, nil
}

// Reduce removes pv from the group. It fails with ErrNotEmpty if pv still
// holds allocated extents; the reconciler must pvmove them off first.
func (g *groupLayer) Reduce(ctx context.Context, name, pv string) error {
	allocated, err := g.peExtentsAllocated(ctx, pv)
	if err != nil {
		return err
	}
	if allocated {
		return opserr.New("lvm.GroupReduce", opserr.Conflict, fmt.Errorf("%s: %w", pv, ErrNotEmpty))
	}
	_, err = g.run(ctx, "lvm.GroupReduce", "vgreduce", name, pv)
	return err
}

// Deactivate deactivates the group so none of its LVs hold the host's
// device-mapper tables open, allowing its PVs to be detached.
func (g *groupLayer) Deactivate(ctx context.Context, name string) error {
	_, err := g.run(ctx, "lvm.GroupDeactivate", "vgchange", "-an", name)
	return err
}

func (g *groupLayer) peExtentsAllocated(ctx context.Context, pv string) (bool, error) {
	out, err := g.run(ctx, "lvm.GroupReduce.pvs", "pvs", "--noheadings", "-o", "pv_pe_alloc_count", pv)
	if err != nil {
		return false, err
	}
	return out != "" && out != "0", nil
}
