// Package filesystem formats, grows, shrinks, and reports usage of the
// btrfs filesystem mounted at a drive's mount path. btrfs is the only
// filesystem used by this daemon: it is the one in the corpus that
// supports both online grow and online shrink, which the scaling policy
// requires (most filesystems only grow online).
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/outscale/bsud/pkg/opserr"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
	"k8s.io/utils/exec"
)

// MinSafetyMarginPerc is the floor for the safety margin ShrinkOnline
// enforces between the requested target and the current used bytes.
const MinSafetyMarginPerc = 5.0

// Layer is the filesystem component of a drive: it knows how to format a
// logical volume, grow or shrink it online, and report usage.
type Layer interface {
	IsFormatted(ctx context.Context, lvPath string) (bool, error)
	Format(ctx context.Context, lvPath string) error
	GrowOnline(ctx context.Context, mountPath string) error
	ShrinkOnline(ctx context.Context, mountPath string, targetBytes int64, safetyMarginPerc float64) error
	Usage(ctx context.Context, mountPath string) (usedBytes, totalBytes int64, err error)
}

type layer struct {
	exec exec.Interface
}

func NewLayer(execer exec.Interface) Layer {
	return &layer{exec: execer}
}

func (l *layer) run(ctx context.Context, op, name string, args ...string) (string, error) {
	logger := klog.FromContext(ctx)
	logger.V(5).Info("running command", "op", op, "cmd", name, "args", args)
	out, err := l.exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		logger.V(4).Info("command failed", "op", op, "cmd", name, "output", output, "err", err)
		return output, opserr.New(op, opserr.Transient, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, output))
	}
	return output, nil
}

// IsFormatted reports whether lvPath already carries a btrfs filesystem.
func (l *layer) IsFormatted(ctx context.Context, lvPath string) (bool, error) {
	_, err := l.run(ctx, "filesystem.IsFormatted", "blkid", "-t", "TYPE=btrfs", lvPath)
	if err != nil {
		var ee exec.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Format is idempotent: it never reformats a volume that already carries
// a btrfs filesystem.
func (l *layer) Format(ctx context.Context, lvPath string) error {
	formatted, err := l.IsFormatted(ctx, lvPath)
	if err != nil {
		return err
	}
	if formatted {
		return nil
	}
	_, err = l.run(ctx, "filesystem.Format", "mkfs.btrfs", "-f", lvPath)
	return err
}

func (l *layer) GrowOnline(ctx context.Context, mountPath string) error {
	_, err := l.run(ctx, "filesystem.GrowOnline", "btrfs", "filesystem", "resize", "max", mountPath)
	return err
}

// ShrinkOnline fails if the requested size is below current used bytes
// plus a safety margin, which must be at least MinSafetyMarginPerc.
func (l *layer) ShrinkOnline(ctx context.Context, mountPath string, targetBytes int64, safetyMarginPerc float64) error {
	if safetyMarginPerc < MinSafetyMarginPerc {
		safetyMarginPerc = MinSafetyMarginPerc
	}
	used, _, err := l.Usage(ctx, mountPath)
	if err != nil {
		return err
	}
	floor := used + int64(float64(used)*safetyMarginPerc/100)
	if targetBytes < floor {
		return opserr.New("filesystem.ShrinkOnline", opserr.InvariantViolation,
			fmt.Errorf("target %d bytes is below used+margin floor %d bytes", targetBytes, floor))
	}
	_, err = l.run(ctx, "filesystem.ShrinkOnline", "btrfs", "filesystem", "resize", strconv.FormatInt(targetBytes, 10), mountPath)
	return err
}

// Usage reports used and total bytes of the filesystem mounted at
// mountPath via statfs, the same call the teacher's volume-stats code
// used for non-block-device mounts.
func (l *layer) Usage(ctx context.Context, mountPath string) (int64, int64, error) {
	var statfs unix.Statfs_t
	if err := unix.Statfs(mountPath, &statfs); err != nil {
		return 0, 0, opserr.New("filesystem.Usage", opserr.Transient, err)
	}
	total := int64(statfs.Blocks) * int64(statfs.Bsize)
	free := int64(statfs.Bfree) * int64(statfs.Bsize)
	return total - free, total, nil
}

