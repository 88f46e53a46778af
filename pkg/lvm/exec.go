// Package lvm shells out to the LVM2 userspace tools (pvs/pvcreate/pvresize,
// vgs/vgcreate/vgextend/vgreduce, lvs/lvcreate/lvextend/lvchange/pvmove) to
// manage the physical, group, and logical layers backing a drive. No Go
// library wraps LVM2's command surface, so invocation goes through
// k8s.io/utils/exec, the same way pkg/filesystem shells out to blkid,
// mkfs.btrfs and btrfs.
package lvm

import (
	"context"
	"fmt"
	"strings"

	"github.com/outscale/bsud/pkg/opserr"
	"k8s.io/klog/v2"
	"k8s.io/utils/exec"
)

// runner wraps exec.Interface with verbatim logging of every invocation,
// mirroring the way cloud.logAPICall records every OAPI call at V(5).
type runner struct {
	exec exec.Interface
}

func newRunner(execer exec.Interface) runner {
	return runner{exec: execer}
}

func (r runner) run(ctx context.Context, op string, name string, args ...string) (string, error) {
	logger := klog.FromContext(ctx)
	logger.V(5).Info("running command", "op", op, "cmd", name, "args", args)

	out, err := r.exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		logger.V(4).Info("command failed", "op", op, "cmd", name, "args", args, "output", output, "err", err)
		// LVM tools fail for many reasons (device busy, lock contention)
		// that are worth a retry next cycle, and unlike the cloud API
		// there's no status code to tell terminal from recoverable.
		return output, opserr.New(op, opserr.Transient, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, output))
	}
	logger.V(5).Info("command succeeded", "op", op, "cmd", name, "output", output)
	return output, nil
}
