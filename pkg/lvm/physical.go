package lvm

import (
	"context"
	"errors"

	"k8s.io/utils/exec"
)

// PhysicalLayer manages per-device physical-volume initialization.
type PhysicalLayer interface {
	IsPV(ctx context.Context, deviceNode string) (bool, error)
	PVCreate(ctx context.Context, deviceNode string) error
	PVResize(ctx context.Context, deviceNode string) error
}

type physicalLayer struct {
	runner
}

func NewPhysicalLayer(execer exec.Interface) PhysicalLayer {
	return &physicalLayer{runner: newRunner(execer)}
}

func (p *physicalLayer) IsPV(ctx context.Context, deviceNode string) (bool, error) {
	_, err := p.run(ctx, "lvm.IsPV", "pvs", "--noheadings", deviceNode)
	if err != nil {
		var ee exec.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PVCreate is idempotent: calling it on an already-initialized device is a
// no-op success.
func (p *physicalLayer) PVCreate(ctx context.Context, deviceNode string) error {
	isPV, err := p.IsPV(ctx, deviceNode)
	if err != nil {
		return err
	}
	if isPV {
		return nil
	}
	_, err = p.run(ctx, "lvm.PVCreate", "pvcreate", "-y", deviceNode)
	return err
}

func (p *physicalLayer) PVResize(ctx context.Context, deviceNode string) error {
	_, err := p.run(ctx, "lvm.PVResize", "pvresize", deviceNode)
	return err
}
