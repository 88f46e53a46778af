// Package supervisor owns the set of per-drive reconcile workers: one
// goroutine per configured drive, each running its own observe/decide/act
// cycle and sleeping for its configured interval in between. A drive's
// panic or persistent error never reaches another drive's worker.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outscale/bsud/pkg/metrics"
	"github.com/outscale/bsud/pkg/opserr"
	"github.com/outscale/bsud/pkg/reconcile"
	"k8s.io/klog/v2"
)

// DefaultDrainTimeout bounds how long Run waits for in-flight cycles to
// finish before returning anyway.
const DefaultDrainTimeout = 30 * time.Second

// cycler is the single method a supervisor needs from a drive's
// reconciler; *reconcile.Reconciler satisfies it, and tests can supply a
// fake instead of building every layer.
type cycler interface {
	Cycle(ctx context.Context, spec reconcile.DriveSpec) reconcile.Result
}

// Worker runs one drive's reconcile loop with the reconciler it is given,
// sleeping for the configured interval between cycles.
type Worker struct {
	Spec       reconcile.DriveSpec
	Reconciler cycler
	Interval   time.Duration
}

// Supervisor runs one Worker per configured drive until its context is
// canceled, then waits (bounded) for in-flight cycles to finish.
type Supervisor struct {
	workers      []*Worker
	drainTimeout time.Duration

	wg sync.WaitGroup
}

func New(workers []*Worker) *Supervisor {
	return &Supervisor{workers: workers, drainTimeout: DefaultDrainTimeout}
}

// Run starts every worker and blocks until ctx is canceled and all workers
// have drained their current cycle (or the drain timeout elapses).
func (s *Supervisor) Run(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, w)
	}

	<-ctx.Done()
	klog.FromContext(ctx).Info("shutdown signal received, draining in-flight cycles")

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.drainTimeout):
		klog.FromContext(ctx).Info("drain timeout elapsed, exiting with workers still in flight")
	}
}

func (s *Supervisor) runWorker(ctx context.Context, w *Worker) {
	defer s.wg.Done()

	logger := klog.FromContext(ctx).WithValues("drive", w.Spec.Name)
	ctx = klog.NewContext(ctx, logger)

	for {
		if s.runCycleRecovered(ctx, w) {
			// Degraded: no further cycles for this drive until shutdown.
			<-ctx.Done()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.Interval):
		}
	}
}

// runCycleRecovered executes one cycle, recovering from any panic inside
// it so that one drive's bug never brings down the whole supervisor; a
// recovered panic is logged and treated the same as a failed cycle. It
// reports whether the cycle ended in an InvariantViolation, which marks
// the drive degraded.
func (s *Supervisor) runCycleRecovered(ctx context.Context, w *Worker) (degraded bool) {
	logger := klog.FromContext(ctx)
	defer func() {
		if p := recover(); p != nil {
			logger.Error(fmt.Errorf("panic: %v", p), "reconcile cycle panicked, continuing with the next cycle")
			metrics.ReconcileErrorsTotal.WithLabelValues(w.Spec.Name, "panic").Inc()
		}
	}()

	timer := metrics.NewTimer()
	result := w.Reconciler.Cycle(ctx, w.Spec)
	timer.ObserveDrive(w.Spec.Name)

	metrics.ReconcileCyclesTotal.WithLabelValues(w.Spec.Name, result.Action).Inc()
	if result.Action == "scale-up" || result.Action == "scale-down" {
		metrics.ScaleActionsTotal.WithLabelValues(w.Spec.Name, result.Action).Inc()
	}
	if result.Devices > 0 {
		metrics.DriveDevices.WithLabelValues(w.Spec.Name).Set(float64(result.Devices))
		metrics.DriveUsedBytes.WithLabelValues(w.Spec.Name).Set(float64(result.UsedBytes))
		metrics.DriveTotalBytes.WithLabelValues(w.Spec.Name).Set(float64(result.TotalBytes))
	}

	if result.Err == nil {
		metrics.SetDriveHealth(w.Spec.Name, false, "")
		return false
	}

	kind := opserr.KindOf(result.Err)
	metrics.ReconcileErrorsTotal.WithLabelValues(w.Spec.Name, kind.String()).Inc()

	if kind == opserr.InvariantViolation {
		logger.Error(result.Err, "drive degraded, refusing to mutate until an operator intervenes", "action", result.Action)
		metrics.SetDriveHealth(w.Spec.Name, true, result.Err.Error())
		return true
	}

	logger.V(2).Info("reconcile cycle ended with an error, retrying next cycle", "action", result.Action, "kind", kind.String(), "err", result.Err)
	return false
}
