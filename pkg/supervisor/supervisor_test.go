package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outscale/bsud/pkg/reconcile"
	"github.com/stretchr/testify/assert"
)

// fakeReconciler counts cycles and can be made to panic on a chosen call,
// letting the test drive the supervisor's panic-recovery path without
// needing a real drive's layers.
type fakeReconciler struct {
	calls     int32
	panicOn   int32 // 0 means never
	result    reconcile.Result
}

func (f *fakeReconciler) Cycle(ctx context.Context, spec reconcile.DriveSpec) reconcile.Result {
	n := atomic.AddInt32(&f.calls, 1)
	if f.panicOn != 0 && n == f.panicOn {
		panic("boom")
	}
	return f.result
}

func TestRunExecutesCyclesUntilCanceled(t *testing.T) {
	fr := &fakeReconciler{result: reconcile.Result{Action: "noop"}}
	w := &Worker{
		Spec:       reconcile.DriveSpec{Name: "data"},
		Reconciler: fr,
		Interval:   3 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	s := New([]*Worker{w})
	s.drainTimeout = 50 * time.Millisecond
	s.Run(ctx)

	assert.Greater(t, atomic.LoadInt32(&fr.calls), int32(1), "worker should have run multiple cycles before cancellation")
}

func TestRunRecoversPanicAndKeepsRunningNextCycle(t *testing.T) {
	fr := &fakeReconciler{panicOn: 1, result: reconcile.Result{Action: "noop"}}
	w := &Worker{
		Spec:       reconcile.DriveSpec{Name: "data"},
		Reconciler: fr,
		Interval:   2 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	s := New([]*Worker{w})
	s.drainTimeout = 50 * time.Millisecond

	assert.NotPanics(t, func() { s.Run(ctx) })
	assert.Greater(t, atomic.LoadInt32(&fr.calls), int32(1), "a panicking cycle must not stop later cycles")
}

func TestRunStopsEachWorkerIndependently(t *testing.T) {
	fr1 := &fakeReconciler{result: reconcile.Result{Action: "noop"}}
	fr2 := &fakeReconciler{result: reconcile.Result{Action: "noop", Err: assertErr("transient")}}
	w1 := &Worker{Spec: reconcile.DriveSpec{Name: "a"}, Reconciler: fr1, Interval: 2 * time.Millisecond}
	w2 := &Worker{Spec: reconcile.DriveSpec{Name: "b"}, Reconciler: fr2, Interval: 2 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := New([]*Worker{w1, w2})
	s.drainTimeout = 50 * time.Millisecond
	s.Run(ctx)

	assert.Greater(t, atomic.LoadInt32(&fr1.calls), int32(0))
	assert.Greater(t, atomic.LoadInt32(&fr2.calls), int32(0))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
