package reconcile

import (
	"context"
	"testing"

	"github.com/outscale/bsud/pkg/cloud"
	"github.com/outscale/bsud/pkg/opserr"
	"github.com/outscale/bsud/pkg/scaling"
	"github.com/outscale/bsud/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCloud is an in-memory Cloud Volume View recorder, in the style the
// teacher's tests/sanity package fakes the CSI controller's cloud calls:
// state lives in plain maps and behavior is driven entirely by the test
// rather than a mock framework.
type fakeCloud struct {
	nextID     int
	disks      map[string]*cloud.Disk
	self       string
	nextDevice byte // next xvd suffix to hand out on Attach
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{disks: map[string]*cloud.Disk{}, self: "vm-self", nextDevice: 'b'}
}

func (f *fakeCloud) ListForDrive(ctx context.Context, driveName string) ([]cloud.Disk, error) {
	var out []cloud.Disk
	for _, d := range f.disks {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeCloud) Create(ctx context.Context, driveName string, opts cloud.CreateOptions) (cloud.Disk, error) {
	f.nextID++
	id := "vol-" + itoa(f.nextID)
	d := cloud.Disk{VolumeID: id, SizeGiB: opts.SizeGiB, DiskType: opts.DiskType}
	f.disks[id] = &d
	return d, nil
}

// Attach hands out a distinct device name per volume, the way the real
// cloud API does: two volumes attached to the same VM never share a
// device name, which matters once a drive has more than one device.
func (f *fakeCloud) Attach(ctx context.Context, volumeID string) (string, error) {
	d, ok := f.disks[volumeID]
	if !ok {
		return "", opserr.New("fakeCloud.Attach", opserr.Conflict, assertErr("no such volume"))
	}
	if d.DeviceName == "" {
		d.DeviceName = "/dev/xvd" + string(f.nextDevice)
		f.nextDevice++
	}
	d.AttachedToSelf = true
	return d.DeviceName, nil
}

func (f *fakeCloud) Detach(ctx context.Context, volumeID string) error {
	if d, ok := f.disks[volumeID]; ok {
		d.AttachedToSelf = false
		d.DeviceName = ""
	}
	return nil
}

func (f *fakeCloud) Delete(ctx context.Context, volumeID string) error {
	delete(f.disks, volumeID)
	return nil
}

func (f *fakeCloud) Resize(ctx context.Context, volumeID string, newSizeGiB int64) error {
	if d, ok := f.disks[volumeID]; ok {
		d.SizeGiB = newSizeGiB
	}
	return nil
}

func (f *fakeCloud) InstanceID(ctx context.Context) (string, error) { return f.self, nil }

var _ cloud.Cloud = (*fakeCloud)(nil)

type assertErr string

func (e assertErr) Error() string { return string(e) }

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}

// fakeProber treats every tagged device as immediately visible at its
// reported device name.
type fakeProber struct{ notReady map[string]bool }

func (f *fakeProber) DevicePath(ctx context.Context, devicePath, volumeID string) (string, error) {
	if f.notReady[volumeID] {
		return "", opserr.New("fakeProber", opserr.NotReady, assertErr("not visible yet"))
	}
	return devicePath, nil
}

// fakePhysical, fakeGroup, fakeLogical, fakeFilesystem, fakeMount each
// model one layer's persistent state as plain Go maps/fields, mutated
// only by the calls the reconciler itself makes.
type fakePhysical struct{ pvs map[string]bool }

func (f *fakePhysical) IsPV(ctx context.Context, dev string) (bool, error) { return f.pvs[dev], nil }
func (f *fakePhysical) PVCreate(ctx context.Context, dev string) error {
	if f.pvs == nil {
		f.pvs = map[string]bool{}
	}
	f.pvs[dev] = true
	return nil
}
func (f *fakePhysical) PVResize(ctx context.Context, dev string) error { return nil }

type fakeGroup struct {
	exists  bool
	members map[string]bool
}

func (f *fakeGroup) Exists(ctx context.Context, name string) (bool, error) { return f.exists, nil }
func (f *fakeGroup) Create(ctx context.Context, name, firstPV string) error {
	f.exists = true
	f.members = map[string]bool{firstPV: true}
	return nil
}
func (f *fakeGroup) Extend(ctx context.Context, name, pv string) error {
	if f.members == nil {
		f.members = map[string]bool{}
	}
	f.members[pv] = true
	return nil
}
func (f *fakeGroup) InGroup(ctx context.Context, name, pv string) (bool, error) {
	return f.members[pv], nil
}
func (f *fakeGroup) Reduce(ctx context.Context, name, pv string) error {
	delete(f.members, pv)
	return nil
}
func (f *fakeGroup) Deactivate(ctx context.Context, name string) error { return nil }

// fakeLogical derives its reported size from sizeSource rather than
// tracking its own copy, so it always reflects whatever the cloud side
// currently has attached without the test needing to keep two fakes in
// sync by hand.
type fakeLogical struct {
	exists         bool
	needsGrow      bool
	reducedToBytes int64
	sizeSource     func() int64 // current total size in GiB
}

func (f *fakeLogical) Exists(ctx context.Context, group string) (bool, error) { return f.exists, nil }
func (f *fakeLogical) CreateFull(ctx context.Context, group string) (string, error) {
	f.exists = true
	return "/dev/" + group + "/bsud", nil
}
func (f *fakeLogical) GrowToFull(ctx context.Context, group string) error {
	f.needsGrow = false
	return nil
}
func (f *fakeLogical) NeedsGrow(ctx context.Context, group string) (bool, error) {
	return f.needsGrow, nil
}
func (f *fakeLogical) SizeBytes(ctx context.Context, group string) (int64, error) {
	return util.GiBToBytes(f.sizeSource()), nil
}
func (f *fakeLogical) Deactivate(ctx context.Context, group string) error { return nil }
func (f *fakeLogical) ReduceTo(ctx context.Context, group string, targetBytes int64) error {
	f.reducedToBytes = targetBytes
	return nil
}
func (f *fakeLogical) PVMove(ctx context.Context, group, sourcePV string) error { return nil }

// fakeFilesystem mirrors fakeLogical: totalBytes is refreshed from
// sizeSource whenever the reconciler formats or grows it, modeling a
// filesystem that always exactly fills its logical volume.
type fakeFilesystem struct {
	formatted  bool
	usedBytes  int64
	totalBytes int64
	sizeSource func() int64 // current total size in bytes
}

func (f *fakeFilesystem) IsFormatted(ctx context.Context, lvPath string) (bool, error) {
	return f.formatted, nil
}
func (f *fakeFilesystem) Format(ctx context.Context, lvPath string) error {
	f.formatted = true
	f.totalBytes = f.sizeSource()
	return nil
}
func (f *fakeFilesystem) GrowOnline(ctx context.Context, mountPath string) error {
	f.totalBytes = f.sizeSource()
	return nil
}
func (f *fakeFilesystem) ShrinkOnline(ctx context.Context, mountPath string, targetBytes int64, safetyMarginPerc float64) error {
	f.totalBytes = targetBytes
	return nil
}
func (f *fakeFilesystem) Usage(ctx context.Context, mountPath string) (int64, int64, error) {
	return f.usedBytes, f.totalBytes, nil
}

type fakeMount struct{ mounted bool }

func (f *fakeMount) IsMounted(ctx context.Context, mountPath string) (bool, error) {
	return f.mounted, nil
}
func (f *fakeMount) Mount(ctx context.Context, lvPath, mountPath, fsType string) error {
	f.mounted = true
	return nil
}
func (f *fakeMount) Unmount(ctx context.Context, mountPath string) error {
	f.mounted = false
	return nil
}

func testSpec(name string, target Target) DriveSpec {
	return DriveSpec{
		Name:      name,
		Target:    target,
		MountPath: "/mnt/" + name,
		DiskType:  "standard",
		Scaling: scaling.Config{
			MaxBsuCount:         10,
			DiskScaleFactorPerc: 20,
			MinUsedSpacePerc:    20,
			MaxUsedSpacePerc:    85,
			InitialSizeGib:      10,
		},
	}
}

type harness struct {
	r   *Reconciler
	fc  *fakeCloud
	fl  *fakeLogical
	ffs *fakeFilesystem
	fm  *fakeMount
	fg  *fakeGroup
	fp  *fakePhysical
}

func newHarness() *harness {
	fc := newFakeCloud()
	fp := &fakePhysical{pvs: map[string]bool{}}
	fg := &fakeGroup{}
	totalGiB := func() int64 {
		var t int64
		for _, d := range fc.disks {
			t += d.SizeGiB
		}
		return t
	}
	fl := &fakeLogical{sizeSource: totalGiB}
	ffs := &fakeFilesystem{sizeSource: func() int64 { return util.GiBToBytes(totalGiB()) }}
	fm := &fakeMount{}
	r := &Reconciler{
		Cloud:      fc,
		Prober:     &fakeProber{},
		Physical:   fp,
		Group:      fg,
		Logical:    fl,
		Filesystem: ffs,
		Mount:      fm,
	}
	return &harness{r: r, fc: fc, fl: fl, ffs: ffs, fm: fm, fg: fg, fp: fp}
}

// runUntilNoop drives cycles until the reconciler reports "noop" or the
// step budget is exhausted, mirroring the convergence law of spec.md §8:
// a finite number of cycles reaches steady state from any partial start.
func runUntilNoop(t *testing.T, h *harness, spec DriveSpec, maxCycles int) []Result {
	t.Helper()
	var results []Result
	for i := 0; i < maxCycles; i++ {
		res := h.r.Cycle(context.Background(), spec)
		require.NoError(t, res.Err, "cycle %d: action=%s", i, res.Action)
		results = append(results, res)
		if res.Action == "noop" {
			return results
		}
	}
	t.Fatalf("did not converge to noop within %d cycles; last action=%s", maxCycles, results[len(results)-1].Action)
	return results
}

func TestColdStartConverges(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)

	results := runUntilNoop(t, h, spec, 20)

	assert.True(t, h.fm.mounted)
	assert.True(t, h.ffs.formatted)
	assert.Equal(t, 1, len(h.fc.disks))
	for _, d := range h.fc.disks {
		assert.True(t, d.AttachedToSelf)
		assert.Equal(t, int64(10), d.SizeGiB)
	}
	lastAction := results[len(results)-1].Action
	assert.Equal(t, "noop", lastAction)
}

func TestIdempotenceSecondCycleIsNoop(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, spec, 20)

	res := h.r.Cycle(context.Background(), spec)
	require.NoError(t, res.Err)
	assert.Equal(t, "noop", res.Action)
}

func TestScaleUpTriggersOnHighUsage(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, spec, 20)

	// Drive usage over the threshold (85%): 9 GiB used of 10 GiB total.
	h.ffs.usedBytes = util.GiBToBytes(9)

	res := h.r.Cycle(context.Background(), spec)
	require.NoError(t, res.Err)
	assert.Equal(t, "scale-up", res.Action)
	assert.Equal(t, 2, len(h.fc.disks))
}

func TestNoScaleUpBelowThreshold(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, spec, 20)

	h.ffs.usedBytes = util.GiBToBytes(5) // 50%, below max_used_space_perc

	for i := 0; i < 5; i++ {
		res := h.r.Cycle(context.Background(), spec)
		require.NoError(t, res.Err)
		assert.Equal(t, "noop", res.Action)
	}
	assert.Equal(t, 1, len(h.fc.disks))
}

// TestScaleUpSecondDeviceJoinsGroupAndCapacityConverges drives a drive
// through an actual scale-up and all the way to steady state, and checks
// that the second PV really becomes a member of the group (rule 5) and
// that the filesystem ends up sized across both devices' combined
// capacity — the scenario a broken InGroup check would silently fail
// while still reporting "noop".
func TestScaleUpSecondDeviceJoinsGroupAndCapacityConverges(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, spec, 20)
	require.Equal(t, 1, len(h.fc.disks))

	h.ffs.usedBytes = util.GiBToBytes(9) // 90% of 10 GiB, above the 85% trigger

	results := runUntilNoop(t, h, spec, 20)
	require.Equal(t, 2, len(h.fc.disks))

	var sawScaleUp, sawGroupExtend bool
	for _, r := range results {
		switch r.Action {
		case "scale-up":
			sawScaleUp = true
		case "group-extend":
			sawGroupExtend = true
		}
	}
	assert.True(t, sawScaleUp)
	assert.True(t, sawGroupExtend, "the second PV must actually join the group, not just sit attached")

	var totalGiB int64
	for _, d := range h.fc.disks {
		totalGiB += d.SizeGiB
		assert.True(t, h.fg.members[d.DeviceName], "every attached PV must end up a member of the group")
	}
	assert.Equal(t, totalGiB, util.BytesToGiB(h.ffs.totalBytes), "filesystem total must reflect both devices' combined capacity")
}

// TestScaleDownEvacuatesShrinksAndRemovesSmallestDevice drives a
// two-device drive down to low usage and checks the full eviction
// sequence actually completes: filesystem and LV are shrunk to the
// post-removal capacity before the evacuated device is detached and
// deleted.
func TestScaleDownEvacuatesShrinksAndRemovesSmallestDevice(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, spec, 20)
	require.Equal(t, 1, len(h.fc.disks))

	h.ffs.usedBytes = util.GiBToBytes(9) // force a second, larger device
	runUntilNoop(t, h, spec, 20)
	require.Equal(t, 2, len(h.fc.disks))

	var originalID string
	for id, d := range h.fc.disks {
		if d.SizeGiB == 10 {
			originalID = id
		}
	}
	require.NotEmpty(t, originalID, "the original 10 GiB device must still be present")

	h.ffs.usedBytes = util.GiBToBytes(2) // well under MinUsedSpacePerc (20%)

	results := runUntilNoop(t, h, spec, 20)

	require.Equal(t, 1, len(h.fc.disks), "the smallest device must be evacuated and removed")
	_, stillPresent := h.fc.disks[originalID]
	assert.False(t, stillPresent, "scale-down must target the smallest (original) device")

	var sawScaleDown bool
	for _, r := range results {
		if r.Action == "scale-down" {
			sawScaleDown = true
		}
	}
	assert.True(t, sawScaleDown)

	assert.Equal(t, util.GiBToBytes(12), h.fl.reducedToBytes, "the LV must be shrunk to the post-removal capacity before pvmove")
	assert.Equal(t, util.GiBToBytes(12), h.ffs.totalBytes, "the filesystem must be shrunk to the post-removal capacity")
}

func TestRestartMidBuildAttachesOrphanTaggedVolumeWithoutDuplication(t *testing.T) {
	h := newHarness()
	spec := testSpec("data", TargetOnline)

	// A volume was created and tagged last run, but the process died
	// before attach. The next reconciler instance only ever sees cloud
	// state, so it must pick up exactly where the crash left off.
	h.fc.disks["vol-1"] = &cloud.Disk{VolumeID: "vol-1", SizeGiB: 10, DiskType: "standard"}

	results := runUntilNoop(t, h, spec, 20)
	assert.Equal(t, 1, len(h.fc.disks), "must not create a duplicate volume")
	for action, count := 0, 0; action < len(results); action++ {
		if results[action].Action == "scale-up" {
			count++
		}
		assert.LessOrEqual(t, count, 1)
	}
}

func TestOfflineUnmountsDeactivatesAndDetachesButNeverDeletes(t *testing.T) {
	h := newHarness()
	onlineSpec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, onlineSpec, 20)
	require.Equal(t, 1, len(h.fc.disks))

	offlineSpec := testSpec("data", TargetOffline)
	for i := 0; i < 10; i++ {
		res := h.r.Cycle(context.Background(), offlineSpec)
		require.NoError(t, res.Err)
		if res.Action == "noop" {
			break
		}
	}

	assert.False(t, h.fm.mounted)
	for _, d := range h.fc.disks {
		assert.False(t, d.AttachedToSelf)
	}
	assert.Equal(t, 1, len(h.fc.disks), "offline must never delete a volume")
}

func TestDeleteRemovesOnlyThisDrivesTaggedVolumes(t *testing.T) {
	h := newHarness()
	onlineSpec := testSpec("data", TargetOnline)
	runUntilNoop(t, h, onlineSpec, 20)
	require.Equal(t, 1, len(h.fc.disks))

	deleteSpec := testSpec("data", TargetDelete)
	for i := 0; i < 10; i++ {
		res := h.r.Cycle(context.Background(), deleteSpec)
		require.NoError(t, res.Err)
		if res.Action == "noop" {
			break
		}
	}

	assert.Equal(t, 0, len(h.fc.disks))
}

func TestFindDiskReturnsNilForMissingVolume(t *testing.T) {
	disks := []cloud.Disk{{VolumeID: "vol-1", SizeGiB: 10}}
	assert.Nil(t, findDisk(disks, "vol-missing"))
	assert.NotNil(t, findDisk(disks, "vol-1"))
}
