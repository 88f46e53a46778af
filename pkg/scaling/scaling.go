// Package scaling implements the drive's scaling policy: a pure function
// of observed device/filesystem state and configuration, producing at
// most one action per call. It does no I/O and is fully table-test
// driven — the reconciler is the only caller, and only to obtain the
// next action to perform.
package scaling

import (
	"math"
	"sort"
	"time"

	"github.com/outscale/bsud/pkg/util"
)

// ceilGiB rounds a fractional GiB quantity up to the next whole GiB. Unlike
// util.RoundUpBytes/RoundUpGiB, which operate on byte counts, this rounds a
// value already expressed in GiB.
func ceilGiB(gib float64) int64 {
	return int64(math.Ceil(gib))
}

// DefaultSafetyMarginPerc mirrors internal/config's floor: the minimum
// buffer kept between a projected post-action usage and the hysteresis
// band edge it must stay inside of.
const DefaultSafetyMarginPerc = 5.0

// Device is one backing device's relevant state for a scaling decision.
type Device struct {
	CloudID   string
	SizeGiB   int64
	CreatedAt time.Time
}

// Config carries the subset of a drive's declared configuration the
// policy needs. It is a plain struct, not internal/config.Drive, so this
// package stays free of any dependency beyond pure arithmetic.
type Config struct {
	MaxBsuCount         int64
	MaxTotalSizeGib     int64 // 0 means unset (no cap)
	DiskScaleFactorPerc float64
	MinUsedSpacePerc    float64
	MaxUsedSpacePerc    float64
	InitialSizeGib      int64
	SafetyMarginPerc    float64 // 0 means use DefaultSafetyMarginPerc
}

// Inputs is everything one Decide call needs.
type Inputs struct {
	Devices    []Device
	UsedBytes  int64
	TotalBytes int64
	Config     Config
}

type ActionKind int

const (
	NoOp ActionKind = iota
	ScaleUp
	ScaleDown
)

// Action is the policy's verdict: at most one of NewSizeGiB (ScaleUp) or
// TargetCloudID (ScaleDown) is meaningful, matching the Kind.
type Action struct {
	Kind          ActionKind
	NewSizeGiB    int64
	TargetCloudID string
}

// Decide evaluates the scale-up trigger first, then the scale-down
// trigger; the two are mutually exclusive because scaling up requires
// usage above MaxUsedSpacePerc and scaling down requires it below
// MinUsedSpacePerc, and MinUsedSpacePerc < MaxUsedSpacePerc always holds.
func Decide(in Inputs) Action {
	cfg := in.Config
	n := int64(len(in.Devices))
	safetyMargin := cfg.SafetyMarginPerc
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMarginPerc
	}

	// Cold start: no device exists yet, so there is no filesystem to
	// measure usage against. The very first device is always provisioned
	// unconditionally, at InitialSizeGib, rather than waiting for a usage
	// signal that can never arrive without it.
	if n == 0 {
		return decideScaleUp(in, n)
	}

	if in.TotalBytes <= 0 {
		return Action{Kind: NoOp}
	}
	usedPerc := float64(in.UsedBytes) / float64(in.TotalBytes) * 100

	if usedPerc > cfg.MaxUsedSpacePerc && n < cfg.MaxBsuCount {
		return decideScaleUp(in, n)
	}
	if usedPerc > cfg.MaxUsedSpacePerc && n == cfg.MaxBsuCount {
		return decideBalancingScaleDown(in)
	}
	if usedPerc < cfg.MinUsedSpacePerc && n >= 2 {
		return decideScaleDown(in, usedPerc, safetyMargin)
	}
	return Action{Kind: NoOp}
}

func totalSizeGiB(devices []Device) int64 {
	var t int64
	for _, d := range devices {
		t += d.SizeGiB
	}
	return t
}

func maxSizeGiB(devices []Device) int64 {
	var m int64
	for _, d := range devices {
		if d.SizeGiB > m {
			m = d.SizeGiB
		}
	}
	return m
}

// decideScaleUp implements the scale-up size selection and the
// capacity-headroom "minus one" rule: at n == MaxBsuCount-1, this is the
// last addition the policy will make freely, so the candidate is sized
// 10% smaller to leave the remaining devices room to absorb a future
// balancing evacuation.
func decideScaleUp(in Inputs, n int64) Action {
	cfg := in.Config

	var candidate int64
	if n == 0 {
		candidate = cfg.InitialSizeGib
	} else {
		L := maxSizeGiB(in.Devices)
		candidate = ceilGiB(float64(L) * (1 + cfg.DiskScaleFactorPerc/100))
	}
	if n == cfg.MaxBsuCount-1 {
		candidate = ceilGiB(float64(candidate) * 0.9)
	}

	if cfg.MaxTotalSizeGib > 0 {
		headroom := cfg.MaxTotalSizeGib - totalSizeGiB(in.Devices)
		if candidate > headroom {
			candidate = headroom
		}
		if candidate < 1 {
			return Action{Kind: NoOp}
		}
	}

	return Action{Kind: ScaleUp, NewSizeGiB: candidate}
}

// decideBalancingScaleDown fires when the drive is saturated at
// MaxBsuCount devices but still needs capacity: it frees a slot by
// evacuating and removing the smallest device instead of adding one.
func decideBalancingScaleDown(in Inputs) Action {
	target := smallestDevice(in.Devices)
	if target == nil {
		return Action{Kind: NoOp}
	}
	return Action{Kind: ScaleDown, TargetCloudID: target.CloudID}
}

// decideScaleDown implements the scale-down trigger and its anti-flap
// guard: removing the smallest device must leave projected usage strictly
// below MaxUsedSpacePerc minus the safety margin, so it never bounces back
// over MaxUsedSpacePerc on the very next cycle. Projected usage is not
// checked against MinUsedSpacePerc.
func decideScaleDown(in Inputs, usedPerc, safetyMargin float64) Action {
	target := smallestDevice(in.Devices)
	if target == nil {
		return Action{Kind: NoOp}
	}

	projectedTotal := in.TotalBytes - util.GiBToBytes(target.SizeGiB)
	if projectedTotal <= 0 {
		return Action{Kind: NoOp}
	}
	projectedUsedPerc := float64(in.UsedBytes) / float64(projectedTotal) * 100
	if projectedUsedPerc >= in.Config.MaxUsedSpacePerc-safetyMargin {
		return Action{Kind: NoOp}
	}
	return Action{Kind: ScaleDown, TargetCloudID: target.CloudID}
}

// smallestDevice picks the removal candidate: smallest size, then oldest
// creation time, then lexicographically smallest cloud_id.
func smallestDevice(devices []Device) *Device {
	if len(devices) == 0 {
		return nil
	}
	sorted := make([]Device, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.SizeGiB != b.SizeGiB {
			return a.SizeGiB < b.SizeGiB
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CloudID < b.CloudID
	})
	return &sorted[0]
}
