// Package metrics exposes the daemon's Prometheus metrics and a simple
// per-drive health registry, the ambient observability surface every
// drive worker reports into as it reconciles.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DriveDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsud_drive_devices",
			Help: "Number of backing devices currently tagged for a drive",
		},
		[]string{"drive"},
	)

	DriveTotalBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsud_drive_total_bytes",
			Help: "Total filesystem size in bytes for a drive",
		},
		[]string{"drive"},
	)

	DriveUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsud_drive_used_bytes",
			Help: "Used filesystem bytes for a drive",
		},
		[]string{"drive"},
	)

	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsud_reconcile_cycles_total",
			Help: "Total number of reconcile cycles run, by drive and resulting action",
		},
		[]string{"drive", "action"},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsud_reconcile_errors_total",
			Help: "Total number of reconcile cycles that ended in an error, by drive and error kind",
		},
		[]string{"drive", "kind"},
	)

	ScaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsud_scale_actions_total",
			Help: "Total number of scaling actions taken, by drive and action",
		},
		[]string{"drive", "action"},
	)

	ReconcileCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsud_reconcile_cycle_duration_seconds",
			Help:    "Time taken by one reconcile cycle, by drive",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"drive"},
	)
)

func init() {
	prometheus.MustRegister(
		DriveDevices,
		DriveTotalBytes,
		DriveUsedBytes,
		ReconcileCyclesTotal,
		ReconcileErrorsTotal,
		ScaleActionsTotal,
		ReconcileCycleDuration,
	)
}

// Handler returns the Prometheus scrape handler, served at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one reconcile cycle's duration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDrive(drive string) {
	ReconcileCycleDuration.WithLabelValues(drive).Observe(time.Since(t.start).Seconds())
}

// driveHealth tracks whether a drive's worker considers itself degraded
// (InvariantViolation, per spec.md §7): a drive in this state is left
// untouched by the reconciler until an operator intervenes.
type driveHealth struct {
	Degraded bool   `json:"degraded"`
	Message  string `json:"message,omitempty"`
}

var (
	healthMu sync.RWMutex
	health   = map[string]driveHealth{}
)

// SetDriveHealth records whether drive is currently degraded.
func SetDriveHealth(drive string, degraded bool, message string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	health[drive] = driveHealth{Degraded: degraded, Message: message}
}

// HealthHandler serves /healthz: 200 unless any drive is degraded, in
// which case it reports 503 with the offending drives named.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthMu.RLock()
		snapshot := make(map[string]driveHealth, len(health))
		anyDegraded := false
		for k, v := range health {
			snapshot[k] = v
			if v.Degraded {
				anyDegraded = true
			}
		}
		healthMu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if anyDegraded {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	}
}
