/*
Copyright 2019 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command bsud runs the block-storage daemon: one reconcile worker per
// configured drive, an HTTP server exposing Prometheus metrics and a
// health endpoint, and graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outscale/bsud/internal/config"
	"github.com/outscale/bsud/pkg/blockdev"
	"github.com/outscale/bsud/pkg/cloud"
	"github.com/outscale/bsud/pkg/filesystem"
	"github.com/outscale/bsud/pkg/lvm"
	"github.com/outscale/bsud/pkg/metrics"
	"github.com/outscale/bsud/pkg/mount"
	"github.com/outscale/bsud/pkg/reconcile"
	"github.com/outscale/bsud/pkg/scaling"
	"github.com/outscale/bsud/pkg/supervisor"
	"k8s.io/klog/v2"
	"k8s.io/utils/exec"
)

func main() {
	klog.InitFlags(nil)

	configPath := flag.String("config", "/etc/bsud/config.yaml", "path to the daemon's configuration document")
	httpAddr := flag.String("http-addr", ":9190", "address the metrics/health HTTP server listens on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalf("loading config: %v", err)
	}

	md, err := cloud.NewMetadata()
	if err != nil {
		klog.Fatalf("reading instance metadata: %v", err)
	}

	cloudClient, err := cloud.NewCloud(md.GetRegion(), cfg.Authentication.AccessKey, cfg.Authentication.SecretKey)
	if err != nil {
		klog.Fatalf("building cloud client: %v", err)
	}

	execer := exec.New()
	prober := blockdev.NewProber()
	physical := lvm.NewPhysicalLayer(execer)
	group := lvm.NewGroupLayer(execer)
	logical := lvm.NewLogicalLayer(execer)
	fsLayer := filesystem.NewLayer(execer)
	mountLayer := mount.NewDefaultLayer()

	workers := make([]*supervisor.Worker, 0, len(cfg.Drives))
	for _, d := range cfg.Drives {
		spec := reconcile.DriveSpec{
			Name:             d.Name,
			Target:           reconcile.Target(d.Target),
			MountPath:        d.MountPath,
			AvailabilityZone: d.AvailabilityZone,
			DiskType:         string(d.DiskType),
			DiskIopsPerGib:   d.DiskIopsPerGib,
			Scaling: scaling.Config{
				MaxBsuCount:         int64(d.MaxBsuCount),
				MaxTotalSizeGib:     d.MaxTotalSizeGib,
				DiskScaleFactorPerc: d.DiskScaleFactorPerc,
				MinUsedSpacePerc:    d.MinUsedSpacePerc,
				MaxUsedSpacePerc:    d.MaxUsedSpacePerc,
				InitialSizeGib:      d.InitialSizeGib,
				SafetyMarginPerc:    d.SafetyMarginPerc,
			},
		}

		workers = append(workers, &supervisor.Worker{
			Spec: spec,
			Reconciler: &reconcile.Reconciler{
				Cloud:      cloudClient,
				Prober:     prober,
				Physical:   physical,
				Group:      group,
				Logical:    logical,
				Filesystem: fsLayer,
				Mount:      mountLayer,
			},
			Interval: time.Duration(d.ReconcileIntervalSeconds) * time.Second,
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("http server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(workers)
	sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http server shutdown: %v\n", err)
	}
}
