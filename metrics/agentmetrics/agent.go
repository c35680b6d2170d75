// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports the resource usage of the profiling process itself.
package agentmetrics // import "go.opentelemetry.io/iprofiler/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/iprofiler/metrics"
	"go.opentelemetry.io/iprofiler/periodiccaller"
)

type rusageTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now-prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return secDelta + usecDelta
}

func (r *rusageTimes) report() {
	nGoRoutines := runtime.NumGoroutine()

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return
	}

	deltaStime := timeDelta(rusage.Stime, r.stime)
	deltaUtime := timeDelta(rusage.Utime, r.utime)

	r.stime = rusage.Stime
	r.utime = rusage.Utime

	metrics.AddSlice([]metrics.Metric{
		{
			ID:    metrics.IDAgentGoRoutines,
			Value: metrics.MetricValue(nGoRoutines),
		},
		{
			ID:    metrics.IDAgentHeapAlloc,
			Value: metrics.MetricValue(stats.HeapAlloc),
		},
		{
			ID:    metrics.IDAgentUTime,
			Value: metrics.MetricValue(deltaUtime),
		},
		{
			ID:    metrics.IDAgentSTime,
			Value: metrics.MetricValue(deltaStime),
		},
	})
}

// Start reports process metrics every interval until the returned function is called or
// mainCtx is done.
func Start(mainCtx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return func() {}, err
	}

	prev := rusageTimes{
		utime: rusage.Utime,
		stime: rusage.Stime,
	}

	ctx, cancel := context.WithCancel(mainCtx)
	stopReporting := periodiccaller.Start(ctx, interval, func() {
		prev.report()
	})

	return func() {
		cancel()
		stopReporting()
	}, nil
}
