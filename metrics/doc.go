// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics collects the diagnostic counters of the profiler and exports them through
OpenTelemetry instruments.

Metric IDs are defined in metrics.json and compiled into ids.go by genids. Components keep
their own atomic counters and hand the deltas to AddSlice from a periodic collector:

	periodiccaller.Start(ctx, interval, func() {
		metrics.AddSlice([]metrics.Metric{
			{ID: metrics.IDStoreAllocationFailures, Value: metrics.MetricValue(n.Swap(0))},
		})
	})

Metrics are batched per second. A batch is exported once the first metric of the next
second arrives, so every value is reported with the timestamp it was collected at.

	metrics
	├── agentmetrics/   // process resource usage
	├── genids/         // ids.go generator
	├── metrics.json    // metric definitions, append only
	├── metrics.go      // Add() and AddSlice()
	└── types.go        // Metric, MetricID, MetricValue
*/
package metrics // import "go.opentelemetry.io/iprofiler/metrics"
