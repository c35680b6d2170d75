// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeReporter struct {
	result chan []Metric
}

func (f fakeReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	metricsResult := make([]Metric, len(ids))

	for j := range ids {
		metricsResult[j].ID = MetricID(ids[j])
		metricsResult[j].Value = MetricValue(values[j])
	}

	f.result <- metricsResult
}

func TestMetrics(t *testing.T) {
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	defer SetReporter(nil)

	// Align to the start of a second so the batch below shares one timestamp.
	time.Sleep(1*time.Second - time.Duration(time.Now().Nanosecond()))

	inputMetrics := []Metric{
		{IDBufferRequests, MetricValue(33)},
		{IDStoreEntries, MetricValue(55)},
		{IDPersistEntries, MetricValue(66)},
		{IDAgentGoRoutines, MetricValue(20)},
		{IDPersistError, MetricValue(0)},
	}

	AddSlice(inputMetrics[0:2])                    // 33, 55
	Add(inputMetrics[1].ID, inputMetrics[1].Value) // 55, dropped
	Add(inputMetrics[2].ID, inputMetrics[2].Value) // 66
	AddSlice(inputMetrics[3:4])                    // 20
	Add(inputMetrics[0].ID, inputMetrics[0].Value) // 33, dropped
	AddSlice(inputMetrics[1:3])                    // 55, 66 dropped
	AddSlice(inputMetrics[2:5])                    // 66 dropped, 20 dropped, 0 dropped

	// Counters with a 0 value are not reported.
	inputMetrics = inputMetrics[:4]

	time.Sleep(1 * time.Second)
	AddSlice(nil)

	timeout := time.NewTimer(3 * time.Second)
	select {
	case outputMetrics := <-reporter.result:
		assert.Equal(t, inputMetrics, outputMetrics)
	case <-timeout.C:
		assert.Fail(t, "timeout - no metrics received in time")
	}
}

func TestGetDefinitions(t *testing.T) {
	defs := GetDefinitions()
	assert.Len(t, defs, IDMax)
	for i, md := range defs {
		assert.Equal(t, MetricID(i), md.ID, md.Name)
		if md.ID == IDInvalid {
			continue
		}
		assert.NotEmpty(t, md.Field, md.Name)
		assert.Contains(t, []MetricType{MetricTypeCounter, MetricTypeGauge}, md.Type, md.Name)
	}
}
