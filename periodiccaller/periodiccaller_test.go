// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicCaller(t *testing.T) {
	interval := 10 * time.Millisecond
	trigger := make(chan bool)

	tests := map[string]func(context.Context, func()) func(){
		"Start": func(ctx context.Context, cb func()) func() {
			return Start(ctx, interval, cb)
		},
		"StartWithManualTrigger": func(ctx context.Context, cb func()) func() {
			return StartWithManualTrigger(ctx, interval, trigger, func(bool) { cb() })
		},
	}

	for name, testFunc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			done := make(chan struct{})
			var counter atomic.Int32
			stop := testFunc(ctx, func() {
				if counter.Add(1) == 2 {
					close(done)
				}
			})

			select {
			case <-done:
			case <-ctx.Done():
				assert.Failf(t, "timeout", "%s - periodiccaller not working", name)
			}
			stop()

			// No callback runs once stop returned.
			n := counter.Load()
			time.Sleep(3 * interval)
			assert.Equal(t, n, counter.Load())
		})
	}
}

func TestPeriodicCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	executions := make(chan struct{}, 20)
	stop := Start(ctx, time.Millisecond, func() {
		executions <- struct{}{}
	})
	defer stop()

	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)

	assert.NotEmpty(t, executions)
	assert.Less(t, len(executions), 12)
}

func TestPeriodicCallerManualTrigger(t *testing.T) {
	numTrigger := 5
	// Larger than the time taken to send the triggers.
	interval := 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	var counter atomic.Int32
	trigger := make(chan bool)
	stop := StartWithManualTrigger(ctx, interval, trigger, func(manualTrigger bool) {
		assert.True(t, manualTrigger)
		counter.Add(1)
	})

	for range numTrigger {
		trigger <- true
	}
	stop()
	require.Equal(t, int32(numTrigger), counter.Load())
}
