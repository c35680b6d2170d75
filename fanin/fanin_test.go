// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fanin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/iprofiler/fanin"
	"go.opentelemetry.io/iprofiler/vm"
)

const callee vm.Method = 0x5000

func TestAdd(t *testing.T) {
	tbl := fanin.New()
	assert.Nil(t, tbl.Find(callee))

	r := tbl.Add(0x100, callee, 4)
	require.NotNil(t, r)
	assert.Same(t, r, tbl.Find(callee))
	tbl.Add(0x100, callee, 4)
	tbl.Add(0x100, callee, 9)
	tbl.Add(0x200, callee, 4)

	var order []vm.Method
	r.Range(func(c *fanin.Caller) bool {
		order = append(order, c.Method())
		return true
	})
	// New callers go right after the first one.
	assert.Equal(t, []vm.Method{0x100, 0x200, 0x100}, order)

	count, weight, other := tbl.Info(callee)
	assert.Equal(t, uint32(3), count)
	assert.Equal(t, uint32(4), weight)
	assert.Equal(t, uint32(0), other)
	assert.Equal(t, fanin.Stats{Records: 1, Callers: 3}, tbl.Stats())
}

func TestCallerWeight(t *testing.T) {
	tbl := fanin.New()
	tbl.Add(0x100, callee, 4)
	tbl.Add(0x100, callee, 4)
	tbl.Add(0x100, callee, 8)

	tests := map[string]struct {
		callee  vm.Method
		caller  vm.Method
		pcIndex uint32
		weight  uint32
		found   bool
	}{
		"call site":       {callee: callee, caller: 0x100, pcIndex: 4, weight: 2, found: true},
		"other site":      {callee: callee, caller: 0x100, pcIndex: 8, weight: 1, found: true},
		"any call site":   {callee: callee, caller: 0x100, pcIndex: fanin.AnyCallSite, weight: 2, found: true},
		"unknown caller":  {callee: callee, caller: 0x300, pcIndex: 4, weight: 0},
		"unknown callee":  {callee: 0x6000, caller: 0x100, pcIndex: 4, weight: ^uint32(0)},
		"unknown pcIndex": {callee: callee, caller: 0x100, pcIndex: 12, weight: 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			weight, found := tbl.CallerWeight(tc.callee, tc.caller, tc.pcIndex)
			assert.Equal(t, tc.weight, weight)
			assert.Equal(t, tc.found, found)
		})
	}
}

func TestMaxCallers(t *testing.T) {
	tbl := fanin.New()
	for i := range fanin.MaxCallers + 5 {
		tbl.Add(vm.Method(0x1000+i), callee, 0)
	}
	// A tracked caller still matches.
	tbl.Add(0x1000, callee, 0)

	count, weight, other := tbl.Info(callee)
	assert.Equal(t, uint32(fanin.MaxCallers), count)
	assert.Equal(t, uint32(5), other)
	assert.Equal(t, uint32(fanin.MaxCallers+5+1), weight)

	weight, found := tbl.CallerWeight(callee, 0x1000+fanin.MaxCallers, 0)
	assert.False(t, found)
	assert.Equal(t, uint32(5), weight)
	assert.Equal(t, uint64(5), tbl.Stats().Overflow)
}

func TestAddConcurrent(t *testing.T) {
	tbl := fanin.New()
	var g errgroup.Group
	for i := range 4 {
		g.Go(func() error {
			for j := range 100 {
				tbl.Add(vm.Method(0x100*(i+1)), vm.Method(0x5000+j%3), 0)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for j := range 3 {
		count, weight, _ := tbl.Info(vm.Method(0x5000 + j))
		assert.Equal(t, uint32(4), count)
		assert.NotZero(t, weight)
	}
	assert.Equal(t, uint64(3), tbl.Stats().Records)
}
