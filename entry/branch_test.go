// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchCounters(t *testing.T) {
	tests := map[string]struct {
		taken        int
		notTaken     int
		wantTaken    uint32
		wantNotTaken uint32
	}{
		"empty":       {wantTaken: 1, wantNotTaken: 1},
		"mostly":      {taken: 1000, notTaken: 10, wantTaken: 1001, wantNotTaken: 11},
		"only taken":  {taken: 8, wantTaken: 9, wantNotTaken: 1},
		"odd counter": {taken: 3, notTaken: 5, wantTaken: 3, wantNotTaken: 5},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var b Branch
			for range tc.taken {
				b.Update(true)
			}
			for range tc.notTaken {
				b.Update(false)
			}
			taken, notTaken := b.Counters()
			assert.Equal(t, tc.wantTaken, taken)
			assert.Equal(t, tc.wantNotTaken, notTaken)
			assert.Equal(t, taken+notTaken, b.SamplingCount())
			assert.Equal(t, tc.taken+tc.notTaken > 0, b.HasData())
		})
	}
}

func TestBranchSaturationHalves(t *testing.T) {
	var b Branch
	b.SetRaw(0xFFFF<<16 | 100)
	b.Update(true)

	taken, notTaken := b.Counters()
	assert.Equal(t, uint32(0x8001), taken)
	assert.Equal(t, uint32(51), notTaken)

	b.SetRaw(7<<16 | 0xFFFF)
	b.Update(false)
	taken, notTaken = b.Counters()
	assert.Equal(t, uint32(3), taken)
	assert.Equal(t, uint32(0x8001), notTaken)
}

func TestBranchCopyFrom(t *testing.T) {
	var a, b Branch
	a.Update(true)
	b.CopyFrom(&a)
	assert.Equal(t, a.Raw(), b.Raw())

	// Entries of a different kind are ignored.
	b.CopyFrom(&Switch{})
	assert.Equal(t, a.Raw(), b.Raw())
	assert.Equal(t, CanPersist, b.CanPersist())
	assert.Equal(t, CannotPersist, (&Branch{}).CanPersist())
}
