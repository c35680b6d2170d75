// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry // import "go.opentelemetry.io/iprofiler/entry"

import "sync/atomic"

const (
	branchHalfMax = 0xFFFF
	// branchHalveMask clears the bit that moves from the taken half into the
	// not-taken half when the packed word is shifted right.
	branchHalveMask = 0x7FFF7FFF
)

// Branch counts the directions taken by a conditional branch. The taken counter lives in
// the upper 16 bits and the not-taken counter in the lower 16 bits of one word.
type Branch struct {
	header
	data atomic.Uint32
}

var _ Entry = (*Branch)(nil)

func (b *Branch) Kind() Kind {
	return KindBranch
}

// Update records one execution. When the counter about to be incremented is saturated
// both counters are halved first, which keeps their ratio.
func (b *Branch) Update(taken bool) {
	// Racing updates may be lost.
	w := b.data.Load()
	if taken {
		if w>>16 == branchHalfMax {
			w = (w >> 1) & branchHalveMask
		}
		w += 1 << 16
	} else {
		if w&branchHalfMax == branchHalfMax {
			w = (w >> 1) & branchHalveMask
		}
		w++
	}
	b.data.Store(w)
}

// Counters returns the taken and not-taken counts. Neither is ever reported as 0.
func (b *Branch) Counters() (taken, notTaken uint32) {
	w := b.data.Load()
	return (w >> 16) | 1, (w & branchHalfMax) | 1
}

func (b *Branch) SamplingCount() uint32 {
	taken, notTaken := b.Counters()
	return taken + notTaken
}

func (b *Branch) HasData() bool {
	return b.data.Load() != 0
}

// Raw returns the packed counter word.
func (b *Branch) Raw() uint32 {
	return b.data.Load()
}

// SetRaw replaces the packed counter word.
func (b *Branch) SetRaw(w uint32) {
	b.data.Store(w)
}

func (b *Branch) CopyFrom(other Entry) {
	if o, ok := other.(*Branch); ok {
		b.data.Store(o.data.Load())
	}
}

// CanPersist reports whether the entry has something worth writing to the shared cache.
func (b *Branch) CanPersist() Verdict {
	if !b.HasData() {
		return CannotPersist
	}
	return CanPersist
}
