// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry // import "go.opentelemetry.io/iprofiler/entry"

import (
	"math"
	"sync/atomic"
)

// SwitchDataCount is the number of segments of a switch entry. The last segment is the
// catch-all bucket for values not tracked by the others.
const SwitchDataCount = 4

const otherSegment = SwitchDataCount - 1

// Switch counts the case values seen by a tableswitch or lookupswitch. Each segment packs
// the case value in the upper and its count in the lower 32 bits.
type Switch struct {
	header
	segments [SwitchDataCount]atomic.Uint64
}

var _ Entry = (*Switch)(nil)

func packSegment(value, count uint32) uint64 {
	return uint64(value)<<32 | uint64(count)
}

func unpackSegment(seg uint64) (value, count uint32) {
	return uint32(seg >> 32), uint32(seg)
}

func (s *Switch) Kind() Kind {
	return KindSwitch
}

// Update records one execution with the given case value. A matching segment is
// incremented, else the first empty one is claimed. With all case segments in use the
// observation is counted in the catch-all bucket, and once that bucket outweighs the least
// used case segment, the segment is recycled for the new value and its count folded into
// the catch-all bucket.
func (s *Switch) Update(value uint32) {
	least := -1
	var leastCount uint32
	for i := range otherSegment {
		v, c := unpackSegment(s.segments[i].Load())
		if c == 0 {
			s.segments[i].Store(packSegment(value, 1))
			return
		}
		if v == value {
			s.segments[i].Store(packSegment(v, satAdd(c, 1, math.MaxUint32)))
			return
		}
		if least < 0 || c < leastCount {
			least, leastCount = i, c
		}
	}

	_, other := unpackSegment(s.segments[otherSegment].Load())
	if satAdd(other, 1, math.MaxUint32) > leastCount {
		s.segments[least].Store(packSegment(value, 1))
		other = satAdd(other, leastCount, math.MaxUint32)
	} else {
		other = satAdd(other, 1, math.MaxUint32)
	}
	s.segments[otherSegment].Store(packSegment(0, other))
}

// CountForValue returns the count of the case value, or 0 if it is not tracked.
func (s *Switch) CountForValue(value uint32) uint32 {
	for i := range otherSegment {
		v, c := unpackSegment(s.segments[i].Load())
		if c != 0 && v == value {
			return c
		}
	}
	return 0
}

// OtherCount returns the count of the catch-all bucket.
func (s *Switch) OtherCount() uint32 {
	_, c := unpackSegment(s.segments[otherSegment].Load())
	return c
}

func (s *Switch) SamplingCount() uint32 {
	sum := uint32(1)
	for i := range s.segments {
		_, c := unpackSegment(s.segments[i].Load())
		sum = satAdd(sum, c, math.MaxUint32)
	}
	return sum
}

func (s *Switch) HasData() bool {
	for i := range s.segments {
		if _, c := unpackSegment(s.segments[i].Load()); c != 0 {
			return true
		}
	}
	return false
}

// Raw returns the packed segments.
func (s *Switch) Raw() [SwitchDataCount]uint64 {
	var out [SwitchDataCount]uint64
	for i := range s.segments {
		out[i] = s.segments[i].Load()
	}
	return out
}

// SetRaw replaces the packed segments.
func (s *Switch) SetRaw(segs [SwitchDataCount]uint64) {
	for i := range s.segments {
		s.segments[i].Store(segs[i])
	}
}

func (s *Switch) CopyFrom(other Entry) {
	if o, ok := other.(*Switch); ok {
		s.SetRaw(o.Raw())
	}
}

func (s *Switch) CanPersist() Verdict {
	if !s.HasData() {
		return CannotPersist
	}
	return CanPersist
}
