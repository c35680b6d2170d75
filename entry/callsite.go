// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry // import "go.opentelemetry.io/iprofiler/entry"

import (
	"math"
	"sync/atomic"

	"go.opentelemetry.io/iprofiler/vm"
)

const (
	// NumSlots is the number of receiver types tracked per call site.
	NumSlots = 3
	// MaxSlotWeight is the saturation value of a slot weight.
	MaxSlotWeight = math.MaxUint16
	// MaxResidue is the saturation value of the residue bucket.
	MaxResidue = 0x7FFF

	// minDominantRatio is the share of the tracked weight the top slot needs for
	// Data to report it.
	minDominantRatio = 0.1
)

type callSlot struct {
	class  atomic.Uintptr
	weight atomic.Uint32
}

// Slot is a snapshot of one receiver type slot.
type Slot struct {
	Class  vm.Class
	Weight uint32
}

// CallGraphData is a snapshot of a call-site entry.
type CallGraphData struct {
	Slots   [NumSlots]Slot
	Residue uint32
	// Evicted is the weight dropped by residue resets. It only counts towards totals.
	Evicted uint32
}

// Dominant returns the index of the heaviest slot.
func (d *CallGraphData) Dominant() int {
	top := 0
	for i := 1; i < NumSlots; i++ {
		if d.Slots[i].Weight > d.Slots[top].Weight {
			top = i
		}
	}
	return top
}

// TrackedWeight is the sum of the slot weights and the residue.
func (d *CallGraphData) TrackedWeight() uint32 {
	sum := d.Residue
	for _, s := range d.Slots {
		sum += s.Weight
	}
	return sum
}

// SumWeight is the total number of observations including evicted weight.
func (d *CallGraphData) SumWeight() uint32 {
	return satAdd(d.TrackedWeight(), d.Evicted, math.MaxUint32)
}

// CallSite records the receiver types observed at a virtual or interface call site, or the
// classes seen by a checkcast or instanceof.
type CallSite struct {
	header
	slots   [NumSlots]callSlot
	residue atomic.Uint32
	evicted atomic.Uint32

	locked       atomic.Bool
	doNotPersist atomic.Bool
}

var _ Entry = (*CallSite)(nil)

func (c *CallSite) Kind() Kind {
	return KindCallSite
}

// Update adds freq observations of class. A matching slot is incremented, else the first
// empty slot is claimed, else the weight goes to the residue bucket. A residue larger than
// every tracked slot restarts tracking from this observation; only the thread that wins the
// advisory lock performs the reset. Update returns true if it reset the slots.
func (c *CallSite) Update(class vm.Class, freq uint32) bool {
	for i := range c.slots {
		s := &c.slots[i]
		switch vm.Class(s.class.Load()) {
		case class:
			s.weight.Store(satAdd(s.weight.Load(), freq, MaxSlotWeight))
			return false
		case 0:
			if s.class.CompareAndSwap(0, uintptr(class)) {
				s.weight.Store(satAdd(0, freq, MaxSlotWeight))
				return false
			}
			if vm.Class(s.class.Load()) == class {
				s.weight.Store(satAdd(s.weight.Load(), freq, MaxSlotWeight))
				return false
			}
		}
	}

	residue := satAdd(c.residue.Load(), freq, MaxResidue)
	c.residue.Store(residue)
	if residue <= c.maxWeight() || !c.TryLock() {
		return false
	}
	defer c.Unlock()

	dropped := c.residue.Load()
	for i := NumSlots - 1; i > 0; i-- {
		dropped += c.slots[i].weight.Load()
		c.slots[i].class.Store(0)
		c.slots[i].weight.Store(0)
	}
	dropped += c.slots[0].weight.Load()
	c.slots[0].class.Store(uintptr(class))
	c.slots[0].weight.Store(satAdd(0, freq, MaxSlotWeight))
	c.residue.Store(0)
	// The triggering observation was already counted in the residue.
	c.evicted.Store(satAdd(c.evicted.Load(), dropped-min(dropped, freq), math.MaxUint32))
	return true
}

func (c *CallSite) maxWeight() uint32 {
	var top uint32
	for i := range c.slots {
		top = max(top, c.slots[i].weight.Load())
	}
	return top
}

// TryLock acquires the advisory lock without blocking.
func (c *CallSite) TryLock() bool {
	return c.locked.CompareAndSwap(false, true)
}

// Unlock releases the advisory lock.
func (c *CallSite) Unlock() {
	c.locked.Store(false)
}

func (c *CallSite) IsLocked() bool {
	return c.locked.Load()
}

// SetDoNotPersist excludes the entry from persistence. Used when the data was injected
// instead of observed.
func (c *CallSite) SetDoNotPersist() {
	c.doNotPersist.Store(true)
}

// Snapshot returns a copy of the slots.
func (c *CallSite) Snapshot() CallGraphData {
	var d CallGraphData
	for i := range c.slots {
		d.Slots[i] = Slot{
			Class:  vm.Class(c.slots[i].class.Load()),
			Weight: c.slots[i].weight.Load(),
		}
	}
	d.Residue = c.residue.Load()
	d.Evicted = c.evicted.Load()
	return d
}

// Dominant returns the receiver type with the highest weight.
func (c *CallSite) Dominant() (vm.Class, uint32) {
	d := c.Snapshot()
	top := d.Slots[d.Dominant()]
	return top.Class, top.Weight
}

// Data returns the dominant receiver type, or 0 when it accounts for less than a tenth of
// the tracked weight.
func (c *CallSite) Data() vm.Class {
	d := c.Snapshot()
	top := d.Slots[d.Dominant()]
	sum := d.TrackedWeight()
	if sum == 0 || float64(top.Weight)/float64(sum) < minDominantRatio {
		return 0
	}
	return top.Class
}

// EdgeWeight returns the weight of class at this call site.
func (c *CallSite) EdgeWeight(class vm.Class) uint32 {
	for i := range c.slots {
		if vm.Class(c.slots[i].class.Load()) == class {
			return c.slots[i].weight.Load()
		}
	}
	return 0
}

// SumWeight returns the total number of observations.
func (c *CallSite) SumWeight() uint32 {
	d := c.Snapshot()
	return d.SumWeight()
}

func (c *CallSite) SamplingCount() uint32 {
	return c.SumWeight()
}

func (c *CallSite) HasData() bool {
	return c.SumWeight() != 0
}

// SetCount replaces the slots with a single slot of class with the given weight.
func (c *CallSite) SetCount(class vm.Class, weight uint32) {
	c.Restore(class, weight, 0)
}

// Restore loads the persisted form of an entry: its dominant class with that class's
// weight, and the weight of every other observation.
func (c *CallSite) Restore(class vm.Class, weight, rest uint32) {
	for i := NumSlots - 1; i > 0; i-- {
		c.slots[i].class.Store(0)
		c.slots[i].weight.Store(0)
	}
	c.slots[0].class.Store(uintptr(class))
	c.slots[0].weight.Store(min(weight, MaxSlotWeight))
	residue := min(rest, MaxResidue)
	c.residue.Store(residue)
	c.evicted.Store(rest - residue)
}

func (c *CallSite) CopyFrom(other Entry) {
	o, ok := other.(*CallSite)
	if !ok {
		return
	}
	d := o.Snapshot()
	for i := range c.slots {
		c.slots[i].class.Store(uintptr(d.Slots[i].Class))
		c.slots[i].weight.Store(d.Slots[i].Weight)
	}
	c.residue.Store(d.Residue)
	c.evicted.Store(d.Evicted)
}

// CanPersist checks whether every tracked class can be written to the shared cache. On
// success the entry is left locked and the caller must Unlock it once done. An entry
// without data is never persisted.
func (c *CallSite) CanPersist(ci vm.ClassInfo) Verdict {
	if c.doNotPersist.Load() || !c.HasData() {
		return CannotPersist
	}
	if !c.TryLock() {
		return Locked
	}
	for i := range c.slots {
		class := vm.Class(c.slots[i].class.Load())
		if class == 0 {
			continue
		}
		if ci.IsUnloaded(class) {
			c.Unlock()
			return Unloaded
		}
		if _, ok := ci.ClassChainOffset(class); !ok {
			c.Unlock()
			return NotInCache
		}
	}
	return CanPersist
}
