// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/iprofiler/vm"
)

const (
	classA vm.Class = 0x1000
	classB vm.Class = 0x2000
	classC vm.Class = 0x3000
	classD vm.Class = 0x4000
)

type fakeClassInfo struct {
	unloaded map[vm.Class]bool
	chains   map[vm.Class]uint64
}

func (f *fakeClassInfo) IsUnloaded(c vm.Class) bool {
	return f.unloaded[c]
}

func (f *fakeClassInfo) ClassChainOffset(c vm.Class) (uint64, bool) {
	off, ok := f.chains[c]
	return off, ok
}

func (f *fakeClassInfo) LoaderChainOffset(c vm.Class) (uint64, bool) {
	return 0, true
}

func (f *fakeClassInfo) ClassFromChain(classChain, _ uint64) (vm.Class, bool) {
	for c, off := range f.chains {
		if off == classChain {
			return c, true
		}
	}
	return 0, false
}

func TestCallSiteDominant(t *testing.T) {
	var c CallSite
	c.Update(classA, 100)
	c.Update(classB, 50)
	c.Update(classC, 10)

	class, weight := c.Dominant()
	assert.Equal(t, classA, class)
	assert.Equal(t, uint32(100), weight)
	assert.Equal(t, classA, c.Data())
	assert.Equal(t, uint32(50), c.EdgeWeight(classB))
	assert.Equal(t, uint32(0), c.EdgeWeight(classD))
	assert.Equal(t, uint32(160), c.SumWeight())
}

func TestCallSiteResidueReset(t *testing.T) {
	var c CallSite
	c.Update(classA, 100)
	c.Update(classB, 50)
	c.Update(classC, 10)

	resets := 0
	for range 101 {
		if c.Update(classD, 1) {
			resets++
		}
	}
	assert.Equal(t, 1, resets)

	d := c.Snapshot()
	assert.Equal(t, Slot{Class: classD, Weight: 1}, d.Slots[0])
	assert.Equal(t, Slot{}, d.Slots[1])
	assert.Equal(t, Slot{}, d.Slots[2])
	assert.Equal(t, uint32(0), d.Residue)
	assert.Equal(t, uint32(261), c.SumWeight())
	assert.False(t, c.IsLocked())
}

func TestCallSiteSaturates(t *testing.T) {
	var c CallSite
	c.Update(classA, MaxSlotWeight)
	c.Update(classA, 10)
	assert.Equal(t, uint32(MaxSlotWeight), c.EdgeWeight(classA))
}

func TestCallSiteData(t *testing.T) {
	var c CallSite
	assert.Equal(t, vm.Class(0), c.Data())
	assert.False(t, c.HasData())

	c.Restore(classA, 1, 20)
	assert.Equal(t, vm.Class(0), c.Data())
	assert.Equal(t, uint32(21), c.SumWeight())

	c.Restore(classA, 10, MaxResidue+5)
	d := c.Snapshot()
	assert.Equal(t, uint32(MaxResidue), d.Residue)
	assert.Equal(t, uint32(5), d.Evicted)
	assert.Equal(t, uint32(10+MaxResidue+5), c.SumWeight())
}

func TestCallSiteCanPersist(t *testing.T) {
	ci := &fakeClassInfo{
		unloaded: map[vm.Class]bool{classC: true},
		chains:   map[vm.Class]uint64{classA: 0x100, classC: 0x300},
	}

	tests := map[string]struct {
		classes      []vm.Class
		locked       bool
		doNotPersist bool
		want         Verdict
	}{
		"persistable":    {classes: []vm.Class{classA}, want: CanPersist},
		"empty":          {want: CannotPersist},
		"not in cache":   {classes: []vm.Class{classA, classB}, want: NotInCache},
		"unloaded":       {classes: []vm.Class{classC}, want: Unloaded},
		"locked":         {classes: []vm.Class{classA}, locked: true, want: Locked},
		"do not persist": {classes: []vm.Class{classA}, doNotPersist: true, want: CannotPersist},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var c CallSite
			for _, class := range tc.classes {
				c.Update(class, 1)
			}
			if tc.locked {
				require.True(t, c.TryLock())
			}
			if tc.doNotPersist {
				c.SetDoNotPersist()
			}
			assert.Equal(t, tc.want, c.CanPersist(ci))
			// Only a successful check and the test itself keep the lock.
			assert.Equal(t, tc.want == CanPersist || tc.locked, c.IsLocked())
		})
	}
}

func TestCallSiteConcurrentUpdates(t *testing.T) {
	var c CallSite
	var wg sync.WaitGroup
	for _, class := range []vm.Class{classA, classB, classC, classD} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.Update(class, 1)
			}
		}()
	}
	wg.Wait()

	assert.False(t, c.IsLocked())
	assert.NotZero(t, c.SumWeight())
}

func TestNew(t *testing.T) {
	for _, kind := range []Kind{KindBranch, KindSwitch, KindCallSite, KindAllocation} {
		e := New(kind, 0x40, 3)
		require.NotNil(t, e, kind.String())
		assert.Equal(t, kind, e.Kind())
		assert.Equal(t, uint64(3), e.Header().LastSeenUnloadGeneration())
		assert.False(t, e.Header().IsInvalid())
	}
	assert.Nil(t, New(KindInvalid, 0x40, 0))
}

func TestAllocation(t *testing.T) {
	var a Allocation
	a.Update(classA, 0x10)
	a.Update(classB, 0x20)
	class, method := a.Last()
	assert.Equal(t, classB, class)
	assert.Equal(t, vm.Method(0x20), method)
	assert.Equal(t, uint32(2), a.SamplingCount())
	assert.Equal(t, CannotPersist, a.CanPersist())
}
