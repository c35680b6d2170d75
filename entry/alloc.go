// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry // import "go.opentelemetry.io/iprofiler/entry"

import (
	"math"
	"sync/atomic"

	"go.opentelemetry.io/iprofiler/vm"
)

// Allocation records the last class and allocating method seen at an allocation site.
// Allocation entries live in their own table and are never persisted.
type Allocation struct {
	header
	class  atomic.Uintptr
	method atomic.Uintptr
	count  atomic.Uint32
}

var _ Entry = (*Allocation)(nil)

func (a *Allocation) Kind() Kind {
	return KindAllocation
}

func (a *Allocation) Update(class vm.Class, method vm.Method) {
	a.class.Store(uintptr(class))
	a.method.Store(uintptr(method))
	a.count.Store(satAdd(a.count.Load(), 1, math.MaxUint32))
}

// Last returns the most recently recorded class and method.
func (a *Allocation) Last() (vm.Class, vm.Method) {
	return vm.Class(a.class.Load()), vm.Method(a.method.Load())
}

func (a *Allocation) SamplingCount() uint32 {
	return a.count.Load()
}

func (a *Allocation) HasData() bool {
	return a.count.Load() != 0
}

func (a *Allocation) CopyFrom(other Entry) {
	if o, ok := other.(*Allocation); ok {
		a.class.Store(o.class.Load())
		a.method.Store(o.method.Load())
		a.count.Store(o.count.Load())
	}
}

func (a *Allocation) CanPersist() Verdict {
	return CannotPersist
}
