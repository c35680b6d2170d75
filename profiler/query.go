// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "go.opentelemetry.io/iprofiler/profiler"

import (
	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/vm"
)

// lookup returns the entry that answers queries about the bytecode at bci of m, or nil.
// The first query of a bytecode decides between the live entry and the persisted copy from
// the shared cache. The choice is recorded in the live entry so later queries skip the
// shared cache.
func (p *Profiler) lookup(m vm.Method, bci uint32) entry.Entry {
	pc := vm.SearchPC(p.rt, p.rt, m, bci)
	p.entryRead.Add(1)

	e := p.choose(m, pc)
	if e == nil {
		return nil
	}
	if p.store.InvalidateIfInconsistent(e) {
		return nil
	}
	return e
}

func (p *Profiler) choose(m vm.Method, pc libpf.Address) entry.Entry {
	live := p.store.Find(pc)
	if live != nil && (p.cfg.PreferLiveData || live.Header().IsPersistentEntryRead()) {
		return live
	}

	var persisted entry.Entry
	methodExists := false
	if p.reader != nil {
		persisted, methodExists = p.reader.Lookup(m, pc)
	}
	if op, ok := p.rt.Opcode(pc); ok && !op.IsStaticOrSpecial() {
		p.readRequests.Add(1)
		if live == nil && persisted == nil && !methodExists {
			p.readRequestsFailed.Add(1)
		}
	}

	switch {
	case persisted == nil || !persisted.HasData():
		if live != nil {
			live.Header().SetPersistentEntryRead()
		}
		return live
	case live == nil || !live.HasData():
		if live == nil {
			if live = p.store.FindOrCreate(pc); live == nil {
				// The store is at capacity, answer from the transient copy.
				return persisted
			}
		}
	case live.SamplingCount() > persisted.SamplingCount():
		live.Header().SetPersistentEntryRead()
		return live
	}
	live.CopyFrom(persisted)
	live.Header().SetPersistentEntryRead()
	p.chosePersisted.Add(1)
	return live
}

func (p *Profiler) failed() {
	p.queryFailed.Add(1)
}

// GetBranchCounters returns the taken and not taken counts of the branch at bci of m.
// Both counts are at least 1.
func (p *Profiler) GetBranchCounters(m vm.Method, bci uint32) (taken, notTaken uint32,
	ok bool) {
	b, ok := p.lookup(m, bci).(*entry.Branch)
	if !ok {
		p.failed()
		return 0, 0, false
	}
	taken, notTaken = b.Counters()
	return taken, notTaken, true
}

// GetSwitchCountForValue returns how often the switch at bci of m saw value.
func (p *Profiler) GetSwitchCountForValue(m vm.Method, bci, value uint32) uint32 {
	s, ok := p.lookup(m, bci).(*entry.Switch)
	if !ok {
		p.failed()
		return 0
	}
	return s.CountForValue(value)
}

// GetSumSwitchCount returns the number of observations of the switch at bci of m plus one.
func (p *Profiler) GetSumSwitchCount(m vm.Method, bci uint32) uint32 {
	s, ok := p.lookup(m, bci).(*entry.Switch)
	if !ok {
		p.failed()
		return 0
	}
	return s.SamplingCount()
}

func (p *Profiler) callSite(m vm.Method, bci uint32) (*entry.CallSite, bool) {
	c, ok := p.lookup(m, bci).(*entry.CallSite)
	if !ok {
		p.failed()
	}
	return c, ok
}

// GetCallGraphData returns the receiver classes recorded at bci of m.
func (p *Profiler) GetCallGraphData(m vm.Method, bci uint32) (entry.CallGraphData, bool) {
	c, ok := p.callSite(m, bci)
	if !ok {
		return entry.CallGraphData{}, false
	}
	return c.Snapshot(), true
}

// GetDominantClass returns the most frequent receiver class at bci of m. The boolean is
// false if there is no data or the class accounts for less than a tenth of the
// observations.
func (p *Profiler) GetDominantClass(m vm.Method, bci uint32) (vm.Class, bool) {
	c, ok := p.callSite(m, bci)
	if !ok {
		return 0, false
	}
	class := c.Data()
	return class, class != 0
}

// GetEdgeWeight returns the weight of class at the call site at bci of m.
func (p *Profiler) GetEdgeWeight(m vm.Method, bci uint32, class vm.Class) uint32 {
	c, ok := p.callSite(m, bci)
	if !ok {
		return 0
	}
	return c.EdgeWeight(class)
}

// GetCallCount returns how often callee was called from bci of m. Virtual call sites answer
// from their receiver profile, direct calls from the fan-in table.
func (p *Profiler) GetCallCount(callee, m vm.Method, bci uint32) uint32 {
	if c, ok := p.lookup(m, bci).(*entry.CallSite); ok {
		return c.SumWeight()
	}
	if weight, ok := p.fanin.CallerWeight(callee, m, bci); ok {
		return weight
	}
	return 0
}

// GetFaninInfo returns the number of distinct callers of callee, the total number of calls
// and the calls not attributed to a tracked caller.
func (p *Profiler) GetFaninInfo(callee vm.Method) (count, weight, other uint32) {
	return p.fanin.Info(callee)
}

// GetCallerWeight returns the calls of callee from bci of caller. Pass fanin.AnyCallSite as
// bci to count calls from anywhere in caller. If the caller is not tracked the boolean is
// false and the weight is that of the untracked callers.
func (p *Profiler) GetCallerWeight(callee, caller vm.Method, bci uint32) (uint32, bool) {
	return p.fanin.CallerWeight(callee, caller, bci)
}

// SetCallCount overrides the call count of the call site at bci of m. The count saturates at
// entry.MaxSlotWeight. The entry is not persisted afterwards.
func (p *Profiler) SetCallCount(m vm.Method, bci, count uint32) {
	e := p.store.FindOrCreate(vm.SearchPC(p.rt, p.rt, m, bci))
	if e == nil || p.store.InvalidateIfInconsistent(e) {
		return
	}
	c, ok := e.(*entry.CallSite)
	if !ok {
		return
	}
	count = min(count, entry.MaxSlotWeight)
	c.SetDoNotPersist()
	c.SetCount(p.rt.ClassOfMethod(m), count)

	for {
		cur := p.maxCallFrequency.Load()
		if count <= cur || p.maxCallFrequency.CompareAndSwap(cur, count) {
			return
		}
	}
}

// MaxCallFrequency returns the largest count set by SetCallCount.
func (p *Profiler) MaxCallFrequency() uint32 {
	return p.maxCallFrequency.Load()
}
