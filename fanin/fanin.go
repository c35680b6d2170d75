// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanin records which callers invoke a method, and from which call site, for the
// inliner.
package fanin // import "go.opentelemetry.io/iprofiler/fanin"

import (
	"math"
	"sync/atomic"

	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/metrics"
	"go.opentelemetry.io/iprofiler/vm"
)

const (
	// TableSize is the number of buckets of the fan-in table.
	TableSize = 12007
	// MaxCallers is the number of distinct callers tracked per callee. Calls from further
	// callers are counted in the other bucket.
	MaxCallers = 20
	// AnyCallSite matches a caller regardless of the call site inside the caller.
	AnyCallSite = ^uint32(0)
)

// Caller is one (caller, call site) pair of a callee.
type Caller struct {
	method  vm.Method
	pcIndex uint32
	weight  atomic.Uint32
	next    atomic.Pointer[Caller]
}

func (c *Caller) Method() vm.Method {
	return c.method
}

// PCIndex is the bytecode index of the call site inside the caller, or AnyCallSite.
func (c *Caller) PCIndex() uint32 {
	return c.pcIndex
}

func (c *Caller) Weight() uint32 {
	return c.weight.Load()
}

func (c *Caller) inc() {
	if w := c.weight.Load(); w != math.MaxUint32 {
		c.weight.Store(w + 1)
	}
}

func (c *Caller) matches(method vm.Method, pcIndex uint32) bool {
	return c.method == method && (pcIndex == AnyCallSite || c.pcIndex == pcIndex)
}

// Record holds the callers of one callee. The first caller is embedded; callers seen later
// are inserted right after it.
type Record struct {
	callee vm.Method
	first  Caller
	other  atomic.Uint32
	next   *Record
}

func (r *Record) Callee() vm.Method {
	return r.callee
}

// Range calls fn for every caller until fn returns false.
func (r *Record) Range(fn func(*Caller) bool) {
	for c := &r.first; c != nil; c = c.next.Load() {
		if !fn(c) {
			return
		}
	}
}

// Info returns the number of callers, the total weight including the other bucket and the
// weight of the other bucket.
func (r *Record) Info() (count, weight, other uint32) {
	other = r.other.Load()
	weight = other
	r.Range(func(c *Caller) bool {
		count++
		weight += c.Weight()
		return true
	})
	return count, weight, other
}

func (r *Record) find(method vm.Method, pcIndex uint32) (c *Caller, count int) {
	for c = &r.first; c != nil; c = c.next.Load() {
		if c.matches(method, pcIndex) {
			return c, count
		}
		count++
	}
	return nil, count
}

type addResult uint8

const (
	matched addResult = iota
	inserted
	overflowed
)

// add counts one call from caller at pcIndex.
func (r *Record) add(caller vm.Method, pcIndex uint32) addResult {
	for {
		head := r.first.next.Load()
		c, count := r.find(caller, pcIndex)
		if c != nil {
			c.inc()
			return matched
		}
		if count >= MaxCallers {
			if w := r.other.Load(); w != math.MaxUint32 {
				r.other.Store(w + 1)
			}
			return overflowed
		}
		n := &Caller{method: caller, pcIndex: pcIndex}
		n.weight.Store(1)
		n.next.Store(head)
		if r.first.next.CompareAndSwap(head, n) {
			return inserted
		}
	}
}

// Table is the fan-in hash table keyed by callee.
type Table struct {
	buckets []atomic.Pointer[Record]

	records  atomic.Uint64
	callers  atomic.Uint64
	overflow atomic.Uint64
}

func New() *Table {
	return &Table{buckets: make([]atomic.Pointer[Record], TableSize)}
}

func (t *Table) bucket(callee vm.Method) *atomic.Pointer[Record] {
	return &t.buckets[libpf.Address(callee).Bucket(TableSize)]
}

func findRecord(r *Record, callee vm.Method) *Record {
	for ; r != nil; r = r.next {
		if r.callee == callee {
			return r
		}
	}
	return nil
}

// Find returns the record of callee or nil.
func (t *Table) Find(callee vm.Method) *Record {
	return findRecord(t.bucket(callee).Load(), callee)
}

// Add counts one call of callee from caller at bytecode index pcIndex and returns the
// record of callee. The record is created with caller as its first caller on first sight.
func (t *Table) Add(caller, callee vm.Method, pcIndex uint32) *Record {
	b := t.bucket(callee)
	for {
		head := b.Load()
		if r := findRecord(head, callee); r != nil {
			switch r.add(caller, pcIndex) {
			case inserted:
				t.callers.Add(1)
			case overflowed:
				t.overflow.Add(1)
			}
			return r
		}
		r := &Record{callee: callee, next: head}
		r.first.method = caller
		r.first.pcIndex = pcIndex
		r.first.weight.Store(1)
		if b.CompareAndSwap(head, r) {
			t.records.Add(1)
			t.callers.Add(1)
			return r
		}
	}
}

// Info returns the fan-in summary of callee. It is all zero for unknown callees.
func (t *Table) Info(callee vm.Method) (count, weight, other uint32) {
	if r := t.Find(callee); r != nil {
		return r.Info()
	}
	return 0, 0, 0
}

// CallerWeight returns the weight of caller calling callee at pcIndex. Without a record
// for callee it returns ^uint32(0); without a matching caller it returns the weight of the
// other bucket. The boolean reports whether a matching caller was found.
func (t *Table) CallerWeight(callee, caller vm.Method, pcIndex uint32) (uint32, bool) {
	r := t.Find(callee)
	if r == nil {
		return ^uint32(0), false
	}
	if c, _ := r.find(caller, pcIndex); c != nil {
		return c.Weight(), true
	}
	return r.other.Load(), false
}

// Stats is a snapshot of the table counters.
type Stats struct {
	Records  uint64
	Callers  uint64
	Overflow uint64
}

func (t *Table) Stats() Stats {
	return Stats{
		Records:  t.records.Load(),
		Callers:  t.callers.Load(),
		Overflow: t.overflow.Load(),
	}
}

// CollectMetrics reports the table metrics with counters as deltas to prev.
func (t *Table) CollectMetrics(prev *Stats) {
	cur := t.Stats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDFaninRecords, Value: metrics.MetricValue(cur.Records)},
		{ID: metrics.IDFaninCallers, Value: metrics.MetricValue(cur.Callers)},
		{ID: metrics.IDFaninOverflow, Value: metrics.MetricValue(cur.Overflow - prev.Overflow)},
	})
	*prev = cur
}
