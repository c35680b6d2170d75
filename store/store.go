// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package store holds the live profile entries of every profiled bytecode, keyed by the
// bytecode address.
//
// Lookups never lock. Insertion publishes a fully constructed entry with a compare and swap
// on the bucket head, so a reader either sees the complete entry or none. Entries are never
// removed; class unloading only marks them invalid.
package store // import "go.opentelemetry.io/iprofiler/store"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/metrics"
	"go.opentelemetry.io/iprofiler/vm"
)

const (
	// TableSize is the number of buckets of the entry table.
	TableSize = 34501
	// AllocTableSize is the number of buckets of the allocation site table.
	AllocTableSize = 1201
)

// Runtime is the part of the managed runtime the store reads.
type Runtime interface {
	vm.BytecodeReader
	vm.UnloadChecker
}

// Store is the bytecode profile store.
type Store struct {
	rt         Runtime
	maxEntries uint64

	entries table[entry.Entry]
	allocs  table[*entry.Allocation]

	// generation is the class unloading generation. It only grows.
	generation atomic.Uint64

	numEntries atomic.Uint64
	numAllocs  atomic.Uint64

	allocFailures atomic.Uint64
	invalidated   atomic.Uint64
}

// New creates an empty store. A maxEntries of 0 does not limit the number of entries.
func New(rt Runtime, maxEntries int) *Store {
	return &Store{
		rt:         rt,
		maxEntries: uint64(max(maxEntries, 0)),
		entries:    newTable[entry.Entry](TableSize),
		allocs:     newTable[*entry.Allocation](AllocTableSize),
	}
}

// Generation returns the current class unloading generation.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

func (s *Store) atCapacity() bool {
	if s.maxEntries == 0 || s.numEntries.Load()+s.numAllocs.Load() < s.maxEntries {
		return false
	}
	if s.allocFailures.Add(1) == 1 {
		log.Warnf("Profile store reached its limit of %d entries", s.maxEntries)
	}
	return true
}

// Find returns the entry for pc or nil.
func (s *Store) Find(pc libpf.Address) entry.Entry {
	e, _ := s.entries.find(pc)
	return e
}

// FindOrCreate returns the entry for pc, creating one of the kind selected by the opcode at
// pc. It returns nil for bytecodes that are not profiled in this table and when the store
// is full.
func (s *Store) FindOrCreate(pc libpf.Address) entry.Entry {
	if e, ok := s.entries.find(pc); ok {
		return e
	}
	e, created := s.entries.insert(pc, func() (entry.Entry, bool) {
		op, ok := s.rt.Opcode(pc)
		if !ok {
			return nil, false
		}
		kind := entry.KindOf(op)
		if kind == entry.KindInvalid || kind == entry.KindAllocation || s.atCapacity() {
			return nil, false
		}
		return entry.New(kind, pc, s.generation.Load()), true
	})
	if created {
		s.numEntries.Add(1)
	}
	return e
}

// FindAlloc returns the allocation entry for pc or nil.
func (s *Store) FindAlloc(pc libpf.Address) *entry.Allocation {
	e, _ := s.allocs.find(pc)
	return e
}

// FindOrCreateAlloc returns the allocation entry for pc, or nil when the store is full.
func (s *Store) FindOrCreateAlloc(pc libpf.Address) *entry.Allocation {
	if e, ok := s.allocs.find(pc); ok {
		return e
	}
	e, created := s.allocs.insert(pc, func() (*entry.Allocation, bool) {
		if s.atCapacity() {
			return nil, false
		}
		return entry.New(entry.KindAllocation, pc, s.generation.Load()).(*entry.Allocation), true
	})
	if created {
		s.numAllocs.Add(1)
	}
	return e
}

// ClassesUnloaded records that the runtime unloaded one or more classes. Entries are checked
// lazily on their next access.
func (s *Store) ClassesUnloaded() uint64 {
	return s.generation.Add(1)
}

// InvalidateIfInconsistent checks e against the class unloading generation and reports
// whether e is invalid. The unload check runs only when a class was unloaded since e was
// last checked.
func (s *Store) InvalidateIfInconsistent(e entry.Entry) bool {
	h := e.Header()
	if h.IsInvalid() {
		return true
	}
	gen := s.generation.Load()
	if h.LastSeenUnloadGeneration() == gen {
		return false
	}
	if s.rt.IsUnloadedPC(h.PC()) {
		h.SetInvalid()
		s.invalidated.Add(1)
		return true
	}
	h.SetLastSeenUnloadGeneration(gen)
	return false
}

// Range calls fn for every entry until fn returns false. Entries created while Range runs
// may or may not be visited.
func (s *Store) Range(fn func(entry.Entry) bool) {
	s.entries.rangeAll(fn)
}

// RangeAlloc is Range for allocation entries.
func (s *Store) RangeAlloc(fn func(*entry.Allocation) bool) {
	s.allocs.rangeAll(fn)
}

// Stats is a snapshot of the store counters.
type Stats struct {
	Entries            uint64
	AllocationEntries  uint64
	AllocationFailures uint64
	Invalidated        uint64
	Generation         uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Entries:            s.numEntries.Load(),
		AllocationEntries:  s.numAllocs.Load(),
		AllocationFailures: s.allocFailures.Load(),
		Invalidated:        s.invalidated.Load(),
		Generation:         s.generation.Load(),
	}
}

// CollectMetrics reports the store metrics. Counters are reported as deltas since the
// previous call.
func (s *Store) CollectMetrics(prev *Stats) {
	cur := s.Stats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDStoreEntries, Value: metrics.MetricValue(cur.Entries)},
		{ID: metrics.IDStoreAllocationEntries, Value: metrics.MetricValue(cur.AllocationEntries)},
		{ID: metrics.IDStoreAllocationFailures,
			Value: metrics.MetricValue(cur.AllocationFailures - prev.AllocationFailures)},
		{ID: metrics.IDStoreInvalidated,
			Value: metrics.MetricValue(cur.Invalidated - prev.Invalidated)},
	})
	*prev = cur
}
