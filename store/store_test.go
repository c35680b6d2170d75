// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/store"
)

type fakeRuntime struct {
	mu       sync.Mutex
	code     map[libpf.Address]bytecode.Opcode
	unloaded map[libpf.Address]bool
	checks   int
}

var _ store.Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) Opcode(pc libpf.Address) (bytecode.Opcode, bool) {
	op, ok := f.code[pc]
	return op, ok
}

func (f *fakeRuntime) IsUnloadedPC(pc libpf.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.unloaded[pc]
}

func (f *fakeRuntime) unload(pc libpf.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded[pc] = true
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		code: map[libpf.Address]bytecode.Opcode{
			0x100: bytecode.IfEq,
			0x104: bytecode.TableSwitch,
			0x108: bytecode.InvokeVirtual,
			0x10c: bytecode.CheckCast,
			0x110: bytecode.InvokeStatic,
			0x114: bytecode.New,
			0x118: bytecode.Nop,
			// Same bucket as 0x100.
			0x100 + store.TableSize: bytecode.IfNull,
		},
		unloaded: map[libpf.Address]bool{},
	}
}

func TestFindOrCreate(t *testing.T) {
	tests := map[string]struct {
		pc   libpf.Address
		kind entry.Kind
	}{
		"branch":         {pc: 0x100, kind: entry.KindBranch},
		"switch":         {pc: 0x104, kind: entry.KindSwitch},
		"virtual call":   {pc: 0x108, kind: entry.KindCallSite},
		"checkcast":      {pc: 0x10c, kind: entry.KindCallSite},
		"static call":    {pc: 0x110},
		"allocation":     {pc: 0x114},
		"not profiled":   {pc: 0x118},
		"unknown pc":     {pc: 0x200},
		"bucket sibling": {pc: 0x100 + store.TableSize, kind: entry.KindBranch},
	}

	s := store.New(newFakeRuntime(), 0)
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := s.FindOrCreate(tc.pc)
			if tc.kind == entry.KindInvalid {
				assert.Nil(t, e)
				assert.Nil(t, s.Find(tc.pc))
				return
			}
			require.NotNil(t, e)
			assert.Equal(t, tc.kind, e.Kind())
			assert.Equal(t, tc.pc, e.PC())
			assert.Same(t, e, s.FindOrCreate(tc.pc))
			assert.Same(t, e, s.Find(tc.pc))
		})
	}
}

func TestFindOrCreateConcurrent(t *testing.T) {
	s := store.New(newFakeRuntime(), 0)

	const workers = 8
	found := make([]entry.Entry, workers)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			e := s.FindOrCreate(0x100)
			found[i] = e
			e.(*entry.Branch).Update(true)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	first := s.Find(0x100)
	require.NotNil(t, first)
	for _, e := range found {
		assert.Equal(t, first.PC(), e.PC())
	}
	assert.Equal(t, uint64(1), s.Stats().Entries)

	n := 0
	s.Range(func(e entry.Entry) bool {
		n++
		return true
	})
	assert.Equal(t, 1, n)
}

func TestMaxEntries(t *testing.T) {
	s := store.New(newFakeRuntime(), 2)
	require.NotNil(t, s.FindOrCreate(0x100))
	require.NotNil(t, s.FindOrCreate(0x104))
	assert.Nil(t, s.FindOrCreate(0x108))
	assert.Nil(t, s.FindOrCreateAlloc(0x114))
	// Existing entries are still returned.
	assert.NotNil(t, s.FindOrCreate(0x100))
	assert.Equal(t, uint64(2), s.Stats().AllocationFailures)
}

func TestInvalidateIfInconsistent(t *testing.T) {
	rt := newFakeRuntime()
	s := store.New(rt, 0)
	branch := s.FindOrCreate(0x100)
	call := s.FindOrCreate(0x108)
	require.NotNil(t, branch)
	require.NotNil(t, call)

	// Nothing was unloaded yet, so the runtime is not asked.
	assert.False(t, s.InvalidateIfInconsistent(branch))
	assert.Equal(t, 0, rt.checks)

	rt.unload(0x100)
	gen := s.ClassesUnloaded()
	assert.Equal(t, uint64(1), gen)

	assert.True(t, s.InvalidateIfInconsistent(branch))
	assert.False(t, s.InvalidateIfInconsistent(call))
	assert.Equal(t, gen, call.Header().LastSeenUnloadGeneration())
	assert.Equal(t, 2, rt.checks)

	// Repeated checks are answered from the entry.
	assert.True(t, s.InvalidateIfInconsistent(branch))
	assert.False(t, s.InvalidateIfInconsistent(call))
	assert.Equal(t, 2, rt.checks)
	assert.Equal(t, uint64(1), s.Stats().Invalidated)
}

func TestAllocationTable(t *testing.T) {
	s := store.New(newFakeRuntime(), 0)
	assert.Nil(t, s.FindAlloc(0x114))
	a := s.FindOrCreateAlloc(0x114)
	require.NotNil(t, a)
	a.Update(0x1000, 0x2000)
	assert.Same(t, a, s.FindAlloc(0x114))
	assert.Nil(t, s.Find(0x114))

	var seen []libpf.Address
	s.RangeAlloc(func(a *entry.Allocation) bool {
		seen = append(seen, a.PC())
		return true
	})
	assert.Equal(t, []libpf.Address{0x114}, seen)
}
