// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package persist_test

import (
	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/persist"
	"go.opentelemetry.io/iprofiler/store"
	"go.opentelemetry.io/iprofiler/vm"
)

const (
	regionSize = 0x1000

	methodA vm.Method = 0x5000
	methodB vm.Method = 0x6000

	// Bytecode offsets of the profiled instructions of methodA.
	bciBranch = 0x00
	bciSwitch = 0x03
	bciCall   = 0x10
	bciCast   = 0x18
	bciNew    = 0x1c

	chainA = 0x400
	chainB = 0x500
)

type method struct {
	start libpf.Address
	size  uint32
	bcis  []uint32
}

// fakeRuntime places two methods and two classes inside a shared cache region at base.
// Class and loader chains are cache offsets, so two runtimes with different bases stand
// for two processes sharing one cache.
type fakeRuntime struct {
	base     libpf.Address
	methods  map[vm.Method]method
	code     map[libpf.Address]bytecode.Opcode
	chains   map[vm.Class]uint64
	unloaded libpf.Set[vm.Class]
}

var (
	_ persist.Runtime       = (*fakeRuntime)(nil)
	_ persist.ReaderRuntime = (*fakeRuntime)(nil)
	_ store.Runtime         = (*fakeRuntime)(nil)
)

func newRuntime(base libpf.Address) *fakeRuntime {
	rt := &fakeRuntime{
		base: base,
		methods: map[vm.Method]method{
			methodA: {start: base + 0x100, size: 0x20,
				bcis: []uint32{bciBranch, bciSwitch, bciCall, bciCast, bciNew}},
			methodB: {start: base + 0x200, size: 0x10, bcis: []uint32{0, 4}},
		},
		code:     make(map[libpf.Address]bytecode.Opcode),
		unloaded: make(libpf.Set[vm.Class]),
	}
	a := rt.methods[methodA].start
	rt.code[a+bciBranch] = bytecode.IfEq
	rt.code[a+bciSwitch] = bytecode.TableSwitch
	// An operand byte of the switch that reads like a branch opcode.
	rt.code[a+bciSwitch+1] = bytecode.IfEq
	rt.code[a+bciCall] = bytecode.InvokeVirtual
	rt.code[a+bciCast] = bytecode.CheckCast
	rt.code[a+bciNew] = bytecode.New
	b := rt.methods[methodB].start
	rt.code[b] = bytecode.IfNull
	rt.code[b+4] = bytecode.IfNonNull
	rt.chains = map[vm.Class]uint64{
		rt.classA(): chainA,
		rt.classB(): chainB,
	}
	return rt
}

func (f *fakeRuntime) classA() vm.Class { return vm.Class(f.base + 0x800) }
func (f *fakeRuntime) classB() vm.Class { return vm.Class(f.base + 0x900) }

// classC is loaded outside of the shared cache.
func (f *fakeRuntime) classC() vm.Class { return vm.Class(0xC000_0000) }

func (f *fakeRuntime) pc(m vm.Method, bci uint32) libpf.Address {
	return f.methods[m].start + libpf.Address(bci)
}

func (f *fakeRuntime) Opcode(pc libpf.Address) (bytecode.Opcode, bool) {
	if _, ok := f.MethodOfPC(pc); !ok {
		return 0, false
	}
	return f.code[pc], true
}

func (f *fakeRuntime) IsUnloadedPC(libpf.Address) bool { return false }

func (f *fakeRuntime) BytecodeStart(m vm.Method) libpf.Address { return f.methods[m].start }

func (f *fakeRuntime) BytecodeSize(m vm.Method) uint32 { return f.methods[m].size }

func (f *fakeRuntime) InstructionBCIs(m vm.Method) []uint32 { return f.methods[m].bcis }

func (f *fakeRuntime) MethodOfPC(pc libpf.Address) (vm.Method, bool) {
	for m, info := range f.methods {
		if pc >= info.start && pc < info.start+libpf.Address(info.size) {
			return m, true
		}
	}
	return 0, false
}

func (f *fakeRuntime) ResolveCallee(vm.Method, libpf.Address) (vm.Method, bool) {
	return 0, false
}

func (f *fakeRuntime) ClassOfMethod(vm.Method) vm.Class { return f.classA() }

func (f *fakeRuntime) IsUnloaded(c vm.Class) bool {
	_, ok := f.unloaded[c]
	return ok
}

func (f *fakeRuntime) ClassChainOffset(c vm.Class) (uint64, bool) {
	chain, ok := f.chains[c]
	return chain, ok
}

func (f *fakeRuntime) LoaderChainOffset(c vm.Class) (uint64, bool) {
	chain, ok := f.chains[c]
	return chain + 0x80, ok
}

func (f *fakeRuntime) ClassFromChain(classChain, loaderChain uint64) (vm.Class, bool) {
	for c, chain := range f.chains {
		if chain == classChain && chain+0x80 == loaderChain {
			return c, true
		}
	}
	return 0, false
}
