// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package simvm implements a simulated managed runtime. Classes and methods are defined
// programmatically; the bytecode of shared classes is placed inside a shared cache region
// in definition order, so two runtimes defining the same program lay it out identically
// and can exchange persisted profiles.
package simvm // import "go.opentelemetry.io/iprofiler/internal/simvm"

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/vm"
)

const (
	// romClassSize is the space a shared class takes in the cache region.
	romClassSize = 0x40
	// romStart leaves room at the start of the region for the cache header.
	romStart = 0x100

	// heapBase is where classes and methods outside of the cache are placed.
	heapBase libpf.Address = 0x7000_0000_0000
	// objectAlign is the alignment of class and method objects.
	objectAlign = 0x20
)

var (
	// ErrRegionFull is returned if a shared class does not fit into the cache region.
	ErrRegionFull = errors.New("shared cache region full")
	// ErrUnknownOpcode is returned when assembling an opcode without a known length.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrDuplicate is returned when a signature is defined twice.
	ErrDuplicate = errors.New("duplicate definition")
)

// Key identifies a class or method by its signature across runtimes.
type Key uint64

// KeyOf returns the key of a signature.
func KeyOf(signature string) Key {
	return Key(xxh3.HashString(signature))
}

type class struct {
	name   string
	loader string
	shared bool
	// chain is the cache offset of the class. The loader chain is the chain of the first
	// shared class defined by the same loader.
	chain       uint64
	loaderChain uint64
	unloaded    atomic.Bool
}

// Method is a defined method.
type Method struct {
	ID    vm.Method
	Class vm.Class
	Name  string
	Start libpf.Address
	Code  []byte
	// BCIs holds the bytecode index of every instruction in definition order.
	BCIs []uint32
}

// BCI returns the bytecode index of the i-th instruction.
func (m *Method) BCI(i int) uint32 {
	return m.BCIs[i]
}

// PC returns the address of the bytecode at bci.
func (m *Method) PC(bci uint32) libpf.Address {
	return m.Start + libpf.Address(bci)
}

func (m *Method) end() libpf.Address {
	return m.Start + libpf.Address(len(m.Code))
}

// Runtime is a simulated managed runtime implementing vm.Runtime.
type Runtime struct {
	cacheBase libpf.Address
	cacheSize uint64

	mu       sync.RWMutex
	romNext  libpf.Address
	heapNext libpf.Address
	classes  map[vm.Class]*class
	methods  map[vm.Method]*Method
	// code holds the methods sorted by bytecode start.
	code     []*Method
	byKey    map[Key]vm.Method
	classKey map[Key]vm.Class
	chains   map[uint64]vm.Class
	loaders  map[string]uint64
	callees  map[libpf.Address]vm.Method

	loaded         atomic.Int64
	unloaded       atomic.Int64
	activeThreads  atomic.Int64
	classLoadPhase atomic.Bool
}

var _ vm.Runtime = (*Runtime)(nil)

// New creates an empty runtime whose shared cache region is [cacheBase, cacheBase+cacheSize).
func New(cacheBase libpf.Address, cacheSize uint64) *Runtime {
	return &Runtime{
		cacheBase: cacheBase,
		cacheSize: cacheSize,
		romNext:   cacheBase + romStart,
		heapNext:  heapBase,
		classes:   make(map[vm.Class]*class),
		methods:   make(map[vm.Method]*Method),
		byKey:     make(map[Key]vm.Method),
		classKey:  make(map[Key]vm.Class),
		chains:    make(map[uint64]vm.Class),
		loaders:   make(map[string]uint64),
		callees:   make(map[libpf.Address]vm.Method),
	}
}

// CacheRegion returns the bounds of the shared cache region.
func (r *Runtime) CacheRegion() (base libpf.Address, size uint64) {
	return r.cacheBase, r.cacheSize
}

func (r *Runtime) heapAlloc(size int) libpf.Address {
	addr := r.heapNext
	r.heapNext += libpf.Address((size + objectAlign - 1) &^ (objectAlign - 1))
	return addr
}

func (r *Runtime) romAlloc(size int) (libpf.Address, error) {
	addr := r.romNext
	end := addr + libpf.Address((size+7)&^7)
	if uint64(end-r.cacheBase) > r.cacheSize {
		return 0, fmt.Errorf("%w: %d bytes requested at offset %#x",
			ErrRegionFull, size, addr-r.cacheBase)
	}
	r.romNext = end
	return addr, nil
}

// DefineClass defines a class loaded by loader. Shared classes live in the cache region.
func (r *Runtime) DefineClass(name, loader string, shared bool) (vm.Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := KeyOf(loader + "/" + name)
	if _, ok := r.classKey[key]; ok {
		return 0, fmt.Errorf("%w: class %s", ErrDuplicate, name)
	}
	c := &class{name: name, loader: loader, shared: shared}
	if shared {
		rom, err := r.romAlloc(romClassSize)
		if err != nil {
			return 0, err
		}
		c.chain = uint64(rom - r.cacheBase)
		if _, ok := r.loaders[loader]; !ok {
			r.loaders[loader] = c.chain
		}
		c.loaderChain = r.loaders[loader]
	}
	id := vm.Class(r.heapAlloc(objectAlign))
	r.classes[id] = c
	r.classKey[key] = id
	if shared {
		r.chains[c.chain] = id
	}
	r.loaded.Add(1)
	return id, nil
}

// Assemble lays out ops as an instruction stream and returns it with the bytecode index of
// every instruction. Operand bytes are zero.
func Assemble(ops []bytecode.Opcode) ([]byte, []uint32, error) {
	var code []byte
	bcis := make([]uint32, 0, len(ops))
	for _, op := range ops {
		n := Length(op)
		if n == 0 {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnknownOpcode, op)
		}
		bcis = append(bcis, uint32(len(code)))
		code = append(code, byte(op))
		code = append(code, make([]byte, n-1)...)
	}
	return code, bcis, nil
}

// DefineMethod defines a method of class c with the given instructions. The bytecode of
// methods of shared classes is placed in the cache region.
func (r *Runtime) DefineMethod(c vm.Class, name string, ops []bytecode.Opcode) (*Method, error) {
	code, bcis, err := Assemble(ops)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cls, ok := r.classes[c]
	if !ok {
		return nil, fmt.Errorf("unknown class %#x", c)
	}
	sig := cls.loader + "/" + cls.name + "." + name
	key := KeyOf(sig)
	if _, ok := r.byKey[key]; ok {
		return nil, fmt.Errorf("%w: method %s", ErrDuplicate, sig)
	}

	var start libpf.Address
	if cls.shared {
		if start, err = r.romAlloc(len(code)); err != nil {
			return nil, err
		}
	} else {
		start = r.heapAlloc(len(code))
	}
	m := &Method{
		ID:    vm.Method(r.heapAlloc(objectAlign)),
		Class: c,
		Name:  sig,
		Start: start,
		Code:  code,
		BCIs:  bcis,
	}
	r.methods[m.ID] = m
	r.byKey[key] = m.ID
	i, _ := slices.BinarySearchFunc(r.code, start, func(e *Method, pc libpf.Address) int {
		return cmp.Compare(e.Start, pc)
	})
	r.code = slices.Insert(r.code, i, m)
	return m, nil
}

// Lookup returns the method with the given signature.
func (r *Runtime) Lookup(signature string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[KeyOf(signature)]
	if !ok {
		return nil, false
	}
	return r.methods[id], true
}

// Method returns the definition of m.
func (r *Runtime) Method(m vm.Method) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.methods[m]
	return def, ok
}

// DefineCall sets the target of the direct invoke at bci of caller.
func (r *Runtime) DefineCall(caller *Method, bci uint32, callee vm.Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callees[caller.PC(bci)] = callee
}

// UnloadClass marks c as unloaded. The caller notifies the profiler. LoadedClasses keeps
// counting every class ever loaded.
func (r *Runtime) UnloadClass(c vm.Class) {
	r.mu.RLock()
	cls, ok := r.classes[c]
	r.mu.RUnlock()
	if ok && !cls.unloaded.Swap(true) {
		r.unloaded.Add(1)
	}
}

// SetActiveThreads sets the number of threads running application code.
func (r *Runtime) SetActiveThreads(n int) {
	r.activeThreads.Store(int64(n))
}

// SetClassLoadPhase sets whether the runtime is in a class loading heavy phase.
func (r *Runtime) SetClassLoadPhase(on bool) {
	r.classLoadPhase.Store(on)
}

func (r *Runtime) methodOfPC(pc libpf.Address) *Method {
	i, found := slices.BinarySearchFunc(r.code, pc, func(e *Method, pc libpf.Address) int {
		return cmp.Compare(e.Start, pc)
	})
	if !found {
		i--
	}
	if i < 0 || pc >= r.code[i].end() {
		return nil
	}
	return r.code[i]
}

func (r *Runtime) Opcode(pc libpf.Address) (bytecode.Opcode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.methodOfPC(pc)
	if m == nil {
		return 0, false
	}
	return bytecode.Opcode(m.Code[pc-m.Start]), true
}

func (r *Runtime) IsUnloadedPC(pc libpf.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.methodOfPC(pc)
	if m == nil {
		return true
	}
	return r.classes[m.Class].unloaded.Load()
}

func (r *Runtime) BytecodeStart(m vm.Method) libpf.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.methods[m]; ok {
		return def.Start
	}
	return 0
}

func (r *Runtime) InstructionBCIs(m vm.Method) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.methods[m]; ok {
		return slices.Clone(def.BCIs)
	}
	return nil
}

func (r *Runtime) BytecodeSize(m vm.Method) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.methods[m]; ok {
		return uint32(len(def.Code))
	}
	return 0
}

func (r *Runtime) MethodOfPC(pc libpf.Address) (vm.Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m := r.methodOfPC(pc); m != nil {
		return m.ID, true
	}
	return 0, false
}

func (r *Runtime) ResolveCallee(_ vm.Method, pc libpf.Address) (vm.Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	callee, ok := r.callees[pc]
	return callee, ok
}

func (r *Runtime) ClassOfMethod(m vm.Method) vm.Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.methods[m]; ok {
		return def.Class
	}
	return 0
}

func (r *Runtime) IsUnloaded(c vm.Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cls, ok := r.classes[c]
	return !ok || cls.unloaded.Load()
}

func (r *Runtime) ClassChainOffset(c vm.Class) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cls, ok := r.classes[c]
	if !ok || !cls.shared {
		return 0, false
	}
	return cls.chain, true
}

func (r *Runtime) LoaderChainOffset(c vm.Class) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cls, ok := r.classes[c]
	if !ok || !cls.shared {
		return 0, false
	}
	return cls.loaderChain, true
}

func (r *Runtime) ClassFromChain(classChain, loaderChain uint64) (vm.Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.chains[classChain]
	if !ok {
		return 0, false
	}
	cls := r.classes[id]
	if cls.loaderChain != loaderChain || cls.unloaded.Load() {
		return 0, false
	}
	return id, true
}

func (r *Runtime) ActiveThreads() int {
	return int(r.activeThreads.Load())
}

func (r *Runtime) LoadedClasses() int {
	return int(r.loaded.Load())
}

func (r *Runtime) UnloadedClasses() int {
	return int(r.unloaded.Load())
}

func (r *Runtime) ClassLoadPhase() bool {
	return r.classLoadPhase.Load()
}
