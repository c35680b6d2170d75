// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vm defines the view of the managed runtime that the profiler depends on. The
// runtime owns bytecode memory, class metadata and class unloading; the profiler only
// reads through these interfaces.
package vm // import "go.opentelemetry.io/iprofiler/vm"

import (
	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/libpf"
)

// Method identifies a loaded method.
type Method libpf.Address

// Class identifies a loaded class.
type Class libpf.Address

// BytecodeReader gives access to the instruction stream of loaded methods.
type BytecodeReader interface {
	// Opcode returns the opcode at pc. The boolean is false if pc is not inside any
	// loaded method.
	Opcode(pc libpf.Address) (bytecode.Opcode, bool)
}

// UnloadChecker answers the lazy class-unloading question asked on entry access.
type UnloadChecker interface {
	// IsUnloadedPC reports whether pc belongs to a method of an unloaded class.
	IsUnloadedPC(pc libpf.Address) bool
}

// MethodInfo exposes method metadata.
type MethodInfo interface {
	BytecodeStart(m Method) libpf.Address
	BytecodeSize(m Method) uint32
	// InstructionBCIs returns the bytecode index of every instruction of m in ascending
	// order. Operand bytes are skipped.
	InstructionBCIs(m Method) []uint32
	// MethodOfPC returns the method whose bytecode contains pc.
	MethodOfPC(pc libpf.Address) (Method, bool)
	// ResolveCallee returns the target of the direct invoke at pc inside caller.
	ResolveCallee(caller Method, pc libpf.Address) (Method, bool)
	// ClassOfMethod returns the declaring class of m.
	ClassOfMethod(m Method) Class
}

// ClassInfo exposes the class metadata needed to persist receiver types.
type ClassInfo interface {
	IsUnloaded(c Class) bool
	// ClassChainOffset returns the shared cache offset of the class chain that identifies c
	// across processes. The boolean is false if the class is not in the shared cache.
	ClassChainOffset(c Class) (uint64, bool)
	// LoaderChainOffset returns the shared cache offset identifying the defining loader of c.
	LoaderChainOffset(c Class) (uint64, bool)
	// ClassFromChain resolves a persisted class chain back into a loaded class.
	ClassFromChain(classChain, loaderChain uint64) (Class, bool)
}

// LoadInfo reports the runtime-wide figures that drive backpressure and throttling.
type LoadInfo interface {
	// ActiveThreads returns the number of threads currently running application code.
	ActiveThreads() int
	LoadedClasses() int
	UnloadedClasses() int
	// ClassLoadPhase reports whether the runtime is in a class loading heavy phase.
	ClassLoadPhase() bool
}

// Runtime is the complete collaborator interface.
type Runtime interface {
	BytecodeReader
	UnloadChecker
	MethodInfo
	ClassInfo
	LoadInfo
}

// SearchPC returns the address whose profile describes the bytecode at bci of m. The
// record of an invokeinterface that follows an invokeinterface2 is kept at the prefix.
func SearchPC(mi MethodInfo, code BytecodeReader, m Method, bci uint32) libpf.Address {
	pc := mi.BytecodeStart(m) + libpf.Address(bci)
	if bci < 2 {
		return pc
	}
	if op, ok := code.Opcode(pc); !ok || !op.IsInterface() {
		return pc
	}
	if op, ok := code.Opcode(pc - 2); ok && op.IsInterface2() {
		return pc - 2
	}
	return pc
}
