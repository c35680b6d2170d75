// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline // import "go.opentelemetry.io/iprofiler/pipeline"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/vm"
)

var (
	// ErrUnknownOpcode is returned for a record whose PC does not point at a profiled
	// bytecode.
	ErrUnknownOpcode = errors.New("unrecognized bytecode in profiling buffer")
	// ErrOverrun is returned when the last record extends past the end of the buffer.
	ErrOverrun = errors.New("profiling buffer overrun")
)

// receiverTag is set by the interpreter on receiver classes of some call records.
const receiverTag = 1

// Record is one decoded profiling record. Only the fields of its profile are set.
type Record struct {
	PC    libpf.Address
	Op    bytecode.Opcode
	Taken bool
	Value uint32
	// Class is the checked class, the receiver class or the allocated class.
	Class vm.Class
	// Caller is the calling method, or the allocating method of allocation records.
	Caller  vm.Method
	Callee  vm.Method
	Profile bytecode.Profile
}

// ThreadBuffer is the private profiling buffer of one interpreter thread. Records are
// appended until the buffer is full, then the owner hands it to the profiler.
type ThreadBuffer struct {
	buf []byte
	n   int
}

// NewThreadBuffer allocates a buffer of size bytes.
func NewThreadBuffer(size int) *ThreadBuffer {
	return &ThreadBuffer{buf: make([]byte, size)}
}

// Bytes returns the records written so far. The slice is only valid until the next
// write or Reset.
func (tb *ThreadBuffer) Bytes() []byte {
	return tb.buf[:tb.n]
}

func (tb *ThreadBuffer) Len() int {
	return tb.n
}

// Reset discards the records of the buffer.
func (tb *ThreadBuffer) Reset() {
	tb.n = 0
}

// swap replaces the backing storage with buf and returns the filled part of the old one.
func (tb *ThreadBuffer) swap(buf []byte) []byte {
	filled := tb.buf[:tb.n]
	tb.buf = buf[:cap(buf)]
	tb.n = 0
	return filled
}

func (tb *ThreadBuffer) begin(pc libpf.Address, payload int) []byte {
	if tb.n+bytecode.PointerSize+payload > len(tb.buf) {
		return nil
	}
	rec := tb.buf[tb.n : tb.n+bytecode.PointerSize+payload]
	binary.LittleEndian.PutUint64(rec, uint64(pc))
	tb.n += len(rec)
	return rec[bytecode.PointerSize:]
}

// Branch appends a conditional branch record. Like all record writers it returns false
// without writing if the record does not fit.
func (tb *ThreadBuffer) Branch(pc libpf.Address, taken bool) bool {
	p := tb.begin(pc, bytecode.ProfileBranch.PayloadSize())
	if p == nil {
		return false
	}
	p[0] = 0
	if taken {
		p[0] = 1
	}
	return true
}

// Switch appends a tableswitch or lookupswitch record with the selected case value.
func (tb *ThreadBuffer) Switch(pc libpf.Address, value uint32) bool {
	p := tb.begin(pc, bytecode.ProfileSwitch.PayloadSize())
	if p == nil {
		return false
	}
	binary.LittleEndian.PutUint32(p, value)
	return true
}

// Cast appends a checkcast or instanceof record.
func (tb *ThreadBuffer) Cast(pc libpf.Address, class vm.Class) bool {
	p := tb.begin(pc, bytecode.ProfileCast.PayloadSize())
	if p == nil {
		return false
	}
	binary.LittleEndian.PutUint64(p, uint64(class))
	return true
}

// StaticCall appends an invokestatic or invokespecial record.
func (tb *ThreadBuffer) StaticCall(pc libpf.Address, caller vm.Method) bool {
	p := tb.begin(pc, bytecode.ProfileStaticCall.PayloadSize())
	if p == nil {
		return false
	}
	binary.LittleEndian.PutUint64(p, uint64(caller))
	return true
}

// VirtualCall appends an invokevirtual or invokeinterface record.
func (tb *ThreadBuffer) VirtualCall(pc libpf.Address, receiver vm.Class,
	caller, callee vm.Method) bool {
	p := tb.begin(pc, bytecode.ProfileVirtualCall.PayloadSize())
	if p == nil {
		return false
	}
	binary.LittleEndian.PutUint64(p, uint64(receiver))
	binary.LittleEndian.PutUint64(p[8:], uint64(caller))
	binary.LittleEndian.PutUint64(p[16:], uint64(callee))
	return true
}

// Alloc appends an allocation record.
func (tb *ThreadBuffer) Alloc(pc libpf.Address, class vm.Class, method vm.Method) bool {
	p := tb.begin(pc, bytecode.ProfileAllocation.PayloadSize())
	if p == nil {
		return false
	}
	binary.LittleEndian.PutUint64(p, uint64(class))
	binary.LittleEndian.PutUint64(p[8:], uint64(method))
	return true
}

// Decode calls fn for every record in data until fn returns false. The opcode at each PC,
// read through code, selects the payload layout. It returns the number of records
// decoded.
func Decode(data []byte, code vm.BytecodeReader, fn func(*Record) bool) (int, error) {
	var r Record
	n := 0
	for off := 0; off < len(data); {
		if len(data)-off < bytecode.PointerSize {
			return n, fmt.Errorf("%w: %d trailing bytes", ErrOverrun, len(data)-off)
		}
		r = Record{PC: libpf.Address(binary.LittleEndian.Uint64(data[off:]))}
		off += bytecode.PointerSize

		op, ok := code.Opcode(r.PC)
		if !ok || op.Profile() == bytecode.ProfileNone {
			return n, fmt.Errorf("%w: pc %#x op %v at offset %d",
				ErrUnknownOpcode, r.PC, op, off-bytecode.PointerSize)
		}
		r.Op = op
		r.Profile = op.Profile()
		size := r.Profile.PayloadSize()
		if len(data)-off < size {
			return n, fmt.Errorf("%w: %v record at offset %d", ErrOverrun, op,
				off-bytecode.PointerSize)
		}
		p := data[off : off+size]
		off += size

		switch r.Profile {
		case bytecode.ProfileBranch:
			r.Taken = p[0] != 0
		case bytecode.ProfileSwitch:
			r.Value = binary.LittleEndian.Uint32(p)
		case bytecode.ProfileCast:
			r.Class = vm.Class(binary.LittleEndian.Uint64(p))
		case bytecode.ProfileStaticCall:
			r.Caller = vm.Method(binary.LittleEndian.Uint64(p))
		case bytecode.ProfileVirtualCall:
			r.Class = vm.Class(binary.LittleEndian.Uint64(p) &^ receiverTag)
			r.Caller = vm.Method(binary.LittleEndian.Uint64(p[8:]))
			r.Callee = vm.Method(binary.LittleEndian.Uint64(p[16:]))
		case bytecode.ProfileAllocation:
			r.Class = vm.Class(binary.LittleEndian.Uint64(p))
			r.Caller = vm.Method(binary.LittleEndian.Uint64(p[8:]))
		}
		n++
		if !fn(&r) {
			break
		}
	}
	return n, nil
}
