// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package entry implements the per-bytecode profile records collected from interpreter
// samples. Updates are lock free and tolerate lost increments under contention; the only
// lock is the advisory one on call-site entries.
package entry // import "go.opentelemetry.io/iprofiler/entry"

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/libpf"
)

// Kind is the variant of an entry. It is fixed at creation.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBranch
	KindSwitch
	KindCallSite
	KindAllocation
)

func (k Kind) String() string {
	switch k {
	case KindBranch:
		return "branch"
	case KindSwitch:
		return "switch"
	case KindCallSite:
		return "call-site"
	case KindAllocation:
		return "allocation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindOf returns the entry kind created for records of the given opcode, or KindInvalid
// for opcodes whose records are not stored.
func KindOf(op bytecode.Opcode) Kind {
	switch op.Profile() {
	case bytecode.ProfileBranch:
		return KindBranch
	case bytecode.ProfileSwitch:
		return KindSwitch
	case bytecode.ProfileCast, bytecode.ProfileVirtualCall:
		return KindCallSite
	case bytecode.ProfileAllocation:
		return KindAllocation
	default:
		return KindInvalid
	}
}

// Entry is implemented by every variant.
type Entry interface {
	// PC is the bytecode address the entry profiles.
	PC() libpf.Address
	Kind() Kind
	// SamplingCount is the cumulative number of observations, used to compare the
	// live and persisted sources of the same PC.
	SamplingCount() uint32
	HasData() bool
	// CopyFrom overwrites the payload with the payload of other. Entries of a different
	// kind are ignored.
	CopyFrom(other Entry)
	Header() *Header
}

// Header holds the state shared by all variants.
type Header struct {
	pc libpf.Address

	lastSeenUnloadGeneration atomic.Uint64
	invalid                  atomic.Bool
	persistentEntryRead      atomic.Bool
}

// header lets the variants embed Header under a field name that does not hide the
// promoted Header method.
type header = Header

func (h *Header) PC() libpf.Address {
	return h.pc
}

func (h *Header) Header() *Header {
	return h
}

// IsInvalid reports whether the entry was invalidated by class unloading.
func (h *Header) IsInvalid() bool {
	return h.invalid.Load()
}

// SetInvalid invalidates the entry permanently.
func (h *Header) SetInvalid() {
	h.invalid.Store(true)
}

func (h *Header) LastSeenUnloadGeneration() uint64 {
	return h.lastSeenUnloadGeneration.Load()
}

func (h *Header) SetLastSeenUnloadGeneration(gen uint64) {
	h.lastSeenUnloadGeneration.Store(gen)
}

// IsPersistentEntryRead reports whether the shared cache was already consulted for this PC.
func (h *Header) IsPersistentEntryRead() bool {
	return h.persistentEntryRead.Load()
}

func (h *Header) SetPersistentEntryRead() {
	h.persistentEntryRead.Store(true)
}

// New creates an entry of the given kind for pc, stamped with the current unload generation.
func New(kind Kind, pc libpf.Address, generation uint64) Entry {
	var e Entry
	switch kind {
	case KindBranch:
		e = &Branch{header: Header{pc: pc}}
	case KindSwitch:
		e = &Switch{header: Header{pc: pc}}
	case KindCallSite:
		e = &CallSite{header: Header{pc: pc}}
	case KindAllocation:
		e = &Allocation{header: Header{pc: pc}}
	default:
		return nil
	}
	e.Header().SetLastSeenUnloadGeneration(generation)
	return e
}

// Verdict is the outcome of asking an entry whether it can be written to the shared cache.
type Verdict uint8

const (
	CanPersist Verdict = iota
	// Locked means another thread holds the advisory lock of the entry.
	Locked
	// NotInCache means a tracked class has no shared cache representation.
	NotInCache
	// Unloaded means a tracked class was unloaded.
	Unloaded
	// CannotPersist covers every other reason.
	CannotPersist
)

func (v Verdict) String() string {
	switch v {
	case CanPersist:
		return "can-persist"
	case Locked:
		return "locked"
	case NotInCache:
		return "not-in-cache"
	case Unloaded:
		return "unloaded"
	default:
		return "cannot-persist"
	}
}
