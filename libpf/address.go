// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/iprofiler/libpf"

import "go.opentelemetry.io/iprofiler/libpf/hash"

// Address represents an address inside the managed runtime: a bytecode program counter,
// a method or a class metadata pointer.
type Address uintptr

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	return hash.Uint64(uint64(adr))
}

// Bucket maps the address to one of n hash chains. Only the low 31 bits take part so
// that the bucket of a PC is identical on 32 and 64 bit runtimes.
func (adr Address) Bucket(n uint32) uint32 {
	return uint32(uint64(adr)&0x7FFFFFFF) % n
}
