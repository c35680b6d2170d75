// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharedcache defines the shared persistent cache the profiler stores method
// profiles in, and provides an in-memory implementation that can be saved to and loaded
// from a snapshot file.
//
// The cache covers a region of memory holding class and method data shared between
// processes. Addresses inside the region are converted to offsets from its base, which
// stay valid in every process that maps the same cache.
package sharedcache // import "go.opentelemetry.io/iprofiler/sharedcache"

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/libpf/xsync"
)

var (
	// ErrFull is returned by Store if the cache has no room for the blob.
	ErrFull = errors.New("shared cache full")
	// ErrExists is returned by Store if a blob is already stored under the key.
	ErrExists = errors.New("shared cache entry exists")
)

// MaxRegionSize is the largest cache region whose offsets fit into 32 bits.
const MaxRegionSize = math.MaxUint32

// Key identifies a blob. Profile blobs are keyed by the cache offset of the method.
type Key uint64

// Cache is the shared persistent cache.
type Cache interface {
	// Contains reports whether addr is inside the cache region.
	Contains(addr libpf.Address) bool
	// Offset converts an address inside the cache region to its offset from the base.
	Offset(addr libpf.Address) uint32
	// Pointer converts an offset back to an address of this process.
	Pointer(offset uint32) libpf.Address
	// Find returns the blob stored under key. The blob must not be modified.
	Find(key Key) ([]byte, bool)
	// Store attaches blob to key. It returns ErrExists or ErrFull if the blob was not
	// stored.
	Store(key Key, blob []byte) error
}

type blobs struct {
	data map[Key][]byte
	used int
}

// Memory is a Cache kept in process memory.
type Memory struct {
	base libpf.Address
	size uint64

	// id and capacity change when a snapshot is loaded and are guarded by blobs.
	id       uuid.UUID
	capacity int
	blobs    xsync.RWMutex[blobs]
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty cache for the region [base, base+size) that accepts up to
// capacity bytes of attached data. size must not exceed MaxRegionSize.
func NewMemory(base libpf.Address, size uint64, capacity int) *Memory {
	if size > MaxRegionSize {
		log.Panicf("Shared cache region of %d bytes exceeds %d bytes", size, MaxRegionSize)
	}
	return &Memory{
		id:       uuid.New(),
		base:     base,
		size:     size,
		capacity: capacity,
		blobs:    xsync.NewRWMutex(blobs{data: make(map[Key][]byte)}),
	}
}

// ID identifies the cache contents across snapshots.
func (m *Memory) ID() uuid.UUID {
	b := m.blobs.RLock()
	defer m.blobs.RUnlock(&b)
	return m.id
}

func (m *Memory) Base() libpf.Address {
	return m.base
}

func (m *Memory) Contains(addr libpf.Address) bool {
	return addr >= m.base && uint64(addr-m.base) < m.size
}

func (m *Memory) Offset(addr libpf.Address) uint32 {
	if !m.Contains(addr) {
		log.Panicf("Address %#x is outside of the shared cache [%#x, %#x)",
			addr, m.base, uint64(m.base)+m.size)
	}
	return uint32(addr - m.base)
}

func (m *Memory) Pointer(offset uint32) libpf.Address {
	return m.base + libpf.Address(offset)
}

func (m *Memory) Find(key Key) ([]byte, bool) {
	b := m.blobs.RLock()
	defer m.blobs.RUnlock(&b)
	blob, ok := b.data[key]
	return blob, ok
}

func (m *Memory) Store(key Key, blob []byte) error {
	b := m.blobs.WLock()
	defer m.blobs.WUnlock(&b)
	if _, ok := b.data[key]; ok {
		return ErrExists
	}
	if b.used+len(blob) > m.capacity {
		return fmt.Errorf("%w: %d of %d bytes used, %d requested",
			ErrFull, b.used, m.capacity, len(blob))
	}
	b.data[key] = append([]byte(nil), blob...)
	b.used += len(blob)
	return nil
}

// Stats is a snapshot of the cache occupancy.
type Stats struct {
	Blobs    int
	Used     int
	Capacity int
}

func (m *Memory) Stats() Stats {
	b := m.blobs.RLock()
	defer m.blobs.RUnlock(&b)
	return Stats{Blobs: len(b.data), Used: b.used, Capacity: m.capacity}
}
