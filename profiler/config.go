// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "go.opentelemetry.io/iprofiler/profiler"

import (
	"errors"
	"time"
)

// Config holds the profiler options.
type Config struct {
	// BufferSize is the size of the per-thread profiling buffers.
	BufferSize int
	// NumOutstandingBuffers is the queue length at which buffers are no longer handed to
	// the worker.
	NumOutstandingBuffers int
	// MaxPercentageToDiscard is the share of buffers that may be dropped while the worker
	// is behind. The others are parsed by the thread that filled them.
	MaxPercentageToDiscard int
	// ClassUnloadThreshold is the number of unloaded classes at which profiling stops.
	ClassUnloadThreshold int
	// MaxEntries caps the number of entries in the store. 0 means unlimited.
	MaxEntries int
	// MaxEntriesPerMethod caps the size of one method profile written by PersistAll.
	MaxEntriesPerMethod int
	// PersistedCacheSize is the number of method profiles the reader keeps decoded.
	PersistedCacheSize int
	// PersistedCacheLifetime bounds how long a method profile stays in the reader cache.
	PersistedCacheLifetime time.Duration
	// MonitorInterval is the metric collection interval.
	MonitorInterval time.Duration

	DisableWorker        bool
	DisableFanIn         bool
	DisablePersistence   bool
	DisableReadPersisted bool
	// PreferLiveData answers queries from live entries whenever one exists.
	PreferLiveData bool
	// ProfileAllTheTime disables the sampling windows of branch records.
	ProfileAllTheTime   bool
	AllocationProfiling bool
	// PersistOnClose persists every method profile when the profiler is closed.
	PersistOnClose bool
}

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return Config{
		BufferSize:             1024,
		NumOutstandingBuffers:  10,
		MaxPercentageToDiscard: 0,
		ClassUnloadThreshold:   20000,
		MaxEntriesPerMethod:    1000,
		PersistedCacheSize:     4096,
		PersistedCacheLifetime: 10 * time.Minute,
		MonitorInterval:        5 * time.Second,
	}
}

// Validate checks the options for consistency.
func (cfg *Config) Validate() error {
	if cfg.BufferSize < minBufferSize {
		return errors.New("buffer size must be at least 64 bytes")
	}
	if cfg.NumOutstandingBuffers <= 0 {
		return errors.New("number of outstanding buffers must be > 0")
	}
	if cfg.MaxPercentageToDiscard < 0 || cfg.MaxPercentageToDiscard > 100 {
		return errors.New("max percentage to discard must be between 0 and 100")
	}
	if cfg.ClassUnloadThreshold <= 0 {
		return errors.New("class unload threshold must be > 0")
	}
	if cfg.MaxEntries < 0 {
		return errors.New("max entries must not be negative")
	}
	if cfg.MaxEntriesPerMethod <= 0 {
		return errors.New("max entries per method must be > 0")
	}
	if cfg.PersistedCacheSize <= 0 {
		return errors.New("persisted cache size must be > 0")
	}
	if cfg.MonitorInterval < time.Second {
		return errors.New("the monitor interval has to be set to at least 1 second (1s)")
	}
	return nil
}
