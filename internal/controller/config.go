// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/iprofiler/internal/controller"

import (
	"errors"
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/iprofiler/profiler"
	"go.opentelemetry.io/iprofiler/sharedcache"
)

type Config struct {
	profiler.Config
	// WorkloadFile is the TOML workload to replay.
	WorkloadFile string
	// CacheFile holds the shared cache snapshot between runs. Empty keeps the cache in
	// memory only.
	CacheFile     string
	CacheBase     uint64
	CacheSize     uint64
	CacheCapacity int
	// PersistAll persists every profiled method instead of the methods of the workload.
	PersistAll  bool
	Threads     int
	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.WorkloadFile == "" {
		return errors.New("a workload file is required")
	}
	if cfg.Threads <= 0 {
		return errors.New("the number of threads must be > 0")
	}
	if cfg.CacheSize == 0 {
		return errors.New("the shared cache size must be > 0")
	}
	if cfg.CacheSize > sharedcache.MaxRegionSize {
		return fmt.Errorf("the shared cache size must be <= %d", uint64(sharedcache.MaxRegionSize))
	}
	if cfg.CacheCapacity < 0 {
		return errors.New("the shared cache capacity must not be negative")
	}
	return cfg.Config.Validate()
}
