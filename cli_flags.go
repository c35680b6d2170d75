// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/iprofiler/internal/controller"
	"go.opentelemetry.io/iprofiler/profiler"
)

const (
	// Default values for CLI flags
	defaultArgCacheBase     = 0x4000_0000
	defaultArgCacheSize     = 64 << 20
	defaultArgCacheCapacity = 16 << 20
	defaultArgThreads       = 4
)

// Help strings for command line arguments
var (
	allocationProfilingHelp = "Record the allocating method of new objects."
	bufferSizeHelp          = "Size in bytes of the per-thread profiling buffers."
	cacheBaseHelp           = "Address the shared cache region is mapped at."
	cacheCapacityHelp       = "Bytes of the shared cache available for profiles."
	cacheFileHelp           = "File holding the shared cache between runs. " +
		"If empty, profiles are only kept in memory."
	cacheSizeHelp              = "Size in bytes of the shared cache region."
	configHelp                 = "Path to a file with one flag and value per line."
	classUnloadThresholdHelp   = "Number of unloaded classes at which profiling stops."
	disableFanInHelp           = "Do not record the callers of methods."
	disablePersistenceHelp     = "Do not write profiles to the shared cache."
	disableReadPersistedHelp   = "Do not answer queries from profiles in the shared cache."
	disableWorkerHelp          = "Parse buffers on the interpreter threads."
	maxEntriesHelp             = "Maximum number of live profile entries. 0 means unlimited."
	maxEntriesPerMethodHelp    = "Maximum number of entries persisted for one method."
	maxPercentageToDiscardHelp = "Percentage of buffers that may be dropped while the " +
		"profiling worker is behind."
	monitorIntervalHelp        = "Set the monitor interval in seconds."
	numOutstandingBuffersHelp  = "Queue length at which buffers are no longer handed to the worker."
	persistAllHelp             = "Persist every profiled method instead of the workload methods."
	persistedCacheLifetimeHelp = "Time a decoded persisted profile stays cached."
	persistedCacheSizeHelp     = "Number of decoded persisted profiles kept in memory."
	preferLiveDataHelp         = "Answer queries from live profiles whenever one exists."
	profileAllTheTimeHelp      = "Record every branch instead of alternating sampling windows."
	threadsHelp                = "Number of interpreter threads replaying the workload."
	verboseModeHelp            = "Enable verbose logging and debugging capabilities."
	versionHelp                = "Show version."
	workloadHelp               = "TOML file describing the workload to replay."
)

func parseArgs() (*controller.Config, error) {
	var args controller.Config
	defaults := profiler.DefaultConfig()

	fs := flag.NewFlagSet("iprofiler", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.String("config", "", configHelp)

	fs.BoolVar(&args.AllocationProfiling, "allocation-profiling", false,
		allocationProfilingHelp)

	fs.IntVar(&args.BufferSize, "buffer-size", defaults.BufferSize, bufferSizeHelp)

	fs.Uint64Var(&args.CacheBase, "cache-base", defaultArgCacheBase, cacheBaseHelp)
	fs.IntVar(&args.CacheCapacity, "cache-capacity", defaultArgCacheCapacity,
		cacheCapacityHelp)
	fs.StringVar(&args.CacheFile, "cache-file", "", cacheFileHelp)
	fs.Uint64Var(&args.CacheSize, "cache-size", defaultArgCacheSize, cacheSizeHelp)

	fs.IntVar(&args.ClassUnloadThreshold, "class-unload-threshold",
		defaults.ClassUnloadThreshold, classUnloadThresholdHelp)

	fs.BoolVar(&args.DisableFanIn, "disable-fanin", false, disableFanInHelp)
	fs.BoolVar(&args.DisablePersistence, "disable-persistence", false, disablePersistenceHelp)
	fs.BoolVar(&args.DisableReadPersisted, "disable-read-persisted", false,
		disableReadPersistedHelp)
	fs.BoolVar(&args.DisableWorker, "disable-worker", false, disableWorkerHelp)

	fs.IntVar(&args.MaxEntries, "max-entries", defaults.MaxEntries, maxEntriesHelp)
	fs.IntVar(&args.MaxEntriesPerMethod, "max-entries-per-method",
		defaults.MaxEntriesPerMethod, maxEntriesPerMethodHelp)
	fs.IntVar(&args.MaxPercentageToDiscard, "max-percentage-to-discard",
		defaults.MaxPercentageToDiscard, maxPercentageToDiscardHelp)

	fs.DurationVar(&args.MonitorInterval, "monitor-interval", defaults.MonitorInterval,
		monitorIntervalHelp)

	fs.IntVar(&args.NumOutstandingBuffers, "num-outstanding-buffers",
		defaults.NumOutstandingBuffers, numOutstandingBuffersHelp)

	fs.BoolVar(&args.PersistAll, "persist-all", false, persistAllHelp)
	fs.DurationVar(&args.PersistedCacheLifetime, "persisted-cache-lifetime",
		defaults.PersistedCacheLifetime, persistedCacheLifetimeHelp)
	fs.IntVar(&args.PersistedCacheSize, "persisted-cache-size", defaults.PersistedCacheSize,
		persistedCacheSizeHelp)
	fs.BoolVar(&args.PreferLiveData, "prefer-live-data", false, preferLiveDataHelp)
	fs.BoolVar(&args.ProfileAllTheTime, "profile-all-the-time", false, profileAllTheTimeHelp)

	fs.IntVar(&args.Threads, "threads", defaultArgThreads, threadsHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.StringVar(&args.WorkloadFile, "w", "", "Shorthand for -workload.")
	fs.StringVar(&args.WorkloadFile, "workload", "", workloadHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("IPROFILER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current build
		// does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
