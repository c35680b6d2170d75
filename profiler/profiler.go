// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package profiler ties the interpreter profiling components together. A Profiler owns the
// bytecode profile store, the fan-in table, the ingestion pipeline and the persistence
// layer of one runtime. Interpreter threads hand it full buffers with ProcessBuffer and the
// optimizer reads the collected profiles with the Get* queries.
package profiler // import "go.opentelemetry.io/iprofiler/profiler"

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"go.opentelemetry.io/iprofiler/fanin"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/metrics"
	"go.opentelemetry.io/iprofiler/periodiccaller"
	"go.opentelemetry.io/iprofiler/persist"
	"go.opentelemetry.io/iprofiler/pipeline"
	"go.opentelemetry.io/iprofiler/sharedcache"
	"go.opentelemetry.io/iprofiler/store"
	"go.opentelemetry.io/iprofiler/vm"
)

// minBufferSize is the smallest accepted thread buffer. It holds a few records of every kind.
const minBufferSize = 64

// Profiler is the interpreter profiler of one runtime.
type Profiler struct {
	cfg   Config
	rt    vm.Runtime
	cache sharedcache.Cache

	store    *store.Store
	fanin    *fanin.Table
	pipeline *pipeline.Pipeline
	writer   *persist.Writer
	// reader is nil if reading persisted profiles is disabled.
	reader *persist.Reader

	// vmAccess is held shared while records are parsed and exclusively while classes are
	// unloaded.
	vmAccess sync.RWMutex
	enabled  atomic.Bool

	workerExited <-chan libpf.Void
	stopMonitor  func()
	closeOnce    sync.Once

	parsedInline       atomic.Uint64
	throttled          atomic.Uint64
	recordsParsed      atomic.Uint64
	entryRead          atomic.Uint64
	chosePersisted     atomic.Uint64
	queryFailed        atomic.Uint64
	readRequests       atomic.Uint64
	readRequestsFailed atomic.Uint64
	maxCallFrequency   atomic.Uint32
}

// New creates a profiler for rt. Profiles are persisted to and read from cache; a nil cache
// is replaced by an empty one. The profiling worker and the metric collection run until ctx
// is canceled or Close is called.
func New(ctx context.Context, cfg Config, rt vm.Runtime, cache sharedcache.Cache) (*Profiler,
	error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profiler configuration: %w", err)
	}
	if cache == nil {
		cache = sharedcache.NewMemory(0, 0, 0)
	}

	p := &Profiler{
		cfg:   cfg,
		rt:    rt,
		cache: cache,
		store: store.New(rt, cfg.MaxEntries),
		fanin: fanin.New(),
	}
	p.enabled.Store(true)
	p.writer = persist.NewWriter(rt, cache, p.store, persist.WriterConfig{
		Disabled:            cfg.DisablePersistence,
		MaxEntriesPerMethod: cfg.MaxEntriesPerMethod,
	})
	if !cfg.DisableReadPersisted {
		reader, err := persist.NewReader(rt, cache, persist.ReaderConfig{
			CacheSize:     uint32(cfg.PersistedCacheSize),
			CacheLifetime: cfg.PersistedCacheLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create persisted profile reader: %w", err)
		}
		p.reader = reader
	}

	p.pipeline = pipeline.New(pipeline.Config{
		BufferSize:             cfg.BufferSize,
		NumOutstandingBuffers:  cfg.NumOutstandingBuffers,
		MaxPercentageToDiscard: cfg.MaxPercentageToDiscard,
		ActiveThreads:          rt.ActiveThreads,
	}, p.vmAccess.RLocker(), p.parseBuffer)
	if !cfg.DisableWorker {
		exited, err := p.pipeline.Start(ctx)
		if err != nil {
			return nil, err
		}
		p.workerExited = exited
	}

	var prev monitorState
	p.stopMonitor = periodiccaller.Start(ctx, cfg.MonitorInterval, func() {
		p.collectMetrics(&prev)
	})
	return p, nil
}

// Enabled reports whether records are still collected.
func (p *Profiler) Enabled() bool {
	return p.enabled.Load()
}

// WorkerState returns the state of the profiling worker.
func (p *Profiler) WorkerState() pipeline.State {
	return p.pipeline.State()
}

// Suspend keeps the profiling worker from taking new buffers until Resume.
func (p *Profiler) Suspend() {
	p.pipeline.Suspend()
}

func (p *Profiler) Resume() {
	p.pipeline.Resume()
}

// stopProfiling permanently disables record collection.
func (p *Profiler) stopProfiling(unloaded int) {
	if p.enabled.CompareAndSwap(true, false) {
		log.Warnf("Interpreter profiling stopped after %d unloaded classes", unloaded)
	}
}

// NotifyClassUnloading runs unload with exclusive VM access. No buffer is parsed while
// unload runs, and every buffer collected before it is dropped afterwards, since its
// records may refer to the unloaded classes.
func (p *Profiler) NotifyClassUnloading(unload func()) {
	p.vmAccess.Lock()
	defer p.vmAccess.Unlock()
	if unload != nil {
		unload()
	}
	gen := p.store.ClassesUnloaded()
	p.pipeline.Invalidate()
	log.Debugf("Class unloading generation %d", gen)
}

// PersistMethod writes the profile of m to the shared cache.
func (p *Profiler) PersistMethod(m vm.Method) (persist.Outcome, error) {
	return p.writer.PersistMethod(m)
}

// PersistAll writes the profiles of every method with live entries to the shared cache.
func (p *Profiler) PersistAll() error {
	return p.writer.PersistAll()
}

// Close stops the profiling worker and the metric collection. With PersistOnClose the
// profiles of all methods are persisted after the worker exited.
func (p *Profiler) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.pipeline.Stop()
		if p.workerExited != nil {
			<-p.workerExited
		}
		if p.cfg.PersistOnClose {
			err = multierr.Append(err, p.PersistAll())
		}
		p.stopMonitor()
	})
	return err
}

// Stats is a snapshot of the counters of every component.
type Stats struct {
	Enabled  bool
	Pipeline pipeline.Stats
	Store    store.Stats
	Fanin    fanin.Stats
	Writer   persist.Stats
	Reader   persist.ReaderStats

	ParsedInline       uint64
	Throttled          uint64
	RecordsParsed      uint64
	EntryRead          uint64
	ChosePersisted     uint64
	QueryFailed        uint64
	ReadRequests       uint64
	ReadRequestsFailed uint64
}

func (p *Profiler) Stats() Stats {
	s := Stats{
		Enabled:            p.enabled.Load(),
		Pipeline:           p.pipeline.Stats(),
		Store:              p.store.Stats(),
		Fanin:              p.fanin.Stats(),
		Writer:             p.writer.Stats(),
		ParsedInline:       p.parsedInline.Load(),
		Throttled:          p.throttled.Load(),
		RecordsParsed:      p.recordsParsed.Load(),
		EntryRead:          p.entryRead.Load(),
		ChosePersisted:     p.chosePersisted.Load(),
		QueryFailed:        p.queryFailed.Load(),
		ReadRequests:       p.readRequests.Load(),
		ReadRequestsFailed: p.readRequestsFailed.Load(),
	}
	if p.reader != nil {
		s.Reader = p.reader.Stats()
	}
	return s
}

// monitorState holds the counters reported by the previous collection.
type monitorState struct {
	pipeline pipeline.Stats
	store    store.Stats
	fanin    fanin.Stats
	writer   persist.Stats
	reader   persist.ReaderStats
	own      Stats
}

func (p *Profiler) collectMetrics(prev *monitorState) {
	p.pipeline.CollectMetrics(&prev.pipeline)
	p.store.CollectMetrics(&prev.store)
	p.fanin.CollectMetrics(&prev.fanin)
	p.writer.CollectMetrics(&prev.writer)
	if p.reader != nil {
		p.reader.PurgeExpired()
		p.reader.CollectMetrics(&prev.reader)
	}

	cur := p.Stats()
	enabled := metrics.MetricValue(0)
	if cur.Enabled {
		enabled = 1
	}
	delta := func(id metrics.MetricID, now, before uint64) metrics.Metric {
		return metrics.Metric{ID: id, Value: metrics.MetricValue(now - before)}
	}
	own := &prev.own
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDProfilingEnabled, Value: enabled},
		delta(metrics.IDBufferParsedInline, cur.ParsedInline, own.ParsedInline),
		delta(metrics.IDBufferThrottled, cur.Throttled, own.Throttled),
		delta(metrics.IDRecordsParsed, cur.RecordsParsed, own.RecordsParsed),
		delta(metrics.IDQueryEntryRead, cur.EntryRead, own.EntryRead),
		delta(metrics.IDQueryChosePersisted, cur.ChosePersisted, own.ChosePersisted),
		delta(metrics.IDQueryFailed, cur.QueryFailed, own.QueryFailed),
		delta(metrics.IDQueryReadRequests, cur.ReadRequests, own.ReadRequests),
		delta(metrics.IDQueryReadRequestsFailed, cur.ReadRequestsFailed,
			own.ReadRequestsFailed),
	})
	*own = cur
}
