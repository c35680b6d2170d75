// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package persist // import "go.opentelemetry.io/iprofiler/persist"

import (
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/metrics"
	"go.opentelemetry.io/iprofiler/sharedcache"
	"go.opentelemetry.io/iprofiler/successfailurecounter"
	"go.opentelemetry.io/iprofiler/vm"
)

// ReaderRuntime is the part of the managed runtime the reader needs.
type ReaderRuntime interface {
	vm.BytecodeReader
	vm.MethodInfo
	vm.ClassInfo
}

// ReaderConfig holds the reader options.
type ReaderConfig struct {
	// CacheSize is the number of method profiles kept decoded. It must be positive.
	CacheSize uint32
	// CacheLifetime bounds how long a blob stays cached. Zero keeps it until evicted.
	CacheLifetime time.Duration
}

// Reader loads persisted entries from the shared cache.
type Reader struct {
	rt    ReaderRuntime
	cache sharedcache.Cache

	// blobs caches the profile blob of a method by its shared cache key. Stored blobs
	// never change, so only hits are cached.
	blobs *lru.SyncedLRU[sharedcache.Key, []byte]

	reads   atomic.Uint64
	success atomic.Uint64
	failure atomic.Uint64
	badData atomic.Uint64
}

func hashKey(k sharedcache.Key) uint32 {
	return libpf.Address(k).Hash32()
}

// NewReader creates a reader of the profiles in cache.
func NewReader(rt ReaderRuntime, cache sharedcache.Cache, cfg ReaderConfig) (*Reader, error) {
	blobs, err := lru.NewSynced[sharedcache.Key, []byte](cfg.CacheSize, hashKey)
	if err != nil {
		return nil, err
	}
	if cfg.CacheLifetime > 0 {
		blobs.SetLifetime(cfg.CacheLifetime)
	}
	return &Reader{rt: rt, cache: cache, blobs: blobs}, nil
}

func (r *Reader) blob(key sharedcache.Key) ([]byte, bool) {
	if blob, ok := r.blobs.Get(key); ok {
		return blob, true
	}
	blob, ok := r.cache.Find(key)
	if !ok {
		return nil, false
	}
	r.blobs.Add(key, blob)
	return blob, true
}

// Lookup decodes the persisted entry of pc, which belongs to method m. The entry is
// transient: it is not part of any store. methodExists reports whether the shared cache
// holds a profile of m at all.
func (r *Reader) Lookup(m vm.Method, pc libpf.Address) (e entry.Entry, methodExists bool) {
	start := r.rt.BytecodeStart(m)
	if !r.cache.Contains(start) || !r.cache.Contains(pc) {
		return nil, false
	}
	blob, ok := r.blob(sharedcache.Key(r.cache.Offset(start)))
	if !ok {
		return nil, false
	}

	sfc := successfailurecounter.NewWithBadData(&r.success, &r.failure, &r.badData)
	defer sfc.DefaultToFailure()

	node, found, err := Search(blob, r.cache.Offset(pc))
	if err != nil {
		log.Warnf("Profile of method %#x: %v", m, err)
		sfc.ReportBadData()
		return nil, true
	}
	if !found {
		return nil, true
	}
	op, ok := r.rt.Opcode(pc)
	if !ok {
		sfc.ReportBadData()
		return nil, true
	}
	kind := entry.KindOf(op)
	e = entry.New(kind, pc, 0)
	if e == nil || StorageIDOf(kind) == 0 {
		sfc.ReportBadData()
		return nil, true
	}
	if r.decode(node, e) {
		sfc.ReportSuccess()
	} else {
		sfc.ReportBadData()
	}
	return e, true
}

// decode fills e from node. It reports false if the node refers to classes that cannot be
// resolved in this process; e then carries no receiver type.
func (r *Reader) decode(node Node, e entry.Entry) bool {
	r.reads.Add(1)
	want := StorageIDOf(e.Kind())
	assert(node.ID == want, "Persisted %s node for %s entry at %#x", node.ID, e.Kind(), e.PC())

	switch e := e.(type) {
	case *entry.Branch:
		decodeBranch(node, e)
	case *entry.Switch:
		decodeSwitch(node, e)
	case *entry.CallSite:
		cg := decodeCallGraph(node)
		if cg.classChain == 0 {
			e.Restore(0, 0, uint32(cg.residue))
			return true
		}
		class, ok := r.rt.ClassFromChain(cg.classChain, cg.loaderChain)
		if cg.loaderChain == 0 || !ok {
			e.Restore(0, 0, uint32(cg.residue))
			return false
		}
		e.Restore(class, uint32(cg.weight), uint32(cg.residue))
	}
	return true
}

// PurgeExpired drops cached blobs past their lifetime.
func (r *Reader) PurgeExpired() {
	r.blobs.PurgeExpired()
}

// ReaderStats is a snapshot of the reader counters.
type ReaderStats struct {
	Reads   uint64
	Success uint64
	Failure uint64
	BadData uint64
}

func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Reads:   r.reads.Load(),
		Success: r.success.Load(),
		Failure: r.failure.Load(),
		BadData: r.badData.Load(),
	}
}

// CollectMetrics reports the reader counters as deltas to prev.
func (r *Reader) CollectMetrics(prev *ReaderStats) {
	cur := r.Stats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDPersistedReads, Value: metrics.MetricValue(cur.Reads - prev.Reads)},
		{ID: metrics.IDPersistedReadSuccess,
			Value: metrics.MetricValue(cur.Success - prev.Success)},
		{ID: metrics.IDPersistedReadFailure,
			Value: metrics.MetricValue(cur.Failure - prev.Failure)},
		{ID: metrics.IDPersistedReadBadData,
			Value: metrics.MetricValue(cur.BadData - prev.BadData)},
	})
	*prev = cur
}
