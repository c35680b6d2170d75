// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package persist // import "go.opentelemetry.io/iprofiler/persist"

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/metrics"
	"go.opentelemetry.io/iprofiler/sharedcache"
	"go.opentelemetry.io/iprofiler/store"
	"go.opentelemetry.io/iprofiler/vm"
)

// Runtime is the part of the managed runtime the writer reads.
type Runtime interface {
	vm.BytecodeReader
	vm.MethodInfo
	vm.ClassInfo
}

// Outcome is the result of persisting one method.
type Outcome uint8

const (
	Persisted Outcome = iota
	// NotEligible means persistence is disabled or the shared cache was found full before.
	NotEligible
	// MethodNotInCache means the bytecode of the method is not part of the shared cache.
	MethodNotInCache
	// AlreadyStored means a profile of the method is in the shared cache already.
	AlreadyStored
	// NoEntries means the method has no entry that can be persisted.
	NoEntries
	// Aborted means an entry of the method was locked by another thread.
	Aborted
	// CacheFull means the shared cache had no room for the profile.
	CacheFull
	// Failed means the shared cache rejected the profile.
	Failed
)

var outcomeNames = [...]string{
	Persisted:        "persisted",
	NotEligible:      "not-eligible",
	MethodNotInCache: "method-not-in-cache",
	AlreadyStored:    "already-stored",
	NoEntries:        "no-entries",
	Aborted:          "aborted",
	CacheFull:        "cache-full",
	Failed:           "failed",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// WriterConfig holds the writer options.
type WriterConfig struct {
	// Disabled turns PersistMethod and PersistAll into no-ops that count NotEligible.
	Disabled bool
	// MaxEntriesPerMethod caps the profile size of one method in PersistAll.
	MaxEntriesPerMethod int
}

// Writer persists method profiles from the store into the shared cache.
type Writer struct {
	rt    Runtime
	cache sharedcache.Cache
	store *store.Store
	cfg   WriterConfig

	// full latches once the cache reported that it is out of space.
	full atomic.Bool

	attempts          atomic.Uint64
	methods           atomic.Uint64
	entries           atomic.Uint64
	aborted           atomic.Uint64
	noEntries         atomic.Uint64
	methodNotInCache  atomic.Uint64
	alreadyStored     atomic.Uint64
	cacheFull         atomic.Uint64
	persistError      atomic.Uint64
	notEligible       atomic.Uint64
	unstoredBytes     atomic.Uint64
	skippedNotInCache atomic.Uint64
	skippedUnloaded   atomic.Uint64
	skippedNoInfo     atomic.Uint64
	skippedOther      atomic.Uint64
}

// NewWriter creates a writer for the entries of st.
func NewWriter(rt Runtime, cache sharedcache.Cache, st *store.Store, cfg WriterConfig) *Writer {
	if cfg.MaxEntriesPerMethod <= 0 {
		cfg.MaxEntriesPerMethod = math.MaxInt
	}
	return &Writer{rt: rt, cache: cache, store: st, cfg: cfg}
}

// IsFull reports whether the shared cache ran out of space.
func (w *Writer) IsFull() bool {
	return w.full.Load()
}

// prepare checks e and, if it can be persisted, returns its encoding. Call-site entries
// stay locked until the item is released.
func (w *Writer) prepare(e entry.Entry) (item, entry.Verdict) {
	if !w.cache.Contains(e.PC()) {
		return item{}, entry.NotInCache
	}
	it := item{
		pc:      w.cache.Offset(e.PC()),
		id:      StorageIDOf(e.Kind()),
		release: func() {},
	}
	switch e := e.(type) {
	case *entry.Branch:
		if v := e.CanPersist(); v != entry.CanPersist {
			return item{}, v
		}
		it.encode = encodeBranch(e)
	case *entry.Switch:
		if v := e.CanPersist(); v != entry.CanPersist {
			return item{}, v
		}
		it.encode = encodeSwitch(e)
	case *entry.CallSite:
		if v := e.CanPersist(w.rt); v != entry.CanPersist {
			return item{}, v
		}
		it.encode = w.callGraphOf(e).encode
		it.release = e.Unlock
	default:
		return item{}, entry.CannotPersist
	}
	return it, entry.CanPersist
}

func (w *Writer) callGraphOf(c *entry.CallSite) callGraph {
	d := c.Snapshot()
	top := d.Slots[d.Dominant()]
	cg := callGraph{
		residue: uint16(min(d.TrackedWeight()-top.Weight, math.MaxUint16)),
	}
	if top.Class == 0 || top.Weight == 0 {
		return cg
	}
	classChain, ok := w.rt.ClassChainOffset(top.Class)
	if !ok {
		return cg
	}
	loaderChain, ok := w.rt.LoaderChainOffset(top.Class)
	if !ok {
		log.Debugf("No loader chain for class %#x, persisting call site without class", top.Class)
		return cg
	}
	cg.classChain = classChain
	cg.loaderChain = loaderChain
	cg.weight = uint16(min(top.Weight, math.MaxUint16))
	return cg
}

func (w *Writer) countSkipped(v entry.Verdict) {
	switch v {
	case entry.NotInCache:
		w.skippedNotInCache.Add(1)
	case entry.Unloaded:
		w.skippedUnloaded.Add(1)
	default:
		w.skippedOther.Add(1)
	}
}

// collect walks the instructions of m and returns the items sorted by PC. It returns false
// if an entry is locked by another thread.
func (w *Writer) collect(m vm.Method) ([]item, bool) {
	var items []item
	seen := make(libpf.Set[libpf.Address])
	for _, bci := range w.rt.InstructionBCIs(m) {
		pc := vm.SearchPC(w.rt, w.rt, m, bci)
		if _, ok := seen[pc]; ok {
			continue
		}
		seen[pc] = libpf.Void{}

		e := w.store.Find(pc)
		if e == nil {
			if op, ok := w.rt.Opcode(pc); ok && StorageIDOf(entry.KindOf(op)) != 0 {
				w.skippedNoInfo.Add(1)
			}
			continue
		}
		if w.store.InvalidateIfInconsistent(e) {
			continue
		}
		it, verdict := w.prepare(e)
		if verdict == entry.Locked {
			release(items)
			return nil, false
		}
		if verdict != entry.CanPersist {
			w.countSkipped(verdict)
			continue
		}
		items = append(items, it)
	}
	// The walk is in bytecode order, which already sorts by PC.
	return items, true
}

func release(items []item) {
	for i := range items {
		items[i].release()
	}
}

// PersistMethod writes the profile of m into the shared cache. The returned error is only
// set for Failed.
func (w *Writer) PersistMethod(m vm.Method) (Outcome, error) {
	w.attempts.Add(1)
	if w.cfg.Disabled {
		w.notEligible.Add(1)
		return NotEligible, nil
	}
	start := w.rt.BytecodeStart(m)
	if !w.cache.Contains(start) {
		w.methodNotInCache.Add(1)
		return MethodNotInCache, nil
	}
	key := sharedcache.Key(w.cache.Offset(start))
	if _, ok := w.cache.Find(key); ok {
		w.alreadyStored.Add(1)
		return AlreadyStored, nil
	}

	items, ok := w.collect(m)
	if !ok {
		w.aborted.Add(1)
		return Aborted, nil
	}
	defer release(items)
	return w.write(key, items)
}

// write stores items under key and updates the outcome counters.
func (w *Writer) write(key sharedcache.Key, items []item) (Outcome, error) {
	if len(items) == 0 {
		w.noEntries.Add(1)
		return NoEntries, nil
	}
	if w.full.Load() {
		w.cacheFull.Add(1)
		w.unstoredBytes.Add(uint64(footprint(items)))
		return CacheFull, nil
	}

	blob := encodeTree(items)
	err := w.cache.Store(key, blob)
	switch {
	case err == nil:
		w.methods.Add(1)
		w.entries.Add(uint64(len(items)))
		log.Debugf("Persisted %d entries (%d bytes) for key %#x", len(items), len(blob), key)
		return Persisted, nil
	case errors.Is(err, sharedcache.ErrExists):
		w.alreadyStored.Add(1)
		return AlreadyStored, nil
	case errors.Is(err, sharedcache.ErrFull):
		if !w.full.Swap(true) {
			log.Warnf("Shared cache is full, profiles are no longer persisted: %v", err)
		}
		w.cacheFull.Add(1)
		w.unstoredBytes.Add(uint64(len(blob)))
		return CacheFull, nil
	default:
		w.persistError.Add(1)
		return Failed, fmt.Errorf("failed to store profile %#x: %w", key, err)
	}
}

func footprint(items []item) int {
	n := 0
	for i := range items {
		n += items[i].id.Footprint()
	}
	return n
}

// PersistAll persists the profile of every method that has live entries. It is meant for
// shutdown: entries locked by another thread are skipped instead of aborting the method.
func (w *Writer) PersistAll() error {
	byMethod := make(map[vm.Method][]entry.Entry)
	w.store.Range(func(e entry.Entry) bool {
		if m, ok := w.rt.MethodOfPC(e.PC()); ok {
			byMethod[m] = append(byMethod[m], e)
		}
		return true
	})

	var errs error
	for m, entries := range byMethod {
		w.attempts.Add(1)
		if w.cfg.Disabled || w.full.Load() {
			w.notEligible.Add(1)
			continue
		}
		start := w.rt.BytecodeStart(m)
		if !w.cache.Contains(start) {
			w.methodNotInCache.Add(1)
			continue
		}
		key := sharedcache.Key(w.cache.Offset(start))
		if _, ok := w.cache.Find(key); ok {
			w.alreadyStored.Add(1)
			continue
		}

		slices.SortFunc(entries, func(a, b entry.Entry) int {
			return cmp.Compare(a.PC(), b.PC())
		})
		items := make([]item, 0, min(len(entries), w.cfg.MaxEntriesPerMethod))
		for _, e := range entries {
			if len(items) >= w.cfg.MaxEntriesPerMethod {
				break
			}
			if w.store.InvalidateIfInconsistent(e) {
				continue
			}
			it, verdict := w.prepare(e)
			switch verdict {
			case entry.CanPersist:
				items = append(items, it)
			case entry.Locked:
			default:
				w.countSkipped(verdict)
			}
		}
		_, err := w.write(key, items)
		release(items)
		errs = multierr.Append(errs, err)
	}
	log.Infof("Persisted profiles of %d methods", len(byMethod))
	return errs
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	Attempts          uint64
	Methods           uint64
	Entries           uint64
	Aborted           uint64
	NoEntries         uint64
	MethodNotInCache  uint64
	AlreadyStored     uint64
	CacheFull         uint64
	Errors            uint64
	NotEligible       uint64
	UnstoredBytes     uint64
	SkippedNotInCache uint64
	SkippedUnloaded   uint64
	SkippedNoInfo     uint64
	SkippedOther      uint64
}

func (w *Writer) Stats() Stats {
	return Stats{
		Attempts:          w.attempts.Load(),
		Methods:           w.methods.Load(),
		Entries:           w.entries.Load(),
		Aborted:           w.aborted.Load(),
		NoEntries:         w.noEntries.Load(),
		MethodNotInCache:  w.methodNotInCache.Load(),
		AlreadyStored:     w.alreadyStored.Load(),
		CacheFull:         w.cacheFull.Load(),
		Errors:            w.persistError.Load(),
		NotEligible:       w.notEligible.Load(),
		UnstoredBytes:     w.unstoredBytes.Load(),
		SkippedNotInCache: w.skippedNotInCache.Load(),
		SkippedUnloaded:   w.skippedUnloaded.Load(),
		SkippedNoInfo:     w.skippedNoInfo.Load(),
		SkippedOther:      w.skippedOther.Load(),
	}
}

// CollectMetrics reports the writer counters as deltas to prev.
func (w *Writer) CollectMetrics(prev *Stats) {
	cur := w.Stats()
	delta := func(id metrics.MetricID, c, p uint64) metrics.Metric {
		return metrics.Metric{ID: id, Value: metrics.MetricValue(c - p)}
	}
	metrics.AddSlice([]metrics.Metric{
		delta(metrics.IDPersistAttempts, cur.Attempts, prev.Attempts),
		delta(metrics.IDPersistMethods, cur.Methods, prev.Methods),
		delta(metrics.IDPersistEntries, cur.Entries, prev.Entries),
		delta(metrics.IDPersistAborted, cur.Aborted, prev.Aborted),
		delta(metrics.IDPersistNoEntries, cur.NoEntries, prev.NoEntries),
		delta(metrics.IDPersistMethodNotInCache, cur.MethodNotInCache, prev.MethodNotInCache),
		delta(metrics.IDPersistAlreadyStored, cur.AlreadyStored, prev.AlreadyStored),
		delta(metrics.IDPersistCacheFull, cur.CacheFull, prev.CacheFull),
		delta(metrics.IDPersistError, cur.Errors, prev.Errors),
		delta(metrics.IDPersistNotEligible, cur.NotEligible, prev.NotEligible),
		delta(metrics.IDPersistUnstoredBytes, cur.UnstoredBytes, prev.UnstoredBytes),
		delta(metrics.IDPersistSkippedNotInCache, cur.SkippedNotInCache, prev.SkippedNotInCache),
		delta(metrics.IDPersistSkippedUnloaded, cur.SkippedUnloaded, prev.SkippedUnloaded),
		delta(metrics.IDPersistSkippedNoInfo, cur.SkippedNoInfo, prev.SkippedNoInfo),
		delta(metrics.IDPersistSkippedOther, cur.SkippedOther, prev.SkippedOther),
	})
	*prev = cur
}
