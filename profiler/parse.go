// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "go.opentelemetry.io/iprofiler/profiler"

import (
	"math/rand/v2"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/pipeline"
)

const (
	// maxThrottle is the skip level at which whole buffers are dropped.
	maxThrottle = 32
	// throttleShift converts unloaded classes into the skip level.
	throttleShift = 10
	// windowBase and windowJitter size the branch sampling windows.
	windowBase   = 20
	windowJitter = 10
)

// ProcessBuffer takes the full buffer of an interpreter thread. On return tb is empty and
// can be filled again.
func (p *Profiler) ProcessBuffer(tb *pipeline.ThreadBuffer) {
	p.pipeline.AddRequest()
	if !p.enabled.Load() {
		tb.Reset()
		return
	}
	if !p.cfg.DisableWorker && p.pipeline.Submit(tb) {
		return
	}

	p.parsedInline.Add(1)
	p.vmAccess.RLock()
	p.parseBuffer(tb.Bytes())
	p.vmAccess.RUnlock()
	tb.Reset()
}

// throttle returns the skip level for the given class loading figures. Heavy class
// unloading relative to loading raises it up to maxThrottle.
func throttle(loaded, unloaded int) int {
	if unloaded <= 0 {
		return 0
	}
	if loaded/unloaded > 2 {
		return 0
	}
	return min(unloaded>>throttleShift, maxThrottle)
}

// samplingWindow alternates between windows in which branch records are sampled and
// windows in which they are skipped.
type samplingWindow struct {
	length    int
	remaining int
	sampling  bool
	always    bool
	classLoad bool
}

func newSamplingWindow(always, classLoad bool) samplingWindow {
	length := windowBase + rand.IntN(windowJitter)
	return samplingWindow{
		length:    length,
		remaining: length,
		sampling:  true,
		always:    always,
		classLoad: classLoad,
	}
}

// next advances the window by one record and reports whether branches are sampled.
func (w *samplingWindow) next() bool {
	if w.always {
		return true
	}
	if w.remaining <= 0 {
		w.remaining = w.length
		w.sampling = !w.sampling
		if w.sampling {
			if w.classLoad {
				w.remaining >>= 2
			} else {
				w.remaining <<= 1
			}
		}
	}
	w.remaining--
	return w.sampling
}

// parseBuffer applies the records of one buffer. It is called with the shared side of
// vmAccess held.
func (p *Profiler) parseBuffer(data []byte) {
	if !p.enabled.Load() {
		return
	}
	unloaded := p.rt.UnloadedClasses()
	if unloaded >= p.cfg.ClassUnloadThreshold {
		p.stopProfiling(unloaded)
		return
	}
	if throttle(p.rt.LoadedClasses(), unloaded) == maxThrottle {
		p.throttled.Add(1)
		return
	}

	w := newSamplingWindow(p.cfg.ProfileAllTheTime, p.rt.ClassLoadPhase())
	n, err := pipeline.Decode(data, p.rt, func(r *pipeline.Record) bool {
		p.apply(r, w.next())
		return true
	})
	if err != nil {
		log.Panicf("Corrupt profiling buffer after %d records: %v", n, err)
	}
	p.recordsParsed.Add(uint64(n))
}

// sample returns the live entry of pc, creating it if needed. It returns nil if the store
// is at capacity or the entry belongs to an unloaded class.
func (p *Profiler) sample(pc libpf.Address) entry.Entry {
	e := p.store.FindOrCreate(pc)
	if e == nil || p.store.InvalidateIfInconsistent(e) {
		return nil
	}
	return e
}

// apply updates the profile with one record. Branch records are only counted inside a
// sampling window.
func (p *Profiler) apply(r *pipeline.Record, sampleBranch bool) {
	switch r.Profile {
	case bytecode.ProfileBranch:
		if !sampleBranch {
			return
		}
		if b, ok := p.sample(r.PC).(*entry.Branch); ok {
			b.Update(r.Taken)
		}
	case bytecode.ProfileSwitch:
		if s, ok := p.sample(r.PC).(*entry.Switch); ok {
			s.Update(r.Value)
		}
	case bytecode.ProfileCast:
		if c, ok := p.sample(r.PC).(*entry.CallSite); ok {
			c.Update(r.Class, 1)
		}
	case bytecode.ProfileStaticCall:
		if p.cfg.DisableFanIn {
			return
		}
		callee, ok := p.rt.ResolveCallee(r.Caller, r.PC)
		if !ok {
			return
		}
		p.fanin.Add(r.Caller, callee, uint32(r.PC-p.rt.BytecodeStart(r.Caller)))
	case bytecode.ProfileVirtualCall:
		if r.Callee != 0 && !p.cfg.DisableFanIn {
			p.fanin.Add(r.Caller, r.Callee, uint32(r.PC-p.rt.BytecodeStart(r.Caller)))
		}
		if c, ok := p.sample(r.PC).(*entry.CallSite); ok {
			c.Update(r.Class, 1)
		}
	case bytecode.ProfileAllocation:
		if !p.cfg.AllocationProfiling {
			return
		}
		if a := p.store.FindOrCreateAlloc(r.PC); a != nil {
			a.Update(r.Class, r.Caller)
		}
	}
}
