// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline moves full profiling buffers from interpreter threads to the profiling
// worker.
//
// An interpreter thread whose buffer is full calls Submit. Depending on the backlog the
// buffer is either queued for the worker, discarded, or left to the caller to parse. The
// worker parses queued buffers while holding the shared side of the VM access lock, so
// class unloading, which takes the exclusive side, never overlaps with parsing.
package pipeline // import "go.opentelemetry.io/iprofiler/pipeline"

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/tklauser/numcpus"

	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/metrics"
)

// State is the lifetime state of the profiling worker.
type State uint8

const (
	NotCreated State = iota
	Initialized
	WaitingForWork
	Stopping
	Destroyed
	Suspending
	FailedToAttach
)

var stateNames = [...]string{
	NotCreated:     "not-created",
	Initialized:    "initialized",
	WaitingForWork: "waiting-for-work",
	Stopping:       "stopping",
	Destroyed:      "destroyed",
	Suspending:     "suspending",
	FailedToAttach: "failed-to-attach",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrStarted is returned by Start if the worker was already started.
var ErrStarted = errors.New("profiling worker already started")

// Config configures a Pipeline.
type Config struct {
	// BufferSize is the size of the buffers handed to interpreter threads in exchange for
	// a queued buffer.
	BufferSize int
	// NumOutstandingBuffers is the number of queued buffers at which the pipeline stops
	// queueing.
	NumOutstandingBuffers int
	// MaxPercentageToDiscard is the share of requests that may be discarded while the
	// worker is behind.
	MaxPercentageToDiscard int
	// ActiveThreads returns the number of interpreter threads running application code.
	ActiveThreads func() int
	// Attach is called by the worker before it accepts buffers. An error leaves the worker
	// in FailedToAttach.
	Attach func() error
}

// ParseFunc parses the records of one buffer.
type ParseFunc func(data []byte)

type buffer struct {
	data        []byte
	invalidated bool
	stop        bool
}

// Pipeline is the buffer queue between interpreter threads and the profiling worker.
type Pipeline struct {
	cfg        Config
	parse      ParseFunc
	vmAccess   sync.Locker
	onlineCPUs int

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	started bool
	queue   []*buffer
	free    []*buffer
	// current is the buffer the worker is parsing.
	current *buffer
	exited  chan libpf.Void

	stopOnCancel func() bool

	// outstanding is read without the lock by Submit.
	outstanding    atomic.Int64
	requests       atomic.Uint64
	skipped        atomic.Uint64
	handedToWorker atomic.Uint64
	invalidated    atomic.Uint64
}

// New creates a pipeline whose worker parses buffers with parse while holding vmAccess.
func New(cfg Config, vmAccess sync.Locker, parse ParseFunc) *Pipeline {
	cpus, err := numcpus.GetOnline()
	if err != nil || cpus <= 0 {
		log.Debugf("Falling back to GOMAXPROCS for online CPUs: %v", err)
		cpus = runtime.GOMAXPROCS(0)
	}
	p := &Pipeline{
		cfg:        cfg,
		parse:      parse,
		vmAccess:   vmAccess,
		onlineCPUs: cpus,
		exited:     make(chan libpf.Void),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// State returns the worker state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LoadFactor is the number of active interpreter threads per online CPU.
func (p *Pipeline) LoadFactor() float64 {
	if p.cfg.ActiveThreads == nil {
		return 0
	}
	return float64(p.cfg.ActiveThreads()) / float64(p.onlineCPUs)
}

// AddRequest counts a buffer delivered by an interpreter thread, whether it is submitted
// or not.
func (p *Pipeline) AddRequest() {
	p.requests.Add(1)
}

// Submit offers the full buffer tb to the worker. It returns true if the pipeline took
// care of the buffer, either by queueing it and handing tb a fresh one, or by discarding
// its records. On false the caller parses tb itself. An empty buffer is never queued.
func (p *Pipeline) Submit(tb *ThreadBuffer) bool {
	if tb.Len() == 0 {
		return true
	}
	if p.outstanding.Load() >= int64(p.cfg.NumOutstandingBuffers) || p.LoadFactor() >= 1 {
		if 100*p.skipped.Load() >= uint64(p.cfg.MaxPercentageToDiscard)*p.requests.Load() {
			return false
		}
		p.skipped.Add(1)
		tb.Reset()
		return true
	}
	return p.post(tb)
}

func (p *Pipeline) post(tb *ThreadBuffer) bool {
	if !p.mu.TryLock() {
		// Contended. The caller parses the buffer instead of waiting.
		return false
	}
	defer p.mu.Unlock()

	if p.state != Initialized && p.state != WaitingForWork {
		return false
	}

	var b *buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		b = &buffer{data: make([]byte, p.cfg.BufferSize)}
	}
	b.data = tb.swap(b.data)
	b.invalidated = false
	p.queue = append(p.queue, b)

	p.handedToWorker.Add(1)
	p.outstanding.Add(1)
	p.cond.Broadcast()
	return true
}

// Start starts the profiling worker. The returned channel is closed once the worker exited.
// Canceling ctx stops the worker.
func (p *Pipeline) Start(ctx context.Context) (<-chan libpf.Void, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	attachErr := make(chan error, 1)
	go p.run(attachErr)
	if err := <-attachErr; err != nil {
		return nil, fmt.Errorf("failed to start profiling worker: %w", err)
	}
	stop := context.AfterFunc(ctx, p.Stop)
	p.mu.Lock()
	p.stopOnCancel = stop
	p.mu.Unlock()
	log.Infof("Profiling worker started")
	return p.exited, nil
}

func (p *Pipeline) run(attachErr chan<- error) {
	defer close(p.exited)

	var err error
	if p.cfg.Attach != nil {
		err = p.cfg.Attach()
	}
	p.mu.Lock()
	if err != nil {
		p.state = FailedToAttach
		p.cond.Broadcast()
		p.mu.Unlock()
		attachErr <- err
		return
	}
	p.state = Initialized
	p.cond.Broadcast()
	attachErr <- nil

	for {
		for p.state == Initialized && len(p.queue) == 0 {
			p.state = WaitingForWork
			p.cond.Wait()
			if p.state == WaitingForWork {
				p.state = Initialized
			}
		}

		if p.state == Stopping {
			p.discardQueued()
			break
		}
		if len(p.queue) > 0 {
			b := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			if b.stop {
				p.discardQueued()
				break
			}
			p.process(b)
			continue
		}
		if p.state == Suspending {
			p.cond.Wait()
			continue
		}
		log.Panicf("Profiling worker in invalid state %v", p.state)
	}

	p.state = Destroyed
	p.cond.Broadcast()
	p.mu.Unlock()
	log.Infof("Profiling worker stopped")
}

// process parses b. It is called with p.mu held and returns with p.mu held.
func (p *Pipeline) process(b *buffer) {
	if len(b.data) == 0 {
		log.Panicf("Empty profiling buffer in the worker queue")
	}
	p.current = b
	p.mu.Unlock()

	p.vmAccess.Lock()
	if b.invalidated {
		p.invalidated.Add(1)
	} else {
		p.parse(b.data)
	}
	p.vmAccess.Unlock()

	p.mu.Lock()
	p.current = nil
	// Invalidate may have discarded the queue while b was parsed, b was not part of it.
	p.free = append(p.free, b)
	p.outstanding.Add(-1)
}

// discardQueued moves every queued buffer to the free list. Called with p.mu held.
func (p *Pipeline) discardQueued() {
	for _, b := range p.queue {
		if b.stop {
			continue
		}
		p.free = append(p.free, b)
		p.outstanding.Add(-1)
		p.invalidated.Add(1)
	}
	clear(p.queue)
	p.queue = p.queue[:0]
}

// Stop stops the worker and waits for it to exit. Buffers still queued are dropped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopOnCancel != nil {
		p.stopOnCancel()
		p.stopOnCancel = nil
	}
	switch p.state {
	case NotCreated, Destroyed, FailedToAttach:
		return
	}
	p.state = Stopping
	p.queue = append(p.queue, &buffer{stop: true})
	for p.state != Destroyed {
		p.cond.Broadcast()
		p.cond.Wait()
	}
}

// Suspend keeps the worker from taking new buffers until Resume. Queued buffers are still
// parsed.
func (p *Pipeline) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Initialized || p.state == WaitingForWork {
		p.state = Suspending
		p.cond.Broadcast()
	}
}

// Resume undoes Suspend.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Suspending {
		p.state = Initialized
		p.cond.Broadcast()
	}
}

// Invalidate drops every queued buffer and marks the buffer being parsed as invalid. It
// must be called with the exclusive side of the VM access lock held, which guarantees that
// the buffer being parsed, if any, was not started yet.
func (p *Pipeline) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.invalidated = true
	}
	p.discardQueued()
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Requests       uint64
	Skipped        uint64
	HandedToWorker uint64
	Invalidated    uint64
	Outstanding    int64
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Requests:       p.requests.Load(),
		Skipped:        p.skipped.Load(),
		HandedToWorker: p.handedToWorker.Load(),
		Invalidated:    p.invalidated.Load(),
		Outstanding:    p.outstanding.Load(),
	}
}

// CollectMetrics reports the pipeline metrics with counters as deltas to prev.
func (p *Pipeline) CollectMetrics(prev *Stats) {
	cur := p.Stats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDBufferRequests, Value: metrics.MetricValue(cur.Requests - prev.Requests)},
		{ID: metrics.IDBufferSkipped, Value: metrics.MetricValue(cur.Skipped - prev.Skipped)},
		{ID: metrics.IDBufferHandedToWorker,
			Value: metrics.MetricValue(cur.HandedToWorker - prev.HandedToWorker)},
		{ID: metrics.IDBufferInvalidated,
			Value: metrics.MetricValue(cur.Invalidated - prev.Invalidated)},
		{ID: metrics.IDBufferOutstanding, Value: metrics.MetricValue(cur.Outstanding)},
	})
	*prev = cur
}
