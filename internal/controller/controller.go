// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller replays a workload through the interpreter profiler. It defines the
// workload in a simulated runtime, runs interpreter threads that emit the described
// records, reports what the profiler answers for every profiled instruction and persists
// the profiles into the shared cache snapshot.
package controller // import "go.opentelemetry.io/iprofiler/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/internal/simvm"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/pipeline"
	"go.opentelemetry.io/iprofiler/profiler"
	"go.opentelemetry.io/iprofiler/sharedcache"
)

// drainPollInterval is how often Run checks whether the profiling worker caught up.
const drainPollInterval = 10 * time.Millisecond

// Controller is an instance that replays one workload.
type Controller struct {
	config *Config
	output io.Writer

	workload *Workload
	rt       *simvm.Runtime
	cache    *sharedcache.Memory
	prog     *program
	prof     *profiler.Profiler
}

// New creates a new controller.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config: cfg,
		output: os.Stdout,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Start loads the workload and the shared cache snapshot and creates the profiler.
// The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	workload, err := LoadWorkload(c.config.WorkloadFile)
	if err != nil {
		return withExitCode(err, exitParseError)
	}
	c.workload = workload

	base := libpf.Address(c.config.CacheBase)
	c.rt = simvm.New(base, c.config.CacheSize)
	c.cache = sharedcache.NewMemory(base, c.config.CacheSize, c.config.CacheCapacity)
	if err = c.loadCache(); err != nil {
		return err
	}

	c.prog, err = workload.build(c.rt)
	if err != nil {
		if errors.Is(err, ErrInvalidWorkload) {
			return withExitCode(err, exitParseError)
		}
		return fmt.Errorf("failed to define workload: %w", err)
	}
	log.Debugf("Defined %d classes and %d methods", len(c.prog.classes), len(c.prog.order))

	c.prof, err = profiler.New(ctx, c.config.Config, c.rt, c.cache)
	if err != nil {
		return fmt.Errorf("failed to create profiler: %w", err)
	}
	return nil
}

func (c *Controller) loadCache() error {
	path := c.config.CacheFile
	if path == "" {
		return nil
	}
	err := c.cache.LoadFile(path)
	switch {
	case err == nil:
		log.Debugf("Shared cache %s uses %d bytes", c.cache.ID(), c.cache.Stats().Used)
	case errors.Is(err, os.ErrNotExist):
		log.Infof("No shared cache at %s, starting with an empty one", path)
	case errors.Is(err, sharedcache.ErrBadSnapshot), errors.Is(err, sharedcache.ErrIncompatible):
		log.Warnf("Ignoring shared cache %s: %v", path, err)
	default:
		return fmt.Errorf("failed to load shared cache: %w", err)
	}
	return nil
}

// Run replays the workload on the configured number of interpreter threads and waits
// until the profiler consumed every record. Classes listed for unloading are unloaded
// afterwards.
func (c *Controller) Run(ctx context.Context) error {
	c.rt.SetActiveThreads(c.config.Threads)
	g, gctx := errgroup.WithContext(ctx)
	for range c.config.Threads {
		g.Go(func() error {
			return c.interpret(gctx)
		})
	}
	err := g.Wait()
	c.rt.SetActiveThreads(0)
	if err != nil {
		return err
	}
	if err = c.drain(ctx); err != nil {
		return err
	}

	for _, name := range c.workload.Unload {
		class, ok := c.prog.classes[name]
		if !ok {
			return withExitCode(invalid("cannot unload undefined class %s", name),
				exitParseError)
		}
		c.prof.NotifyClassUnloading(func() { c.rt.UnloadClass(class) })
		log.Infof("Unloaded class %s", name)
	}
	return nil
}

// interpret emits the records of the workload from one thread. Records of different
// instructions are interleaved round by round.
func (c *Controller) interpret(ctx context.Context) error {
	tb := pipeline.NewThreadBuffer(c.config.BufferSize)
	rounds := 0
	for i := range c.prog.records {
		rounds = max(rounds, c.prog.records[i].def.Count)
	}

	for round := range rounds {
		if round%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for i := range c.prog.records {
			r := &c.prog.records[i]
			if round >= r.def.Count {
				continue
			}
			if write(tb, r, round) {
				continue
			}
			c.prof.ProcessBuffer(tb)
			if !write(tb, r, round) {
				return fmt.Errorf("%v record does not fit into an empty buffer", r.op)
			}
		}
	}
	if tb.Len() > 0 {
		c.prof.ProcessBuffer(tb)
	}
	return nil
}

// write appends the n-th record of r to tb.
func write(tb *pipeline.ThreadBuffer, r *record, n int) bool {
	switch r.op.Profile() {
	case bytecode.ProfileBranch:
		return tb.Branch(r.pc, r.def.Taken[n%len(r.def.Taken)])
	case bytecode.ProfileSwitch:
		return tb.Switch(r.pc, r.def.Values[n%len(r.def.Values)])
	case bytecode.ProfileCast:
		return tb.Cast(r.pc, r.classes[n%len(r.classes)])
	case bytecode.ProfileStaticCall:
		return tb.StaticCall(r.pc, r.method.ID)
	case bytecode.ProfileVirtualCall:
		return tb.VirtualCall(r.pc, r.classes[n%len(r.classes)], r.method.ID, r.callee)
	case bytecode.ProfileAllocation:
		return tb.Alloc(r.pc, r.classes[n%len(r.classes)], r.method.ID)
	}
	return false
}

// drain waits until the profiling worker parsed every queued buffer.
func (c *Controller) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for c.prof.Stats().Pipeline.Outstanding > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Report writes the profile of every instruction of the workload.
func (c *Controller) Report() {
	seen := libpf.Set[libpf.Address]{}
	for i := range c.prog.records {
		r := &c.prog.records[i]
		if _, ok := seen[r.pc]; ok {
			continue
		}
		seen[r.pc] = libpf.Void{}
		if line, ok := c.describe(r); ok {
			fmt.Fprintf(c.output, "%s@%d %v: %s\n", r.def.Method, r.bci, r.op, line)
		}
	}
}

func (c *Controller) describe(r *record) (string, bool) {
	const noData = "no data"
	m, bci := r.method.ID, r.bci
	switch r.op.Profile() {
	case bytecode.ProfileBranch:
		taken, notTaken, ok := c.prof.GetBranchCounters(m, bci)
		if !ok {
			return noData, true
		}
		return fmt.Sprintf("taken=%d not-taken=%d", taken, notTaken), true
	case bytecode.ProfileSwitch:
		sum := c.prof.GetSumSwitchCount(m, bci)
		if sum == 0 {
			return noData, true
		}
		values := slices.Clone(r.def.Values)
		slices.Sort(values)
		var sb strings.Builder
		fmt.Fprintf(&sb, "sum=%d", sum)
		for _, v := range slices.Compact(values) {
			fmt.Fprintf(&sb, " %d=%d", v, c.prof.GetSwitchCountForValue(m, bci, v))
		}
		return sb.String(), true
	case bytecode.ProfileCast, bytecode.ProfileVirtualCall:
		data, ok := c.prof.GetCallGraphData(m, bci)
		if !ok {
			return noData, true
		}
		var sb strings.Builder
		for _, slot := range data.Slots {
			if slot.Weight != 0 {
				fmt.Fprintf(&sb, "%s=%d ", c.prog.className(slot.Class), slot.Weight)
			}
		}
		fmt.Fprintf(&sb, "residue=%d total=%d", data.Residue, data.SumWeight())
		if class, ok := c.prof.GetDominantClass(m, bci); ok {
			fmt.Fprintf(&sb, " dominant=%s", c.prog.className(class))
		}
		if r.callee != 0 {
			count, weight, _ := c.prof.GetFaninInfo(r.callee)
			fmt.Fprintf(&sb, " callee-callers=%d callee-calls=%d", count, weight)
		}
		return sb.String(), true
	case bytecode.ProfileStaticCall:
		return fmt.Sprintf("calls=%d", c.prof.GetCallCount(r.callee, m, bci)), true
	}
	return "", false
}

// Shutdown persists the profiles, stops the profiler and writes the shared cache snapshot.
func (c *Controller) Shutdown() error {
	if c.prof == nil {
		return nil
	}
	log.Info("Stop processing ...")

	var err error
	if c.config.PersistAll {
		err = c.prof.PersistAll()
	} else {
		for _, m := range c.prog.order {
			outcome, perr := c.prof.PersistMethod(m.ID)
			log.Debugf("Persisting %s: %v", m.Name, outcome)
			err = multierr.Append(err, perr)
		}
	}
	err = multierr.Append(err, c.prof.Close())

	stats := c.prof.Stats()
	log.Infof("Parsed %d records from %d buffers, persisted %d methods (%d entries)",
		stats.RecordsParsed, stats.Pipeline.Requests, stats.Writer.Methods,
		stats.Writer.Entries)

	if path := c.config.CacheFile; path != "" {
		if serr := c.cache.SaveFile(path); serr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to save shared cache: %w", serr))
		}
	}
	return err
}
