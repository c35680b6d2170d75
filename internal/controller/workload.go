// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/iprofiler/internal/controller"

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/internal/simvm"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/vm"
)

// Workload describes a program and the profiling records every interpreter thread emits
// while running it.
type Workload struct {
	Classes []ClassDef  `toml:"class"`
	Methods []MethodDef `toml:"method"`
	Records []RecordDef `toml:"record"`
	// Unload lists classes unloaded after the replay.
	Unload []string `toml:"unload"`
}

// ClassDef defines a class.
type ClassDef struct {
	Name   string `toml:"name"`
	Loader string `toml:"loader"`
	// Shared places the class and the bytecode of its methods in the shared cache.
	Shared bool `toml:"shared"`
}

// MethodDef defines a method by its instruction mnemonics.
type MethodDef struct {
	Class string   `toml:"class"`
	Name  string   `toml:"name"`
	Ops   []string `toml:"ops"`
}

// RecordDef describes the records of one instruction. Patterns are cycled.
type RecordDef struct {
	// Method is the "Class.name" of the executing method.
	Method string `toml:"method"`
	// Index is the position of the instruction in the method.
	Index int `toml:"index"`
	// Count is the number of records per thread.
	Count int `toml:"count"`

	Taken   []bool   `toml:"taken"`
	Values  []uint32 `toml:"values"`
	Classes []string `toml:"classes"`
	// Callee is the "Class.name" of the called method.
	Callee string `toml:"callee"`
}

// ErrInvalidWorkload is returned for workloads referring to undefined classes, methods or
// instructions.
var ErrInvalidWorkload = errors.New("invalid workload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWorkload, fmt.Sprintf(format, args...))
}

// LoadWorkload reads a TOML workload description.
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return ParseWorkload(data)
}

// ParseWorkload decodes a TOML workload description.
func ParseWorkload(data []byte) (*Workload, error) {
	var w Workload
	if err := toml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkload, err)
	}
	for i := range w.Classes {
		if w.Classes[i].Loader == "" {
			w.Classes[i].Loader = "app"
		}
	}
	return &w, nil
}

// record is a resolved RecordDef.
type record struct {
	def     *RecordDef
	method  *simvm.Method
	op      bytecode.Opcode
	pc      libpf.Address
	bci     uint32
	classes []vm.Class
	callee  vm.Method
}

// program is a workload defined in a runtime.
type program struct {
	rt         *simvm.Runtime
	classes    map[string]vm.Class
	classNames map[vm.Class]string
	methods    map[string]*simvm.Method
	// order keeps the methods in definition order.
	order   []*simvm.Method
	records []record
}

func (p *program) className(c vm.Class) string {
	if name, ok := p.classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%#x", uint64(c))
}

// build defines the workload in rt.
func (w *Workload) build(rt *simvm.Runtime) (*program, error) {
	prog := &program{
		rt:         rt,
		classes:    make(map[string]vm.Class, len(w.Classes)),
		classNames: make(map[vm.Class]string, len(w.Classes)),
		methods:    make(map[string]*simvm.Method, len(w.Methods)),
	}
	for _, cs := range w.Classes {
		c, err := rt.DefineClass(cs.Name, cs.Loader, cs.Shared)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", cs.Name, err)
		}
		prog.classes[cs.Name] = c
		prog.classNames[c] = cs.Name
	}

	for _, ms := range w.Methods {
		c, ok := prog.classes[ms.Class]
		if !ok {
			return nil, invalid("method %s of undefined class %s", ms.Name, ms.Class)
		}
		ops := make([]bytecode.Opcode, 0, len(ms.Ops))
		for _, name := range ms.Ops {
			op, ok := bytecode.ParseOpcode(name)
			if !ok {
				return nil, invalid("method %s.%s: unknown opcode %q", ms.Class, ms.Name, name)
			}
			ops = append(ops, op)
		}
		m, err := rt.DefineMethod(c, ms.Name, ops)
		if err != nil {
			return nil, fmt.Errorf("method %s.%s: %w", ms.Class, ms.Name, err)
		}
		prog.methods[ms.Class+"."+ms.Name] = m
		prog.order = append(prog.order, m)
	}

	for i := range w.Records {
		r, err := prog.resolve(&w.Records[i])
		if err != nil {
			return nil, err
		}
		prog.records = append(prog.records, r)
	}
	return prog, nil
}

func (p *program) resolve(def *RecordDef) (record, error) {
	m, ok := p.methods[def.Method]
	if !ok {
		return record{}, invalid("record of undefined method %s", def.Method)
	}
	if def.Index < 0 || def.Index >= len(m.BCIs) {
		return record{}, invalid("%s has no instruction %d", def.Method, def.Index)
	}
	bci := m.BCI(def.Index)
	r := record{
		def:    def,
		method: m,
		op:     bytecode.Opcode(m.Code[bci]),
		pc:     m.PC(bci),
		bci:    bci,
	}
	for _, name := range def.Classes {
		c, ok := p.classes[name]
		if !ok {
			return record{}, invalid("%s: undefined class %s", def.Method, name)
		}
		r.classes = append(r.classes, c)
	}
	if def.Callee != "" {
		callee, ok := p.methods[def.Callee]
		if !ok {
			return record{}, invalid("%s: undefined callee %s", def.Method, def.Callee)
		}
		r.callee = callee.ID
	}

	switch r.op.Profile() {
	case bytecode.ProfileNone:
		return record{}, invalid("%s: %v is not profiled", def.Method, r.op)
	case bytecode.ProfileBranch:
		if len(def.Taken) == 0 {
			return record{}, invalid("%s: branch records need a taken pattern", def.Method)
		}
	case bytecode.ProfileSwitch:
		if len(def.Values) == 0 {
			return record{}, invalid("%s: switch records need values", def.Method)
		}
	case bytecode.ProfileCast, bytecode.ProfileVirtualCall, bytecode.ProfileAllocation:
		if len(r.classes) == 0 {
			return record{}, invalid("%s: %v records need classes", def.Method, r.op)
		}
	case bytecode.ProfileStaticCall:
		if r.callee == 0 {
			return record{}, invalid("%s: direct calls need a callee", def.Method)
		}
		p.rt.DefineCall(m, bci, r.callee)
	}
	return r, nil
}
