// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package simvm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/iprofiler/bytecode"
	"go.opentelemetry.io/iprofiler/internal/simvm"
	"go.opentelemetry.io/iprofiler/libpf"
	"go.opentelemetry.io/iprofiler/vm"
)

func TestAssemble(t *testing.T) {
	code, bcis, err := simvm.Assemble([]bytecode.Opcode{
		bytecode.IfEq, bytecode.TableSwitch, bytecode.InvokeIface2, bytecode.InvokeIface,
		bytecode.NewArray, bytecode.Nop,
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 3, 7, 9, 14, 16}, bcis)
	assert.Len(t, code, 17)
	assert.Equal(t, byte(bytecode.InvokeIface), code[9])

	_, _, err = simvm.Assemble([]bytecode.Opcode{0x01})
	require.ErrorIs(t, err, simvm.ErrUnknownOpcode)
}

func TestLayoutIsDeterministic(t *testing.T) {
	define := func(base libpf.Address) (*simvm.Runtime, *simvm.Method, vm.Class) {
		rt := simvm.New(base, 0x10000)
		c, err := rt.DefineClass("Foo", "app", true)
		require.NoError(t, err)
		m, err := rt.DefineMethod(c, "run", []bytecode.Opcode{bytecode.IfNull, bytecode.CheckCast})
		require.NoError(t, err)
		return rt, m, c
	}
	rt1, m1, c1 := define(0x100000)
	rt2, m2, c2 := define(0x900000)

	assert.Equal(t, m1.Start-0x100000, m2.Start-0x900000)
	chain1, ok := rt1.ClassChainOffset(c1)
	require.True(t, ok)
	chain2, ok := rt2.ClassChainOffset(c2)
	require.True(t, ok)
	assert.Equal(t, chain1, chain2)

	loader, ok := rt2.LoaderChainOffset(c2)
	require.True(t, ok)
	got, ok := rt2.ClassFromChain(chain1, loader)
	require.True(t, ok)
	assert.Equal(t, c2, got)
}

func TestRuntime(t *testing.T) {
	rt := simvm.New(0x100000, 0x1000)
	shared, err := rt.DefineClass("Shared", "app", true)
	require.NoError(t, err)
	private, err := rt.DefineClass("Private", "app", false)
	require.NoError(t, err)
	_, err = rt.DefineClass("Shared", "app", true)
	require.ErrorIs(t, err, simvm.ErrDuplicate)

	callee, err := rt.DefineMethod(private, "callee", []bytecode.Opcode{bytecode.Nop})
	require.NoError(t, err)
	caller, err := rt.DefineMethod(shared, "caller",
		[]bytecode.Opcode{bytecode.InvokeStatic, bytecode.IfEq})
	require.NoError(t, err)
	rt.DefineCall(caller, caller.BCI(0), callee.ID)

	t.Run("code", func(t *testing.T) {
		op, ok := rt.Opcode(caller.PC(caller.BCI(1)))
		require.True(t, ok)
		assert.Equal(t, bytecode.IfEq, op)
		_, ok = rt.Opcode(0x42)
		assert.False(t, ok)

		m, ok := rt.MethodOfPC(caller.PC(4))
		require.True(t, ok)
		assert.Equal(t, caller.ID, m)
		assert.Equal(t, uint32(6), rt.BytecodeSize(caller.ID))
		assert.Equal(t, []uint32{0, 3}, rt.InstructionBCIs(caller.ID))
		assert.Equal(t, caller.Start, rt.BytecodeStart(caller.ID))
		assert.Equal(t, shared, rt.ClassOfMethod(caller.ID))

		got, ok := rt.ResolveCallee(caller.ID, caller.PC(0))
		require.True(t, ok)
		assert.Equal(t, callee.ID, got)

		byName, ok := rt.Lookup("app/Shared.caller")
		require.True(t, ok)
		assert.Equal(t, caller, byName)
	})

	t.Run("regions", func(t *testing.T) {
		base, size := rt.CacheRegion()
		assert.GreaterOrEqual(t, caller.Start, base)
		assert.Less(t, uint64(caller.Start-base), size)
		assert.Greater(t, callee.Start, base+libpf.Address(size))

		_, ok := rt.ClassChainOffset(private)
		assert.False(t, ok)
	})

	t.Run("unloading", func(t *testing.T) {
		assert.False(t, rt.IsUnloadedPC(caller.PC(0)))
		rt.UnloadClass(shared)
		rt.UnloadClass(shared)
		assert.True(t, rt.IsUnloadedPC(caller.PC(0)))
		assert.True(t, rt.IsUnloaded(shared))
		assert.Equal(t, 1, rt.UnloadedClasses())
		assert.Equal(t, 2, rt.LoadedClasses())
	})

	t.Run("region full", func(t *testing.T) {
		small := simvm.New(0x100000, 0x140)
		_, err := small.DefineClass("A", "app", true)
		require.NoError(t, err)
		_, err = small.DefineClass("B", "app", true)
		require.ErrorIs(t, err, simvm.ErrRegionFull)
	})
}
