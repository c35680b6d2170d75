// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package simvm // import "go.opentelemetry.io/iprofiler/internal/simvm"

import "go.opentelemetry.io/iprofiler/bytecode"

// Length returns the encoded length of op in the simulated instruction set, or 0 for
// opcodes it does not know. Switches use a fixed 4 byte form. An invokeinterface2 is a
// two byte prefix of the invokeinterface that follows it.
func Length(op bytecode.Opcode) int {
	switch op {
	case bytecode.Nop:
		return 1
	case bytecode.NewArray, bytecode.InvokeIface2:
		return 2
	case bytecode.TableSwitch, bytecode.LookupSwitch:
		return 4
	case bytecode.InvokeIface:
		return 5
	}
	switch op.Profile() {
	case bytecode.ProfileBranch, bytecode.ProfileCast, bytecode.ProfileStaticCall,
		bytecode.ProfileVirtualCall, bytecode.ProfileAllocation:
		return 3
	default:
		return 0
	}
}
