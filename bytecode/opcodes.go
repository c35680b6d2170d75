// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package bytecode describes the subset of the bytecode instruction set that the
// interpreter reports profiling records for.
package bytecode // import "go.opentelemetry.io/iprofiler/bytecode"

import "fmt"

// Opcode is the leading byte of an instruction.
type Opcode uint8

// Profiled opcodes. Values follow the JVM specification; the three runtime-internal
// rewritten forms live in the implementation-reserved range.
const (
	Nop            Opcode = 0x00
	IfEq           Opcode = 0x99
	IfNe           Opcode = 0x9a
	IfLt           Opcode = 0x9b
	IfGe           Opcode = 0x9c
	IfGt           Opcode = 0x9d
	IfLe           Opcode = 0x9e
	IfICmpEq       Opcode = 0x9f
	IfICmpNe       Opcode = 0xa0
	IfICmpLt       Opcode = 0xa1
	IfICmpGe       Opcode = 0xa2
	IfICmpGt       Opcode = 0xa3
	IfICmpLe       Opcode = 0xa4
	IfACmpEq       Opcode = 0xa5
	IfACmpNe       Opcode = 0xa6
	TableSwitch    Opcode = 0xaa
	LookupSwitch   Opcode = 0xab
	InvokeVirtual  Opcode = 0xb6
	InvokeSpecial  Opcode = 0xb7
	InvokeStatic   Opcode = 0xb8
	InvokeIface    Opcode = 0xb9
	New            Opcode = 0xbb
	NewArray       Opcode = 0xbc
	ANewArray      Opcode = 0xbd
	CheckCast      Opcode = 0xc0
	InstanceOf     Opcode = 0xc1
	IfNull         Opcode = 0xc6
	IfNonNull      Opcode = 0xc7
	InvokeIface2   Opcode = 0xe7
	InvokeStaticSp Opcode = 0xe8
	InvokeSpecSp   Opcode = 0xe9
)

// PointerSize is the width of a PC, class or method pointer inside a profiling record.
const PointerSize = 8

// Profile classifies what an interpreter record for an opcode carries.
type Profile uint8

const (
	// ProfileNone marks opcodes that never appear in profiling records.
	ProfileNone Profile = iota
	// ProfileBranch records carry one byte: non-zero when the branch was taken.
	ProfileBranch
	// ProfileSwitch records carry the 4-byte case value.
	ProfileSwitch
	// ProfileCast records carry the class of the checked object.
	ProfileCast
	// ProfileStaticCall records carry the caller method. They only feed the fan-in table.
	ProfileStaticCall
	// ProfileVirtualCall records carry receiver class, caller and callee.
	ProfileVirtualCall
	// ProfileAllocation records carry the allocated class and the allocating method.
	ProfileAllocation
)

var profileNames = map[Profile]string{
	ProfileNone:        "none",
	ProfileBranch:      "branch",
	ProfileSwitch:      "switch",
	ProfileCast:        "cast",
	ProfileStaticCall:  "static-call",
	ProfileVirtualCall: "virtual-call",
	ProfileAllocation:  "allocation",
}

func (p Profile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}
	return fmt.Sprintf("profile(%d)", uint8(p))
}

// PayloadSize returns the number of bytes following the PC in a record of this profile.
func (p Profile) PayloadSize() int {
	switch p {
	case ProfileBranch:
		return 1
	case ProfileSwitch:
		return 4
	case ProfileCast, ProfileStaticCall:
		return PointerSize
	case ProfileVirtualCall:
		return 3 * PointerSize
	case ProfileAllocation:
		return 2 * PointerSize
	default:
		return 0
	}
}

// Profile returns the record classification of the opcode.
func (op Opcode) Profile() Profile {
	switch op {
	case IfEq, IfNe, IfLt, IfGe, IfGt, IfLe,
		IfICmpEq, IfICmpNe, IfICmpLt, IfICmpGe, IfICmpGt, IfICmpLe,
		IfACmpEq, IfACmpNe, IfNull, IfNonNull:
		return ProfileBranch
	case TableSwitch, LookupSwitch:
		return ProfileSwitch
	case CheckCast, InstanceOf:
		return ProfileCast
	case InvokeStatic, InvokeSpecial, InvokeStaticSp, InvokeSpecSp:
		return ProfileStaticCall
	case InvokeVirtual, InvokeIface, InvokeIface2:
		return ProfileVirtualCall
	case New, NewArray, ANewArray:
		return ProfileAllocation
	default:
		return ProfileNone
	}
}

// IsStaticOrSpecial reports whether the opcode is a direct call that the interpreter
// does not track receiver types for.
func (op Opcode) IsStaticOrSpecial() bool {
	return op.Profile() == ProfileStaticCall
}

// IsInterface reports whether the opcode is the interface call the interpreter queries on.
func (op Opcode) IsInterface() bool {
	return op == InvokeIface
}

// IsInterface2 reports whether the opcode is the rewritten interface prefix that owns the
// profiling record of the following invokeinterface.
func (op Opcode) IsInterface2() bool {
	return op == InvokeIface2
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%#x)", uint8(op))
}

// ParseOpcode returns the opcode with the given mnemonic.
func ParseOpcode(name string) (Opcode, bool) {
	for op, n := range opcodeNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

var opcodeNames = map[Opcode]string{
	Nop:            "nop",
	IfEq:           "ifeq",
	IfNe:           "ifne",
	IfLt:           "iflt",
	IfGe:           "ifge",
	IfGt:           "ifgt",
	IfLe:           "ifle",
	IfICmpEq:       "if_icmpeq",
	IfICmpNe:       "if_icmpne",
	IfICmpLt:       "if_icmplt",
	IfICmpGe:       "if_icmpge",
	IfICmpGt:       "if_icmpgt",
	IfICmpLe:       "if_icmple",
	IfACmpEq:       "if_acmpeq",
	IfACmpNe:       "if_acmpne",
	TableSwitch:    "tableswitch",
	LookupSwitch:   "lookupswitch",
	InvokeVirtual:  "invokevirtual",
	InvokeSpecial:  "invokespecial",
	InvokeStatic:   "invokestatic",
	InvokeIface:    "invokeinterface",
	New:            "new",
	NewArray:       "newarray",
	ANewArray:      "anewarray",
	CheckCast:      "checkcast",
	InstanceOf:     "instanceof",
	IfNull:         "ifnull",
	IfNonNull:      "ifnonnull",
	InvokeIface2:   "invokeinterface2",
	InvokeStaticSp: "invokestaticsplit",
	InvokeSpecSp:   "invokespecialsplit",
}
