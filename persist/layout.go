// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package persist writes the profile entries of a method into the shared cache and reads
// them back in a later process.
//
// # Blob format
//
// The entries of a method form a balanced binary search tree keyed by the offset of the
// PC from the cache base. Nodes are laid out in pre-order: every node is followed by its
// left subtree and then by its right subtree. All fields are little endian.
//
// >>> pc: u32                 # PC offset from the cache base
// >>> left: u16               # offset of the left child from this node, 0 if none
// >>> id: u8                  # payload layout
// >>> flags: u8
// >>> right: u32              # offset of the right child from this node, 0 if none
// >>> payload:
// >>>   FourBytes:  counter: u32
// >>>   EightWords: segments: [4]u64
// >>>   CallGraph:  class_chain: u64, loader_chain: u64, weight: u16, residue: u16
//
// Offsets are relative so the blob can be copied anywhere.
package persist // import "go.opentelemetry.io/iprofiler/persist"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/iprofiler/entry"
)

// HeaderSize is the size of the node header preceding every payload.
const HeaderSize = 12

// StorageID identifies the payload layout of a node.
type StorageID uint8

const (
	FourBytes  StorageID = 1
	EightWords StorageID = 2
	CallGraph  StorageID = 3
)

// ErrCorrupt is returned if a blob does not decode to a well formed tree.
var ErrCorrupt = errors.New("corrupt profile blob")

func (id StorageID) String() string {
	switch id {
	case FourBytes:
		return "four-bytes"
	case EightWords:
		return "eight-words"
	case CallGraph:
		return "call-graph"
	default:
		return fmt.Sprintf("storage(%d)", uint8(id))
	}
}

// StorageIDOf returns the layout entries of kind k are persisted with, or 0 if they are
// never persisted.
func StorageIDOf(k entry.Kind) StorageID {
	switch k {
	case entry.KindBranch:
		return FourBytes
	case entry.KindSwitch:
		return EightWords
	case entry.KindCallSite:
		return CallGraph
	default:
		return 0
	}
}

func (id StorageID) payloadSize() int {
	switch id {
	case FourBytes:
		return 4
	case EightWords:
		return 8 * entry.SwitchDataCount
	case CallGraph:
		return 8 + 8 + 2 + 2
	default:
		return 0
	}
}

// Footprint returns the number of bytes a node of this layout takes.
func (id StorageID) Footprint() int {
	return HeaderSize + id.payloadSize()
}

// Node is the decoded header of a persisted entry.
type Node struct {
	PC    uint32
	ID    StorageID
	Flags uint8

	left, right uint32
	payload     []byte
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		log.Panicf(format, args...)
	}
}

func putHeader(buf []byte, pc uint32, id StorageID) {
	binary.LittleEndian.PutUint32(buf[0:], pc)
	binary.LittleEndian.PutUint16(buf[4:], 0)
	buf[6] = uint8(id)
	buf[7] = 0
	binary.LittleEndian.PutUint32(buf[8:], 0)
}

func readNode(blob []byte, off int) (Node, error) {
	if off < 0 || off+HeaderSize > len(blob) {
		return Node{}, fmt.Errorf("%w: node at %d outside of %d bytes", ErrCorrupt, off, len(blob))
	}
	b := blob[off:]
	n := Node{
		PC:    binary.LittleEndian.Uint32(b[0:]),
		left:  uint32(binary.LittleEndian.Uint16(b[4:])),
		ID:    StorageID(b[6]),
		Flags: b[7],
		right: binary.LittleEndian.Uint32(b[8:]),
	}
	size := n.ID.payloadSize()
	if size == 0 {
		return Node{}, fmt.Errorf("%w: unknown storage id %d at %d", ErrCorrupt, n.ID, off)
	}
	if HeaderSize+size > len(b) {
		return Node{}, fmt.Errorf("%w: %s payload at %d truncated", ErrCorrupt, n.ID, off)
	}
	n.payload = b[HeaderSize : HeaderSize+size]
	return n, nil
}

// Search looks up the node of pcOffset in the tree rooted at the start of blob.
func Search(blob []byte, pcOffset uint32) (Node, bool, error) {
	off := 0
	for {
		n, err := readNode(blob, off)
		if err != nil {
			return Node{}, false, err
		}
		var child uint32
		switch {
		case pcOffset == n.PC:
			return n, true, nil
		case pcOffset < n.PC:
			child = n.left
		default:
			child = n.right
		}
		if child == 0 {
			return Node{}, false, nil
		}
		off += int(child)
	}
}

// item is an entry selected for persistence together with its encoded form.
type item struct {
	pc      uint32
	id      StorageID
	encode  func(payload []byte)
	release func()
}

// build writes the subtree of items[lo..hi] to buf and returns the number of bytes written.
func build(items []item, lo, hi int, buf []byte) int {
	if hi < lo {
		return 0
	}
	mid := (lo + hi) / 2
	it := &items[mid]
	size := it.id.Footprint()
	putHeader(buf, it.pc, it.id)
	it.encode(buf[HeaderSize:size])

	left := build(items, lo, mid-1, buf[size:])
	if left != 0 {
		assert(size <= math.MaxUint16, "Left child of %#x too far away (%d bytes)", it.pc, size)
		binary.LittleEndian.PutUint16(buf[4:], uint16(size))
	}
	right := build(items, mid+1, hi, buf[size+left:])
	if right != 0 {
		assert(uint64(size+left) <= math.MaxUint32, "Right child of %#x too far away (%d bytes)",
			it.pc, size+left)
		binary.LittleEndian.PutUint32(buf[8:], uint32(size+left))
	}
	return size + left + right
}

// encodeTree builds the blob of items, which must be sorted by PC.
func encodeTree(items []item) []byte {
	footprint := 0
	for i := range items {
		footprint += items[i].id.Footprint()
	}
	buf := make([]byte, footprint)
	n := build(items, 0, len(items)-1, buf)
	assert(n == footprint, "Profile tree is %d bytes, expected %d", n, footprint)
	return buf
}

func encodeBranch(b *entry.Branch) func([]byte) {
	raw := b.Raw()
	return func(p []byte) {
		binary.LittleEndian.PutUint32(p, raw)
	}
}

func decodeBranch(n Node, b *entry.Branch) {
	b.SetRaw(binary.LittleEndian.Uint32(n.payload))
}

func encodeSwitch(s *entry.Switch) func([]byte) {
	segs := s.Raw()
	return func(p []byte) {
		for i, seg := range segs {
			binary.LittleEndian.PutUint64(p[8*i:], seg)
		}
	}
}

func decodeSwitch(n Node, s *entry.Switch) {
	var segs [entry.SwitchDataCount]uint64
	for i := range segs {
		segs[i] = binary.LittleEndian.Uint64(n.payload[8*i:])
	}
	s.SetRaw(segs)
}

// callGraph is the persisted form of a call-site entry: the dominant class only, with the
// weight of every other observation folded into the residue.
type callGraph struct {
	classChain  uint64
	loaderChain uint64
	weight      uint16
	residue     uint16
}

func (cg callGraph) encode(p []byte) {
	binary.LittleEndian.PutUint64(p[0:], cg.classChain)
	binary.LittleEndian.PutUint64(p[8:], cg.loaderChain)
	binary.LittleEndian.PutUint16(p[16:], cg.weight)
	binary.LittleEndian.PutUint16(p[18:], cg.residue)
}

func decodeCallGraph(n Node) callGraph {
	return callGraph{
		classChain:  binary.LittleEndian.Uint64(n.payload[0:]),
		loaderChain: binary.LittleEndian.Uint64(n.payload[8:]),
		weight:      binary.LittleEndian.Uint16(n.payload[16:]),
		residue:     binary.LittleEndian.Uint16(n.payload[18:]),
	}
}
