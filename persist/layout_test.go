// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"encoding/binary"
	"testing"

	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterItems(pcs ...uint32) []item {
	items := make([]item, 0, len(pcs))
	for _, pc := range pcs {
		items = append(items, item{
			pc: pc,
			id: FourBytes,
			encode: func(p []byte) {
				binary.LittleEndian.PutUint32(p, pc*10)
			},
			release: func() {},
		})
	}
	return items
}

func TestEncodeTree(t *testing.T) {
	pcs := []uint32{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70}
	blob := encodeTree(counterItems(pcs...))
	require.Len(t, blob, len(pcs)*FourBytes.Footprint())

	root, err := readNode(blob, 0)
	require.NoError(t, err)
	tassert.Equal(t, uint32(0x40), root.PC)
	tassert.Equal(t, uint32(FourBytes.Footprint()), root.left)
	tassert.Equal(t, uint32(4*FourBytes.Footprint()), root.right)

	for _, pc := range pcs {
		n, found, err := Search(blob, pc)
		require.NoError(t, err)
		require.True(t, found, "pc %#x", pc)
		tassert.Equal(t, FourBytes, n.ID)
		tassert.Equal(t, pc*10, binary.LittleEndian.Uint32(n.payload))
	}
	for _, pc := range []uint32{0, 0x15, 0x45, 0x80} {
		_, found, err := Search(blob, pc)
		require.NoError(t, err)
		tassert.False(t, found, "pc %#x", pc)
	}
}

func TestEncodeTreeSingleNode(t *testing.T) {
	blob := encodeTree(counterItems(0x99))
	n, err := readNode(blob, 0)
	require.NoError(t, err)
	tassert.Zero(t, n.left)
	tassert.Zero(t, n.right)
}

func TestSearchCorrupt(t *testing.T) {
	blob := encodeTree(counterItems(0x10, 0x20, 0x30))

	tests := map[string]func([]byte) []byte{
		"truncated header": func(b []byte) []byte { return b[:HeaderSize-1] },
		"truncated child":  func(b []byte) []byte { return b[:len(b)-1] },
		"unknown id": func(b []byte) []byte {
			b[6] = 0x7F
			return b
		},
		"child out of range": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[8:], 0x1000)
			return b
		},
	}

	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			b := corrupt(append([]byte(nil), blob...))
			_, _, err := Search(b, 0x30)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestStorageID(t *testing.T) {
	tassert.Equal(t, 16, FourBytes.Footprint())
	tassert.Equal(t, 44, EightWords.Footprint())
	tassert.Equal(t, 32, CallGraph.Footprint())
	tassert.Equal(t, "call-graph", CallGraph.String())
}
