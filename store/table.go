// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package store // import "go.opentelemetry.io/iprofiler/store"

import (
	"sync/atomic"

	"go.opentelemetry.io/iprofiler/entry"
	"go.opentelemetry.io/iprofiler/libpf"
)

type node[E entry.Entry] struct {
	e    E
	next *node[E]
}

// table is a fixed size hash table of singly linked chains. Nodes are only ever prepended
// and never removed.
type table[E entry.Entry] struct {
	buckets []atomic.Pointer[node[E]]
}

func newTable[E entry.Entry](size uint32) table[E] {
	return table[E]{buckets: make([]atomic.Pointer[node[E]], size)}
}

func (t *table[E]) bucket(pc libpf.Address) *atomic.Pointer[node[E]] {
	return &t.buckets[pc.Bucket(uint32(len(t.buckets)))]
}

func findIn[E entry.Entry](n *node[E], pc libpf.Address) (E, bool) {
	for ; n != nil; n = n.next {
		if n.e.PC() == pc {
			return n.e, true
		}
	}
	var zero E
	return zero, false
}

func (t *table[E]) find(pc libpf.Address) (E, bool) {
	return findIn(t.bucket(pc).Load(), pc)
}

// insert returns the entry for pc, creating it with create if it is not present. The
// boolean is true if the entry was created by this call. A nil create result aborts.
func (t *table[E]) insert(pc libpf.Address, create func() (E, bool)) (E, bool) {
	b := t.bucket(pc)
	head := b.Load()
	if e, ok := findIn(head, pc); ok {
		return e, false
	}
	e, ok := create()
	if !ok {
		return e, false
	}
	n := &node[E]{e: e, next: head}
	for !b.CompareAndSwap(head, n) {
		// Another writer prepended. Only the new part of the chain needs a look.
		newHead := b.Load()
		for c := newHead; c != head; c = c.next {
			if c.e.PC() == pc {
				return c.e, false
			}
		}
		head = newHead
		n.next = head
	}
	return e, true
}

func (t *table[E]) rangeAll(fn func(E) bool) {
	for i := range t.buckets {
		for n := t.buckets[i].Load(); n != nil; n = n.next {
			if !fn(n.e) {
				return
			}
		}
	}
}
