// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/iprofiler/libpf/xsync"
)

func TestRWMutex_GuardsMap(t *testing.T) {
	blobs := xsync.NewRWMutex(map[uint64][]byte{})

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := blobs.WLock()
			(*m)[uint64(i)] = []byte{byte(i)}
			blobs.WUnlock(&m)
		}()
	}
	wg.Wait()

	m := blobs.RLock()
	defer blobs.RUnlock(&m)
	assert.Len(t, *m, 16)
	assert.Equal(t, []byte{7}, (*m)[7])
}

func TestRWMutex_CrashOnUseAfterUnlock(t *testing.T) {
	m := xsync.NewRWMutex(uint64(0))
	p := m.WLock()
	*p = 123
	m.WUnlock(&p)

	assert.Nil(t, p)
	assert.Panics(t, func() {
		*p = 345
	})
}
