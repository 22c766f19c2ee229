// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	b.WriteString("queue row")
	Put(b)

	b2 := Get()
	assert.Zero(t, b2.Len())
	Put(b2)
}

func TestPutIgnoresOversizedAndNil(t *testing.T) {
	b := Get()
	b.Grow(MaxPooledCap + 1)
	assert.NotPanics(t, func() {
		Put(b)
		Put(nil)
	})
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("staged content")
			assert.Equal(t, "staged content", b.String())
			Put(b)
		}()
	}
	wg.Wait()
}
