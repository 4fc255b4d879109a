// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ForEach(t *testing.T) {
	const numTasks = 100
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		var running, maxRunning, count atomic.Int32
		results := make([]int, numTasks)
		pool.ForEach(numTasks, func(i int) {
			current := running.Add(1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			runtime.Gosched()
			results[i] = i * i
			count.Add(1)
			running.Add(-1)
		})
		assert.Equal(t, int32(numTasks), count.Load(), "parallelism=%d", parallelism)
		for ii, v := range results {
			assert.Equal(t, ii*ii, v)
		}
		if parallelism >= 1 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism, "parallelism=%d", parallelism)
		} else if parallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}

func TestPool_SetMaxParallelism(t *testing.T) {
	// The same pool is reused with growing and shrinking limits.
	pool := New()
	assert.Equal(t, runtime.NumCPU(), pool.MaxParallelism())
	for _, parallelism := range []int{2, 5, 1, 4} {
		pool.SetMaxParallelism(parallelism)
		assert.Equal(t, parallelism, pool.MaxParallelism())
		var running, maxRunning atomic.Int32
		pool.ForEach(50, func(int) {
			current := running.Add(1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			runtime.Gosched()
			running.Add(-1)
		})
		assert.LessOrEqual(t, int(maxRunning.Load()), parallelism, "parallelism=%d", parallelism)
	}
}
