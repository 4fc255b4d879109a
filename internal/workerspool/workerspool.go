// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs CPU bound tasks, like image decoding and resizing, with limited parallelism.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/support/xsync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int

	// workers is only acquired when maxParallelism > 0.
	workers *xsync.Semaphore
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	numCPU := runtime.NumCPU()
	return &Pool{maxParallelism: numCPU, workers: xsync.NewSemaphore(numCPU)}
}

// MaxParallelism is the limit of tasks running in parallel.
// If 0 parallelism is disabled, and if -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It should only be changed while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	if maxParallelism > 0 {
		w.workers.Resize(maxParallelism)
	}
	return w
}

// WaitToStart waits until there is a worker available and runs the task in a separate goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}
	w.workers.Acquire()
	go func() {
		defer w.workers.Release()
		task()
	}()
}

// ForEach calls fn(i) for i in [0, n), in parallel, and waits for all of them to finish.
func (w *Pool) ForEach(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for ii := range n {
		w.WaitToStart(func() {
			defer wg.Done()
			fn(ii)
		})
	}
	wg.Wait()
}
