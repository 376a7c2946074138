package model

import (
	"runtime"
	"sync"
)

// minRowsPerWorker keeps tiny passes on the calling goroutine.
const minRowsPerWorker = 64

// parallelFor splits [0, n) into contiguous chunks, one per worker. Each chunk
// must write only to its own rows.
func parallelFor(n, workers int, fn func(start, end int)) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if maxW := (n + minRowsPerWorker - 1) / minRowsPerWorker; workers > maxW {
		workers = maxW
	}
	if workers <= 1 {
		if n > 0 {
			fn(0, n)
		}
		return
	}

	perWorker := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := min(start+perWorker, n)
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
