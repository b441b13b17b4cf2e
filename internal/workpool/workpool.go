// Package workpool spreads index ranges over a fixed pool of goroutines.
package workpool

import (
	"runtime"
	"sync"
)

// Each runs fn for every index in [0, n) on a pool of workers. Each index
// is handed to exactly one worker. Zero or fewer workers means GOMAXPROCS.
func Each(workers, n int, fn func(i int)) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	idxChan := make(chan int, workers*2)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxChan {
				fn(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		idxChan <- i
	}
	close(idxChan)

	wg.Wait()
}
