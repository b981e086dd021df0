// Package parallel splits kernel loops across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 16,
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{}
}

// Range calls f(start, end) over disjoint chunks covering [0, n).
// Chunks run concurrently unless cfg disables it or n is below
// cfg.MinChunkSize. f must only touch state owned by its chunk.
func Range(n int, cfg Config, f func(start, end int)) {
	if n <= 0 {
		return
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < 2*max(cfg.MinChunkSize, 1) {
		f(0, n)
		return
	}

	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(start, end)
		}()
	}
	wg.Wait()
}

// For executes f(i) for i in [0, n), chunked as in Range.
func For(n int, cfg Config, f func(i int)) {
	Range(n, cfg, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	})
}
