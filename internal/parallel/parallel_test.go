package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.NumWorkers = 4

	var counter int64
	n := 1000
	seen := make([]int32, n)

	For(n, cfg, func(i int) {
		atomic.AddInt64(&counter, 1)
		atomic.AddInt32(&seen[i], 1)
	})

	assert.Equal(t, int64(n), counter)
	for i, v := range seen {
		assert.Equal(t, int32(1), v, "index %d", i)
	}
}

func TestRangeCoversDisjointChunks(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 3, MinChunkSize: 2}

	var total int64
	Range(17, cfg, func(start, end int) {
		assert.Less(t, start, end)
		atomic.AddInt64(&total, int64(end-start))
	})

	assert.Equal(t, int64(17), total)
}

func TestRangeSequential(t *testing.T) {
	calls := 0
	Range(100, Sequential(), func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 100, end)
	})
	assert.Equal(t, 1, calls)
}

func TestRangeEmpty(t *testing.T) {
	Range(0, DefaultConfig(), func(_, _ int) {
		t.Fatal("should not be called")
	})
}
