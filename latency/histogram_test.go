package latency

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistogramBasicStats(t *testing.T) {
	h := New()
	for _, ns := range []uint64{100, 200, 300, 400, 500} {
		h.Record(ns)
	}
	s := h.Stats()
	assert.EqualValues(t, 5, s.SampleCount)
	assert.EqualValues(t, 100, s.Min)
	assert.EqualValues(t, 500, s.Max)
	assert.EqualValues(t, 300, s.Mean)
}

func TestHistogramEmptyStats(t *testing.T) {
	h := New()
	s := h.Stats()
	assert.EqualValues(t, 0, s.SampleCount)
	assert.EqualValues(t, 0, s.Min)
}

func TestHistogramPercentileBounds(t *testing.T) {
	h := New()
	for ns := uint64(1); ns <= 1000; ns++ {
		h.Record(ns * BucketWidthNs / 10)
	}
	s := h.Stats()
	assert.True(t, s.P50 <= s.P95)
	assert.True(t, s.P95 <= s.P99)
	assert.True(t, s.P99 <= s.P999)
	assert.True(t, s.P999 <= s.Max || s.P999 == s.Max)
}

func TestHistogramOverflow(t *testing.T) {
	h := New()
	h.Record(MaxTrackedNs + 1)
	s := h.Stats()
	assert.EqualValues(t, 1, s.SampleCount)
	assert.EqualValues(t, MaxTrackedNs+1, s.Max)
	// With one sample the p99 target is floor(0.99*1) = 0, which the first
	// bucket already meets, so the lookup reports bucket 0's midpoint rather
	// than falling through to the overflow fallback.
	assert.EqualValues(t, BucketWidthNs/2, s.P99)
}

func TestHistogramConcurrentRecording(t *testing.T) {
	h := New()
	const goroutines = 4
	const perGoroutine = 10000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				h.Record(uint64((seed*perGoroutine + i) % MaxTrackedNs))
			}
		}(g)
	}
	wg.Wait()

	s := h.Stats()
	assert.EqualValues(t, goroutines*perGoroutine, s.SampleCount)
}
