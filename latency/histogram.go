// Package latency tracks end-to-end message latency with a fixed-width
// histogram cheap enough to update on every received message.
package latency

import (
	"fmt"
	"os"
	"sync/atomic"
)

const (
	RingBufferSize = 1 << 20
	NumBuckets     = 1000
	BucketWidthNs  = 1000
	MaxTrackedNs   = NumBuckets * BucketWidthNs
)

// Stats is a point-in-time summary of recorded latencies.
type Stats struct {
	Min         uint64
	Max         uint64
	Mean        uint64
	P50         uint64
	P95         uint64
	P99         uint64
	P999        uint64
	SampleCount uint64
}

// Histogram accumulates latency samples (in nanoseconds) across any number
// of concurrent recorders and answers approximate percentile queries from a
// fixed bucket histogram. A debug-only ring buffer retains the most recent
// raw samples; reads of that buffer may be torn under concurrent writers and
// are meant for offline inspection, not correctness-sensitive use.
type Histogram struct {
	buckets       [NumBuckets]atomic.Uint64
	overflowCount atomic.Uint64

	sampleCount atomic.Uint64
	sum         atomic.Uint64
	min         atomic.Uint64
	max         atomic.Uint64

	ringBuffer []atomic.Uint64
	writeIndex atomic.Uint64
}

// New constructs an empty Histogram.
func New() *Histogram {
	h := &Histogram{ringBuffer: make([]atomic.Uint64, RingBufferSize)}
	h.Reset()
	return h
}

// Record adds a single latency sample.
func (h *Histogram) Record(latencyNs uint64) {
	h.sampleCount.Add(1)
	h.sum.Add(latencyNs)

	for {
		cur := h.min.Load()
		if latencyNs >= cur || h.min.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
	for {
		cur := h.max.Load()
		if latencyNs <= cur || h.max.CompareAndSwap(cur, latencyNs) {
			break
		}
	}

	if latencyNs < MaxTrackedNs {
		h.buckets[latencyNs/BucketWidthNs].Add(1)
	} else {
		h.overflowCount.Add(1)
	}

	idx := h.writeIndex.Add(1) - 1
	h.ringBuffer[idx%RingBufferSize].Store(latencyNs)
}

// Stats computes the current summary. Percentiles are bucket-midpoint
// approximations, not exact order statistics.
func (h *Histogram) Stats() Stats {
	var s Stats
	s.SampleCount = h.sampleCount.Load()
	if s.SampleCount == 0 {
		return s
	}

	s.Min = h.min.Load()
	s.Max = h.max.Load()
	s.Mean = h.sum.Load() / s.SampleCount

	s.P50 = h.percentile(50.0)
	s.P95 = h.percentile(95.0)
	s.P99 = h.percentile(99.0)
	s.P999 = h.percentile(99.9)

	return s
}

func (h *Histogram) percentile(p float64) uint64 {
	total := h.sampleCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64((p / 100.0) * float64(total))

	var cumulative uint64
	for i := 0; i < NumBuckets; i++ {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			return uint64(i)*BucketWidthNs + BucketWidthNs/2
		}
	}
	return h.max.Load()
}

// Reset clears all accumulated state.
func (h *Histogram) Reset() {
	h.sampleCount.Store(0)
	h.sum.Store(0)
	h.min.Store(^uint64(0))
	h.max.Store(0)
	h.overflowCount.Store(0)
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	for i := range h.ringBuffer {
		h.ringBuffer[i].Store(0)
	}
	h.writeIndex.Store(0)
}

// ExportCSV writes the non-empty histogram buckets (plus a trailing
// overflow row, if any) to path.
func (h *Histogram) ExportCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString("bucket_start_ns,bucket_end_ns,count\n"); err != nil {
		return err
	}
	for i := 0; i < NumBuckets; i++ {
		count := h.buckets[i].Load()
		if count == 0 {
			continue
		}
		if _, err := fmt.Fprintf(f, "%d,%d,%d\n", i*BucketWidthNs, (i+1)*BucketWidthNs, count); err != nil {
			return err
		}
	}
	if overflow := h.overflowCount.Load(); overflow > 0 {
		if _, err := fmt.Fprintf(f, "%d,inf,%d\n", MaxTrackedNs, overflow); err != nil {
			return err
		}
	}
	return nil
}
