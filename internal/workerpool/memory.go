package workerpool

import (
	"math"
	"runtime/debug"
	rtmetrics "runtime/metrics"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// MemorySampler returns current memory usage as a percentage of the budget
type MemorySampler func() float64

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// systemSampleInterval bounds how often /proc/meminfo is read
const systemSampleInterval = 500 * time.Millisecond

// RuntimeSampler measures memory usage for the pool's backpressure check.
//
// With a positive limitBytes, or a runtime soft memory limit (GOMEMLIMIT),
// live heap objects are measured against that limit. Otherwise the sampler
// reports host memory in use, MemTotal minus MemAvailable over MemTotal, and
// reads zero where /proc is unavailable.
func RuntimeSampler(limitBytes int64) MemorySampler {
	heap := heapSampler()
	system := systemSampler(procfs.NewDefaultFS)

	return func() float64 {
		limit := limitBytes
		if limit <= 0 {
			limit = debug.SetMemoryLimit(-1)
		}
		if limit <= 0 || limit == math.MaxInt64 {
			return system()
		}
		return float64(heap()) * 100 / float64(limit)
	}
}

func heapSampler() func() uint64 {
	var mu sync.Mutex
	samples := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		rtmetrics.Read(samples)
		if samples[0].Value.Kind() == rtmetrics.KindUint64 {
			return samples[0].Value.Uint64()
		}
		return 0
	}
}

// systemSampler caches the host usage for systemSampleInterval
func systemSampler(open func() (procfs.FS, error)) MemorySampler {
	var (
		mu      sync.Mutex
		fs      procfs.FS
		opened  bool
		usable  = true
		last    float64
		sampled time.Time
	)
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		if !usable {
			return 0
		}
		if !sampled.IsZero() && time.Since(sampled) < systemSampleInterval {
			return last
		}
		if !opened {
			var err error
			if fs, err = open(); err != nil {
				usable = false
				return 0
			}
			opened = true
		}
		sampled = time.Now()
		mi, err := fs.Meminfo()
		if err != nil || mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
			return last
		}
		used := *mi.MemTotal - min(*mi.MemAvailable, *mi.MemTotal)
		last = float64(used) * 100 / float64(*mi.MemTotal)
		return last
	}
}
