package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/akumuli/akumulid/internal/storage/types"
)

// RingBuffer is a thread-safe circular buffer holding the hot tail of the
// sample stream. Writes land here before being flushed to volumes.
// It uses a simple mutex-based approach for correctness.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Sample
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]types.Sample, capacity),
		capacity: int64(capacity),
	}
}

// Push adds a sample to the buffer.
// Returns false if the buffer is full and the sample was dropped.
func (rb *RingBuffer) Push(sample types.Sample) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		rb.dropCount.Add(1)
		return false
	}

	idx := rb.head % rb.capacity
	rb.data[idx] = sample
	rb.head++
	rb.count++
	rb.pushCount.Add(1)

	return true
}

// PushOverwrite adds a sample to the buffer, overwriting the oldest if full.
func (rb *RingBuffer) PushOverwrite(sample types.Sample) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		rb.tail++
		rb.count--
		rb.dropCount.Add(1)
	}

	idx := rb.head % rb.capacity
	rb.data[idx] = sample
	rb.head++
	rb.count++
	rb.pushCount.Add(1)
}

// PopN removes and returns up to n oldest samples.
func (rb *RingBuffer) PopN(n int) []types.Sample {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 || n <= 0 {
		return nil
	}

	count := int64(n)
	if count > rb.count {
		count = rb.count
	}

	result := make([]types.Sample, count)
	for i := int64(0); i < count; i++ {
		idx := (rb.tail + i) % rb.capacity
		result[i] = rb.data[idx]
		rb.data[idx] = types.Sample{}
	}

	rb.tail += count
	rb.count -= count
	rb.popCount.Add(count)

	return result
}

// Len returns the current number of samples in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// IsEmpty returns true if the buffer is empty.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count == 0
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (rb *RingBuffer) UsageRatio() float64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return float64(rb.count) / float64(rb.capacity)
}

// Clear removes all samples from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.data {
		rb.data[i] = types.Sample{}
	}

	rb.head = 0
	rb.tail = 0
	rb.count = 0
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:   int(rb.capacity),
		Count:      int(rb.count),
		UsageRatio: float64(rb.count) / float64(rb.capacity),
		PushCount:  rb.pushCount.Load(),
		PopCount:   rb.popCount.Load(),
		DropCount:  rb.dropCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}

// SampleFilter defines criteria for filtering samples.
type SampleFilter struct {
	// ParamIDs restricts results to the given series. Nil means no
	// series filter.
	ParamIDs map[uint64]bool

	// Since and Until bound the timestamp range in nanoseconds.
	// Zero means no bound.
	Since uint64
	Until uint64
}

// Matches returns true if the sample matches the filter.
func (f *SampleFilter) Matches(s *types.Sample) bool {
	if f.ParamIDs != nil && !f.ParamIDs[s.ParamID] {
		return false
	}
	if f.Since > 0 && s.Timestamp < f.Since {
		return false
	}
	if f.Until > 0 && s.Timestamp > f.Until {
		return false
	}
	return true
}

// Query returns samples matching the filter.
// Results are ordered from oldest to newest.
func (rb *RingBuffer) Query(filter SampleFilter, limit int) []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return nil
	}

	var results []types.Sample
	maxResults := limit
	if maxResults <= 0 {
		maxResults = int(rb.count)
	}

	for i := int64(0); i < rb.count && len(results) < maxResults; i++ {
		idx := (rb.tail + i) % rb.capacity
		sample := &rb.data[idx]
		if filter.Matches(sample) {
			results = append(results, *sample)
		}
	}

	return results
}

// TimeRange returns the time range of samples in the buffer.
// Returns (0, 0) if the buffer is empty.
func (rb *RingBuffer) TimeRange() (oldest, newest uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0, 0
	}

	oldestIdx := rb.tail % rb.capacity
	newestIdx := (rb.head - 1) % rb.capacity
	if newestIdx < 0 {
		newestIdx += rb.capacity
	}

	return rb.data[oldestIdx].Timestamp, rb.data[newestIdx].Timestamp
}

// Duration returns the time span covered by samples in the buffer.
func (rb *RingBuffer) Duration() time.Duration {
	oldest, newest := rb.TimeRange()
	if oldest == 0 || newest == 0 {
		return 0
	}
	return time.Duration(newest - oldest)
}
