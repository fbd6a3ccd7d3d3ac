package types

import "time"

// PayloadType indicates the shape of a sample's payload.
type PayloadType int

const (
	// PayloadFloat is a single double-precision value.
	PayloadFloat PayloadType = iota
	// PayloadTuple is a variable-length tuple of doubles.
	PayloadTuple
	// PayloadBlob is an opaque byte payload (used for series-name
	// results of suggest and search queries).
	PayloadBlob
)

// String returns a human-readable representation of the PayloadType.
func (p PayloadType) String() string {
	switch p {
	case PayloadFloat:
		return "float"
	case PayloadTuple:
		return "tuple"
	case PayloadBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Sample is the atomic unit crossing every boundary of the daemon.
// Samples are value types; they are copied freely and never shared by
// reference.
type Sample struct {
	// ParamID identifies the series, assigned by the engine on first
	// sight of a new series name.
	ParamID uint64

	// Timestamp is a monotonic timestamp in nanoseconds since epoch.
	Timestamp uint64

	// Payload indicates which of the value fields is set.
	Payload PayloadType

	// Value holds the measurement for PayloadFloat samples.
	Value float64

	// Tuple holds the values for PayloadTuple samples.
	Tuple []float64

	// Blob holds the payload for PayloadBlob samples.
	Blob []byte
}

// Time returns the timestamp as a time.Time.
func (s *Sample) Time() time.Time {
	return time.Unix(0, int64(s.Timestamp))
}

// SampleBatch represents a collection of samples for batch processing.
type SampleBatch struct {
	Samples []Sample
}

// NewSampleBatch creates a new batch with the given capacity.
func NewSampleBatch(capacity int) *SampleBatch {
	return &SampleBatch{
		Samples: make([]Sample, 0, capacity),
	}
}

// Add appends a sample to the batch.
func (b *SampleBatch) Add(s Sample) {
	b.Samples = append(b.Samples, s)
}

// Len returns the number of samples in the batch.
func (b *SampleBatch) Len() int {
	return len(b.Samples)
}

// Clear resets the batch for reuse.
func (b *SampleBatch) Clear() {
	b.Samples = b.Samples[:0]
}
