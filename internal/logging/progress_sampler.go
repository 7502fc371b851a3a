package logging

// ProgressSampler thins out transfer progress so a multi-gigabyte download
// logs a handful of lines. One sampler per transfer; not safe for concurrent use.
type ProgressSampler struct {
	bucketSize  float64
	unknownStep int64
	lastBucket  int
	lastBytes   int64
}

// DefaultUnknownStep is how many bytes must pass between samples when the
// server did not announce a size.
const DefaultUnknownStep = 256 << 20

// NewProgressSampler emits whenever percent crosses a bucketSize boundary
// (default 5).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, unknownStep: DefaultUnknownStep, lastBucket: -1, lastBytes: -1}
}

// Sample converts a byte count into a percentage capped at 100 and reports
// whether it should be logged. Percent is 0 when total is unknown; in that
// case a sample is emitted every DefaultUnknownStep bytes.
func (s *ProgressSampler) Sample(downloaded, total int64) (float64, bool) {
	percent := 0.0
	if total > 0 {
		percent = float64(downloaded) / float64(total) * 100
		if percent > 100 {
			percent = 100
		}
	}
	if s == nil {
		return percent, true
	}
	if total <= 0 {
		if s.lastBytes < 0 || downloaded-s.lastBytes >= s.unknownStep {
			s.lastBytes = downloaded
			return percent, true
		}
		return percent, false
	}
	bucket := int(percent / s.bucketSize)
	if bucket > s.lastBucket {
		s.lastBucket = bucket
		return percent, true
	}
	return percent, false
}

// Reset clears the sampler when a transfer starts over.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastBucket = -1
	s.lastBytes = -1
}
