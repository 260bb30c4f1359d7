package dsp

// DefaultLimiterCeiling is just below full scale, leaving headroom for
// inter-sample peaks after digital-to-analog conversion.
const DefaultLimiterCeiling = 0.988

// SoftLimiter is a stateless peak-based limiter used as the final
// safety net of the pipeline: if any sample in a buffer exceeds the
// ceiling, the whole buffer is scaled down so its peak lands on the
// ceiling. Carrying no state across buffers keeps it trivially safe to
// run on either audio path during a device switch.
type SoftLimiter struct {
	ceiling float32
}

// NewSoftLimiter creates a limiter with the given ceiling. Ceilings
// outside (0, 1] fall back to DefaultLimiterCeiling.
func NewSoftLimiter(ceiling float32) *SoftLimiter {
	if ceiling <= 0 || ceiling > 1 {
		ceiling = DefaultLimiterCeiling
	}
	return &SoftLimiter{ceiling: ceiling}
}

// Ceiling returns the configured ceiling.
func (l *SoftLimiter) Ceiling() float32 {
	return l.ceiling
}

// Process applies the limiter in place across all channels of one
// buffer. Real-time safe: no allocation, no locking, no blocking.
func (l *SoftLimiter) Process(channels [][]float32, frames int) {
	var peak float32
	for ch := 0; ch < len(channels); ch++ {
		buf := channels[ch]
		n := frames
		if n > len(buf) {
			n = len(buf)
		}
		for i := 0; i < n; i++ {
			v := buf[i]
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	if peak <= l.ceiling {
		return
	}

	scale := l.ceiling / peak
	for ch := 0; ch < len(channels); ch++ {
		buf := channels[ch]
		n := frames
		if n > len(buf) {
			n = len(buf)
		}
		for i := 0; i < n; i++ {
			buf[i] *= scale
		}
	}
}
