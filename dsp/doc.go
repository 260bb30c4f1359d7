// Package dsp implements the fixed audio processing pipeline used by the
// process tap engine: a feed-forward dynamics compressor, a five-band
// equalizer, and a stateless soft limiter.
//
// All processors operate in place on non-interleaved float32 channel
// buffers and are designed for use inside a real-time audio callback:
// the processing methods never allocate, never lock, and never block.
// Parameter updates happen on the control path; the equalizer exposes
// its band gains through lock-free atomics, while the compressor is
// replaced wholesale on settings changes so the callback never observes
// a torn parameter set.
package dsp
