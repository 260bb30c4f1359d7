package record

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
)

const (
	// ringFrames is the ring capacity in sample frames, about 1.4 s at
	// 48 kHz. Large enough to ride out slow disk flushes.
	ringFrames = 65536

	// drainInterval is the drain goroutine's poll period when the ring
	// is empty.
	drainInterval = 10 * time.Millisecond
)

// Recorder writes interleaved 16-bit PCM WAV from a real-time audio
// stream. Push is safe to call from the audio thread; everything that
// can block lives on the drain goroutine.
type Recorder struct {
	file     *os.File
	encoder  *wav.Encoder
	channels int

	// SPSC ring of interleaved float32 samples. writeIdx is owned by
	// the producer (audio thread), readIdx by the drain goroutine;
	// both are monotonic sample counters.
	ring     []float32
	writeIdx atomic.Uint64
	readIdx  atomic.Uint64

	droppedFrames atomic.Uint64

	closing atomic.Bool
	done    chan struct{}
}

// NewRecorder creates path (truncating any existing file) and starts
// the drain goroutine. sampleRate and channels must match the stream
// that will be pushed.
func NewRecorder(path string, sampleRate float64, channels int) (*Recorder, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %f", sampleRate)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	r := &Recorder{
		file:     file,
		encoder:  wav.NewEncoder(file, int(sampleRate), 16, channels, 1),
		channels: channels,
		ring:     make([]float32, ringFrames*channels),
		done:     make(chan struct{}),
	}

	go r.drain()

	logrus.WithFields(logrus.Fields{
		"function":    "NewRecorder",
		"path":        path,
		"sample_rate": sampleRate,
		"channels":    channels,
	}).Info("Recording started")

	return r, nil
}

// Push copies frames of non-interleaved audio into the ring. Real-time
// safe: no allocation, no locks, no blocking. Frames that do not fit
// are dropped whole and counted.
func (r *Recorder) Push(channels [][]float32, frames int) {
	if r.closing.Load() {
		return
	}

	write := r.writeIdx.Load()
	read := r.readIdx.Load()
	capacity := uint64(len(r.ring))
	freeFrames := int((capacity - (write - read)) / uint64(r.channels))

	fit := frames
	if fit > freeFrames {
		fit = freeFrames
		r.droppedFrames.Add(uint64(frames - fit))
	}

	for i := 0; i < fit; i++ {
		for ch := 0; ch < r.channels; ch++ {
			var v float32
			if ch < len(channels) && i < len(channels[ch]) {
				v = channels[ch][i]
			}
			r.ring[write%capacity] = v
			write++
		}
	}
	r.writeIdx.Store(write)
}

// Dropped returns the number of frames discarded because the drain
// goroutine fell behind.
func (r *Recorder) Dropped() uint64 {
	return r.droppedFrames.Load()
}

// Close stops accepting audio, drains the ring, finalizes the WAV
// header, and closes the file. Idempotent.
func (r *Recorder) Close() error {
	if !r.closing.CompareAndSwap(false, true) {
		<-r.done
		return nil
	}
	<-r.done

	var firstErr error
	if err := r.encoder.Close(); err != nil {
		firstErr = fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close recording file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Recorder.Close",
		"path":     r.file.Name(),
		"dropped":  r.droppedFrames.Load(),
	}).Info("Recording stopped")

	return firstErr
}

// drain moves samples from the ring into the WAV encoder until the
// recorder is closing and the ring is empty.
func (r *Recorder) drain() {
	defer close(r.done)

	capacity := uint64(len(r.ring))
	scratch := make([]int, 4096)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: r.channels},
		SourceBitDepth: 16,
	}

	for {
		read := r.readIdx.Load()
		write := r.writeIdx.Load()
		available := int(write - read)

		if available == 0 {
			if r.closing.Load() {
				return
			}
			time.Sleep(drainInterval)
			continue
		}

		if available > len(scratch) {
			available = len(scratch)
		}
		// Whole frames only, so channel alignment survives wraparound.
		available -= available % r.channels

		for i := 0; i < available; i++ {
			scratch[i] = int(clampToInt16(r.ring[(read+uint64(i))%capacity]))
		}
		r.readIdx.Store(read + uint64(available))

		buf.Data = scratch[:available]
		if err := r.encoder.Write(buf); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Recorder.drain",
				"error":    err.Error(),
			}).Error("WAV encode failed, stopping drain")
			return
		}
	}
}

func clampToInt16(v float32) int16 {
	scaled := v * 32767
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}
