package dsp

import (
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// NumBands is the number of equalizer bands.
const NumBands = 5

// crossoverFrequencies splits the spectrum into the five bands.
var crossoverFrequencies = [NumBands - 1]float64{200, 800, 2500, 8000}

// Equalizer is a five-band equalizer built from cascaded one-pole
// crossover filters. Band gains are stored as float64 bit patterns in
// atomics so the audio thread reads them lock-free while the control
// path updates them at any time. Filter state is tuned to a specific
// sample rate; SetSampleRate rebinds the crossovers and clears state.
type Equalizer struct {
	gains [NumBands]atomic.Uint64

	alphas     [NumBands - 1]float64
	state      [][NumBands - 1]float64 // per-channel lowpass state
	sampleRate float64
}

// NewEqualizer creates an equalizer for the given sample rate and
// channel count with every band at unity gain.
func NewEqualizer(sampleRate float64, channels int) *Equalizer {
	if channels < 1 {
		channels = 1
	}
	eq := &Equalizer{
		state: make([][NumBands - 1]float64, channels),
	}
	eq.bind(sampleRate)
	for i := range eq.gains {
		eq.gains[i].Store(math.Float64bits(1.0))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewEqualizer",
		"sample_rate": sampleRate,
		"channels":    channels,
		"bands":       NumBands,
	}).Debug("Equalizer created")

	return eq
}

func (eq *Equalizer) bind(sampleRate float64) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	eq.sampleRate = sampleRate
	dt := 1.0 / sampleRate
	for i, freq := range crossoverFrequencies {
		rc := 1.0 / (2.0 * math.Pi * freq)
		eq.alphas[i] = dt / (rc + dt)
	}
}

// SetSampleRate rebinds the crossover coefficients to a new sample rate
// and resets all filter state. Must not be called while Process may be
// running; the tap controller guarantees this by bypassing the
// equalizer during device switches.
func (eq *Equalizer) SetSampleRate(sampleRate float64) {
	if sampleRate <= 0 || sampleRate == eq.sampleRate {
		return
	}
	eq.bind(sampleRate)
	eq.Reset()
}

// SampleRate returns the sample rate the filters are currently bound to.
func (eq *Equalizer) SampleRate() float64 {
	return eq.sampleRate
}

// ApplySettings validates and stores the band gains. Safe to call at
// any time from the control path; the audio thread picks the new gains
// up on its next buffer.
func (eq *Equalizer) ApplySettings(settings EQSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	for i, g := range settings.BandGains {
		eq.gains[i].Store(math.Float64bits(g))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Equalizer.ApplySettings",
		"gains":    settings.BandGains,
	}).Debug("Equalizer band gains updated")

	return nil
}

// BandGain returns the current gain for the given band, or 1.0 if the
// band index is out of range.
func (eq *Equalizer) BandGain(band int) float64 {
	if band < 0 || band >= NumBands {
		return 1.0
	}
	return math.Float64frombits(eq.gains[band].Load())
}

// PreampAttenuation returns the scalar attenuation that should be
// applied ahead of the equalizer so that boosted bands cannot push the
// signal past full scale: the reciprocal of the largest band gain when
// any band boosts, otherwise 1.0.
func (eq *Equalizer) PreampAttenuation() float32 {
	maxGain := 1.0
	for i := range eq.gains {
		g := math.Float64frombits(eq.gains[i].Load())
		if g > maxGain {
			maxGain = g
		}
	}
	return float32(1.0 / maxGain)
}

// Process applies the equalizer in place. Channels beyond the count the
// equalizer was built for are passed through untouched. Real-time safe.
func (eq *Equalizer) Process(channels [][]float32, frames int) {
	var gains [NumBands]float64
	for i := range gains {
		gains[i] = math.Float64frombits(eq.gains[i].Load())
	}

	for ch := 0; ch < len(channels) && ch < len(eq.state); ch++ {
		buf := channels[ch]
		n := frames
		if n > len(buf) {
			n = len(buf)
		}
		st := &eq.state[ch]
		for i := 0; i < n; i++ {
			// Split into bands with cascaded one-pole lowpasses; the
			// remainder after the last crossover is the top band. The
			// bands sum back to the input exactly when all gains are 1.
			rem := float64(buf[i])
			var out float64
			for b := 0; b < NumBands-1; b++ {
				st[b] += eq.alphas[b] * (rem - st[b])
				out += st[b] * gains[b]
				rem -= st[b]
			}
			out += rem * gains[NumBands-1]
			buf[i] = float32(out)
		}
	}
}

// Reset clears all per-channel filter state.
func (eq *Equalizer) Reset() {
	for ch := range eq.state {
		eq.state[ch] = [NumBands - 1]float64{}
	}
}
