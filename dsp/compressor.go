package dsp

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Compressor is a feed-forward dynamics compressor.
//
// Detection takes the single largest peak across all channels in a
// frame and feeds an asymmetric one-pole envelope follower: the attack
// coefficient applies while the detector exceeds the envelope, the
// release coefficient otherwise. Gain reduction above the threshold
// follows threshold + (input - threshold)/ratio, and the resulting
// target gain is smoothed by a second one-pole follower with the same
// attack/release asymmetry so gain changes stay inaudible.
//
// Per-sample state (envelope, smoothed gain) persists across calls and
// is tied to the sample rate the coefficients were derived from; the
// owner must build a fresh Compressor (or call Reset via SetSampleRate)
// whenever the sample rate changes.
type Compressor struct {
	settings   CompressorSettings
	sampleRate float64

	attackCoeff  float64
	releaseCoeff float64
	thresholdDB  float64
	ratio        float64
	makeupLin    float64

	envelope     float64
	smoothedGain float64
}

// NewCompressor builds a compressor from validated settings bound to the
// given sample rate.
func NewCompressor(settings CompressorSettings, sampleRate float64) (*Compressor, error) {
	if err := settings.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewCompressor",
			"error":    err.Error(),
		}).Error("Compressor settings validation failed")
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive: %f", sampleRate)
	}

	c := &Compressor{
		settings:     settings,
		smoothedGain: 1.0,
	}
	c.bind(sampleRate)

	logrus.WithFields(logrus.Fields{
		"function":     "NewCompressor",
		"threshold_db": settings.ThresholdDB,
		"ratio":        settings.Ratio,
		"attack_ms":    settings.AttackMs,
		"release_ms":   settings.ReleaseMs,
		"sample_rate":  sampleRate,
	}).Debug("Compressor created")

	return c, nil
}

// bind derives the sample-rate-dependent coefficients.
func (c *Compressor) bind(sampleRate float64) {
	c.sampleRate = sampleRate
	c.attackCoeff = math.Exp(-1.0 / (sampleRate * c.settings.AttackMs / 1000.0))
	c.releaseCoeff = math.Exp(-1.0 / (sampleRate * c.settings.ReleaseMs / 1000.0))
	c.thresholdDB = c.settings.ThresholdDB
	c.ratio = c.settings.Ratio
	c.makeupLin = math.Pow(10.0, c.settings.MakeupGainDB/20.0)
}

// SetSampleRate rebinds the time constants to a new sample rate and
// resets the follower state, since the old state was accumulated under
// different coefficients.
func (c *Compressor) SetSampleRate(sampleRate float64) {
	if sampleRate <= 0 || sampleRate == c.sampleRate {
		return
	}
	c.bind(sampleRate)
	c.Reset()
}

// Reset clears the envelope and returns the smoothed gain to unity.
func (c *Compressor) Reset() {
	c.envelope = 0
	c.smoothedGain = 1.0
}

// Settings returns the settings this compressor was built from.
func (c *Compressor) Settings() CompressorSettings {
	return c.settings
}

// Process applies compression in place to non-interleaved channel
// buffers. Real-time safe: no allocation, no locking, no blocking.
func (c *Compressor) Process(channels [][]float32, frames int) {
	if len(channels) == 0 || frames <= 0 {
		return
	}

	env := c.envelope
	gain := c.smoothedGain

	for i := 0; i < frames; i++ {
		// Peak detection across all channels for this frame.
		var peak float64
		for ch := 0; ch < len(channels); ch++ {
			if i >= len(channels[ch]) {
				continue
			}
			v := float64(channels[ch][i])
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}

		// Asymmetric envelope follower.
		if peak > env {
			env = c.attackCoeff*env + (1.0-c.attackCoeff)*peak
		} else {
			env = c.releaseCoeff*env + (1.0-c.releaseCoeff)*peak
		}

		// Static gain curve: downward compression above threshold only.
		target := 1.0
		if env > 1e-9 {
			envDB := 20.0 * math.Log10(env)
			if envDB > c.thresholdDB {
				outDB := c.thresholdDB + (envDB-c.thresholdDB)/c.ratio
				target = math.Pow(10.0, (outDB-envDB)/20.0)
			}
		}

		// Smooth the applied gain; attack while reducing, release while
		// recovering.
		if target < gain {
			gain = c.attackCoeff*gain + (1.0-c.attackCoeff)*target
		} else {
			gain = c.releaseCoeff*gain + (1.0-c.releaseCoeff)*target
		}

		g := float32(gain * c.makeupLin)
		for ch := 0; ch < len(channels); ch++ {
			if i < len(channels[ch]) {
				channels[ch][i] *= g
			}
		}
	}

	c.envelope = env
	c.smoothedGain = gain
}

// GainReduction returns the current smoothed gain multiplier, before
// makeup gain. 1.0 means no reduction is being applied.
func (c *Compressor) GainReduction() float64 {
	return c.smoothedGain
}
