package dsp

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// CompressorSettings holds the user-facing parameters of the dynamics
// compressor. All fields are validated against the ranges below before
// a compressor is built from them; a settings value that fails
// Validate is never applied.
type CompressorSettings struct {
	// ThresholdDB is the level above which gain reduction begins, in dBFS.
	ThresholdDB float64
	// Ratio is the downward compression ratio (4.0 means 4:1). Must be >= 1.
	Ratio float64
	// AttackMs is the envelope attack time in milliseconds.
	AttackMs float64
	// ReleaseMs is the envelope release time in milliseconds.
	ReleaseMs float64
	// MakeupGainDB is a fixed output gain applied after compression, in dB.
	MakeupGainDB float64
}

// DefaultCompressorSettings returns a gentle general-purpose starting point.
func DefaultCompressorSettings() CompressorSettings {
	return CompressorSettings{
		ThresholdDB:  -18.0,
		Ratio:        4.0,
		AttackMs:     10.0,
		ReleaseMs:    100.0,
		MakeupGainDB: 0.0,
	}
}

// Validate checks all parameters against their permitted ranges.
func (s CompressorSettings) Validate() error {
	if s.ThresholdDB < -60.0 || s.ThresholdDB > 0.0 {
		return fmt.Errorf("threshold must be between -60 and 0 dB: %f", s.ThresholdDB)
	}
	if s.Ratio < 1.0 || s.Ratio > 20.0 {
		return fmt.Errorf("ratio must be between 1 and 20: %f", s.Ratio)
	}
	if s.AttackMs < 0.1 || s.AttackMs > 500.0 {
		return fmt.Errorf("attack must be between 0.1 and 500 ms: %f", s.AttackMs)
	}
	if s.ReleaseMs < 1.0 || s.ReleaseMs > 5000.0 {
		return fmt.Errorf("release must be between 1 and 5000 ms: %f", s.ReleaseMs)
	}
	if s.MakeupGainDB < 0.0 || s.MakeupGainDB > 24.0 {
		return fmt.Errorf("makeup gain must be between 0 and 24 dB: %f", s.MakeupGainDB)
	}
	return nil
}

// EQSettings holds the per-band linear gains of the equalizer.
// Gains are linear multipliers: 0.0 = silence, 1.0 = unity, 2.0 = +6 dB.
type EQSettings struct {
	BandGains [NumBands]float64
}

// FlatEQSettings returns settings with every band at unity gain.
func FlatEQSettings() EQSettings {
	var s EQSettings
	for i := range s.BandGains {
		s.BandGains[i] = 1.0
	}
	return s
}

// Validate checks every band gain against the permitted range.
func (s EQSettings) Validate() error {
	for i, g := range s.BandGains {
		if g < 0.0 || g > 4.0 {
			logrus.WithFields(logrus.Fields{
				"function": "EQSettings.Validate",
				"band":     i,
				"gain":     g,
			}).Error("Band gain validation failed")
			return fmt.Errorf("band %d gain must be between 0.0 and 4.0: %f", i, g)
		}
	}
	return nil
}
