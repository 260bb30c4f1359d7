package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCompressor(t *testing.T) {
	c, err := NewCompressor(DefaultCompressorSettings(), 48000)

	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 1.0, c.GainReduction())
}

func TestNewCompressorInvalidSampleRate(t *testing.T) {
	c, err := NewCompressor(DefaultCompressorSettings(), 0)

	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestCompressorSettingsValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*CompressorSettings)
		expectErr bool
	}{
		{
			name:      "defaults_valid",
			mutate:    func(s *CompressorSettings) {},
			expectErr: false,
		},
		{
			name:      "threshold_too_low",
			mutate:    func(s *CompressorSettings) { s.ThresholdDB = -80 },
			expectErr: true,
		},
		{
			name:      "threshold_positive",
			mutate:    func(s *CompressorSettings) { s.ThresholdDB = 3 },
			expectErr: true,
		},
		{
			name:      "ratio_below_one",
			mutate:    func(s *CompressorSettings) { s.Ratio = 0.5 },
			expectErr: true,
		},
		{
			name:      "attack_too_short",
			mutate:    func(s *CompressorSettings) { s.AttackMs = 0.01 },
			expectErr: true,
		},
		{
			name:      "release_too_long",
			mutate:    func(s *CompressorSettings) { s.ReleaseMs = 10000 },
			expectErr: true,
		},
		{
			name:      "makeup_negative",
			mutate:    func(s *CompressorSettings) { s.MakeupGainDB = -3 },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultCompressorSettings()
			tt.mutate(&s)

			err := s.Validate()

			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// A constant -6 dB input against threshold -18 dB at ratio 4 must settle
// near -15 dB at the output before makeup gain: the 12 dB overshoot is
// reduced to 3 dB.
func TestCompressorSteadyStateGainReduction(t *testing.T) {
	settings := CompressorSettings{
		ThresholdDB:  -18.0,
		Ratio:        4.0,
		AttackMs:     5.0,
		ReleaseMs:    50.0,
		MakeupGainDB: 0.0,
	}
	c, err := NewCompressor(settings, 48000)
	require.NoError(t, err)

	inputLevel := float32(math.Pow(10, -6.0/20.0)) // -6 dBFS
	buf := make([]float32, 480)

	// Run two seconds of audio so both followers fully converge.
	var last float32
	for block := 0; block < 200; block++ {
		for i := range buf {
			buf[i] = inputLevel
		}
		c.Process([][]float32{buf}, len(buf))
		last = buf[len(buf)-1]
	}

	outDB := 20.0 * math.Log10(float64(last))
	assert.InDelta(t, -15.0, outDB, 0.5, "output envelope should settle near -15 dB")

	// Net gain reduction relative to unity is about -9 dB.
	reductionDB := 20.0 * math.Log10(c.GainReduction())
	assert.InDelta(t, -9.0, reductionDB, 0.5)
}

func TestCompressorBelowThresholdIsTransparent(t *testing.T) {
	c, err := NewCompressor(DefaultCompressorSettings(), 48000)
	require.NoError(t, err)

	inputLevel := float32(math.Pow(10, -30.0/20.0)) // well below -18 dB
	buf := make([]float32, 480)
	for block := 0; block < 50; block++ {
		for i := range buf {
			buf[i] = inputLevel
		}
		c.Process([][]float32{buf}, len(buf))
	}

	assert.InDelta(t, float64(inputLevel), float64(buf[len(buf)-1]), 1e-4)
	assert.InDelta(t, 1.0, c.GainReduction(), 1e-3)
}

func TestCompressorMakeupGain(t *testing.T) {
	settings := DefaultCompressorSettings()
	settings.MakeupGainDB = 6.0
	c, err := NewCompressor(settings, 48000)
	require.NoError(t, err)

	inputLevel := float32(0.01) // far below threshold, no reduction
	buf := make([]float32, 480)
	for block := 0; block < 50; block++ {
		for i := range buf {
			buf[i] = inputLevel
		}
		c.Process([][]float32{buf}, len(buf))
	}

	expected := float64(inputLevel) * math.Pow(10, 6.0/20.0)
	assert.InDelta(t, expected, float64(buf[len(buf)-1]), 1e-3)
}

func TestCompressorSetSampleRateResetsState(t *testing.T) {
	c, err := NewCompressor(DefaultCompressorSettings(), 48000)
	require.NoError(t, err)

	// Drive the compressor into reduction.
	buf := make([]float32, 4800)
	for i := range buf {
		buf[i] = 0.9
	}
	c.Process([][]float32{buf}, len(buf))
	assert.Less(t, c.GainReduction(), 1.0)

	c.SetSampleRate(44100)
	assert.Equal(t, 1.0, c.GainReduction(), "rate change must reset smoothed gain to unity")
	assert.Equal(t, 0.0, c.envelope, "rate change must clear the envelope")
}

func TestCompressorSetSampleRateSameRateKeepsState(t *testing.T) {
	c, err := NewCompressor(DefaultCompressorSettings(), 48000)
	require.NoError(t, err)

	buf := make([]float32, 4800)
	for i := range buf {
		buf[i] = 0.9
	}
	c.Process([][]float32{buf}, len(buf))
	before := c.GainReduction()

	c.SetSampleRate(48000)
	assert.Equal(t, before, c.GainReduction())
}

func TestCompressorEmptyInput(t *testing.T) {
	c, err := NewCompressor(DefaultCompressorSettings(), 48000)
	require.NoError(t, err)

	c.Process(nil, 0)
	c.Process([][]float32{}, 128)

	assert.Equal(t, 1.0, c.GainReduction())
}

func BenchmarkCompressorProcess(b *testing.B) {
	c, err := NewCompressor(DefaultCompressorSettings(), 48000)
	if err != nil {
		b.Fatal(err)
	}
	left := make([]float32, 512)
	right := make([]float32, 512)
	for i := range left {
		left[i] = 0.5
		right[i] = -0.5
	}
	channels := [][]float32{left, right}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Process(channels, 512)
	}
}
