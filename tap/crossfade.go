package tap

import (
	"math"
	"sync/atomic"
)

// CrossfadePhase is the phase of a device-switch crossfade.
type CrossfadePhase int32

const (
	// PhaseIdle indicates no crossfade is in progress.
	PhaseIdle CrossfadePhase = iota
	// PhaseWarmingUp indicates the secondary path exists but is still
	// stabilizing and must not contribute audible output yet.
	PhaseWarmingUp
	// PhaseCrossfading indicates both paths are mixing with
	// equal-power gain curves.
	PhaseCrossfading
)

func (p CrossfadePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarmingUp:
		return "warmingUp"
	case PhaseCrossfading:
		return "crossfading"
	default:
		return "unknown"
	}
}

// CrossfadeState is the state machine driving the equal-power mix
// between two simultaneously running audio paths during a device
// switch.
//
// Writer roles are split per field so no lock is needed: the control
// path alone advances the phase (idle -> warmingUp -> crossfading ->
// idle, enforced by the transition methods), while the secondary audio
// callback alone advances the sample counter. Every field is an
// individually aligned atomic scalar; there is deliberately no
// composite atomic struct to tear.
type CrossfadeState struct {
	phase           atomic.Int32
	samplesElapsed  atomic.Uint64 // written only by the secondary render callback
	durationSamples atomic.Uint64
	forced          atomic.Bool
	warmupDone      atomic.Bool
	fadeDone        atomic.Bool
}

// NewCrossfadeState returns a state machine in PhaseIdle.
func NewCrossfadeState() *CrossfadeState {
	return &CrossfadeState{}
}

// Phase returns the current phase.
func (s *CrossfadeState) Phase() CrossfadePhase {
	return CrossfadePhase(s.phase.Load())
}

// Active reports whether the equal-power mix is currently running.
func (s *CrossfadeState) Active() bool {
	return s.Phase() == PhaseCrossfading
}

// BeginWarmup transitions idle -> warmingUp. Any other starting phase
// is an illegal transition.
func (s *CrossfadeState) BeginWarmup() error {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseWarmingUp)) {
		return ErrInvalidTransition
	}
	return nil
}

// BeginFade transitions warmingUp -> crossfading.
func (s *CrossfadeState) BeginFade() error {
	if !s.phase.CompareAndSwap(int32(PhaseWarmingUp), int32(PhaseCrossfading)) {
		return ErrInvalidTransition
	}
	return nil
}

// Finish returns the machine to idle from any phase and clears all
// counters and flags. Used both for normal completion and for abort
// paths, so it is not transition-checked.
func (s *CrossfadeState) Finish() {
	s.phase.Store(int32(PhaseIdle))
	s.samplesElapsed.Store(0)
	s.durationSamples.Store(0)
	s.forced.Store(false)
	s.warmupDone.Store(false)
	s.fadeDone.Store(false)
}

// SetDuration fixes the crossfade length in samples, derived from the
// destination device's actual sample rate.
func (s *CrossfadeState) SetDuration(samples uint64) {
	s.durationSamples.Store(samples)
}

// MarkWarmupDone records that the fixed warmup interval has elapsed.
func (s *CrossfadeState) MarkWarmupDone() {
	s.warmupDone.Store(true)
}

// AdvanceSamples adds rendered sample frames to the progress counter.
// Called exclusively by the secondary audio callback, making that
// callback the sole authority for crossfade progress.
func (s *CrossfadeState) AdvanceSamples(n uint64) {
	elapsed := s.samplesElapsed.Add(n)
	if elapsed >= s.durationSamples.Load() {
		s.fadeDone.Store(true)
	}
}

// ForceComplete pins progress to 1.0. Used when the poll loop times
// out, so the mix never sticks in an intermediate state.
func (s *CrossfadeState) ForceComplete() {
	s.forced.Store(true)
	s.fadeDone.Store(true)
}

// Completed reports whether both the fade and the warmup interval have
// finished.
func (s *CrossfadeState) Completed() bool {
	return s.fadeDone.Load() && s.warmupDone.Load()
}

// Progress returns the crossfade position in [0, 1]. Monotonic within
// a single crossfade: the sample counter only grows and ForceComplete
// only pins it to 1.
func (s *CrossfadeState) Progress() float64 {
	if s.forced.Load() {
		return 1.0
	}
	duration := s.durationSamples.Load()
	if duration == 0 {
		return 0.0
	}
	elapsed := s.samplesElapsed.Load()
	if elapsed >= duration {
		return 1.0
	}
	return float64(elapsed) / float64(duration)
}

// PrimaryGain returns the outgoing path's multiplier for a crossfade
// position. With SecondaryGain it forms an equal-power pair:
// PrimaryGain(p)^2 + SecondaryGain(p)^2 == 1 at every instant.
func PrimaryGain(progress float64) float32 {
	return float32(math.Cos(progress * math.Pi / 2))
}

// SecondaryGain returns the incoming path's multiplier for a crossfade
// position.
func SecondaryGain(progress float64) float32 {
	return float32(math.Sin(progress * math.Pi / 2))
}
