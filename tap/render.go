package tap

// levelSmoothing is the exponential smoothing factor for the VU peak
// meter, tuned for roughly 30 ms of response at typical UI refresh
// rates.
const levelSmoothing = 0.3

// renderFor builds the real-time render callback for one audio path.
// The closure holds the resource bundle and the controller's atomic
// scalars; it never dereferences anything whose lifetime is shorter
// than the I/O proc registration. Everything here runs on the
// platform's real-time audio thread: no allocation, no locking, no
// blocking calls, no logging.
//
// The same body serves both the primary and the secondary variant; the
// path's role is a single atomic read, which is also what makes
// promotion (secondary becoming primary) safe mid-stream.
func (c *Controller) renderFor(res *TapResources) RenderFunc {
	return func(in, out [][]float32, frames int) {
		// Defensive reference: if our owner tore this path down (or is
		// mid-teardown on a background worker), emit silence.
		if res == nil || res.destroyed.Load() {
			zeroBuffers(out, frames)
			return
		}

		// Hard silence bypasses everything, even metering.
		if c.forceSilence.Load() {
			zeroBuffers(out, frames)
			return
		}

		role := res.role.Load()
		if role == roleRetired {
			zeroBuffers(out, frames)
			return
		}

		phase := c.crossfade.Phase()
		fading := phase == PhaseCrossfading
		primary := role == rolePrimary

		// Exactly one path owns the level meter at any instant: the
		// primary outside a crossfade, the incoming path during one.
		if primary && !fading {
			c.updateLevel(in, frames)
		}
		if !primary && fading {
			c.updateLevel(in, frames)
			// The secondary callback is the sole authority for
			// advancing crossfade progress.
			c.crossfade.AdvanceSamples(uint64(frames))
		}

		if c.muted.Load() {
			zeroBuffers(out, frames)
			return
		}

		var mix float32
		switch {
		case primary && fading:
			mix = PrimaryGain(c.crossfade.Progress())
		case primary:
			mix = 1
		case phase == PhaseWarmingUp:
			// Secondary stays inaudible until its buffers settle.
			mix = 0
		case fading:
			mix = SecondaryGain(c.crossfade.Progress())
		default:
			// Promoted path whose role flip hasn't landed yet.
			mix = 1
		}

		// The equalizer's filter state is bound to one sample rate, so
		// it is bypassed during the crossfade window instead of risking
		// a wrong frequency response; the compressor's envelope state is
		// single-owner and sits out the window for the same reason.
		runDSP := primary && !fading

		preamp := float32(1)
		if runDSP {
			preamp = c.equalizer.PreampAttenuation()
		}

		c.applyGain(res, in, out, frames, mix*preamp)

		if runDSP {
			if c.compressorEnabled.Load() {
				if comp := c.compressor.Load(); comp != nil {
					comp.Process(out, frames)
				}
			}
			c.equalizer.Process(out, frames)
		}

		c.limiter.Process(out, frames)

		if rec := c.recorder.Load(); rec != nil && runDSP {
			rec.Push(out, frames)
		}
	}
}

// applyGain copies input channels to output channels with the
// per-sample exponential volume ramp and the crossfade/preamp
// multiplier applied.
//
// Channel mapping uses the tail-alignment rule: an aggregate may
// expose more input channels than output channels (a device microphone
// leads the list, for example), and the tap's mixed stream occupies
// the last N inputs. Output channel i therefore reads input channel
// i + (inputs - outputs); out-of-range mappings produce silence.
func (c *Controller) applyGain(res *TapResources, in, out [][]float32, frames int, mix float32) {
	inCount := len(in)
	outCount := len(out)
	offset := inCount - outCount

	target := c.targetVolume.Load()
	coeff := res.rampCoeff.Load()
	ramped := res.rampedGain.Load()

	for i := 0; i < frames; i++ {
		// Exponential approach toward the target prevents audible
		// clicks on any instantaneous volume change.
		ramped += coeff * (target - ramped)
		g := float32(ramped) * mix

		for och := 0; och < outCount; och++ {
			if i >= len(out[och]) {
				continue
			}
			ich := och + offset
			if ich < 0 || ich >= inCount || i >= len(in[ich]) {
				out[och][i] = 0
				continue
			}
			out[och][i] = in[ich][i] * g
		}
	}

	res.rampedGain.Store(ramped)
}

// updateLevel folds the buffer's peak into the exponentially smoothed
// VU meter. Single writer: only the path that currently owns the meter
// calls this.
func (c *Controller) updateLevel(in [][]float32, frames int) {
	var peak float32
	for ch := 0; ch < len(in); ch++ {
		buf := in[ch]
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

	level := c.peakLevel.Load()
	level += levelSmoothing * (float64(peak) - level)
	c.peakLevel.Store(level)
}

func zeroBuffers(out [][]float32, frames int) {
	for ch := 0; ch < len(out); ch++ {
		buf := out[ch]
		n := frames
		if n > len(buf) {
			n = len(buf)
		}
		for i := 0; i < n; i++ {
			buf[i] = 0
		}
	}
}
