package tap

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/proctap/device"
	"github.com/opd-ai/proctap/dsp"
	"github.com/opd-ai/proctap/record"
)

// Timing constants for the switch protocols. Empirically chosen; tests
// treat them as configuration, not as derived physical constraints.
const (
	// VolumeRampDuration is the time constant of the exponential
	// per-sample gain ramp.
	VolumeRampDuration = 30 * time.Millisecond

	// CrossfadeDuration is the wall-clock length of the equal-power
	// mix, converted to samples at the destination device's rate.
	CrossfadeDuration = 100 * time.Millisecond

	// WarmupDuration lets a freshly created secondary path stabilize
	// before it starts contributing audible output.
	WarmupDuration = 50 * time.Millisecond

	// WirelessWarmupDuration replaces WarmupDuration for wireless
	// transports, whose buffering needs more settle time.
	WirelessWarmupDuration = 300 * time.Millisecond

	// switchPollInterval is how often the control path checks the
	// crossfade completion flags.
	switchPollInterval = 10 * time.Millisecond

	// switchTimeout bounds the completion poll; on expiry progress is
	// forced to 1.0 rather than leaving the mix intermediate.
	switchTimeout = 2 * time.Second

	// deviceReadyTimeout bounds the wait for a new aggregate device to
	// report ready.
	deviceReadyTimeout = 1 * time.Second

	// destructiveSettleDelay is the pause after forcing hard silence
	// before the synchronous tap replacement begins.
	destructiveSettleDelay = 30 * time.Millisecond

	// Destructive fallback restores volume in fixed discrete steps.
	destructiveRampSteps     = 10
	destructiveRampStepDelay = 20 * time.Millisecond
)

// Controller owns the audio tap for a single target process: the OS
// resources, the two real-time render callbacks during a device
// switch, the device-switch protocols, and all of the per-app DSP
// state.
//
// Lifecycle calls and settings changes happen on the control path;
// everything the render callbacks read is an individually aligned
// atomic scalar with a documented single writer. Invalidate is
// idempotent and hands blocking teardown to a background worker, so a
// subsequent Activate never waits on (or collides with) an in-flight
// teardown.
type Controller struct {
	system  AudioSystem
	devices device.Provider
	pid     ProcessID
	name    string

	// Control-path state, guarded by mu.
	mu                 sync.Mutex
	activated          bool
	primaryRes         *TapResources
	secondary          *TapResources
	currentUIDs        []string
	sampleRate         float64
	compressorSettings dsp.CompressorSettings
	switchCancel       context.CancelFunc

	// switchGen identifies the switch attempt that currently owns the
	// crossfade state machine. abortSwitchLocked and Invalidate bump
	// it; an attempt holding a stale generation must not reset shared
	// switch state on its way out, since a successor already owns it.
	switchGen uint64

	// Shared scalars. Writer roles per field: targetVolume, muted,
	// forceSilence and compressorEnabled are control-path written,
	// callback read; peakLevel is callback written, control read.
	targetVolume      atomicFloat64
	muted             atomic.Bool
	forceSilence      atomic.Bool
	peakLevel         atomicFloat64
	compressorEnabled atomic.Bool

	crossfade  *CrossfadeState
	equalizer  *dsp.Equalizer
	limiter    *dsp.SoftLimiter
	compressor atomic.Pointer[dsp.Compressor]
	recorder   atomic.Pointer[record.Recorder]

	newUID func() string
}

// NewController creates an inactive controller for the given process.
// deviceUIDs is the initial output route; when empty, Activate falls
// back to the provider's default output device.
func NewController(system AudioSystem, devices device.Provider, pid ProcessID, name string, deviceUIDs []string) *Controller {
	c := &Controller{
		system:             system,
		devices:            devices,
		pid:                pid,
		name:               name,
		currentUIDs:        slices.Clone(deviceUIDs),
		sampleRate:         48000,
		compressorSettings: dsp.DefaultCompressorSettings(),
		crossfade:          NewCrossfadeState(),
		equalizer:          dsp.NewEqualizer(48000, 2),
		limiter:            dsp.NewSoftLimiter(dsp.DefaultLimiterCeiling),
		newUID:             uuid.NewString,
	}
	c.targetVolume.Store(1.0)

	logrus.WithFields(logrus.Fields{
		"function": "NewController",
		"pid":      pid,
		"name":     name,
		"devices":  deviceUIDs,
	}).Info("Tap controller created")

	return c
}

// Activate creates the OS process tap, builds the private aggregate
// output device, registers the real-time render callback, and starts
// I/O. No-op when already activated. On any failure every
// partially-created resource is released and a typed error surfaces;
// the controller is left fully inactive so the caller owns retry
// policy.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activated {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.Activate",
			"pid":      c.pid,
		}).Debug("Already activated, nothing to do")
		return nil
	}

	uids := c.currentUIDs
	if len(uids) == 0 {
		info, err := c.devices.DefaultDevice()
		if err != nil {
			return err
		}
		uids = []string{info.UID}
	}

	res, rate, err := c.createResources(ctx, uids, rolePrimary)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.Activate",
			"pid":      c.pid,
			"error":    err.Error(),
		}).Error("Activation failed")
		return err
	}

	c.bindSampleRateLocked(rate)
	c.primaryRes = res
	c.currentUIDs = slices.Clone(uids)
	c.activated = true

	logrus.WithFields(logrus.Fields{
		"function":    "Controller.Activate",
		"pid":         c.pid,
		"devices":     uids,
		"sample_rate": rate,
	}).Info("Tap controller activated")

	return nil
}

// UpdateDevices routes the tapped audio to a new output device set.
// No-op when the requested set equals the current one, so callers can
// distinguish "nothing changed" from "switch attempted". Otherwise it
// attempts a crossfade switch and falls back to the destructive switch
// on any crossfade failure; only a completed switch updates the
// recorded current device set.
func (c *Controller) UpdateDevices(ctx context.Context, deviceUIDs []string) error {
	if len(deviceUIDs) == 0 {
		return ErrNoDevices
	}

	c.mu.Lock()
	if !c.activated {
		c.mu.Unlock()
		return ErrNotActivated
	}
	if slices.Equal(c.currentUIDs, deviceUIDs) {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Controller.UpdateDevices",
			"pid":      c.pid,
			"devices":  deviceUIDs,
		}).Debug("Device set unchanged, nothing to do")
		return nil
	}

	// Re-entrancy guard: a second switch request never queues behind a
	// running one; the in-progress secondary path is torn down first.
	c.abortSwitchLocked()
	gen := c.switchGen

	switchCtx, cancel := context.WithCancel(ctx)
	c.switchCancel = cancel
	c.mu.Unlock()
	defer cancel()

	err := c.crossfadeSwitch(switchCtx, deviceUIDs, gen)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !c.switchGenCurrent(gen) {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "Controller.UpdateDevices",
			"pid":      c.pid,
			"devices":  deviceUIDs,
			"error":    err.Error(),
		}).Warn("Crossfade switch failed, falling back to destructive switch")

		if err = c.destructiveSwitch(switchCtx, deviceUIDs); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.UpdateDevices",
				"pid":      c.pid,
				"error":    err.Error(),
			}).Error("Destructive switch failed")
			return err
		}
	}

	c.mu.Lock()
	if c.switchGen == gen {
		c.currentUIDs = slices.Clone(deviceUIDs)
		c.switchCancel = nil
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.UpdateDevices",
		"pid":      c.pid,
		"devices":  deviceUIDs,
	}).Info("Device switch completed")

	return nil
}

// Invalidate cancels any in-flight device switch, forces the crossfade
// machine to its terminal phase, and disposes of both resource sets on
// a background worker, since tearing down an I/O proc can block until
// the real-time callback finishes. Idempotent and safe from any state;
// Activate may be called again immediately without waiting for the
// background teardown.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	if !c.activated && c.primaryRes == nil && c.secondary == nil {
		c.mu.Unlock()
		return
	}
	c.activated = false
	c.switchGen++
	if c.switchCancel != nil {
		c.switchCancel()
		c.switchCancel = nil
	}
	primary := c.primaryRes
	secondary := c.secondary
	c.primaryRes = nil
	c.secondary = nil
	c.mu.Unlock()

	c.crossfade.ForceComplete()
	c.crossfade.Finish()

	if secondary != nil {
		secondary.role.Store(roleRetired)
		secondary.destroyAsync()
	}
	if primary != nil {
		primary.role.Store(roleRetired)
		primary.destroyAsync()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Invalidate",
		"pid":      c.pid,
	}).Info("Tap controller invalidated")
}

// SetVolume sets the target linear gain, clamped to [0, 2]. Effective
// on the next audio buffer via the exponential ramp.
func (c *Controller) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 2 {
		volume = 2
	}
	c.targetVolume.Store(volume)
}

// Volume returns the current target gain.
func (c *Controller) Volume() float64 {
	return c.targetVolume.Load()
}

// SetMute mutes or unmutes the tapped audio. The level meter keeps
// running while muted.
func (c *Controller) SetMute(muted bool) {
	c.muted.Store(muted)
}

// IsMuted reports the mute flag.
func (c *Controller) IsMuted() bool {
	return c.muted.Load()
}

// AudioLevel returns the smoothed VU peak. During a crossfade the
// incoming path owns the meter, so the reading follows the path the
// listener is about to hear.
func (c *Controller) AudioLevel() float64 {
	return c.peakLevel.Load()
}

// CurrentDeviceUIDs returns the device set audio is currently routed to.
func (c *Controller) CurrentDeviceUIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.currentUIDs)
}

// IsActivated reports whether the controller has a running primary tap.
func (c *Controller) IsActivated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activated
}

// ProcessID returns the tapped process.
func (c *Controller) ProcessID() ProcessID {
	return c.pid
}

// UpdateEQSettings validates and applies new equalizer band gains.
// Fire-and-forget; the render callback picks them up on its next
// buffer.
func (c *Controller) UpdateEQSettings(settings dsp.EQSettings) error {
	return c.equalizer.ApplySettings(settings)
}

// UpdateCompressorSettings validates the settings, builds a fresh
// compressor bound to the current sample rate, and swaps it in
// atomically so the callback never observes a torn parameter set.
func (c *Controller) UpdateCompressorSettings(settings dsp.CompressorSettings) error {
	c.mu.Lock()
	rate := c.sampleRate
	c.mu.Unlock()

	comp, err := dsp.NewCompressor(settings, rate)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.compressorSettings = settings
	c.mu.Unlock()
	c.compressor.Store(comp)

	return nil
}

// SetCompressorEnabled toggles the compressor stage.
func (c *Controller) SetCompressorEnabled(enabled bool) {
	if enabled && c.compressor.Load() == nil {
		// Build one from the stored settings on first enable.
		if err := c.UpdateCompressorSettings(c.currentCompressorSettings()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.SetCompressorEnabled",
				"error":    err.Error(),
			}).Error("Failed to build compressor")
			return
		}
	}
	c.compressorEnabled.Store(enabled)
}

func (c *Controller) currentCompressorSettings() dsp.CompressorSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressorSettings
}

// AttachRecorder starts feeding post-DSP audio into rec. Only one
// recorder is attached at a time; attaching replaces the previous one
// without closing it.
func (c *Controller) AttachRecorder(rec *record.Recorder) {
	c.recorder.Store(rec)
}

// DetachRecorder stops feeding the recorder and returns it, or nil if
// none was attached.
func (c *Controller) DetachRecorder() *record.Recorder {
	return c.recorder.Swap(nil)
}

// abortSwitchLocked cancels an in-flight switch operation and tears
// down its secondary path. Bumping the generation makes the aborted
// attempt's cleanup a no-op on the shared state, so the caller can
// start its own crossfade immediately. Caller holds mu.
func (c *Controller) abortSwitchLocked() {
	c.switchGen++
	if c.switchCancel != nil {
		c.switchCancel()
		c.switchCancel = nil
	}
	if c.secondary != nil {
		sec := c.secondary
		c.secondary = nil
		sec.role.Store(roleRetired)
		sec.destroyAsync()
	}
	c.crossfade.Finish()
}

// switchGenCurrent reports whether gen still owns the switch state.
func (c *Controller) switchGenCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchGen == gen
}

// createResources builds one complete audio path: process tap,
// aggregate device (waiting for readiness), registered I/O proc, and a
// started device. Returns the bundle and the aggregate's sample rate.
// Any step failing releases everything created so far; a half-built
// bundle is never returned.
func (c *Controller) createResources(ctx context.Context, deviceUIDs []string, role int32) (*TapResources, float64, error) {
	if len(deviceUIDs) == 0 {
		return nil, 0, ErrNoDevices
	}

	res := &TapResources{system: c.system}
	res.role.Store(role)

	tapHandle, desc, err := c.system.CreateProcessTap(c.pid)
	if err != nil {
		return nil, 0, &TapCreationError{Code: statusCode(err), Err: err}
	}
	res.tap = tapHandle
	if desc == nil {
		res.destroy()
		return nil, 0, ErrNoTapDescription
	}
	res.description = desc

	aggregate, err := c.system.CreateAggregate(AggregateDescription{
		UID:           c.newUID(),
		SubDeviceUIDs: deviceUIDs,
		TapUID:        desc.UID,
	})
	if err != nil {
		res.destroy()
		return nil, 0, &AggregateCreationError{Code: statusCode(err), Err: err}
	}
	res.aggregate = aggregate

	if err := c.waitDeviceReady(ctx, aggregate); err != nil {
		res.destroy()
		return nil, 0, err
	}

	ioProc, err := c.system.CreateIOProc(aggregate, c.renderFor(res))
	if err != nil {
		res.destroy()
		return nil, 0, &AggregateCreationError{Code: statusCode(err), Err: err}
	}
	res.ioProc = ioProc

	if err := c.system.StartDevice(aggregate); err != nil {
		res.destroy()
		return nil, 0, &AggregateCreationError{Code: statusCode(err), Err: err}
	}

	rate, err := c.system.DeviceSampleRate(aggregate)
	if err != nil || rate <= 0 {
		rate = 48000
	}
	res.rampCoeff.Store(1 - math.Exp(-1/(rate*VolumeRampDuration.Seconds())))

	return res, rate, nil
}

// waitDeviceReady polls the aggregate's readiness within a bounded
// timeout.
func (c *Controller) waitDeviceReady(ctx context.Context, aggregate AggregateHandle) error {
	deadline := time.Now().Add(deviceReadyTimeout)
	for {
		if c.system.DeviceReady(aggregate) {
			return nil
		}
		if time.Now().After(deadline) {
			return &DeviceNotReadyError{Timeout: deviceReadyTimeout}
		}
		if err := sleepCtx(ctx, switchPollInterval); err != nil {
			return err
		}
	}
}

// bindSampleRateLocked rebinds the rate-dependent DSP state. The
// caller must guarantee no render callback is inside the equalizer or
// compressor, which holds whenever the primary path is silenced or the
// crossfade machine is outside PhaseIdle.
func (c *Controller) bindSampleRateLocked(rate float64) {
	c.sampleRate = rate
	c.equalizer.SetSampleRate(rate)
	if c.compressor.Load() != nil {
		if comp, err := dsp.NewCompressor(c.compressorSettings, rate); err == nil {
			c.compressor.Store(comp)
		}
	}
}

// crossfadeSwitch performs the glitch-free device switch: it creates a
// full secondary path on the new device set, lets it warm up silently,
// runs the equal-power mix until the secondary render callback reports
// completion, then promotes the secondary to primary. On any failure
// the deferred cleanup tears the secondary down and returns the state
// machine to idle, so the primary is never left mixing against a dead
// path.
//
// gen is the switch generation this attempt was started under. Once a
// newer switch aborts this one, the crossfade machine belongs to the
// successor: the aborted attempt still disposes of its own secondary
// bundle but must not reset the phase or touch registered state.
func (c *Controller) crossfadeSwitch(ctx context.Context, deviceUIDs []string, gen uint64) (err error) {
	warmup := WarmupDuration
	if info, derr := c.devices.DeviceByUID(deviceUIDs[0]); derr == nil && info.TransportType.IsWireless() {
		warmup = WirelessWarmupDuration
	}

	if err := c.crossfade.BeginWarmup(); err != nil {
		return err
	}

	var secondary *TapResources
	promoted := false
	defer func() {
		if promoted {
			return
		}
		c.mu.Lock()
		stale := c.switchGen != gen
		if !stale && c.secondary == secondary {
			c.secondary = nil
		}
		c.mu.Unlock()
		if secondary != nil {
			secondary.role.Store(roleRetired)
			secondary.destroyAsync()
		}
		if !stale {
			c.crossfade.Finish()
		}
	}()

	secondary, rate, err := c.createResources(ctx, deviceUIDs, roleSecondary)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.switchGen != gen {
		c.mu.Unlock()
		return context.Canceled
	}
	c.secondary = secondary
	c.mu.Unlock()

	c.crossfade.SetDuration(uint64(rate * CrossfadeDuration.Seconds()))

	logrus.WithFields(logrus.Fields{
		"function":    "Controller.crossfadeSwitch",
		"pid":         c.pid,
		"devices":     deviceUIDs,
		"warmup":      warmup,
		"sample_rate": rate,
	}).Debug("Secondary path created, warming up")

	if err := sleepCtx(ctx, warmup); err != nil {
		return err
	}
	if !c.switchGenCurrent(gen) {
		return context.Canceled
	}
	c.crossfade.MarkWarmupDone()

	if err := c.crossfade.BeginFade(); err != nil {
		return err
	}

	deadline := time.Now().Add(switchTimeout)
	for !c.crossfade.Completed() {
		if time.Now().After(deadline) {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.crossfadeSwitch",
				"pid":      c.pid,
			}).Warn("Crossfade timed out, forcing completion")
			c.crossfade.ForceComplete()
			break
		}
		if err := sleepCtx(ctx, switchPollInterval); err != nil {
			return err
		}
	}

	if !secondary.Valid() || !c.system.DeviceReady(secondary.aggregate) {
		return ErrSecondaryTapInvalid
	}

	// Promotion. Ordering keeps exactly one path audible throughout:
	// the old primary was already at zero contribution (cos of 1), so
	// retiring it first is seamless; finishing the crossfade hands the
	// secondary unity gain before its role flips to primary. Done under
	// mu so an abort serializes entirely before or after the swap.
	c.mu.Lock()
	if c.switchGen != gen {
		c.mu.Unlock()
		return context.Canceled
	}
	old := c.primaryRes
	c.primaryRes = secondary
	c.secondary = nil
	c.bindSampleRateLocked(rate)
	if old != nil {
		old.role.Store(roleRetired)
	}
	c.crossfade.Finish()
	secondary.role.Store(rolePrimary)
	if old != nil {
		old.destroyAsync()
	}
	c.mu.Unlock()
	promoted = true

	return nil
}

// destructiveSwitch is the fallback when the crossfade cannot
// complete: force hard silence, settle briefly, replace the tap
// synchronously, then restore the previous volume in fixed discrete
// steps. Audibly worse (a silent gap), structurally simpler. The ramp
// and silence-flag clear run even when the replacement fails, so a
// failed switch never leaves the app silenced.
func (c *Controller) destructiveSwitch(ctx context.Context, deviceUIDs []string) (err error) {
	previousVolume := c.targetVolume.Load()

	// Atomic store publishes the flag to the render thread before the
	// teardown below begins.
	c.forceSilence.Store(true)

	defer c.rampUpFromSilence(ctx, previousVolume)

	if err := sleepCtx(ctx, destructiveSettleDelay); err != nil {
		return err
	}

	replacement, rate, err := c.createResources(ctx, deviceUIDs, rolePrimary)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.primaryRes
	c.primaryRes = replacement
	c.bindSampleRateLocked(rate)
	c.mu.Unlock()

	if old != nil {
		old.role.Store(roleRetired)
		// Synchronous teardown: the silence window already covers it.
		old.destroy()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.destructiveSwitch",
		"pid":      c.pid,
		"devices":  deviceUIDs,
	}).Info("Destructive device switch completed")

	return nil
}

// rampUpFromSilence clears the hard-silence flag and walks the target
// volume from zero back to previousVolume over fixed discrete steps.
// The final target is restored unconditionally, even on cancellation.
func (c *Controller) rampUpFromSilence(ctx context.Context, previousVolume float64) {
	c.targetVolume.Store(0)
	c.forceSilence.Store(false)

	for step := 1; step <= destructiveRampSteps; step++ {
		c.targetVolume.Store(previousVolume * float64(step) / destructiveRampSteps)
		if err := sleepCtx(ctx, destructiveRampStepDelay); err != nil {
			break
		}
	}
	c.targetVolume.Store(previousVolume)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
