package tap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/proctap/dsp"
	"github.com/opd-ai/proctap/record"
)

// startPump drives every registered render callback from a background
// goroutine, standing in for the platform's audio thread.
func startPump(t *testing.T, sys *SimulatedSystem) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				sys.RenderOnce(512)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func requireNoLeaks(t *testing.T, sys *SimulatedSystem, wantBundles int) {
	t.Helper()
	require.Eventually(t, func() bool {
		taps, aggs, procs := sys.LiveHandles()
		return taps == wantBundles && aggs == wantBundles && procs == wantBundles
	}, 2*time.Second, 5*time.Millisecond, "expected %d live resource bundles", wantBundles)
}

func TestControllerActivate(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()

	require.NoError(t, c.Activate(context.Background()))
	assert.True(t, c.IsActivated())
	assert.Equal(t, []string{"dev-1"}, c.CurrentDeviceUIDs())
	assert.Equal(t, ProcessID(100), c.ProcessID())

	taps, aggs, procs := sys.LiveHandles()
	assert.Equal(t, 1, taps)
	assert.Equal(t, 1, aggs)
	assert.Equal(t, 1, procs)
}

func TestControllerActivateIdempotent(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()

	require.NoError(t, c.Activate(context.Background()))
	require.NoError(t, c.Activate(context.Background()))

	taps, aggs, procs := sys.LiveHandles()
	assert.Equal(t, 1, taps, "second activate must not create resources")
	assert.Equal(t, 1, aggs)
	assert.Equal(t, 1, procs)
}

func TestControllerActivateDefaultDevice(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", nil)
	defer c.Invalidate()

	require.NoError(t, c.Activate(context.Background()))
	assert.Equal(t, []string{"dev-1"}, c.CurrentDeviceUIDs())
}

func TestControllerActivateTapFailure(t *testing.T) {
	sys := NewSimulatedSystem()
	sys.SetTapCreateError(&OSStatusError{Op: "CreateProcessTap", Code: -4242})
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})

	err := c.Activate(context.Background())
	require.Error(t, err)

	var tapErr *TapCreationError
	require.ErrorAs(t, err, &tapErr)
	assert.Equal(t, int32(-4242), tapErr.Code)
	assert.False(t, c.IsActivated())
	requireNoLeaks(t, sys, 0)
}

func TestControllerActivateAggregateFailureCleansUpTap(t *testing.T) {
	sys := NewSimulatedSystem()
	sys.SetAggregateCreateError(&OSStatusError{Op: "CreateAggregate", Code: -7})
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})

	err := c.Activate(context.Background())
	require.Error(t, err)

	var aggErr *AggregateCreationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, int32(-7), aggErr.Code)
	assert.False(t, c.IsActivated())
	requireNoLeaks(t, sys, 0)
}

func TestControllerActivateDeviceNeverReady(t *testing.T) {
	sys := NewSimulatedSystem()
	sys.SetNeverReady(true)
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})

	err := c.Activate(context.Background())
	require.Error(t, err)

	var readyErr *DeviceNotReadyError
	require.ErrorAs(t, err, &readyErr)
	assert.False(t, c.IsActivated())
	requireNoLeaks(t, sys, 0)
}

func TestControllerActivateDelayedReadiness(t *testing.T) {
	sys := NewSimulatedSystem()
	sys.SetReadyPollsNeeded(3)
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()

	require.NoError(t, c.Activate(context.Background()))
	assert.True(t, c.IsActivated())
}

func TestUpdateDevicesValidation(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()

	assert.ErrorIs(t, c.UpdateDevices(context.Background(), nil), ErrNoDevices)
	assert.ErrorIs(t, c.UpdateDevices(context.Background(), []string{"dev-2"}), ErrNotActivated)
}

func TestUpdateDevicesSameSetNoOp(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()
	require.NoError(t, c.Activate(context.Background()))

	require.NoError(t, c.UpdateDevices(context.Background(), []string{"dev-1"}))

	// No secondary path was ever created.
	taps, _, _ := sys.LiveHandles()
	assert.Equal(t, 1, taps)
	assert.Equal(t, PhaseIdle, c.crossfade.Phase())
}

func TestUpdateDevicesCrossfade(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()
	require.NoError(t, c.Activate(context.Background()))
	startPump(t, sys)

	require.NoError(t, c.UpdateDevices(context.Background(), []string{"dev-2"}))

	assert.Equal(t, []string{"dev-2"}, c.CurrentDeviceUIDs())
	assert.True(t, c.IsActivated())
	assert.Equal(t, PhaseIdle, c.crossfade.Phase())
	requireNoLeaks(t, sys, 1)

	// The promoted path renders as primary.
	settleGain(c)
	in := fillChannels([]float32{0.4, 0.4}, 32)
	out := renderDirect(c, in, 2, 32)
	assert.InDelta(t, 0.4, out[0][0], 1e-3)
}

func TestUpdateDevicesFallsBackToDestructiveSwitch(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()
	require.NoError(t, c.Activate(context.Background()))
	startPump(t, sys)

	c.SetVolume(0.8)

	// First tap creation (the crossfade's secondary) fails; the
	// destructive fallback's creation succeeds.
	sys.FailNextTapCreate(&OSStatusError{Op: "CreateProcessTap", Code: -1})

	require.NoError(t, c.UpdateDevices(context.Background(), []string{"dev-2"}))

	assert.Equal(t, []string{"dev-2"}, c.CurrentDeviceUIDs())
	assert.True(t, c.IsActivated())
	assert.False(t, c.forceSilence.Load(), "silence flag must clear after fallback")
	assert.InDelta(t, 0.8, c.Volume(), 1e-9, "volume must be restored")
	requireNoLeaks(t, sys, 1)
}

func TestUpdateDevicesBothPathsFail(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()
	require.NoError(t, c.Activate(context.Background()))
	startPump(t, sys)

	sys.SetAggregateCreateError(&OSStatusError{Op: "CreateAggregate", Code: -9})

	err := c.UpdateDevices(context.Background(), []string{"dev-2"})
	require.Error(t, err)

	// The old route survives and audio is not left force-silent.
	assert.Equal(t, []string{"dev-1"}, c.CurrentDeviceUIDs())
	assert.True(t, c.IsActivated())
	assert.False(t, c.forceSilence.Load())
	requireNoLeaks(t, sys, 1)
}

func TestUpdateDevicesAbortsInFlightSwitch(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()
	require.NoError(t, c.Activate(context.Background()))
	startPump(t, sys)

	// Watch for the destructive fallback. An aborted-then-resumed
	// switch must stay on the crossfade path, so the hard-silence flag
	// never flips.
	var sawSilence atomic.Bool
	watchStop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for {
			select {
			case <-watchStop:
				return
			default:
				if c.forceSilence.Load() {
					sawSilence.Store(true)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	// The first switch targets the wireless device, whose long warmup
	// leaves a wide window for the second request to land mid-switch.
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- c.UpdateDevices(context.Background(), []string{"dev-bt"})
	}()
	require.Eventually(t, func() bool {
		return c.crossfade.Phase() == PhaseWarmingUp
	}, time.Second, time.Millisecond)

	// The second request aborts the first and runs its own crossfade
	// to completion.
	require.NoError(t, c.UpdateDevices(context.Background(), []string{"dev-2"}))
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(watchStop)
	<-watchDone
	assert.False(t, sawSilence.Load(), "second switch must crossfade, not fall back")

	assert.Equal(t, []string{"dev-2"}, c.CurrentDeviceUIDs())
	assert.True(t, c.IsActivated())
	assert.Equal(t, PhaseIdle, c.crossfade.Phase())
	requireNoLeaks(t, sys, 1)
}

func TestUpdateDevicesCancelled(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	defer c.Invalidate()
	require.NoError(t, c.Activate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context aborts the switch without the destructive
	// fallback kicking in.
	err := c.UpdateDevices(ctx, []string{"dev-2"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"dev-1"}, c.CurrentDeviceUIDs())
	requireNoLeaks(t, sys, 1)
}

func TestInvalidateIdempotent(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	require.NoError(t, c.Activate(context.Background()))

	c.Invalidate()
	c.Invalidate()

	assert.False(t, c.IsActivated())
	requireNoLeaks(t, sys, 0)

	// Re-activation after invalidation is allowed.
	require.NoError(t, c.Activate(context.Background()))
	assert.True(t, c.IsActivated())
	c.Invalidate()
	requireNoLeaks(t, sys, 0)
}

func TestInvalidateBeforeActivate(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", []string{"dev-1"})
	c.Invalidate()
	assert.False(t, c.IsActivated())
}

func TestUpdateEQSettingsValidation(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", nil)

	bad := dsp.FlatEQSettings()
	bad.BandGains[0] = 99
	assert.Error(t, c.UpdateEQSettings(bad))

	good := dsp.FlatEQSettings()
	good.BandGains[2] = 2.0
	assert.NoError(t, c.UpdateEQSettings(good))
}

func TestUpdateCompressorSettings(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", nil)

	bad := dsp.DefaultCompressorSettings()
	bad.Ratio = 0
	assert.Error(t, c.UpdateCompressorSettings(bad))
	assert.Nil(t, c.compressor.Load())

	good := dsp.DefaultCompressorSettings()
	good.ThresholdDB = -24
	require.NoError(t, c.UpdateCompressorSettings(good))
	assert.NotNil(t, c.compressor.Load())
}

func TestSetCompressorEnabledBuildsOnDemand(t *testing.T) {
	sys := NewSimulatedSystem()
	c := NewController(sys, testDevices(), 100, "Music", nil)

	assert.Nil(t, c.compressor.Load())
	c.SetCompressorEnabled(true)
	assert.NotNil(t, c.compressor.Load())
	assert.True(t, c.compressorEnabled.Load())

	c.SetCompressorEnabled(false)
	assert.False(t, c.compressorEnabled.Load())
}

func TestControllerRecorderRoundTrip(t *testing.T) {
	sys := NewSimulatedSystem()
	c := newActivatedController(t, sys)
	settleGain(c)

	path := filepath.Join(t.TempDir(), "capture.wav")
	rec, err := record.NewRecorder(path, 48000, 2)
	require.NoError(t, err)

	c.AttachRecorder(rec)
	in := fillChannels([]float32{0.2, 0.2}, 256)
	for i := 0; i < 20; i++ {
		renderDirect(c, in, 2, 256)
	}
	got := c.DetachRecorder()
	assert.Same(t, rec, got)
	assert.Nil(t, c.DetachRecorder())

	require.NoError(t, rec.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(44), "WAV file must contain audio beyond the header")
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, int32(-55), statusCode(&OSStatusError{Op: "x", Code: -55}))
	assert.Equal(t, int32(-1), statusCode(errors.New("plain")))
}
