// Package proctap routes per-application audio through a tap,
// crossfade, and DSP engine.
//
// The root [Router] is the main API facade integrating the
// collaborators: one [tap.Controller] per routed application
// (enumerated through [discovery.Provider]), output devices from
// [device.Provider], persisted per-app settings in [persist.Store],
// and routing events published on [notify.Notifier].
//
// # Getting Started
//
// Compose a Router from its collaborators and route an application:
//
//	devices, err := device.NewPortAudioProvider()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer devices.Close()
//
//	router, err := proctap.NewRouter(proctap.Options{
//	    System:    platformAudioSystem,
//	    Devices:   devices,
//	    Discovery: apps,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Close()
//
//	if err := router.Activate(ctx, pid); err != nil {
//	    log.Fatal(err)
//	}
//	router.SetVolume(pid, 0.8)
//	err = router.RouteTo(ctx, pid, []string{headphonesUID})
//
// # Device Switching
//
// RouteTo performs a glitch-free switch: the engine runs an equal-power
// crossfade between the old and new output paths and falls back to a
// brief silent switch only when the crossfade cannot complete. Volume
// changes ramp exponentially; nothing in the public API clicks.
//
// # Engine Without the Router
//
// The tap package is usable standalone: create a [tap.Controller]
// against any [tap.AudioSystem] implementation for one process and
// drive it directly. [tap.SimulatedSystem] implements the platform
// seam in memory for tests and examples.
//
// # Architecture
//
// This package orchestrates:
//
//   - [tap]: controller, crossfade state machine, real-time render path
//   - [dsp]: equalizer, compressor, soft limiter
//   - [device]: output device enumeration and removal watch
//   - [discovery]: tappable application enumeration
//   - [persist]: per-app settings storage
//   - [notify]: routing event publication
//   - [record]: capture of the processed stream to WAV
package proctap
