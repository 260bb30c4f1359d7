// Package tap implements the per-process audio tap engine: it hooks the
// rendered audio of a target process, runs it through a fixed DSP
// pipeline (volume ramp, equalizer, soft limiter, optional compressor),
// and routes it to one or more output devices with glitch-free device
// switching.
//
// A Controller is created per tapped process. Activate sets up the
// OS-side tap, a private aggregate output device, and a real-time
// render callback. Volume, mute, and DSP settings are written from the
// control path and read lock-free by the callback. UpdateDevices
// performs an equal-power crossfade between two simultaneously running
// audio paths, falling back to a brief hard-silence switch when the
// crossfade cannot complete.
//
// The design follows established patterns from this codebase:
//   - Interface-based platform seam (AudioSystem) for testability
//   - Thread-safe control path with appropriate mutex usage
//   - Lock-free atomic scalars on the real-time path, which never
//     allocates, locks, blocks, or logs
//
// SimulatedSystem provides a fully in-memory AudioSystem with failure
// injection and deterministic render stepping for tests and examples.
package tap
