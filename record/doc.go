// Package record captures a processed audio stream to a WAV file.
//
// The real-time side is a single Push call that copies samples into a
// lock-free single-producer single-consumer ring; a drain goroutine
// owns the file and the WAV encoder. When the drain falls behind, the
// incoming frames that do not fit are counted and discarded rather
// than blocking the audio thread.
package record
