// Package persist stores per-application audio settings (volume, mute,
// device route, EQ and compressor state) in an embedded Badger
// database, keyed by the application's stable identifier so settings
// survive process restarts and PID changes.
package persist
