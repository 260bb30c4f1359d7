package tap

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Render roles for a TapResources bundle. The role is a single atomic
// word read by the real-time callback to decide which gain curve it is
// on; the control path flips it during promotion and teardown.
const (
	rolePrimary int32 = iota
	roleSecondary
	roleRetired
)

// TapResources bundles the OS handles that make up one audio path: the
// process tap, the private aggregate device, the registered I/O proc,
// and the tap's description. The four are created and destroyed as an
// atomic set; no partial bundle is ever visible outside the
// construction and destruction routines.
//
// destroy and destroyAsync are idempotent and safe to call from the
// control path at any time, including while callbacks are in flight:
// the destroyed flag flips first, so a running callback sees it and
// zeroes its output instead of touching a dying path.
type TapResources struct {
	system AudioSystem

	tap         TapHandle
	aggregate   AggregateHandle
	ioProc      IOProcHandle
	description *TapDescription

	role      atomic.Int32
	destroyed atomic.Bool

	// Per-path gain ramp state. rampedGain is written only by this
	// path's render callback; rampCoeff is fixed at creation from the
	// aggregate's sample rate.
	rampedGain atomicFloat64
	rampCoeff  atomicFloat64
}

// Description returns the tap description captured at creation.
func (r *TapResources) Description() *TapDescription {
	return r.description
}

// Valid reports whether the bundle still owns live handles.
func (r *TapResources) Valid() bool {
	return r != nil && !r.destroyed.Load()
}

// destroy tears the bundle down synchronously. Idempotent: the second
// and later calls return immediately with no observable effect. May
// block until the real-time callback quiesces, so callers on a
// latency-sensitive path should use destroyAsync instead.
func (r *TapResources) destroy() {
	if r == nil || !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	r.teardown()
}

// destroyAsync flips the destroyed flag immediately (silencing the
// render callback) and hands the blocking teardown calls to a
// background goroutine. The caller must have cleared its own reference
// to the bundle first; the captured handles live only inside r, so a
// subsequent creation cannot collide with this teardown.
func (r *TapResources) destroyAsync() {
	if r == nil || !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	go r.teardown()
}

// teardown releases the handles in the required order: stop the
// device, unregister the I/O proc, destroy the aggregate, then the
// tap. A zero handle was never assigned (construction failed before
// that step), so its teardown step is skipped. Failures are logged and
// do not stop the remaining steps.
func (r *TapResources) teardown() {
	if r.aggregate != 0 {
		if err := r.system.StopDevice(r.aggregate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "TapResources.teardown",
				"aggregate": r.aggregate,
				"error":     err.Error(),
			}).Warn("Failed to stop aggregate device")
		}
		if r.ioProc != 0 {
			if err := r.system.DestroyIOProc(r.aggregate, r.ioProc); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "TapResources.teardown",
					"io_proc":  r.ioProc,
					"error":    err.Error(),
				}).Warn("Failed to destroy I/O proc")
			}
		}
		if err := r.system.DestroyAggregate(r.aggregate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "TapResources.teardown",
				"aggregate": r.aggregate,
				"error":     err.Error(),
			}).Warn("Failed to destroy aggregate device")
		}
	}
	if r.tap != 0 {
		if err := r.system.DestroyProcessTap(r.tap); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TapResources.teardown",
				"tap":      r.tap,
				"error":    err.Error(),
			}).Warn("Failed to destroy process tap")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "TapResources.teardown",
		"tap":       r.tap,
		"aggregate": r.aggregate,
		"io_proc":   r.ioProc,
	}).Debug("Tap resources released")
}
