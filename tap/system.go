package tap

import "fmt"

// ProcessID identifies the process whose audio is being tapped. It is
// opaque to this package; the discovery collaborator owns its meaning.
type ProcessID uint32

// TapHandle references an OS process tap. The zero value is never a
// valid handle; it marks a handle that was never assigned.
type TapHandle uint64

// AggregateHandle references an aggregate output device. The zero
// value is never a valid handle.
type AggregateHandle uint64

// IOProcHandle references a registered real-time I/O callback. The
// zero value is never a valid handle.
type IOProcHandle uint64

// RenderFunc is invoked on the platform's real-time audio thread with
// non-interleaved input and output channel buffers. Implementations
// must not allocate, lock, block, or call anything that might.
type RenderFunc func(in, out [][]float32, frames int)

// TapDescription describes a created process tap.
type TapDescription struct {
	// UID identifies the tap when building an aggregate around it.
	UID string
	// Channels is the channel count of the tap's mixed-down stream,
	// normally two. In the aggregate's input buffer list these occupy
	// the last Channels positions.
	Channels int
}

// AggregateDescription describes the private aggregate output device
// built for one audio path.
type AggregateDescription struct {
	// UID is a fresh unique identifier; every controller and every
	// crossfade attempt gets its own private aggregate so no two
	// paths contend for a device handle.
	UID string
	// SubDeviceUIDs lists the physical output devices. The first entry
	// is the clock source; the rest receive drift compensation so all
	// outputs stay sample-synchronized.
	SubDeviceUIDs []string
	// TapUID binds the process tap into the aggregate.
	TapUID string
}

// AudioSystem is the minimal platform seam the controller is written
// against. A production implementation binds the OS audio services;
// SimulatedSystem implements it in memory for tests and examples.
type AudioSystem interface {
	// CreateProcessTap installs a tap on the target process and
	// returns its handle and description.
	CreateProcessTap(pid ProcessID) (TapHandle, *TapDescription, error)

	// DestroyProcessTap removes a tap. May block until in-flight
	// callbacks have quiesced.
	DestroyProcessTap(tap TapHandle) error

	// CreateAggregate builds a private aggregate device.
	CreateAggregate(desc AggregateDescription) (AggregateHandle, error)

	// DestroyAggregate tears an aggregate down.
	DestroyAggregate(aggregate AggregateHandle) error

	// CreateIOProc registers a real-time render callback on the
	// aggregate. The callback stays registered until DestroyIOProc.
	CreateIOProc(aggregate AggregateHandle, render RenderFunc) (IOProcHandle, error)

	// DestroyIOProc unregisters a render callback. May block until the
	// real-time thread has finished the current buffer.
	DestroyIOProc(aggregate AggregateHandle, ioProc IOProcHandle) error

	// StartDevice begins I/O on the aggregate.
	StartDevice(aggregate AggregateHandle) error

	// StopDevice halts I/O on the aggregate.
	StopDevice(aggregate AggregateHandle) error

	// DeviceReady reports whether the aggregate has finished
	// initializing and is able to run I/O.
	DeviceReady(aggregate AggregateHandle) bool

	// DeviceSampleRate returns the aggregate's nominal sample rate.
	DeviceSampleRate(aggregate AggregateHandle) (float64, error)
}

// OSStatusError carries a raw platform status code from an AudioSystem
// implementation. Wrapping errors extract the code with errors.As.
type OSStatusError struct {
	Op   string
	Code int32
}

func (e *OSStatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Op, e.Code)
}
