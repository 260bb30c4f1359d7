package tap

import (
	"fmt"
	"sort"
	"sync"
)

// SimulatedSystem is an in-memory AudioSystem for tests and examples.
// It hands out handles, tracks which resources are alive, and lets the
// caller pump registered render callbacks manually with RenderOnce.
// Error injection hooks make every creation step individually failable.
type SimulatedSystem struct {
	mu         sync.Mutex
	nextHandle uint64

	taps       map[TapHandle]*TapDescription
	aggregates map[AggregateHandle]*simAggregate
	ioProcs    map[IOProcHandle]*simIOProc

	tapChannels        int
	extraInputChannels int
	sampleRate         float64
	inputFill          float32

	tapCreateErr       error
	tapCreateErrOnce   error
	aggregateCreateErr error
	ioProcCreateErr    error
	startErr           error
	neverReady         bool
	readyPollsNeeded   int
}

type simAggregate struct {
	desc           AggregateDescription
	started        bool
	readyPollsLeft int
}

type simIOProc struct {
	handle    IOProcHandle
	aggregate AggregateHandle
	render    RenderFunc
}

// NewSimulatedSystem returns a simulated system with two tap channels,
// a 48 kHz sample rate, input buffers filled with 0.5, and no injected
// failures.
func NewSimulatedSystem() *SimulatedSystem {
	return &SimulatedSystem{
		taps:        make(map[TapHandle]*TapDescription),
		aggregates:  make(map[AggregateHandle]*simAggregate),
		ioProcs:     make(map[IOProcHandle]*simIOProc),
		tapChannels: 2,
		sampleRate:  48000,
		inputFill:   0.5,
	}
}

// SetTapCreateError injects a persistent CreateProcessTap failure.
func (s *SimulatedSystem) SetTapCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tapCreateErr = err
}

// FailNextTapCreate injects a failure for the next CreateProcessTap
// call only.
func (s *SimulatedSystem) FailNextTapCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tapCreateErrOnce = err
}

// SetAggregateCreateError injects a persistent CreateAggregate failure.
func (s *SimulatedSystem) SetAggregateCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregateCreateErr = err
}

// SetIOProcCreateError injects a persistent CreateIOProc failure.
func (s *SimulatedSystem) SetIOProcCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ioProcCreateErr = err
}

// SetStartError injects a persistent StartDevice failure.
func (s *SimulatedSystem) SetStartError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// SetNeverReady makes every aggregate report not-ready forever.
func (s *SimulatedSystem) SetNeverReady(never bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neverReady = never
}

// SetReadyPollsNeeded makes each newly created aggregate require n
// DeviceReady polls before reporting ready.
func (s *SimulatedSystem) SetReadyPollsNeeded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyPollsNeeded = n
}

// SetExtraInputChannels prepends n non-tap channels (a device
// microphone, for example) to the input buffer list passed to render
// callbacks.
func (s *SimulatedSystem) SetExtraInputChannels(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraInputChannels = n
}

// SetDeviceSampleRate overrides the nominal sample rate reported for
// aggregates created after this call.
func (s *SimulatedSystem) SetDeviceSampleRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = rate
}

// SetInputFill sets the constant sample value the simulated tap feeds
// into render callbacks.
func (s *SimulatedSystem) SetInputFill(v float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputFill = v
}

// CreateProcessTap implements AudioSystem.
func (s *SimulatedSystem) CreateProcessTap(pid ProcessID) (TapHandle, *TapDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tapCreateErrOnce != nil {
		err := s.tapCreateErrOnce
		s.tapCreateErrOnce = nil
		return 0, nil, err
	}
	if s.tapCreateErr != nil {
		return 0, nil, s.tapCreateErr
	}
	s.nextHandle++
	handle := TapHandle(s.nextHandle)
	desc := &TapDescription{
		UID:      fmt.Sprintf("sim-tap-%d-%d", pid, handle),
		Channels: s.tapChannels,
	}
	s.taps[handle] = desc
	return handle, desc, nil
}

// DestroyProcessTap implements AudioSystem.
func (s *SimulatedSystem) DestroyProcessTap(tap TapHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[tap]; !ok {
		return &OSStatusError{Op: "DestroyProcessTap", Code: -1}
	}
	delete(s.taps, tap)
	return nil
}

// CreateAggregate implements AudioSystem.
func (s *SimulatedSystem) CreateAggregate(desc AggregateDescription) (AggregateHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggregateCreateErr != nil {
		return 0, s.aggregateCreateErr
	}
	s.nextHandle++
	handle := AggregateHandle(s.nextHandle)
	s.aggregates[handle] = &simAggregate{
		desc:           desc,
		readyPollsLeft: s.readyPollsNeeded,
	}
	return handle, nil
}

// DestroyAggregate implements AudioSystem.
func (s *SimulatedSystem) DestroyAggregate(aggregate AggregateHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[aggregate]; !ok {
		return &OSStatusError{Op: "DestroyAggregate", Code: -1}
	}
	delete(s.aggregates, aggregate)
	return nil
}

// CreateIOProc implements AudioSystem.
func (s *SimulatedSystem) CreateIOProc(aggregate AggregateHandle, render RenderFunc) (IOProcHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ioProcCreateErr != nil {
		return 0, s.ioProcCreateErr
	}
	if _, ok := s.aggregates[aggregate]; !ok {
		return 0, &OSStatusError{Op: "CreateIOProc", Code: -1}
	}
	s.nextHandle++
	handle := IOProcHandle(s.nextHandle)
	s.ioProcs[handle] = &simIOProc{
		handle:    handle,
		aggregate: aggregate,
		render:    render,
	}
	return handle, nil
}

// DestroyIOProc implements AudioSystem.
func (s *SimulatedSystem) DestroyIOProc(aggregate AggregateHandle, ioProc IOProcHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.ioProcs[ioProc]
	if !ok || proc.aggregate != aggregate {
		return &OSStatusError{Op: "DestroyIOProc", Code: -1}
	}
	delete(s.ioProcs, ioProc)
	return nil
}

// StartDevice implements AudioSystem.
func (s *SimulatedSystem) StartDevice(aggregate AggregateHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	agg, ok := s.aggregates[aggregate]
	if !ok {
		return &OSStatusError{Op: "StartDevice", Code: -1}
	}
	agg.started = true
	return nil
}

// StopDevice implements AudioSystem.
func (s *SimulatedSystem) StopDevice(aggregate AggregateHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggregates[aggregate]
	if !ok {
		return &OSStatusError{Op: "StopDevice", Code: -1}
	}
	agg.started = false
	return nil
}

// DeviceReady implements AudioSystem.
func (s *SimulatedSystem) DeviceReady(aggregate AggregateHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neverReady {
		return false
	}
	agg, ok := s.aggregates[aggregate]
	if !ok {
		return false
	}
	if agg.readyPollsLeft > 0 {
		agg.readyPollsLeft--
		return false
	}
	return true
}

// DeviceSampleRate implements AudioSystem.
func (s *SimulatedSystem) DeviceSampleRate(aggregate AggregateHandle) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[aggregate]; !ok {
		return 0, &OSStatusError{Op: "DeviceSampleRate", Code: -1}
	}
	return s.sampleRate, nil
}

// RenderOnce drives one buffer through every render callback whose
// aggregate is started, in handle order, and returns each callback's
// output buffers. Inputs are the tap channels (plus any configured
// extra leading channels) filled with the configured constant.
func (s *SimulatedSystem) RenderOnce(frames int) [][][]float32 {
	s.mu.Lock()
	procs := make([]*simIOProc, 0, len(s.ioProcs))
	for _, proc := range s.ioProcs {
		if agg, ok := s.aggregates[proc.aggregate]; ok && agg.started {
			procs = append(procs, proc)
		}
	}
	inChannels := s.tapChannels + s.extraInputChannels
	outChannels := s.tapChannels
	fill := s.inputFill
	s.mu.Unlock()

	sort.Slice(procs, func(i, j int) bool { return procs[i].handle < procs[j].handle })

	outputs := make([][][]float32, 0, len(procs))
	for _, proc := range procs {
		in := make([][]float32, inChannels)
		for ch := range in {
			in[ch] = make([]float32, frames)
			for i := range in[ch] {
				in[ch][i] = fill
			}
		}
		out := make([][]float32, outChannels)
		for ch := range out {
			out[ch] = make([]float32, frames)
		}
		proc.render(in, out, frames)
		outputs = append(outputs, out)
	}
	return outputs
}

// LiveHandles returns the counts of alive taps, aggregates, and I/O
// procs. Tests use it to assert that failure paths leak nothing.
func (s *SimulatedSystem) LiveHandles() (taps, aggregates, ioProcs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps), len(s.aggregates), len(s.ioProcs)
}
