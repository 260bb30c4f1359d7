package tap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildResources creates a live bundle directly against the simulated
// system, bypassing the controller.
func buildResources(t *testing.T, sys *SimulatedSystem) *TapResources {
	t.Helper()

	tapHandle, desc, err := sys.CreateProcessTap(100)
	require.NoError(t, err)
	agg, err := sys.CreateAggregate(AggregateDescription{
		UID:           "test-agg",
		SubDeviceUIDs: []string{"dev-1"},
		TapUID:        desc.UID,
	})
	require.NoError(t, err)
	proc, err := sys.CreateIOProc(agg, func(in, out [][]float32, frames int) {})
	require.NoError(t, err)
	require.NoError(t, sys.StartDevice(agg))

	return &TapResources{
		system:      sys,
		tap:         tapHandle,
		aggregate:   agg,
		ioProc:      proc,
		description: desc,
	}
}

func TestTapResourcesDestroyReleasesEverything(t *testing.T) {
	sys := NewSimulatedSystem()
	res := buildResources(t, sys)

	assert.True(t, res.Valid())
	res.destroy()
	assert.False(t, res.Valid())

	taps, aggs, procs := sys.LiveHandles()
	assert.Zero(t, taps)
	assert.Zero(t, aggs)
	assert.Zero(t, procs)
}

func TestTapResourcesDestroyIdempotent(t *testing.T) {
	sys := NewSimulatedSystem()
	res := buildResources(t, sys)

	res.destroy()
	// Second and third destroy must not touch the system again; the
	// simulated system would return errors for unknown handles, which
	// teardown logs, but the flag stops it before any call happens.
	res.destroy()
	res.destroy()

	taps, aggs, procs := sys.LiveHandles()
	assert.Zero(t, taps+aggs+procs)
}

func TestTapResourcesDestroyAsyncReleasesEverything(t *testing.T) {
	sys := NewSimulatedSystem()
	res := buildResources(t, sys)

	res.destroyAsync()

	// The flag flips synchronously even though teardown is deferred.
	assert.False(t, res.Valid())

	require.Eventually(t, func() bool {
		taps, aggs, procs := sys.LiveHandles()
		return taps+aggs+procs == 0
	}, time.Second, 5*time.Millisecond)
}

// callCountingSystem wraps the simulated system and counts teardown
// calls, so tests can verify teardown never touches a handle that was
// never assigned.
type callCountingSystem struct {
	*SimulatedSystem
	stopCalls        int
	destroyProcCalls int
	destroyAggCalls  int
	destroyTapCalls  int
}

func (s *callCountingSystem) StopDevice(aggregate AggregateHandle) error {
	s.stopCalls++
	return s.SimulatedSystem.StopDevice(aggregate)
}

func (s *callCountingSystem) DestroyIOProc(aggregate AggregateHandle, ioProc IOProcHandle) error {
	s.destroyProcCalls++
	return s.SimulatedSystem.DestroyIOProc(aggregate, ioProc)
}

func (s *callCountingSystem) DestroyAggregate(aggregate AggregateHandle) error {
	s.destroyAggCalls++
	return s.SimulatedSystem.DestroyAggregate(aggregate)
}

func (s *callCountingSystem) DestroyProcessTap(tap TapHandle) error {
	s.destroyTapCalls++
	return s.SimulatedSystem.DestroyProcessTap(tap)
}

func TestTapResourcesPartialTeardownSkipsUnassignedHandles(t *testing.T) {
	sys := &callCountingSystem{SimulatedSystem: NewSimulatedSystem()}

	tapHandle, _, err := sys.CreateProcessTap(100)
	require.NoError(t, err)

	// Construction stopped after the tap (aggregate creation failed),
	// so only the tap handle was ever assigned.
	res := &TapResources{system: sys, tap: tapHandle}
	res.destroy()

	assert.Equal(t, 1, sys.destroyTapCalls)
	assert.Zero(t, sys.stopCalls, "no aggregate was created, nothing to stop")
	assert.Zero(t, sys.destroyAggCalls)
	assert.Zero(t, sys.destroyProcCalls)

	taps, aggs, procs := sys.LiveHandles()
	assert.Zero(t, taps+aggs+procs)
}

func TestTapResourcesEmptyTeardownMakesNoSystemCalls(t *testing.T) {
	sys := &callCountingSystem{SimulatedSystem: NewSimulatedSystem()}

	res := &TapResources{system: sys}
	res.destroy()

	assert.Zero(t, sys.stopCalls+sys.destroyAggCalls+sys.destroyProcCalls+sys.destroyTapCalls)
}

func TestTapResourcesNilSafe(t *testing.T) {
	var res *TapResources
	assert.False(t, res.Valid())
	res.destroy()
	res.destroyAsync()
}

func TestTapResourcesDescription(t *testing.T) {
	sys := NewSimulatedSystem()
	res := buildResources(t, sys)
	defer res.destroy()

	desc := res.Description()
	require.NotNil(t, desc)
	assert.Equal(t, 2, desc.Channels)
	assert.NotEmpty(t, desc.UID)
}
