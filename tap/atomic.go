package tap

import (
	"math"
	"sync/atomic"
)

// atomicFloat64 stores a float64 as its bit pattern in a single aligned
// word so one writer and any number of readers can share it across the
// control path and the real-time audio thread without locking or
// tearing.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat64) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}
