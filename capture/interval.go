package capture

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	MinInterval     = 50 * time.Millisecond
	MaxInterval     = 1000 * time.Millisecond
	DefaultInterval = 200 * time.Millisecond
)

// ClampInterval converts a server-requested interval in milliseconds into the
// effective capture interval, max(50, min(1000, ms)).
func ClampInterval(ms float64) time.Duration {
	ms = math.Max(50, math.Min(1000, ms))
	return time.Duration(ms * float64(time.Millisecond))
}

// Interval is the capture cadence. It is written by interval-control messages
// and read by the scheduler at the start of every tick.
type Interval struct {
	d atomic.Int64
}

func NewInterval(initial time.Duration) *Interval {
	iv := &Interval{}
	iv.d.Store(int64(ClampInterval(float64(initial) / float64(time.Millisecond))))
	return iv
}

// SetMillis clamps and stores ms, returning the effective value. Non-finite
// input is ignored.
func (iv *Interval) SetMillis(ms float64) time.Duration {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return iv.Get()
	}
	d := ClampInterval(ms)
	iv.d.Store(int64(d))
	return d
}

func (iv *Interval) Get() time.Duration {
	return time.Duration(iv.d.Load())
}
