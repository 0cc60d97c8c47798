package telemetry

import (
	"time"

	"github.com/temoto/atomic_clock"
)

// BootClock returns a Clock counting milliseconds since the call,
// truncated to uint32 like the rest of the telemetry arithmetic.
func BootClock() Clock {
	start := atomic_clock.Now()
	return func() uint32 {
		return uint32(atomic_clock.Since(start) / time.Millisecond)
	}
}
