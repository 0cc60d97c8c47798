// Package telemetry converts accumulated pulses and elapsed time into
// periodic volume readings.
package telemetry

import (
	"github.com/flowsense/flowsense/internal/metric"
	"github.com/flowsense/flowsense/internal/settings"
	"github.com/flowsense/flowsense/log2"
)

// Window is one telemetry reading, JSON shape is the wire format.
type Window struct {
	ElapsedMs  uint32 `json:"elapsedMs"`
	PulseCount uint32 `json:"pulseCount"`
	VolumeMls  uint32 `json:"volumeMls"`
}

// Drainer is the atomic read-and-clear side of pulse.Counter.
type Drainer interface {
	Drain() uint32
}

// Publisher reports whether the window was confirmed delivered.
type Publisher interface {
	Publish(Window) bool
}

// Clock returns monotonic milliseconds as uint32. Wraps around every
// ~49.7 days; elapsed time uses unsigned modular subtraction which stays
// correct across the wrap. Keep it unsigned.
type Clock func() uint32

// Aggregator drives the publish-with-reset cycle.
//
// Delivery is confirm-then-reset: drained pulses move into a backlog
// that is only cleared when Publisher confirms the send. A failed
// publish is retried on the next tick with the pulses accumulated since,
// so no telemetry window is silently dropped. Runs only in the service
// loop, needs no locking of its own state.
type Aggregator struct {
	log     *log2.Log
	cfg     *settings.Store
	counter Drainer
	pub     Publisher
	clock   Clock
	metrics *metric.Metrics
	lastMs  uint32
	backlog uint32
}

func NewAggregator(log *log2.Log, cfg *settings.Store, counter Drainer, pub Publisher, clock Clock, m *metric.Metrics) *Aggregator {
	return &Aggregator{
		log:     log,
		cfg:     cfg,
		counter: counter,
		pub:     pub,
		clock:   clock,
		metrics: m,
		lastMs:  clock(),
	}
}

// Tick checks the cadence and publishes one window when due.
// Returns true when a window was confirmed delivered.
func (a *Aggregator) Tick() bool {
	now := a.clock()
	elapsed := now - a.lastMs // modular uint32, wrap-correct
	if elapsed < a.cfg.TelemetryIntervalMs() {
		return false
	}

	drained := a.counter.Drain()
	a.backlog += drained
	if a.metrics != nil {
		a.metrics.PulsesTotal.Add(float64(drained))
	}

	k := a.cfg.KFactor()
	if k <= 0 {
		// zero and negative kFactor slip past config validation (no
		// lower clamp). Volume is undefined, keep the backlog and
		// retry after the operator fixes the config.
		a.log.Errorf("telemetry kFactor=%d, window withheld pulses=%d", k, a.backlog)
		return false
	}

	w := Window{
		ElapsedMs:  elapsed,
		PulseCount: a.backlog,
		VolumeMls:  uint32(int64(a.backlog) * 1000 / int64(k)),
	}
	if !a.pub.Publish(w) {
		if a.metrics != nil {
			a.metrics.PublishFailures.Inc()
		}
		a.log.Debugf("telemetry publish failed, retry next tick pulses=%d", a.backlog)
		return false
	}

	if a.metrics != nil {
		a.metrics.PublishesTotal.Inc()
		a.metrics.VolumeMlsTotal.Add(float64(w.VolumeMls))
	}
	a.lastMs = a.clock()
	a.backlog = 0
	return true
}
