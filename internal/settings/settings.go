// Package settings holds the two remote tunables.
//
// Single update entry point is Apply(); readers use atomic getters, so
// the MQTT receive goroutine and the service loop never race. Upper
// bounds are clamped, lower bounds deliberately are not: the observed
// behavior of the fleet is to trust the operator, and changing it
// silently would desync device and manager views of current config.
package settings

import "sync/atomic"

const (
	FieldTelemetryInterval = "telemetryIntervalMs"
	FieldKFactor           = "kFactor"

	DefaultTelemetryIntervalMs = 1000
	DefaultKFactor             = 49
	TelemetryIntervalMsMax     = 60000
	KFactorMax                 = 1000
)

type Store struct {
	intervalMs int32
	kFactor    int32
}

func NewStore() *Store {
	s := &Store{}
	atomic.StoreInt32(&s.intervalMs, DefaultTelemetryIntervalMs)
	atomic.StoreInt32(&s.kFactor, DefaultKFactor)
	return s
}

// Apply stores a recognized field clamped to its documented maximum.
// Unknown fields are ignored for forward compatibility.
// Returns true when the field was recognized.
func (s *Store) Apply(field string, value int) bool {
	switch field {
	case FieldTelemetryInterval:
		if value > TelemetryIntervalMsMax {
			value = TelemetryIntervalMsMax
		}
		atomic.StoreInt32(&s.intervalMs, int32(value))
		return true

	case FieldKFactor:
		if value > KFactorMax {
			value = KFactorMax
		}
		atomic.StoreInt32(&s.kFactor, int32(value))
		return true
	}
	return false
}

// TelemetryIntervalMs converts through uint32 on purpose: the telemetry
// clock is modular uint32 milliseconds.
func (s *Store) TelemetryIntervalMs() uint32 {
	return uint32(atomic.LoadInt32(&s.intervalMs))
}

func (s *Store) KFactor() int32 {
	return atomic.LoadInt32(&s.kFactor)
}

// SchemaProperty is one property entry of the adoption config/command
// schema, field order matching the wire document.
type SchemaProperty struct {
	Name        string
	Title       string
	Description string
	Type        string
	Minimum     int
	Maximum     int
}

// ConfigSchema returns the two tunable descriptors verbatim as the
// managing system expects them.
func ConfigSchema() []SchemaProperty {
	return []SchemaProperty{
		{
			Name:        FieldTelemetryInterval,
			Title:       "Telemetry Interval (ms)",
			Description: "How often to publish telemetry data (defaults to 1000ms, i.e. 1 second)",
			Type:        "integer",
			Minimum:     1,
			Maximum:     TelemetryIntervalMsMax,
		},
		{
			Name:        FieldKFactor,
			Title:       "K-Factor",
			Description: "Number of pulses per litre (defaults to 49, check flow sensor specs)",
			Type:        "integer",
			Minimum:     1,
			Maximum:     KFactorMax,
		},
	}
}
