package state_new

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowsense/flowsense/internal/state"
	"github.com/flowsense/flowsense/log2"
)

func TestNewTestContext(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, "1.0-test", `
telemetry {
  interval_ms = 2500
  k_factor = 98
}
tele {
  mqtt_broker = "tcp://broker.example:1883"
}
`)
	assert.Equal(t, "1.0-test", g.BuildVersion)
	assert.Equal(t, uint32(2500), g.Settings.TelemetryIntervalMs())
	assert.Equal(t, int32(98), g.Settings.KFactor())
	assert.Equal(t, "tcp://broker.example:1883", g.Config.Tele.MqttBroker)

	// the context round-trips both values NewContext stored
	assert.Same(t, g, state.GetGlobal(ctx))
	assert.Same(t, g.Log, log2.ContextValueLogger(ctx))
}
