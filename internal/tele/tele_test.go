package tele

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsense/flowsense/internal/settings"
	"github.com/flowsense/flowsense/internal/telemetry"
	"github.com/flowsense/flowsense/log2"
)

type tenv struct {
	cfg       *settings.Store
	trans     *transportMock
	tele      Teler
	restarted chan struct{}
}

func testSetup(t testing.TB) *tenv {
	env := &tenv{
		cfg:       settings.NewStore(),
		trans:     newTransportMock(),
		restarted: make(chan struct{}, 1),
	}
	opts := Options{
		Settings: env.cfg,
		Network: func() AdoptNetwork {
			return AdoptNetwork{
				Mode: "ethernet",
				IP:   net.ParseIP("192.0.2.10"),
				MAC:  net.HardwareAddr{0xde, 0xad, 0xbe, 0x01, 0x02, 0x03},
			}
		},
		OnRestart: func() { env.restarted <- struct{}{} },
	}
	env.tele = NewWithTransport(opts, env.trans)
	teleConfig := Config{
		Enabled:      true,
		ClientId:     "010203",
		MqttBroker:   "tcp://testing.invalid:1883",
		BuildVersion: "1.0-test",
	}
	require.NoError(t, env.tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), teleConfig))
	return env
}

func TestDeriveClientId(t *testing.T) {
	t.Parallel()

	mac := net.HardwareAddr{0xde, 0xad, 0xbe, 0x01, 0x02, 0xa3}
	assert.Equal(t, "0102a3", DeriveClientId(mac))
	assert.Equal(t, "", DeriveClientId(net.HardwareAddr{0x01}))
}

func TestAdoptOncePerConnect(t *testing.T) {
	t.Parallel()

	env := testSetup(t)
	assert.Equal(t, StateConnecting, env.tele.State())

	env.trans.MockConnect()
	assert.Equal(t, StateConnected, env.tele.State())
	require.Len(t, env.trans.Adopt, 1)
	doc := decodeJSON(t, <-env.trans.Adopt)

	firmware := doc["firmware"].(map[string]interface{})
	assert.Equal(t, FirmwareShortName, firmware["shortName"])
	assert.Equal(t, "1.0-test", firmware["version"])
	network := doc["network"].(map[string]interface{})
	assert.Equal(t, "192.0.2.10", network["ip"])
	assert.Equal(t, "de:ad:be:01:02:03", network["mac"])

	schema := doc["configSchema"].(map[string]interface{})
	props := schema["properties"].(map[string]interface{})
	interval := props["telemetryIntervalMs"].(map[string]interface{})
	assert.Equal(t, "Telemetry Interval (ms)", interval["title"])
	assert.Equal(t, float64(60000), interval["maximum"])
	kf := props["kFactor"].(map[string]interface{})
	assert.Equal(t, "K-Factor", kf["title"])
	assert.Equal(t, float64(1), kf["minimum"])

	// reconnect publishes adoption metadata again, once
	env.trans.MockDisconnect(errors.New("connection reset"))
	assert.Equal(t, StateDisconnected, env.tele.State())
	env.trans.MockConnect()
	assert.Len(t, env.trans.Adopt, 1)
}

func TestPublishWindow(t *testing.T) {
	t.Parallel()

	env := testSetup(t)
	env.trans.MockConnect()
	<-env.trans.Adopt

	w := telemetry.Window{ElapsedMs: 1000, PulseCount: 49, VolumeMls: 1000}
	require.True(t, env.tele.Publish(w))
	require.Len(t, env.trans.Telemetry, 1)
	assert.JSONEq(t, `{"elapsedMs":1000,"pulseCount":49,"volumeMls":1000}`, string(<-env.trans.Telemetry))
}

func TestPublishFailsWhileDisconnected(t *testing.T) {
	t.Parallel()

	env := testSetup(t)
	w := telemetry.Window{ElapsedMs: 1000, PulseCount: 1, VolumeMls: 20}
	assert.False(t, env.tele.Publish(w))

	env.trans.MockConnect()
	<-env.trans.Adopt
	assert.True(t, env.tele.Publish(w))
}

func TestConfigRouting(t *testing.T) {
	t.Parallel()

	env := testSetup(t)
	env.trans.MockConnect()

	env.trans.MockConfig([]byte(`{"telemetryIntervalMs":5000,"kFactor":98,"unknownField":1,"junk":"x"}`))
	assert.Equal(t, uint32(5000), env.cfg.TelemetryIntervalMs())
	assert.Equal(t, int32(98), env.cfg.KFactor())

	// upper clamp goes through the same path
	env.trans.MockConfig([]byte(`{"telemetryIntervalMs":999999}`))
	assert.Equal(t, uint32(60000), env.cfg.TelemetryIntervalMs())

	// garbage must not disturb stored values
	env.trans.MockConfig([]byte(`not json`))
	assert.Equal(t, uint32(60000), env.cfg.TelemetryIntervalMs())
	assert.Equal(t, int32(98), env.cfg.KFactor())
}

func TestCommandRestart(t *testing.T) {
	t.Parallel()

	env := testSetup(t)
	env.trans.MockConnect()

	env.trans.MockCommand([]byte(`{"restart":false}`))
	select {
	case <-env.restarted:
		t.Fatal("restart=false must not restart")
	case <-time.After(50 * time.Millisecond):
	}

	env.trans.MockCommand([]byte(`{"restart":true}`))
	select {
	case <-env.restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart=true did not trigger restart")
	}
}

func TestDisconnectLogsUptime(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	log := log2.NewWriter(buf, log2.LDebug)
	log.SetFlags(0)

	cfg := settings.NewStore()
	trans := newTransportMock()
	sess := NewWithTransport(Options{Settings: cfg}, trans)
	require.NoError(t, sess.Init(context.Background(), log, Config{
		Enabled:    true,
		ClientId:   "010203",
		MqttBroker: "tcp://testing.invalid:1883",
	}))

	trans.MockConnect()
	trans.MockDisconnect(errors.New("EOF"))
	assert.Contains(t, buf.String(), "uptime=")
}

func TestClassifyDisconnect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		reason DisconnectReason
	}{
		{packets.ErrorRefusedBadProtocolVersion, ReasonBadProtocol},
		{packets.ErrorRefusedIDRejected, ReasonBadClientId},
		{packets.ErrorRefusedServerUnavailable, ReasonBrokerUnavailable},
		{packets.ErrorRefusedBadUsernameOrPassword, ReasonBadCredentials},
		{packets.ErrorRefusedNotAuthorised, ReasonUnauthorized},
		{errors.Timeoutf("ping"), ReasonTimeout},
		{errors.New("EOF"), ReasonConnectionLost},
		{errors.Annotate(packets.ErrorRefusedNotAuthorised, "connack"), ReasonUnauthorized},
	}
	for _, c := range cases {
		assert.Equal(t, c.reason, classifyDisconnect(c.err), "err=%v", c.err)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	env := &tenv{cfg: settings.NewStore(), trans: newTransportMock()}
	env.tele = NewWithTransport(Options{Settings: env.cfg}, env.trans)
	require.NoError(t, env.tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{Enabled: false}))

	// disabled session confirms delivery so the aggregator resets
	assert.True(t, env.tele.Publish(telemetry.Window{PulseCount: 1}))
	assert.Empty(t, env.trans.Telemetry)
}

func decodeJSON(t testing.TB, b []byte) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}
