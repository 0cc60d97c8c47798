package tele

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsense/flowsense/internal/settings"
	"github.com/flowsense/flowsense/internal/telemetry"
	"github.com/flowsense/flowsense/log2"
)

type brokerEnv struct {
	url    string
	server transport.Server
	engine *broker.Engine

	monitor  *client.Client
	monLwt   chan []byte
	monAdopt chan []byte
	monTele  chan []byte
}

func brokerSetup(t testing.TB, clientId string) *brokerEnv {
	env := &brokerEnv{
		monLwt:   make(chan []byte, 32),
		monAdopt: make(chan []byte, 32),
		monTele:  make(chan []byte, 32),
	}

	server, err := transport.Launch("tcp://127.0.0.1:0")
	require.NoError(t, err)
	env.server = server
	env.engine = broker.NewEngine(broker.NewMemoryBackend())
	env.engine.Accept(server)
	env.url = fmt.Sprintf("tcp://%s", server.Addr().String())
	t.Cleanup(func() {
		_ = env.server.Close()
		env.engine.Close()
	})

	topicLwt := fmt.Sprintf("stat/%s/lwt", clientId)
	topicAdopt := fmt.Sprintf("stat/%s/adopt", clientId)
	topicTele := fmt.Sprintf("tele/%s", clientId)

	env.monitor = client.New()
	env.monitor.Callback = func(msg *packet.Message, err error) error {
		if err != nil {
			return nil
		}
		switch msg.Topic {
		case topicLwt:
			env.monLwt <- msg.Payload
		case topicAdopt:
			env.monAdopt <- msg.Payload
		case topicTele:
			env.monTele <- msg.Payload
		}
		return nil
	}
	monCfg := client.NewConfig(env.url)
	monCfg.ClientID = "monitor"
	cf, err := env.monitor.Connect(monCfg)
	require.NoError(t, err)
	require.NoError(t, cf.Wait(5*time.Second))
	sf, err := env.monitor.Subscribe("#", 0)
	require.NoError(t, err)
	require.NoError(t, sf.Wait(5*time.Second))
	t.Cleanup(func() { _ = env.monitor.Disconnect() })
	return env
}

func waitPayload(t testing.TB, ch chan []byte, what string) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return nil
	}
}

// Full session over a real broker: connect, retained status and
// adoption, telemetry delivery, inbound config and command, offline
// status on shutdown.
func TestSessionOverBroker(t *testing.T) {
	t.Parallel()

	const clientId = "0102a3"
	env := brokerSetup(t, clientId)

	cfg := settings.NewStore()
	restarted := make(chan struct{}, 1)
	sess := New(Options{
		Settings: cfg,
		Network: func() AdoptNetwork {
			return AdoptNetwork{
				Mode: "ethernet",
				IP:   net.ParseIP("192.0.2.10"),
				MAC:  net.HardwareAddr{0xde, 0xad, 0xbe, 0x01, 0x02, 0xa3},
			}
		},
		OnRestart: func() { restarted <- struct{}{} },
	})
	teleConfig := Config{
		Enabled:           true,
		ClientId:          clientId,
		MqttBroker:        env.url,
		KeepaliveSec:      5,
		PingTimeoutSec:    5,
		NetworkTimeoutSec: 5,
		BuildVersion:      "1.0-test",
	}
	log := log2.NewTest(t, log2.LDebug)
	require.NoError(t, sess.Init(context.Background(), log, teleConfig))
	defer sess.Close()

	assert.Equal(t, []byte("online"), waitPayload(t, env.monLwt, "online status"))
	adopt := decodeJSON(t, waitPayload(t, env.monAdopt, "adopt document"))
	firmware := adopt["firmware"].(map[string]interface{})
	assert.Equal(t, FirmwareName, firmware["name"])
	assert.Equal(t, "1.0-test", firmware["version"])

	require.Eventually(t, func() bool { return sess.Connected() }, 10*time.Second, 10*time.Millisecond)

	w := telemetry.Window{ElapsedMs: 1000, PulseCount: 49, VolumeMls: 1000}
	require.True(t, sess.Publish(w))
	assert.JSONEq(t, `{"elapsedMs":1000,"pulseCount":49,"volumeMls":1000}`,
		string(waitPayload(t, env.monTele, "telemetry window")))

	pf, err := env.monitor.Publish(fmt.Sprintf("conf/%s", clientId), []byte(`{"telemetryIntervalMs":2500}`), 1, false)
	require.NoError(t, err)
	require.NoError(t, pf.Wait(5*time.Second))
	require.Eventually(t, func() bool { return cfg.TelemetryIntervalMs() == 2500 },
		10*time.Second, 10*time.Millisecond, "config not applied")

	pf, err = env.monitor.Publish(fmt.Sprintf("cmnd/%s", clientId), []byte(`{"restart":true}`), 1, false)
	require.NoError(t, err)
	require.NoError(t, pf.Wait(5*time.Second))
	select {
	case <-restarted:
	case <-time.After(10 * time.Second):
		t.Fatal("restart command not delivered")
	}

	sess.Close()
	assert.Equal(t, []byte("offline"), waitPayload(t, env.monLwt, "offline status"))
}
