// Package tele owns the broker session: client identity, connect and
// disconnect bookkeeping, the retained adoption publish, telemetry
// delivery and inbound config/command routing.
package tele

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/flowsense/flowsense/internal/telemetry"
	"github.com/flowsense/flowsense/log2"
)

type Config struct {
	Enabled           bool   `hcl:"enable"`
	ClientId          string `hcl:"client_id"` // overrides MAC-derived identity
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttUser          string `hcl:"mqtt_user"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`

	BuildVersion string `hcl:"-"`
}

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown!"
}

// Teler contract:
// - Init fails only on invalid config, network issues are background noise
// - Publish never blocks longer than the network timeout
// - Publish=false means not delivered, caller retries on its own cadence
type Teler interface {
	Init(ctx context.Context, log *log2.Log, cfg Config) error
	Publish(w telemetry.Window) bool
	Connected() bool
	State() SessionState
	Close()
}

// DeriveClientId is the default client identity: the last 3 bytes of
// the transport MAC as 6 lowercase hex characters.
func DeriveClientId(mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return ""
	}
	b := mac[len(mac)-3:]
	return fmt.Sprintf("%02x%02x%02x", b[0], b[1], b[2])
}

// Noop replaces a session in tests and in disabled configs.
type Noop struct {
	published int32
}

func (Noop) Init(context.Context, *log2.Log, Config) error { return nil }
func (n *Noop) Publish(telemetry.Window) bool {
	atomic.AddInt32(&n.published, 1)
	return true
}
func (Noop) Connected() bool      { return false }
func (Noop) State() SessionState  { return StateDisconnected }
func (Noop) Close()               {}
func (n *Noop) PublishCount() int { return int(atomic.LoadInt32(&n.published)) }
