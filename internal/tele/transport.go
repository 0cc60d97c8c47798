package tele

import (
	"context"

	"github.com/flowsense/flowsense/log2"
)

// TransportEvents are the session-layer callbacks a transport invokes
// from its own goroutines.
type TransportEvents struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnConfig     func(payload []byte)
	OnCommand    func(payload []byte)
}

// Transporter hides the MQTT library behind the narrow surface the
// session needs. Production implementation is transportMqtt; tests use
// transportMock.
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, cfg Config, events TransportEvents) error
	// Send* return false when the payload was not accepted for
	// delivery (not connected, ack timeout).
	SendTelemetry(payload []byte) bool
	// SendAdopt publishes the retained self-description document.
	SendAdopt(payload []byte) bool
	Connected() bool
	Close()
}
