package tele

import (
	"context"
	"sync/atomic"

	"github.com/flowsense/flowsense/log2"
)

// transportMock stands in for the broker in unit tests. Test code
// drives the session through MockConnect/MockDisconnect and the two
// Receive helpers; outbound payloads land in buffered channels.
type transportMock struct {
	events    TransportEvents
	connected int32
	sendOK    int32

	Telemetry chan []byte
	Adopt     chan []byte
}

func newTransportMock() *transportMock {
	return &transportMock{
		sendOK:    1,
		Telemetry: make(chan []byte, 32),
		Adopt:     make(chan []byte, 32),
	}
}

func (tm *transportMock) Init(ctx context.Context, log *log2.Log, cfg Config, events TransportEvents) error {
	tm.events = events
	return nil
}

func (tm *transportMock) Close() { atomic.StoreInt32(&tm.connected, 0) }

func (tm *transportMock) Connected() bool { return atomic.LoadInt32(&tm.connected) == 1 }

func (tm *transportMock) SendTelemetry(payload []byte) bool {
	if !tm.Connected() || atomic.LoadInt32(&tm.sendOK) == 0 {
		return false
	}
	tm.Telemetry <- payload
	return true
}

func (tm *transportMock) SendAdopt(payload []byte) bool {
	if !tm.Connected() || atomic.LoadInt32(&tm.sendOK) == 0 {
		return false
	}
	tm.Adopt <- payload
	return true
}

func (tm *transportMock) MockConnect() {
	atomic.StoreInt32(&tm.connected, 1)
	tm.events.OnConnect()
}

func (tm *transportMock) MockDisconnect(err error) {
	atomic.StoreInt32(&tm.connected, 0)
	tm.events.OnDisconnect(err)
}

func (tm *transportMock) MockConfig(payload []byte)  { tm.events.OnConfig(payload) }
func (tm *transportMock) MockCommand(payload []byte) { tm.events.OnCommand(payload) }

func (tm *transportMock) SetSendOK(ok bool) {
	v := int32(0)
	if ok {
		v = 1
	}
	atomic.StoreInt32(&tm.sendOK, v)
}
