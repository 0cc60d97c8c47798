package tele

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/flowsense/flowsense/helpers"
	"github.com/flowsense/flowsense/log2"
)

// Topic scheme:
//
//	tele/<id>        outbound telemetry windows
//	stat/<id>/adopt  retained adoption document
//	stat/<id>/lwt    retained online/offline, will message
//	conf/<id>        inbound config
//	cmnd/<id>        inbound commands
type transportMqtt struct {
	log    *log2.Log
	m      mqtt.Client
	events TransportEvents

	ackTimeout time.Duration

	topicTelemetry string
	topicAdopt     string
	topicStatus    string
	topicConfig    string
	topicCommand   string
}

var (
	statusOnline  = []byte("online")
	statusOffline = []byte("offline")
)

func (tm *transportMqtt) Init(ctx context.Context, log *log2.Log, cfg Config, events TransportEvents) error {
	tm.log = log
	tm.events = events
	if cfg.MqttLogDebug {
		mqtt.ERROR = log
		mqtt.CRITICAL = log
		mqtt.WARN = log
	}

	id := cfg.ClientId
	tm.topicTelemetry = fmt.Sprintf("tele/%s", id)
	tm.topicAdopt = fmt.Sprintf("stat/%s/adopt", id)
	tm.topicStatus = fmt.Sprintf("stat/%s/lwt", id)
	tm.topicConfig = fmt.Sprintf("conf/%s", id)
	tm.topicCommand = fmt.Sprintf("cmnd/%s", id)

	keepAlive := helpers.IntSecondDefault(cfg.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(cfg.PingTimeoutSec, 30*time.Second)
	tm.ackTimeout = helpers.IntSecondDefault(cfg.NetworkTimeoutSec, 30*time.Second)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MqttBroker).
		SetClientID(id).
		SetUsername(cfg.MqttUser).
		SetPassword(cfg.MqttPassword).
		SetBinaryWill(tm.topicStatus, statusOffline, 1, true).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(keepAlive / 2).
		SetOrderMatters(false).
		SetOnConnectHandler(tm.onConnect).
		SetConnectionLostHandler(tm.onConnectionLost)
	tm.m = mqtt.NewClient(opts)

	token := tm.m.Connect()
	if token.Error() != nil {
		return errors.Annotate(token.Error(), "mqtt connect")
	}
	return nil
}

func (tm *transportMqtt) Close() {
	if tm.m.IsConnectionOpen() {
		tm.publish(tm.topicStatus, statusOffline, true)
	}
	tm.m.Disconnect(250)
}

func (tm *transportMqtt) Connected() bool {
	return tm.m.IsConnectionOpen()
}

func (tm *transportMqtt) SendTelemetry(payload []byte) bool {
	return tm.publish(tm.topicTelemetry, payload, false)
}

func (tm *transportMqtt) SendAdopt(payload []byte) bool {
	return tm.publish(tm.topicAdopt, payload, true)
}

func (tm *transportMqtt) publish(topic string, payload []byte, retained bool) bool {
	if !tm.m.IsConnectionOpen() {
		return false
	}
	return tm.waitToken(tm.m.Publish(topic, 1, retained, payload), "publish", topic)
}

// waitToken reports whether the broker acked within ackTimeout. Both the
// timeout and a refused ack are logged.
func (tm *transportMqtt) waitToken(token mqtt.Token, op, topic string) bool {
	if !token.WaitTimeout(tm.ackTimeout) {
		tm.log.Errorf("mqtt %s topic=%s ack timeout", op, topic)
		return false
	}
	if err := token.Error(); err != nil {
		tm.log.Errorf("mqtt %s topic=%s err=%v", op, topic, err)
		return false
	}
	return true
}

func (tm *transportMqtt) onConnect(c mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		tm.topicConfig: func(_ mqtt.Client, msg mqtt.Message) {
			tm.events.OnConfig(msg.Payload())
		},
		tm.topicCommand: func(_ mqtt.Client, msg mqtt.Message) {
			tm.events.OnCommand(msg.Payload())
		},
	}
	for topic, h := range subs {
		tm.waitToken(c.Subscribe(topic, 1, h), "subscribe", topic)
	}
	tm.publish(tm.topicStatus, statusOnline, true)
	tm.events.OnConnect()
}

func (tm *transportMqtt) onConnectionLost(c mqtt.Client, err error) {
	tm.events.OnDisconnect(err)
}
