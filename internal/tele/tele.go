package tele

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/flowsense/flowsense/internal/metric"
	"github.com/flowsense/flowsense/internal/settings"
	"github.com/flowsense/flowsense/internal/telemetry"
	"github.com/flowsense/flowsense/log2"
)

type Options struct {
	Settings *settings.Store
	Metrics  *metric.Metrics
	// Network supplies the live identity snapshot for the adoption
	// document, called on every (re)connect.
	Network func() AdoptNetwork
	// OnRestart handles the remote restart command. Default exits the
	// process and lets the service manager bring it back.
	OnRestart func()
}

type tele struct {
	config    Config
	log       *log2.Log
	opts      Options
	transport Transporter

	state       int32 // SessionState
	connectedAt *atomic_clock.Clock
}

func New(opts Options) Teler {
	return &tele{opts: opts, transport: &transportMqtt{}}
}

// NewWithTransport is the test constructor.
func NewWithTransport(opts Options, trans Transporter) Teler {
	return &tele{opts: opts, transport: trans}
}

func (t *tele) Init(ctx context.Context, log *log2.Log, cfg Config) error {
	t.config = cfg
	t.log = log
	t.connectedAt = atomic_clock.New()
	if t.config.LogDebug {
		t.log.SetLevel(log2.LDebug)
	}
	if !t.config.Enabled {
		t.log.Infof("tele disabled")
		return nil
	}
	if t.config.MqttBroker == "" {
		return errors.NotValidf("tele config: mqtt_broker empty")
	}
	if t.config.ClientId == "" {
		return errors.NotValidf("tele config: client id not derived yet")
	}
	if t.opts.OnRestart == nil {
		t.opts.OnRestart = func() { os.Exit(0) }
	}

	events := TransportEvents{
		OnConnect:    t.onConnect,
		OnDisconnect: t.onDisconnect,
		OnConfig:     t.onConfig,
		OnCommand:    t.onCommand,
	}
	t.setState(StateConnecting)
	if err := t.transport.Init(ctx, log, t.config, events); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	return nil
}

func (t *tele) Close() {
	if t.config.Enabled {
		t.transport.Close()
	}
	t.setState(StateDisconnected)
}

func (t *tele) State() SessionState {
	return SessionState(atomic.LoadInt32(&t.state))
}

func (t *tele) Connected() bool { return t.State() == StateConnected }

// Publish reports confirmed delivery. False while the broker session is
// down, which the aggregator turns into retry-on-next-tick.
func (t *tele) Publish(w telemetry.Window) bool {
	if !t.config.Enabled {
		t.log.Debugf("tele disabled, drop window=%+v", w)
		return true
	}
	b, err := json.Marshal(&w)
	if err != nil {
		t.log.Errorf("tele window marshal w=%+v err=%v", w, err)
		return true // retry will not help
	}
	return t.transport.SendTelemetry(b)
}

func (t *tele) setState(s SessionState) {
	atomic.StoreInt32(&t.state, int32(s))
}

func (t *tele) onConnect() {
	t.setState(StateConnected)
	t.connectedAt.SetNow()
	if t.opts.Metrics != nil {
		t.opts.Metrics.SessionConnects.Inc()
	}

	// retained adoption metadata, exactly once per successful connect
	var nw AdoptNetwork
	if t.opts.Network != nil {
		nw = t.opts.Network()
	}
	b, err := BuildAdopt(t.config.BuildVersion, nw)
	if err != nil {
		t.log.Errorf("tele adopt build err=%v", err)
	} else if !t.transport.SendAdopt(b) {
		t.log.Errorf("tele adopt publish failed")
	}
	t.log.Infof("mqtt connected clientid=%s", t.config.ClientId)
}

func (t *tele) onDisconnect(err error) {
	t.setState(StateDisconnected)
	if t.opts.Metrics != nil {
		t.opts.Metrics.SessionDrops.Inc()
	}
	// classification is informational only, recovery belongs to the
	// transport's reconnect logic
	t.log.Errorf("mqtt disconnected reason=%s uptime=%s err=%v",
		classifyDisconnect(err), atomic_clock.Since(t.connectedAt), err)
}

// onConfig applies recognized field/value pairs, ignores the rest.
func (t *tele) onConfig(payload []byte) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.log.Errorf("tele config parse raw=%x err=%v", payload, err)
		return
	}
	for field, raw := range doc {
		num, ok := raw.(float64)
		if !ok {
			t.log.Debugf("tele config field=%s ignored, not a number", field)
			continue
		}
		if t.opts.Settings.Apply(field, int(num)) {
			t.log.Infof("tele config applied %s=%d", field, int(num))
		} else {
			t.log.Debugf("tele config field=%s unknown, ignored", field)
		}
	}
}

func (t *tele) onCommand(payload []byte) {
	var cmd struct {
		Restart bool `json:"restart"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		t.log.Errorf("tele command parse raw=%x err=%v", payload, err)
		return
	}
	if cmd.Restart {
		// no graceful drain of in-flight telemetry
		t.log.Infof("tele command restart")
		t.opts.OnRestart()
	}
}
