package network

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"

	"github.com/flowsense/flowsense/helpers"
	"github.com/flowsense/flowsense/log2"
)

type Config struct {
	Mode     string         `hcl:"mode"` // ethernet, wifi, dual
	Ethernet EthernetConfig `hcl:"ethernet"`
	Wifi     WifiConfig     `hcl:"wifi"`
	// dual mode: how long to wait for an ethernet carrier before
	// falling back to wifi
	EthProbeSec int `hcl:"eth_probe_sec"`
}

const defaultEthProbe = 5 * time.Second

func NewDriver(cfg Config, log *log2.Log) (Driver, error) {
	switch cfg.Mode {
	case "ethernet", "":
		return NewEthernet(cfg.Ethernet, log), nil
	case "wifi":
		return NewWifi(cfg.Wifi, log), nil
	case "dual":
		return newDual(cfg, log), nil
	}
	return nil, errors.NotValidf("network mode=%s", cfg.Mode)
}

// dual prefers wired: probe the ethernet carrier briefly, fall back to
// wifi when the cable is not plugged.
type dual struct {
	log    *log2.Log
	cfg    Config
	inner  Driver
	active string
}

func newDual(cfg Config, log *log2.Log) *dual {
	return &dual{log: log, cfg: cfg}
}

func (d *dual) Name() string { return "dual/" + d.active }

func (d *dual) Start(ctx context.Context) error {
	probe := helpers.IntSecondDefault(d.cfg.EthProbeSec, defaultEthProbe)

	deadline := time.After(probe)
probeLoop:
	for {
		if readCarrier(d.cfg.Ethernet.Iface) {
			d.active = "ethernet"
			d.inner = NewEthernet(d.cfg.Ethernet, d.log)
			return d.inner.Start(ctx)
		}
		select {
		case <-time.After(linkPollInterval):
		case <-deadline:
			break probeLoop
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.log.Infof("dual: no ethernet carrier, using wifi")
	d.active = "wifi"
	d.inner = NewWifi(d.cfg.Wifi, d.log)
	return d.inner.Start(ctx)
}

func (d *dual) Events() <-chan Event  { return d.inner.Events() }
func (d *dual) MAC() net.HardwareAddr { return d.inner.MAC() }
func (d *dual) Stop() {
	if d.inner != nil {
		d.inner.Stop()
	}
}
