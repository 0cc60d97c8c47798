package network

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/dbus"
	"github.com/juju/errors"

	"github.com/flowsense/flowsense/log2"
)

type WifiConfig struct {
	Iface           string `hcl:"iface"`
	CredentialsPath string `hcl:"credentials_path"` // wpa_supplicant conf, written by the provisioning portal
	AssocTimeoutSec int    `hcl:"assoc_timeout_sec"`
}

const defaultAssocTimeout = 60 * time.Second

// wifi blocks in Start until the station associates. This is the one
// sanctioned blocking bring-up step: without network identity the device
// has no useful work. No credentials or no association within the
// timeout is unrecoverable here; the caller restarts the process, which
// re-enters the external provisioning portal.
type wifi struct {
	log   *log2.Log
	cfg   WifiConfig
	watch *linkWatch
	mac   net.HardwareAddr
}

func NewWifi(cfg WifiConfig, log *log2.Log) Driver {
	return &wifi{
		log:   log,
		cfg:   cfg,
		watch: newLinkWatch(log, cfg.Iface),
	}
}

func (w *wifi) Name() string { return "wifi" }

func (w *wifi) Start(ctx context.Context) error {
	if w.cfg.CredentialsPath != "" {
		if _, err := os.Stat(w.cfg.CredentialsPath); err != nil {
			return errors.Annotatef(err, "wifi credentials path=%s", w.cfg.CredentialsPath)
		}
	}

	// Association is owned by wpa_supplicant; kick its unit so freshly
	// provisioned credentials take effect, then wait for carrier.
	if err := w.restartSupplicant(); err != nil {
		w.log.Errorf("wifi supplicant restart err=%v", err)
	}

	timeout := defaultAssocTimeout
	if w.cfg.AssocTimeoutSec > 0 {
		timeout = time.Duration(w.cfg.AssocTimeoutSec) * time.Second
	}
	if err := w.waitAssoc(ctx, timeout); err != nil {
		return err
	}

	mac, err := ifaceMAC(w.cfg.Iface)
	if err != nil {
		return err
	}
	w.mac = mac
	w.watch.start()
	return nil
}

func (w *wifi) restartSupplicant() error {
	conn, err := dbus.New()
	if err != nil {
		return errors.Annotate(err, "systemd dbus")
	}
	defer conn.Close()

	unit := "wpa_supplicant@" + w.cfg.Iface + ".service"
	done := make(chan string, 1)
	if _, err = conn.RestartUnit(unit, "replace", done); err != nil {
		return errors.Annotatef(err, "restart unit=%s", unit)
	}
	select {
	case result := <-done:
		if result != "done" {
			return errors.Errorf("restart unit=%s result=%s", unit, result)
		}
	case <-time.After(10 * time.Second):
		return errors.Timeoutf("restart unit=%s", unit)
	}
	return nil
}

func (w *wifi) waitAssoc(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		if readCarrier(w.cfg.Iface) {
			w.log.Infof("wifi associated iface=%s", w.cfg.Iface)
			return nil
		}
		select {
		case <-time.After(linkPollInterval):
		case <-deadline:
			return errors.Timeoutf("wifi association iface=%s", w.cfg.Iface)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *wifi) Events() <-chan Event  { return w.watch.events }
func (w *wifi) MAC() net.HardwareAddr { return w.mac }
func (w *wifi) Stop()                 { w.watch.stop() }
