package network

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"

	"github.com/flowsense/flowsense/helpers"
	"github.com/flowsense/flowsense/log2"
)

type EthernetConfig struct {
	Iface        string `hcl:"iface"`
	PhyResetChip string `hcl:"phy_reset_chip"` // empty = board resets PHY itself
	PhyResetLine int    `hcl:"phy_reset_line"`
	PhySettleMs  int    `hcl:"phy_settle_ms"`
}

const defaultPhySettle = 100 * time.Millisecond

// ethernet starts with a PHY reset pulse, then reports link and DHCP
// results asynchronously through the shared link watcher.
type ethernet struct {
	log   *log2.Log
	cfg   EthernetConfig
	watch *linkWatch
	mac   net.HardwareAddr
}

func NewEthernet(cfg EthernetConfig, log *log2.Log) Driver {
	return &ethernet{
		log:   log,
		cfg:   cfg,
		watch: newLinkWatch(log, cfg.Iface),
	}
}

func (e *ethernet) Name() string { return "ethernet" }

func (e *ethernet) Start(ctx context.Context) error {
	if e.cfg.PhyResetChip != "" {
		if err := e.phyReset(); err != nil {
			return errors.Annotate(err, "phy reset")
		}
	}
	mac, err := ifaceMAC(e.cfg.Iface)
	if err != nil {
		return err
	}
	e.mac = mac
	e.watch.start()
	return nil
}

// phyReset power-cycles the PHY: drive the reset line low, settle,
// release, settle again before the kernel re-negotiates the link.
func (e *ethernet) phyReset() error {
	settle := helpers.IntMillisecondDefault(e.cfg.PhySettleMs, defaultPhySettle)

	chip, err := gpio.Open(e.cfg.PhyResetChip, "flowsense-phy")
	if err != nil {
		return errors.Annotatef(err, "chip=%s", e.cfg.PhyResetChip)
	}
	defer chip.Close()

	line := uint32(e.cfg.PhyResetLine)
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "flowsense-phy", line)
	if err != nil {
		return errors.Annotatef(err, "line=%d", line)
	}
	defer lines.Close()

	set := lines.SetFunc(line)
	set(0)
	if err = lines.Flush(); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(settle)
	set(1)
	if err = lines.Flush(); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(settle)
	e.log.Debugf("ethernet phy reset done chip=%s line=%d", e.cfg.PhyResetChip, e.cfg.PhyResetLine)
	return nil
}

func (e *ethernet) Events() <-chan Event  { return e.watch.events }
func (e *ethernet) MAC() net.HardwareAddr { return e.mac }
func (e *ethernet) Stop()                 { e.watch.stop() }
