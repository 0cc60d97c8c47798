package network

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/flowsense/flowsense/log2"
)

const linkPollInterval = 500 * time.Millisecond

// linkWatch polls kernel interface state and turns changes into bringup
// events. DHCP itself is owned by the system (dhcpcd/systemd-networkd),
// this code only consumes the result.
type linkWatch struct {
	log    *log2.Log
	iface  string
	alive  *alive.Alive
	events chan Event

	carrier bool
	hasIP   bool
}

func newLinkWatch(log *log2.Log, iface string) *linkWatch {
	return &linkWatch{
		log:    log,
		iface:  iface,
		alive:  alive.NewAlive(),
		events: make(chan Event, 8),
	}
}

func (w *linkWatch) start() {
	w.alive.Add(1)
	go w.loop()
}

func (w *linkWatch) stop() {
	w.alive.Stop()
	w.alive.Wait()
}

func (w *linkWatch) loop() {
	defer w.alive.Done()
	defer close(w.events)
	stopch := w.alive.StopChan()
	for {
		w.poll()
		select {
		case <-time.After(linkPollInterval):
		case <-stopch:
			return
		}
	}
}

func (w *linkWatch) poll() {
	carrier := readCarrier(w.iface)
	if carrier != w.carrier {
		w.carrier = carrier
		if carrier {
			w.send(Event{Kind: EventLinkUp})
		} else {
			w.hasIP = false
			w.send(Event{Kind: EventLinkDown})
		}
	}
	if !w.carrier {
		return
	}

	addr := ifaceAddr(w.iface)
	if addr != nil && !w.hasIP {
		w.hasIP = true
		w.send(Event{Kind: EventGotIP, Addr: addr})
	} else if addr == nil && w.hasIP {
		// address lost while carrier stays up, treat as link loss
		w.hasIP = false
		w.send(Event{Kind: EventLinkDown})
	}
}

func (w *linkWatch) send(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Errorf("linkwatch iface=%s event=%d dropped, consumer stuck", w.iface, ev.Kind)
	}
}

func readCarrier(iface string) bool {
	b, err := ioutil.ReadFile(fmt.Sprintf("/sys/class/net/%s/carrier", iface))
	if err != nil {
		return false
	}
	return len(b) > 0 && bytes.TrimSpace(b)[0] == '1'
}

func ifaceAddr(iface string) net.IP {
	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return nil
	}
	addrs, err := nif.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				return ip4
			}
		}
	}
	return nil
}

func ifaceMAC(iface string) (net.HardwareAddr, error) {
	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Annotatef(err, "interface=%s", iface)
	}
	if len(nif.HardwareAddr) == 0 {
		return nil, errors.Errorf("interface=%s has no MAC", iface)
	}
	return nif.HardwareAddr, nil
}
