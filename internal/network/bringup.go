// Package network brings the uplink from cold boot to an IP-addressed
// state, uniformly for WiFi-only, Ethernet-only and dual-mode boards.
package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/flowsense/flowsense/internal/metric"
	"github.com/flowsense/flowsense/log2"
)

type LinkState int32

const (
	StateDown LinkState = iota
	StateLinkUp
	StateIpAcquired
)

func (s LinkState) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateLinkUp:
		return "link-up"
	case StateIpAcquired:
		return "ip-acquired"
	}
	return "unknown!"
}

type EventKind int

const (
	EventLinkUp EventKind = iota
	EventGotIP
	EventLinkDown
	EventStopped
)

type Event struct {
	Kind EventKind
	Addr net.IP // set for EventGotIP
}

// Driver is one concrete transport. Start may block (WiFi provisioning
// is the one sanctioned blocking bring-up step); link and IP changes
// arrive later on Events.
type Driver interface {
	Name() string
	// Start returns only after the MAC address is known. A provisioning
	// failure is unrecoverable here, the caller restarts the process.
	Start(ctx context.Context) error
	Events() <-chan Event
	MAC() net.HardwareAddr
	Stop()
}

// Machine owns LinkState. Single writer is its event loop; everyone
// else reads through atomic accessors. The dependent-service ordering
// (MAC -> identity -> session, IP -> endpoint) is enforced by the two
// callbacks, not by call order in main.
type Machine struct {
	log     *log2.Log
	driver  Driver
	alive   *alive.Alive
	metrics *metric.Metrics

	state int32        // LinkState
	addr  atomic.Value // net.IP

	// OnIdentity runs once, after Start, with the transport MAC.
	OnIdentity func(net.HardwareAddr) error
	// OnReady runs once, on the first transition to StateIpAcquired.
	OnReady   func(net.IP)
	readyOnce sync.Once
}

func NewMachine(log *log2.Log, driver Driver, m *metric.Metrics) *Machine {
	return &Machine{
		log:     log,
		driver:  driver,
		alive:   alive.NewAlive(),
		metrics: m,
	}
}

// Run performs the blocking part of bring-up and launches the event
// loop. Error means the device cannot provision network access and the
// process should restart.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.driver.Start(ctx); err != nil {
		return errors.Annotatef(err, "bringup driver=%s", m.driver.Name())
	}
	mac := m.driver.MAC()
	m.log.Infof("bringup driver=%s mac=%s", m.driver.Name(), mac.String())
	if m.OnIdentity != nil {
		if err := m.OnIdentity(mac); err != nil {
			return errors.Annotate(err, "bringup identity")
		}
	}
	m.alive.Add(1)
	go m.eventLoop()
	return nil
}

func (m *Machine) Stop() {
	m.driver.Stop()
	m.alive.Stop()
	m.alive.Wait()
}

func (m *Machine) State() LinkState { return LinkState(atomic.LoadInt32(&m.state)) }

// Ready reports the IP-addressed state. The service loop must skip
// broker and endpoint servicing while false.
func (m *Machine) Ready() bool { return m.State() == StateIpAcquired }

func (m *Machine) Addr() net.IP {
	if x := m.addr.Load(); x != nil {
		return x.(net.IP)
	}
	return nil
}

func (m *Machine) eventLoop() {
	defer m.alive.Done()
	events := m.driver.Events()
	stopch := m.alive.StopChan()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ev)

		case <-stopch:
			return
		}
	}
}

// apply is the guarded transition table.
func (m *Machine) apply(ev Event) {
	state := m.State()
	switch ev.Kind {
	case EventLinkUp:
		if state != StateDown {
			m.log.Debugf("bringup ignore link-up in state=%s", state)
			return
		}
		m.setState(StateLinkUp)

	case EventGotIP:
		// got-ip in StateIpAcquired is a DHCP renewal, refresh the
		// address without restarting dependent services
		if state != StateLinkUp && state != StateIpAcquired {
			m.log.Errorf("bringup got-ip in state=%s rejected", state)
			return
		}
		m.addr.Store(ev.Addr)
		m.log.Infof("bringup ip=%s", ev.Addr.String())
		// dependent services start before the ready flag flips, so a
		// loop iteration that sees Ready() finds them running
		m.readyOnce.Do(func() {
			if m.OnReady != nil {
				m.OnReady(ev.Addr)
			}
		})
		m.setState(StateIpAcquired)

	case EventLinkDown, EventStopped:
		if state == StateDown {
			return
		}
		m.setState(StateDown)
		m.log.Infof("bringup link down")
	}
}

func (m *Machine) setState(s LinkState) {
	atomic.StoreInt32(&m.state, int32(s))
	if m.metrics != nil {
		if s == StateIpAcquired {
			m.metrics.LinkReady.Set(1)
		} else {
			m.metrics.LinkReady.Set(0)
		}
	}
	m.log.Debugf("bringup state=%s", s)
}
