package main

import (
	"flag"
	"net"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/flowsense/flowsense/internal/api"
	"github.com/flowsense/flowsense/internal/network"
	"github.com/flowsense/flowsense/internal/pulse"
	"github.com/flowsense/flowsense/internal/state"
	state_new "github.com/flowsense/flowsense/internal/state/new"
	"github.com/flowsense/flowsense/internal/tele"
	"github.com/flowsense/flowsense/internal/telemetry"
	"github.com/flowsense/flowsense/log2"
)

// set by ldflags in script/build
var BuildVersion string = "unknown"

func main() {
	flagConfig := flag.String("config", "flowsense.hcl", "")
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	if sdnotify(log, "start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("hello %s (%s by %s) version=%s",
		tele.FirmwareName, tele.FirmwareShortName, tele.FirmwareMaker, BuildVersion)

	ctx, g := state_new.NewContext(log, &tele.Noop{})
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	g.MustInit(ctx, config)

	sensor, err := pulse.NewSensor(config.Hardware.Sensor, log)
	if err != nil {
		g.Fatal(errors.Annotate(err, "pulse sensor"))
	}
	defer sensor.Close()

	driver, err := network.NewDriver(config.Network, log)
	if err != nil {
		g.Fatal(errors.Annotate(err, "network driver"))
	}

	machine := network.NewMachine(log, driver, g.Metrics)
	adoptNetwork := func() tele.AdoptNetwork {
		return tele.AdoptNetwork{
			Mode: config.Network.Mode,
			IP:   machine.Addr(),
			MAC:  driver.MAC(),
		}
	}
	g.Tele = tele.New(tele.Options{
		Settings: g.Settings,
		Metrics:  g.Metrics,
		Network:  adoptNetwork,
	})

	apiServer := api.NewServer(log, config.Api, g.MetricsReg, func() ([]byte, error) {
		return tele.BuildAdopt(g.BuildVersion, adoptNetwork())
	})
	defer apiServer.Close()

	machine.OnIdentity = func(mac net.HardwareAddr) error {
		return g.TeleInit(ctx, mac)
	}
	machine.OnReady = func(_ net.IP) {
		if aerr := apiServer.Start(); aerr != nil {
			g.Error(aerr)
		}
	}
	// network failure is terminal, the service manager restarts us
	// into a clean retry
	if err = machine.Run(ctx); err != nil {
		g.Fatal(errors.Annotate(err, "network bringup"))
	}
	defer machine.Stop()

	sdnotify(log, daemon.SdNotifyReady)
	log.Infof("init complete, running")

	agg := telemetry.NewAggregator(log, g.Settings, &sensor.Counter, g.Tele, telemetry.BootClock(), g.Metrics)
	stopCh := g.Alive.StopChan()
	for g.Alive.IsRunning() {
		if !machine.Ready() {
			select {
			case <-stopCh:
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		agg.Tick()
		select {
		case <-stopCh:
		case <-time.After(10 * time.Millisecond):
		}
	}

	g.Tele.Close()
	g.Alive.Wait()
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
