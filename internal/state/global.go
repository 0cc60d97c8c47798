package state

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"

	"github.com/flowsense/flowsense/internal/metric"
	"github.com/flowsense/flowsense/internal/settings"
	"github.com/flowsense/flowsense/internal/tele"
	"github.com/flowsense/flowsense/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Metrics      *metric.Metrics
	MetricsReg   *prometheus.Registry
	Settings     *settings.Store
	Tele         tele.Teler

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	g.Log.Infof("build version=%s", g.BuildVersion)
	g.Config.Tele.BuildVersion = g.BuildVersion

	if err := g.Metrics.Register(g.MetricsReg); err != nil {
		return errors.Annotate(err, "metrics register")
	}

	// startup tunables go through the same Apply path as remote
	// config, so bounds match
	if v := g.Config.Telemetry.IntervalMs; v != 0 {
		g.Settings.Apply(settings.FieldTelemetryInterval, v)
	}
	if v := g.Config.Telemetry.KFactor; v != 0 {
		g.Settings.Apply(settings.FieldKFactor, v)
	}
	g.Log.Debugf("config: telemetry interval=%dms kfactor=%d",
		g.Settings.TelemetryIntervalMs(), g.Settings.KFactor())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		g.Log.Infof("signal=%v stopping", sig)
		g.Tele.Close()
		g.Stop()
	}()

	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// TeleInit starts the broker session once the network identity is
// known. Empty configured client id means derive from the MAC.
func (g *Global) TeleInit(ctx context.Context, mac net.HardwareAddr) error {
	if g.Config.Tele.ClientId == "" {
		g.Config.Tele.ClientId = tele.DeriveClientId(mac)
		g.Log.Infof("tele client id derived=%s mac=%s", g.Config.Tele.ClientId, mac)
	}
	return errors.Annotate(g.Tele.Init(ctx, g.Log.Clone(log2.LInfo), g.Config.Tele), "tele init")
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(errors.ErrorStack(err))
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(err)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
