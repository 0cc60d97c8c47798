// Sorry, workaround to import cycles.
package state_new

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"

	"github.com/flowsense/flowsense/internal/metric"
	"github.com/flowsense/flowsense/internal/settings"
	"github.com/flowsense/flowsense/internal/state"
	"github.com/flowsense/flowsense/internal/tele"
	"github.com/flowsense/flowsense/log2"
)

func NewContext(log *log2.Log, teler tele.Teler) (context.Context, *state.Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &state.Global{
		Alive:      alive.NewAlive(),
		Log:        log,
		Metrics:    metric.NewMetrics(),
		MetricsReg: prometheus.NewRegistry(),
		Settings:   settings.NewStore(),
		Tele:       teler,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, state.ContextKey, g)

	return ctx, g
}

func NewTestContext(t testing.TB, buildVersion string, confString string) (context.Context, *state.Global) {
	fs := state.NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("flowsense_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log, &tele.Noop{})
	g.BuildVersion = buildVersion
	g.MustInit(ctx, state.MustReadConfig(log, fs, "test-inline"))

	return ctx, g
}
