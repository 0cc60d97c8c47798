// Package api is the local diagnostic HTTP surface. It binds only
// after the network reports an address, so there is no listener on a
// half-up interface.
package api

import (
	"net"
	"net/http"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"

	"github.com/flowsense/flowsense/log2"
)

type Config struct {
	Enabled bool   `hcl:"enable"`
	Listen  string `hcl:"listen"`
}

// AdoptFunc renders the current self-description document, same bytes
// as the retained broker publish.
type AdoptFunc func() ([]byte, error)

type Server struct {
	alive    *alive.Alive
	log      *log2.Log
	config   Config
	registry *prometheus.Registry
	adopt    AdoptFunc

	ln     net.Listener
	server *http.Server
}

func NewServer(log *log2.Log, config Config, registry *prometheus.Registry, adopt AdoptFunc) *Server {
	return &Server{
		alive:    alive.NewAlive(),
		log:      log,
		config:   config,
		registry: registry,
		adopt:    adopt,
	}
}

func (s *Server) Start() error {
	if !s.config.Enabled {
		s.log.Debugf("api disabled")
		return nil
	}
	if s.ln != nil {
		return errors.Errorf("api already started listen=%s", s.ln.Addr())
	}
	addr := s.config.Listen
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/adopt", s.handleAdopt)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "api listen=%s", addr)
	}
	s.ln = ln
	s.server = &http.Server{Handler: mux}
	s.log.Infof("api listen=%s", ln.Addr())

	s.alive.Add(1)
	go func() {
		defer s.alive.Done()
		if serr := s.server.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			s.log.Errorf("api serve err=%v", serr)
		}
	}()
	return nil
}

// Addr is nil until Start succeeds.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Close() {
	if s.server != nil {
		_ = s.server.Close()
	}
	s.alive.Stop()
	s.alive.Wait()
}

func (s *Server) handleAdopt(w http.ResponseWriter, r *http.Request) {
	b, err := s.adopt()
	if err != nil {
		s.log.Errorf("api adopt err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
