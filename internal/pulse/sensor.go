package pulse

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	gpio "github.com/temoto/gpio-cdev-go"

	"github.com/flowsense/flowsense/log2"
)

const modName = "pulse-sensor"

// edgeWait bounds Eventer.Wait so the read loop notices Stop().
const edgeWait = 1 * time.Second

type SensorConfig struct {
	Chip string `hcl:"chip"` // gpiochip device path, e.g. /dev/gpiochip0
	Line int    `hcl:"line"` // line offset of the sensor input
}

// Sensor owns the gpiochip line event handle and the read loop feeding
// Counter. The line is requested input with falling edge events; the
// sensor is open-collector with the board pullup, a pulse is a
// high-to-low transition.
type Sensor struct {
	Counter Counter

	log   *log2.Log
	alive *alive.Alive
	chip  gpio.Chiper
	event gpio.Eventer
}

func NewSensor(cfg SensorConfig, log *log2.Log) (*Sensor, error) {
	chip, err := gpio.Open(cfg.Chip, modName)
	if err != nil {
		return nil, errors.Annotatef(err, "%s chip=%s", modName, cfg.Chip)
	}
	event, err := chip.GetLineEvent(uint32(cfg.Line), 0, gpio.GPIOEVENT_REQUEST_FALLING_EDGE, modName)
	if err != nil {
		chip.Close()
		return nil, errors.Annotatef(err, "%s line=%d", modName, cfg.Line)
	}

	s := &Sensor{
		log:   log,
		alive: alive.NewAlive(),
		chip:  chip,
		event: event,
	}
	s.alive.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *Sensor) Close() error {
	s.alive.Stop()
	s.alive.Wait()
	err := s.event.Close()
	if e := s.chip.Close(); err == nil {
		err = e
	}
	return err
}

// readLoop is the Go stand-in for an interrupt service routine: it does
// nothing but count. No allocation, no shared state besides Counter.
func (s *Sensor) readLoop() {
	defer s.alive.Done()
	for s.alive.IsRunning() {
		edge, err := s.event.Wait(edgeWait)
		if err != nil {
			if gpio.IsTimeout(err) {
				continue
			}
			if !s.alive.IsRunning() || gpio.IsClosed(err) {
				return
			}
			s.log.Errorf("%s wait err=%v", modName, err)
			return
		}
		if edge.ID != gpio.GPIOEVENT_EVENT_FALLING_EDGE {
			continue
		}
		s.Counter.Inc()
	}
}
