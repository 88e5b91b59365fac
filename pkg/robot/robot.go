// Package robot drives a Khepera-II: sensing with calibrated proximity
// readings, motion bookkeeping, dead reckoning and particle-filter
// localization.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/khepera"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
)

// Logf is the package diagnostic logger. Replace it to redirect or mute.
var Logf func(format string, v ...any) = log.Printf

// Reading is one proximity frame and its calibrated distances. When the
// robot did not answer, OK is false, the frame is zero and every distance
// is sensor.NoDetection.
type Reading struct {
	Frame     sensor.Frame
	Distances sensor.Distances
	OK        bool
}

// Robot is a connected unit with its sensor calibration.
type Robot struct {
	client      *khepera.Client
	calibration sensor.Calibration
}

// New wraps an open client.
func New(client *khepera.Client, cal sensor.Calibration) *Robot {
	return &Robot{client: client, calibration: cal}
}

// Connect opens the configured serial port.
func Connect(cfg *Config) (*Robot, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("no serial port configured")
	}
	port, err := khepera.Open(cfg.Port, cfg.Serial)
	if err != nil {
		return nil, err
	}
	return fromPort(port, cfg), nil
}

// NewSimulated returns a robot driving the simulator in g.
func NewSimulated(cfg *Config, g *grid.Grid) (*Robot, *khepera.Simulator) {
	cal := cfg.Calibration
	sim := khepera.NewSimulator(khepera.SimOptions{
		Grid:        g,
		Calibration: &cal,
		Kinematics:  cfg.Kinematics,
		Start:       cfg.Start,
		NoiseStd:    5,
		Seed:        cfg.Filter.Seed,
	})
	return fromPort(sim, cfg), sim
}

func fromPort(port khepera.Port, cfg *Config) *Robot {
	link := khepera.NewLink(port, cfg.Timeout)
	link.Logf = Logf
	return New(khepera.NewClient(link), cfg.Calibration)
}

// Client returns the protocol client.
func (r *Robot) Client() *khepera.Client {
	return r.client
}

// Calibration returns the sensor calibration.
func (r *Robot) Calibration() sensor.Calibration {
	return r.calibration
}

// Close stops the robot and closes the connection.
func (r *Robot) Close() error {
	return errors.Join(r.client.Stop(context.Background()), r.client.Close())
}

// Sense reads the proximity sensors. A missing or garbled answer degrades
// to an empty reading; only cancellation is returned as an error.
func (r *Robot) Sense(ctx context.Context) (Reading, error) {
	f, err := r.client.ReadProximity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return degraded(), ctx.Err()
		}
		Logf("robot: %v", err)
		return degraded(), nil
	}
	return Reading{Frame: f, Distances: r.calibration.Distances(f), OK: true}, nil
}

func degraded() Reading {
	var rd Reading
	for i := range rd.Distances {
		rd.Distances[i] = sensor.NoDetection
	}
	return rd
}

// Counts reads the wheel counters.
func (r *Robot) Counts(ctx context.Context) (odometry.WheelCount, error) {
	return r.client.ReadCounts(ctx)
}

// Stop halts both wheels, even after ctx is cancelled.
func (r *Robot) Stop(ctx context.Context) error {
	return r.client.Stop(ctx)
}

// BlinkLEDs toggles both LEDs n times.
func (r *Robot) BlinkLEDs(ctx context.Context, n int, period time.Duration) error {
	for i := 0; i < 2*n; i++ {
		for led := 0; led < 2; led++ {
			if err := r.client.SetLED(ctx, led, khepera.LEDToggle); err != nil {
				return err
			}
		}
		if err := sleep(ctx, period/2); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
