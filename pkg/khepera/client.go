package khepera

import (
	"context"
	"fmt"
	"time"

	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
)

// stopTimeout bounds an emergency stop issued after the caller's context
// has been cancelled.
const stopTimeout = time.Second

// LEDState is the action argument of the LED command.
type LEDState int

const (
	LEDOff LEDState = iota
	LEDOn
	LEDToggle
)

// Client exposes the robot commands as typed calls.
type Client struct {
	link *Link
}

// NewClient wraps a link.
func NewClient(link *Link) *Client {
	return &Client{link: link}
}

// Link returns the underlying link.
func (c *Client) Link() *Link {
	return c.link
}

// SetSpeeds sets both wheel speeds in robot speed units.
func (c *Client) SetSpeeds(ctx context.Context, left, right int) error {
	if _, err := c.link.Exchange(ctx, CmdSetSpeeds, left, right); err != nil {
		return fmt.Errorf("set speeds: %w", err)
	}
	return nil
}

// SetPositionTarget starts an absolute move of both wheel counters.
func (c *Client) SetPositionTarget(ctx context.Context, left, right int) error {
	if _, err := c.link.Exchange(ctx, CmdSetPosition, left, right); err != nil {
		return fmt.Errorf("set position target: %w", err)
	}
	return nil
}

// ResetCounts zeroes both wheel counters.
func (c *Client) ResetCounts(ctx context.Context) error {
	if _, err := c.link.Exchange(ctx, CmdSetCounts, 0, 0); err != nil {
		return fmt.Errorf("reset counts: %w", err)
	}
	return nil
}

// ReadCounts returns the wheel counters.
func (c *Client) ReadCounts(ctx context.Context) (odometry.WheelCount, error) {
	v, err := c.read(ctx, CmdReadCounts, 2)
	if err != nil {
		return odometry.WheelCount{}, fmt.Errorf("read counts: %w", err)
	}
	return odometry.WheelCount{Left: v[0], Right: v[1]}, nil
}

// ReadProximity returns the raw IR proximity codes.
func (c *Client) ReadProximity(ctx context.Context) (sensor.Frame, error) {
	return c.readFrame(ctx, CmdReadProximity)
}

// ReadAmbient returns the raw ambient light codes.
func (c *Client) ReadAmbient(ctx context.Context) (sensor.Frame, error) {
	return c.readFrame(ctx, CmdReadAmbient)
}

func (c *Client) readFrame(ctx context.Context, cmd Command) (sensor.Frame, error) {
	var f sensor.Frame
	v, err := c.read(ctx, cmd, sensor.NumSensors)
	if err != nil {
		return f, fmt.Errorf("read %s frame: %w", cmd, err)
	}
	copy(f[:], v)
	return f, nil
}

func (c *Client) read(ctx context.Context, cmd Command, n int) ([]int, error) {
	v, err := c.link.Exchange(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(v) != n {
		return nil, fmt.Errorf("got %d values, want %d: %w", len(v), n, ErrNoReading)
	}
	return v, nil
}

// SetLED switches one of the two LEDs.
func (c *Client) SetLED(ctx context.Context, led int, state LEDState) error {
	if _, err := c.link.Exchange(ctx, CmdLED, led, int(state)); err != nil {
		return fmt.Errorf("set led %d: %w", led, err)
	}
	return nil
}

// Version returns the BIOS and protocol versions.
func (c *Client) Version(ctx context.Context) ([]int, error) {
	v, err := c.link.Exchange(ctx, CmdVersion)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// Stop sets both speeds to zero. It runs even when ctx is already
// cancelled, bounded by its own timeout.
func (c *Client) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if _, err := c.link.Exchange(ctx, CmdSetSpeeds, 0, 0); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Close closes the link and the port.
func (c *Client) Close() error {
	return c.link.Close()
}
