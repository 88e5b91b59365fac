// Package explore runs the search-and-return control loop: wander the arena
// following walls and avoiding obstacles, then find the way back home.
package explore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gwillem/khepera/pkg/avoid"
	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/robot"
	"github.com/gwillem/khepera/pkg/telemetry"
)

// Logf receives every controller log line. Set it to nil when the log
// channel is the only consumer, e.g. under a TUI.
var Logf func(format string, v ...any) = log.Printf

const (
	blinkPeriod = 300 * time.Millisecond
	// maxEvadeTurns bounds evasion to a full circle of default turns.
	maxEvadeTurns = 18
)

// ErrAborted is returned when homing is cancelled with Abort.
var ErrAborted = errors.New("homing aborted")

// Mode is the phase the controller is in.
type Mode int

const (
	Idle Mode = iota
	Search
	Backtrack
	Homing
	Done
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Search:
		return "search"
	case Backtrack:
		return "backtrack"
	case Homing:
		return "home"
	case Done:
		return "done"
	}
	return "unknown"
}

// State is a snapshot published after every control step.
type State struct {
	Mode      Mode
	Pose      odometry.Pose
	Estimate  filter.Estimate
	Reading   robot.Reading
	Decision  avoid.Decision
	Foods     []odometry.Pose
	Particles []filter.Particle
	Timestamp time.Time
	Error     error
}

// Controller manages the exploration control loop.
type Controller struct {
	motion *robot.Motion
	avoid  *avoid.Avoider
	cfg    robot.ExploreConfig
	pub    *telemetry.Publisher

	mu         sync.RWMutex
	mode       Mode
	running    bool
	aborted    bool
	cancelHome context.CancelFunc
	foods      []odometry.Pose
	stateCh    chan State
	logCh      chan string
	poseCh     chan poseUpdate

	// Owned by the control loop.
	speeds        [2]int
	held          int
	lastPublished filter.Estimate
}

// NewController creates a controller. A nil publisher disables telemetry.
func NewController(m *robot.Motion, av *avoid.Avoider, cfg robot.ExploreConfig, pub *telemetry.Publisher) (*Controller, error) {
	if m == nil || av == nil {
		return nil, fmt.Errorf("controller needs motion and avoidance")
	}
	if cfg.Hz <= 0 {
		return nil, fmt.Errorf("invalid control rate %g Hz", cfg.Hz)
	}
	return &Controller{
		motion:  m,
		avoid:   av,
		cfg:     cfg,
		pub:     pub,
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 64),
		poseCh:  make(chan poseUpdate, 1),
	}, nil
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() float64 {
	return c.cfg.Hz
}

// Mode returns the current phase.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Motion returns the motion controller being driven.
func (c *Controller) Motion() *robot.Motion {
	return c.motion
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Controller) log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if Logf != nil {
		Logf("explore: %s", line)
	}
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line)
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start searches until ctx is done or the search time elapses, then
// returns home. Cancelling ctx stops the wheels at once before homing
// begins on its own bounded context; Abort cancels that too. The robot is
// always stopped when Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()
	stopPublisher := c.startPublisher()
	defer stopPublisher()
	defer c.shutdown()

	c.log("Exploration started at %g Hz", c.cfg.Hz)
	err := c.search(ctx)
	switch {
	case ctx.Err() != nil:
		if serr := c.motion.EmergencyStop(ctx); serr != nil {
			c.log("Warning: emergency stop failed: %v", serr)
		}
		c.log("Interrupted, returning home")
	case errors.Is(err, context.DeadlineExceeded):
		c.log("Search time elapsed, returning home")
	case err != nil:
		c.log("Search failed: %v", err)
		return fmt.Errorf("search: %w", err)
	}
	return c.returnHome(ctx)
}

// Abort cancels homing, for a second interrupt.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	if c.cancelHome != nil {
		c.cancelHome()
	}
}

func (c *Controller) search(ctx context.Context) error {
	c.setMode(Search)
	if c.cfg.SearchTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SearchTime)
		defer cancel()
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.cfg.Hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.step(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// step reads the sensors once and turns the avoidance decision into a
// motion.
func (c *Controller) step(ctx context.Context) error {
	rd, err := c.motion.Robot().Sense(ctx)
	if err != nil {
		return err
	}
	dec := c.avoid.Step(rd.Frame)

	mc := c.motion.Config()
	switch dec.Action {
	case avoid.TurnLeft, avoid.TurnRight:
		err = c.evade(ctx, dec.Action)
	case avoid.CurveLeft:
		err = c.drive(ctx, mc.CurveInner, mc.CurveOuter)
	case avoid.CurveRight:
		err = c.drive(ctx, mc.CurveOuter, mc.CurveInner)
	default:
		err = c.drive(ctx, mc.CruiseSpeed, mc.CruiseSpeed)
	}
	c.sendState(c.snapshot(rd, dec, err))
	c.publish()
	return err
}

// drive holds the wheel speeds, checkpointing moves that run long.
func (c *Controller) drive(ctx context.Context, left, right int) error {
	if c.speeds == [2]int{left, right} {
		c.held++
		if c.cfg.CheckpointTicks > 0 && c.held >= c.cfg.CheckpointTicks {
			c.held = 0
			return c.motion.Checkpoint(ctx)
		}
	} else {
		c.speeds = [2]int{left, right}
		c.held = 0
	}
	return c.motion.IssueMotion(ctx, left, right)
}

// evade stops and turns in place away from an obstacle.
func (c *Controller) evade(ctx context.Context, turn avoid.Action) error {
	c.speeds = [2]int{}
	c.held = 0
	if err := c.motion.Halt(ctx); err != nil {
		return err
	}
	deg := c.motion.Config().EvadeTurnDeg
	if turn == avoid.TurnRight {
		deg = -deg
	}
	return c.motion.TurnAtAngle(ctx, deg)
}

// Blocked reports an obstacle in the front quadrant. Unreadable sensors
// count as clear.
func (c *Controller) Blocked(ctx context.Context) bool {
	rd, err := c.motion.Robot().Sense(ctx)
	if err != nil || !rd.OK {
		return false
	}
	blocked := c.avoid.CheckObstacle(rd.Frame)
	c.sendState(c.snapshot(rd, c.avoid.State(), nil))
	return blocked
}

// Evade turns away until nothing is in the front quadrant, at most a full
// circle.
func (c *Controller) Evade(ctx context.Context) error {
	defer c.avoid.Reset()
	for range maxEvadeTurns {
		rd, err := c.motion.Robot().Sense(ctx)
		if err != nil {
			return err
		}
		if !rd.OK || !c.avoid.CheckObstacle(rd.Frame) {
			return nil
		}
		if err := c.evade(ctx, c.avoid.State().Action); err != nil {
			return err
		}
	}
	c.log("Still blocked after a full turn")
	return nil
}

func (c *Controller) returnHome(parent context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.HomeTimeout)
	defer cancel()

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return ErrAborted
	}
	c.cancelHome = cancel
	c.mu.Unlock()

	c.avoid.Reset()
	if c.cfg.Backtrack {
		c.setMode(Backtrack)
		c.log("Retracing %d moves", len(c.motion.History()))
		if err := c.motion.Backtrack(ctx); err != nil {
			if ctx.Err() != nil {
				return c.homeErr(err)
			}
			c.log("Backtrack failed: %v", err)
		}
	}

	c.setMode(Homing)
	c.log("Going home, %.1f cm away", c.motion.DistanceHome())
	if err := c.motion.GoHome(ctx, c); err != nil {
		return c.homeErr(err)
	}

	pose := c.motion.Pose()
	c.log("HOME at (%.1f, %.1f)", pose.X, pose.Y)
	if err := c.pub.PublishEvent("home", "", pose); err != nil {
		c.log("Telemetry: %v", err)
	}
	if c.cfg.BlinkCount > 0 {
		if err := c.motion.Robot().BlinkLEDs(ctx, c.cfg.BlinkCount, blinkPeriod); err != nil {
			c.log("Warning: blink failed: %v", err)
		}
	}
	return nil
}

func (c *Controller) homeErr(err error) error {
	c.mu.RLock()
	aborted := c.aborted
	c.mu.RUnlock()
	if aborted {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return fmt.Errorf("return home: %w", err)
}

// MarkFood records the current estimate as a food location. An earlier
// mark within FoodRadiusCm is replaced.
func (c *Controller) MarkFood() odometry.Pose {
	p := c.motion.Pose()

	c.mu.Lock()
	kept := c.foods[:0]
	for _, f := range c.foods {
		if f.DistanceTo(p) > c.cfg.FoodRadiusCm {
			kept = append(kept, f)
		}
	}
	c.foods = append(kept, p)
	n := len(c.foods)
	c.mu.Unlock()

	c.log("Food %d marked at (%.1f, %.1f)", n, p.X, p.Y)
	if err := c.pub.PublishEvent("food", fmt.Sprintf("mark %d", n), p); err != nil {
		c.log("Telemetry: %v", err)
	}
	return p
}

// Foods returns the food marks.
func (c *Controller) Foods() []odometry.Pose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]odometry.Pose(nil), c.foods...)
}

func (c *Controller) snapshot(rd robot.Reading, dec avoid.Decision, err error) State {
	return State{
		Mode:      c.Mode(),
		Pose:      c.motion.Pose(),
		Estimate:  c.motion.Estimate(),
		Reading:   rd,
		Decision:  dec,
		Foods:     c.Foods(),
		Particles: c.motion.Particles(),
		Timestamp: time.Now(),
		Error:     err,
	}
}

type poseUpdate struct {
	mode string
	est  filter.Estimate
}

// publish queues the estimate when it changed since the last message. The
// publisher goroutine does the sending.
func (c *Controller) publish() {
	est := c.motion.Estimate()
	if est == c.lastPublished {
		return
	}
	c.lastPublished = est
	offerLatest(c.poseCh, poseUpdate{mode: c.Mode().String(), est: est})
}

// startPublisher sends queued estimates until the returned stop is called.
// stop flushes the last queued estimate before it returns.
func (c *Controller) startPublisher() (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	send := func(u poseUpdate) {
		if err := c.pub.PublishEstimate(u.mode, u.est); err != nil {
			c.log("Telemetry: %v", err)
		}
	}
	go func() {
		defer close(done)
		for {
			select {
			case u := <-c.poseCh:
				send(u)
			case <-quit:
				select {
				case u := <-c.poseCh:
					send(u)
				default:
				}
				return
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func (c *Controller) sendState(s State) {
	offerLatest(c.stateCh, s)
}

// offerLatest puts v on ch, replacing the queued value when ch is full.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (c *Controller) shutdown() {
	if err := c.motion.EmergencyStop(context.Background()); err != nil {
		c.log("Warning: failed to stop: %v", err)
	}

	c.mu.Lock()
	c.running = false
	c.cancelHome = nil
	c.mu.Unlock()
	c.setMode(Done)
	c.sendState(c.snapshot(robot.Reading{}, avoid.Decision{}, nil))
	c.publish()
	c.log("Exploration stopped")
}
