package robot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
)

// MotionConfig tunes the motion primitives.
type MotionConfig struct {
	CruiseSpeed int `yaml:"cruise_speed"`
	CurveInner  int `yaml:"curve_inner"`
	CurveOuter  int `yaml:"curve_outer"`
	HomeSpeed   int `yaml:"home_speed"`
	// TurnSpeed is the wheel speed recorded for position-controlled turns.
	TurnSpeed int `yaml:"turn_speed"`

	EvadeTurnDeg       float64 `yaml:"evade_turn_deg"`
	HeadingDeadbandDeg float64 `yaml:"heading_deadband_deg"`
	HomeToleranceCm    float64 `yaml:"home_tolerance_cm"`
	HomeLegCm          float64 `yaml:"home_leg_cm"`
	HomeMaxLegs        int     `yaml:"home_max_legs"`

	// MeasureSensor is the sensor whose distance feeds the filter.
	MeasureSensor int           `yaml:"measure_sensor"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MoveTimeout   time.Duration `yaml:"move_timeout"`
}

// DefaultMotionConfig returns the speeds and tolerances used on the
// reference arena.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		CruiseSpeed:        10,
		CurveInner:         6,
		CurveOuter:         10,
		HomeSpeed:          10,
		TurnSpeed:          20,
		EvadeTurnDeg:       20,
		HeadingDeadbandDeg: 10,
		HomeToleranceCm:    10,
		HomeLegCm:          5,
		HomeMaxLegs:        200,
		MeasureSensor:      sensor.FrontLeft,
		PollInterval:       20 * time.Millisecond,
		MoveTimeout:        5 * time.Second,
	}
}

// Validate reports the first unusable setting.
func (c MotionConfig) Validate() error {
	switch {
	case c.CruiseSpeed <= 0 || c.HomeSpeed <= 0 || c.TurnSpeed <= 0:
		return fmt.Errorf("speeds must be positive")
	case c.CurveInner < 0 || c.CurveOuter <= c.CurveInner:
		return fmt.Errorf("curve_outer must exceed curve_inner")
	case c.HomeToleranceCm <= 0 || c.HomeLegCm <= 0:
		return fmt.Errorf("home distances must be positive")
	case c.HomeMaxLegs <= 0:
		return fmt.Errorf("home_max_legs must be positive")
	case c.MeasureSensor < 0 || c.MeasureSensor >= sensor.NumSensors:
		return fmt.Errorf("measure_sensor %d out of range", c.MeasureSensor)
	case c.MoveTimeout <= 0:
		return fmt.Errorf("move_timeout must be positive")
	}
	return nil
}

// ErrMoveTimeout is returned when a bounded move does not finish in time.
var ErrMoveTimeout = errors.New("move did not complete")

// Motion is the motion controller. It is driven by a single control loop;
// the accessors may be called from other goroutines.
type Motion struct {
	robot *Robot
	k     odometry.Kinematics
	cfg   MotionConfig
	home  odometry.Pose
	pf    *filter.Filter

	mu    sync.Mutex
	pose  odometry.Pose
	est   filter.Estimate
	hist  odometry.History
	trail []odometry.Pose
}

// NewMotion starts at start. A nil filter leaves localization to dead
// reckoning.
func NewMotion(r *Robot, k odometry.Kinematics, cfg MotionConfig, start, home odometry.Pose, pf *filter.Filter) *Motion {
	return &Motion{
		robot: r,
		k:     k,
		cfg:   cfg,
		home:  home,
		pf:    pf,
		pose:  start,
		est:   filter.Estimate{Mean: start},
		trail: []odometry.Pose{start},
	}
}

// Robot returns the driven robot.
func (m *Motion) Robot() *Robot {
	return m.robot
}

// Config returns the motion tuning.
func (m *Motion) Config() MotionConfig {
	return m.cfg
}

// Home returns the home pose.
func (m *Motion) Home() odometry.Pose {
	return m.home
}

// Pose returns the best pose estimate.
func (m *Motion) Pose() odometry.Pose {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pose
}

// Estimate returns the last filter estimate.
func (m *Motion) Estimate() filter.Estimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.est
}

// History returns the closed move records.
func (m *Motion) History() []odometry.MoveRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist.Records()
}

// Trail returns the corrected pose after every primitive.
func (m *Motion) Trail() []odometry.Pose {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]odometry.Pose(nil), m.trail...)
}

// Particles returns the filter's particle set, or nil without a filter.
func (m *Motion) Particles() []filter.Particle {
	if m.pf == nil {
		return nil
	}
	return m.pf.Particles()
}

// IssueMotion switches to new wheel speeds. The move that just ended is
// closed with its encoder counts, integrated into the pose and fed to the
// filter before the new speeds are sent. Repeating the current speeds is a
// no-op.
func (m *Motion) IssueMotion(ctx context.Context, left, right int) error {
	m.mu.Lock()
	same := m.hist.IsOpen() && m.openSpeeds() == [2]int{left, right}
	m.mu.Unlock()
	if same {
		return nil
	}
	return m.issue(ctx, left, right)
}

// Checkpoint closes the running move and reopens it at the same speeds, so
// long moves still update the estimate.
func (m *Motion) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	open := m.hist.IsOpen()
	sp := m.openSpeeds()
	m.mu.Unlock()
	if !open {
		return nil
	}
	return m.issue(ctx, sp[0], sp[1])
}

func (m *Motion) openSpeeds() [2]int {
	cur, _ := m.hist.Current()
	return [2]int{cur.LeftSpeed, cur.RightSpeed}
}

func (m *Motion) issue(ctx context.Context, left, right int) error {
	if err := m.closeMove(ctx); err != nil {
		return err
	}
	if err := m.robot.client.ResetCounts(ctx); err != nil {
		return fmt.Errorf("issue motion: %w", err)
	}
	if err := m.robot.client.SetSpeeds(ctx, left, right); err != nil {
		return fmt.Errorf("issue motion: %w", err)
	}
	m.mu.Lock()
	m.hist.Open(left, right)
	m.mu.Unlock()
	return nil
}

// countReads is how many times closing a move reads the counters before
// its ticks are given up. The counters are reset right after, so a move
// closed without counts is lost from the pose.
const countReads = 2

// closeMove reads the counts of the open move, closes it and corrects the
// pose. Counts that stay unreadable close the move with zero ticks.
func (m *Motion) closeMove(ctx context.Context) error {
	m.mu.Lock()
	open := m.hist.IsOpen()
	m.mu.Unlock()
	if !open {
		return nil
	}

	counts, err := m.readCounts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		Logf("robot: closing move without counts: %v", err)
	}

	m.mu.Lock()
	rec, _ := m.hist.Close(counts)
	pose, delta := m.k.Integrate(m.pose, rec)
	m.pose = pose
	m.mu.Unlock()

	return m.correct(ctx, delta)
}

func (m *Motion) readCounts(ctx context.Context) (odometry.WheelCount, error) {
	var err error
	for range countReads {
		var c odometry.WheelCount
		if c, err = m.robot.Counts(ctx); err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return c, ctx.Err()
		}
	}
	return odometry.WheelCount{}, err
}

// correct runs one filter cycle for the motion just integrated and, when a
// filter is present, adopts its posterior mean.
func (m *Motion) correct(ctx context.Context, delta odometry.Delta) error {
	if m.pf == nil {
		m.mu.Lock()
		m.est = filter.Estimate{Mean: m.pose}
		m.trail = append(m.trail, m.pose)
		m.mu.Unlock()
		return nil
	}

	rd, err := m.robot.Sense(ctx)
	if err != nil {
		return err
	}

	var est filter.Estimate
	if rd.OK {
		i := m.cfg.MeasureSensor
		est = m.pf.Step(delta, filter.Measurement{
			DistanceCm: rd.Distances[i],
			BearingDeg: sensor.Bearing(i),
		})
	} else {
		fc := m.pf.Config()
		m.pf.Predict(delta, filter.Noise{Heading: fc.HeadingStd, Distance: fc.DistanceStd})
		est = m.pf.Estimate()
	}

	m.mu.Lock()
	m.est = est
	m.pose = est.Mean
	m.trail = append(m.trail, est.Mean)
	m.mu.Unlock()
	return nil
}

// TurnAtAngle turns in place by deg degrees, counter-clockwise positive,
// using an absolute wheel position command. The pose and filter are
// updated with the turn the encoders actually measured.
func (m *Motion) TurnAtAngle(ctx context.Context, deg float64) error {
	ticks := int(math.Round(deg * m.k.TicksPerDegree()))
	if ticks == 0 {
		return nil
	}
	if err := m.closeMove(ctx); err != nil {
		return err
	}

	c := m.robot.client
	if err := c.ResetCounts(ctx); err != nil {
		return fmt.Errorf("turn: %w", err)
	}
	if err := c.SetPositionTarget(ctx, -ticks, ticks); err != nil {
		return fmt.Errorf("turn: %w", err)
	}

	sp := m.cfg.TurnSpeed
	if ticks < 0 {
		sp = -sp
	}
	target := odometry.MoveRecord{LeftSpeed: -sp, RightSpeed: sp, LeftTicks: -ticks, RightTicks: ticks}
	m.mu.Lock()
	m.hist.Open(-sp, sp)
	m.mu.Unlock()

	waitErr := m.waitFor(ctx, target)
	// Leave position mode so resetting the counters does not restart the
	// turn. After a failed wait this also abandons the partial turn.
	if err := m.robot.Stop(ctx); err != nil {
		Logf("robot: %v", err)
	}
	if err := m.closeMove(ctx); err != nil && waitErr == nil {
		waitErr = err
	}
	if err := c.ResetCounts(ctx); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("turn: %w", err)
	}
	if waitErr != nil {
		return fmt.Errorf("turn %.1f deg: %w", deg, waitErr)
	}
	return nil
}

// waitFor polls the counters until the move is done or MoveTimeout passes.
func (m *Motion) waitFor(ctx context.Context, target odometry.MoveRecord) error {
	deadline := time.Now().Add(m.cfg.MoveTimeout)
	for {
		counts, err := m.robot.Counts(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && target.Done(counts) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrMoveTimeout
		}
		if err := sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Halt stops the wheels through the bookkeeping path.
func (m *Motion) Halt(ctx context.Context) error {
	return m.IssueMotion(ctx, 0, 0)
}

// EmergencyStop stops the wheels immediately, skipping the bookkeeping.
// The open move stays open and is accounted for by the next primitive.
func (m *Motion) EmergencyStop(ctx context.Context) error {
	return m.robot.Stop(ctx)
}

// DistanceHome is the distance from the best estimate to home.
func (m *Motion) DistanceHome() float64 {
	return m.Pose().DistanceTo(m.home)
}

// FaceHome turns toward home when the heading error exceeds the deadband.
func (m *Motion) FaceHome(ctx context.Context) error {
	errDeg := m.Pose().HeadingError(m.home)
	if math.Abs(errDeg) <= m.cfg.HeadingDeadbandDeg {
		return nil
	}
	return m.TurnAtAngle(ctx, errDeg)
}

// Obstacles lets homing steer around what the sensors see.
type Obstacles interface {
	// Blocked reports whether the path ahead is obstructed.
	Blocked(ctx context.Context) bool
	// Evade turns away until the path ahead is clear.
	Evade(ctx context.Context) error
}

// DriveStraight drives forward by cm at speed and then halts. A guard, when
// given, is checked on every poll; returning true aborts the leg early.
func (m *Motion) DriveStraight(ctx context.Context, cm float64, speed int, guard func(context.Context) bool) error {
	if cm <= 0 {
		return nil
	}
	ticks := int(math.Ceil(cm / m.k.TicksToCm))
	target := odometry.MoveRecord{LeftSpeed: speed, RightSpeed: speed, LeftTicks: ticks, RightTicks: ticks}
	if err := m.drive(ctx, target, guard); err != nil {
		return fmt.Errorf("drive %.1f cm: %w", cm, err)
	}
	return m.Halt(ctx)
}

// Follow executes one recorded move again: the same speeds until the
// counters cover its ticks. The wheels keep turning afterwards; the next
// primitive closes the move.
func (m *Motion) Follow(ctx context.Context, rec odometry.MoveRecord) error {
	return m.drive(ctx, rec, nil)
}

// drive opens a move at the target's speeds and polls until the target is
// done, the guard trips or MoveTimeout passes. A timeout halts the robot.
func (m *Motion) drive(ctx context.Context, target odometry.MoveRecord, guard func(context.Context) bool) error {
	if err := m.issue(ctx, target.LeftSpeed, target.RightSpeed); err != nil {
		return err
	}

	deadline := time.Now().Add(m.cfg.MoveTimeout)
	for {
		counts, err := m.robot.Counts(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && target.Done(counts) {
			return nil
		}
		if guard != nil && guard(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			if herr := m.Halt(ctx); herr != nil {
				Logf("robot: %v", herr)
			}
			return ErrMoveTimeout
		}
		if err := sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// GoHome repeatedly faces home and drives a leg toward it until the
// estimate is within tolerance. With obs set, every leg starts by evading
// whatever blocks the way and stops early when something appears. The
// number of legs is bounded.
func (m *Motion) GoHome(ctx context.Context, obs Obstacles) error {
	var guard func(context.Context) bool
	if obs != nil {
		guard = obs.Blocked
	}
	// Account for any running move before measuring the way home.
	if err := m.Halt(ctx); err != nil {
		return fmt.Errorf("go home: %w", err)
	}
	for leg := 0; leg < m.cfg.HomeMaxLegs; leg++ {
		dist := m.DistanceHome()
		if dist <= m.cfg.HomeToleranceCm {
			return m.Halt(ctx)
		}
		if err := m.FaceHome(ctx); err != nil {
			return fmt.Errorf("go home: %w", err)
		}
		if obs != nil {
			if err := obs.Evade(ctx); err != nil {
				return fmt.Errorf("go home: %w", err)
			}
		}
		if err := m.DriveStraight(ctx, math.Min(m.cfg.HomeLegCm, dist), m.cfg.HomeSpeed, guard); err != nil {
			return fmt.Errorf("go home: %w", err)
		}
	}
	if err := m.Halt(ctx); err != nil {
		return err
	}
	return fmt.Errorf("go home: still %.1f cm away after %d legs", m.DistanceHome(), m.cfg.HomeMaxLegs)
}

// Backtrack turns around and retraces the moves made so far, newest first,
// with the wheels swapped. Moves that do not finish in time are skipped.
func (m *Motion) Backtrack(ctx context.Context) error {
	if err := m.Halt(ctx); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	plan := odometry.BacktrackPlan(m.History())
	if err := m.TurnAtAngle(ctx, 180); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}

	for i, rec := range plan {
		if rec.LeftSpeed == 0 && rec.RightSpeed == 0 {
			continue
		}
		err := m.Follow(ctx, rec)
		if errors.Is(err, ErrMoveTimeout) {
			Logf("robot: backtrack move %d/%d: %v", i+1, len(plan), err)
			continue
		}
		if err != nil {
			return fmt.Errorf("backtrack: %w", err)
		}
	}
	return m.Halt(ctx)
}
