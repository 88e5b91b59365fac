// Package avoid is the reactive obstacle-avoidance layer. An Avoider is a
// small state machine fed one proximity frame per control tick.
package avoid

import (
	"fmt"

	"github.com/gwillem/khepera/pkg/sensor"
)

// Wall is the side of the robot a wall is being followed on.
type Wall int

const (
	None Wall = iota
	Left
	Right
)

func (w Wall) String() string {
	switch w {
	case None:
		return "none"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Wall(%d)", int(w))
}

// Action is the motion the robot should perform next.
type Action int

const (
	Straight Action = iota
	TurnLeft
	TurnRight
	CurveLeft
	CurveRight
)

func (a Action) String() string {
	switch a {
	case Straight:
		return "straight"
	case TurnLeft:
		return "turn-left"
	case TurnRight:
		return "turn-right"
	case CurveLeft:
		return "curve-left"
	case CurveRight:
		return "curve-right"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Turning reports whether a is an in-place evasive turn.
func (a Action) Turning() bool {
	return a == TurnLeft || a == TurnRight
}

// Decision is the outcome of one tick.
type Decision struct {
	Action  Action
	Evading bool
	Wall    Wall
}

// Thresholds are raw proximity codes; higher means closer. Left and right
// are separate because the two sides of a unit rarely match.
type Thresholds struct {
	ObstacleLeft  int `yaml:"obstacle_left"`
	ObstacleRight int `yaml:"obstacle_right"`
	WallLeft      int `yaml:"wall_left"`
	WallRight     int `yaml:"wall_right"`
	WallUpper     int `yaml:"wall_upper"`
	WallLower     int `yaml:"wall_lower"`
	WallLost      int `yaml:"wall_lost"`
}

// DefaultThresholds are placeholders measured on one unit; recalibrate on
// the target robot.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ObstacleLeft:  450,
		ObstacleRight: 350,
		WallLeft:      200,
		WallRight:     180,
		WallUpper:     600,
		WallLower:     250,
		WallLost:      80,
	}
}

// Validate checks the ordering the state machine relies on.
func (t Thresholds) Validate() error {
	switch {
	case t.ObstacleLeft <= 0 || t.ObstacleRight <= 0:
		return fmt.Errorf("obstacle thresholds must be positive")
	case t.WallLost < 0:
		return fmt.Errorf("wall_lost must not be negative")
	case t.WallLost >= t.WallLeft || t.WallLost >= t.WallRight:
		return fmt.Errorf("wall_lost must be below wall_left and wall_right")
	case t.WallLower >= t.WallUpper:
		return fmt.Errorf("wall_lower must be below wall_upper")
	}
	return nil
}

// Avoider holds the following/evading state between ticks. It is not safe
// for concurrent use; the control loop owns it.
type Avoider struct {
	th      Thresholds
	wall    Wall
	evading bool
	turn    Action
}

// New returns an Avoider that is neither following nor evading.
func New(th Thresholds) *Avoider {
	return &Avoider{th: th, turn: Straight}
}

// Thresholds returns the active thresholds.
func (a *Avoider) Thresholds() Thresholds {
	return a.th
}

// State returns the current state without advancing it.
func (a *Avoider) State() Decision {
	d := Decision{Action: Straight, Evading: a.evading, Wall: a.wall}
	if a.evading {
		d.Action = a.turn
	}
	return d
}

// Reset drops any wall or evasion state.
func (a *Avoider) Reset() {
	a.wall = None
	a.evading = false
	a.turn = Straight
}

// Step advances the state machine by one frame.
func (a *Avoider) Step(f sensor.Frame) Decision {
	if a.evading && a.frontBlocked(f) {
		return a.State()
	}
	a.evading = false
	a.turn = Straight

	if a.CheckObstacle(f) {
		return a.State()
	}
	return a.FollowWall(f)
}

// CheckObstacle starts an evasive turn away from an obstacle in the front
// quadrant. The left side wins when both sides are over threshold.
func (a *Avoider) CheckObstacle(f sensor.Frame) bool {
	switch {
	case f.Max(sensor.FrontLeftGroup) > a.th.ObstacleLeft:
		a.turn = TurnRight
	case f.Max(sensor.FrontRightGroup) > a.th.ObstacleRight:
		a.turn = TurnLeft
	default:
		return false
	}
	a.evading = true
	return true
}

// FollowWall updates which wall is followed and returns the steering
// correction that keeps the side reading inside the band.
func (a *Avoider) FollowWall(f sensor.Frame) Decision {
	left, right := f[sensor.LeftSide], f[sensor.RightSide]

	switch {
	case left > a.th.WallLeft && left-a.th.WallLeft >= right-a.th.WallRight:
		a.wall = Left
	case right > a.th.WallRight:
		a.wall = Right
	case a.wall == Left && left < a.th.WallLost,
		a.wall == Right && right < a.th.WallLost:
		a.wall = None
	}

	d := Decision{Action: Straight, Wall: a.wall}
	if a.evading {
		d.Evading = true
		d.Action = a.turn
		return d
	}

	switch a.wall {
	case Left:
		d.Action = a.band(left, CurveRight, CurveLeft)
	case Right:
		d.Action = a.band(right, CurveLeft, CurveRight)
	}
	return d
}

func (a *Avoider) band(reading int, away, toward Action) Action {
	switch {
	case reading > a.th.WallUpper:
		return away
	case reading < a.th.WallLower:
		return toward
	}
	return Straight
}

// frontBlocked reports whether any front sensor is over its side's
// obstacle threshold.
func (a *Avoider) frontBlocked(f sensor.Frame) bool {
	return f.Max(sensor.FrontLeftGroup) > a.th.ObstacleLeft ||
		f.Max(sensor.FrontRightGroup) > a.th.ObstacleRight
}
