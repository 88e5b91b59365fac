package odometry

import (
	"fmt"
	"math"
)

// minSpeedDiff is the smallest commanded speed difference treated as an arc.
const minSpeedDiff = 1e-9

// Kinematics holds the differential-drive constants of one robot unit.
type Kinematics struct {
	TicksToCm        float64 `json:"ticks_to_cm" yaml:"ticks_to_cm"`
	TicksPerHalfTurn float64 `json:"ticks_per_half_turn" yaml:"ticks_per_half_turn"`
	WheelBaseCm      float64 `json:"wheel_base_cm" yaml:"wheel_base_cm"`
}

// DefaultKinematics returns the Khepera-II constants measured on the
// reference unit.
func DefaultKinematics() Kinematics {
	return Kinematics{
		TicksToCm:        0.008,
		TicksPerHalfTurn: 1036,
		WheelBaseCm:      5.3,
	}
}

// Validate reports the first non-positive constant.
func (k Kinematics) Validate() error {
	switch {
	case k.TicksToCm <= 0:
		return fmt.Errorf("ticks_to_cm must be positive")
	case k.TicksPerHalfTurn <= 0:
		return fmt.Errorf("ticks_per_half_turn must be positive")
	case k.WheelBaseCm <= 0:
		return fmt.Errorf("wheel_base_cm must be positive")
	}
	return nil
}

// TicksPerDegree is the per-wheel encoder count for one degree of in-place
// rotation.
func (k Kinematics) TicksPerDegree() float64 {
	return k.TicksPerHalfTurn / 180
}

// WheelCount is a pair of signed encoder tick deltas.
type WheelCount struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// MoveRecord is one executed motion primitive: the commanded speeds and the
// ticks counted while they were active.
type MoveRecord struct {
	LeftSpeed  int `json:"left_speed"`
	RightSpeed int `json:"right_speed"`
	LeftTicks  int `json:"left_ticks"`
	RightTicks int `json:"right_ticks"`
}

// MoveKind classifies a record by its commanded speeds.
type MoveKind int

const (
	Straight MoveKind = iota
	Spin
	Arc
)

func (m MoveKind) String() string {
	switch m {
	case Straight:
		return "straight"
	case Spin:
		return "spin"
	case Arc:
		return "arc"
	}
	return "unknown"
}

// Kind returns which kinematic case applies to the record.
func (r MoveRecord) Kind() MoveKind {
	switch {
	case r.LeftSpeed == r.RightSpeed:
		return Straight
	case r.LeftSpeed == -r.RightSpeed:
		return Spin
	}
	return Arc
}

// Delta is the motion of one primitive expressed as a control input: turn
// first, then travel along the new heading.
type Delta struct {
	Turn     float64
	Distance float64
}

// Integrate applies one move record to a pose.
func (k Kinematics) Integrate(p Pose, r MoveRecord) (Pose, Delta) {
	switch r.Kind() {
	case Spin:
		return k.spin(p, r)
	case Arc:
		if next, d, ok := k.arc(p, r); ok {
			return next, d
		}
	}
	return k.straight(p, r)
}

func (k Kinematics) meanTicks(r MoveRecord) float64 {
	return float64(r.LeftTicks+r.RightTicks) / 2
}

func (k Kinematics) straight(p Pose, r MoveRecord) (Pose, Delta) {
	d := k.TicksToCm * k.meanTicks(r)
	return p.Advance(d), Delta{Distance: d}
}

func (k Kinematics) spin(p Pose, r MoveRecord) (Pose, Delta) {
	ticks := (math.Abs(float64(r.LeftTicks)) + math.Abs(float64(r.RightTicks))) / 2
	angle := 180 * ticks / k.TicksPerHalfTurn
	if r.LeftSpeed > r.RightSpeed {
		angle = -angle
	}
	return p.Rotate(angle), Delta{Turn: angle}
}

// arc follows a circle whose radius comes from the speed ratio. The
// position advances along the chord, at half the arc angle.
func (k Kinematics) arc(p Pose, r MoveRecord) (Pose, Delta, bool) {
	vl, vr := float64(r.LeftSpeed), float64(r.RightSpeed)
	diff := vr - vl
	if math.Abs(diff) < minSpeedDiff {
		return p, Delta{}, false
	}

	radius := k.WheelBaseCm / 2 * (vl + vr) / diff
	s := k.TicksToCm * k.meanTicks(r)
	theta := s / radius
	chord := 2 * radius * math.Sin(theta/2)
	if math.IsNaN(theta) || math.IsInf(theta, 0) || math.IsNaN(chord) || math.IsInf(chord, 0) {
		return p, Delta{}, false
	}

	thetaDeg := theta * 180 / math.Pi
	mid := p.Rotate(thetaDeg / 2).Advance(chord)
	next := Pose{X: mid.X, Y: mid.Y, Heading: NormalizeDegrees(p.Heading + thetaDeg)}
	return next, Delta{Turn: thetaDeg, Distance: chord}, true
}
