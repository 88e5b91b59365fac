// Package odometry integrates wheel-encoder ticks into pose changes for a
// differential-drive robot and keeps the log of executed moves.
package odometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Pose is a position in centimetres and a heading in degrees, counter-clockwise
// from the +x axis, kept in [0, 360).
type Pose struct {
	X       float64 `json:"x" yaml:"x"`
	Y       float64 `json:"y" yaml:"y"`
	Heading float64 `json:"heading" yaml:"heading"`
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// SignedDegrees wraps an angle into (-180, 180].
func SignedDegrees(deg float64) float64 {
	deg = NormalizeDegrees(deg)
	if deg > 180 {
		deg -= 360
	}
	return deg
}

// Point returns the position as an orb point.
func (p Pose) Point() orb.Point {
	return orb.Point{p.X, p.Y}
}

// Rotate returns the pose turned by deg degrees.
func (p Pose) Rotate(deg float64) Pose {
	p.Heading = NormalizeDegrees(p.Heading + deg)
	return p
}

// Advance returns the pose moved cm centimetres along its heading.
func (p Pose) Advance(cm float64) Pose {
	sin, cos := math.Sincos(p.Heading * math.Pi / 180)
	p.X += cm * cos
	p.Y += cm * sin
	return p
}

// DistanceTo returns the straight-line distance to another pose.
func (p Pose) DistanceTo(o Pose) float64 {
	return planar.Distance(p.Point(), o.Point())
}

// BearingTo returns the absolute heading in degrees that points from p to o.
func (p Pose) BearingTo(o Pose) float64 {
	return NormalizeDegrees(math.Atan2(o.Y-p.Y, o.X-p.X) * 180 / math.Pi)
}

// HeadingError returns the turn in (-180, 180] that would point p at o.
func (p Pose) HeadingError(o Pose) float64 {
	return SignedDegrees(p.BearingTo(o) - p.Heading)
}
