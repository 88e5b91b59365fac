// Package sensor provides the Khepera infrared proximity sensor layout,
// calibration of raw codes to distances, and reading statistics.
package sensor

import "math"

// NumSensors is the number of IR proximity sensors on a Khepera-II.
const NumSensors = 8

// Sensor indices, counter-clockwise seen from above starting at the left side.
const (
	LeftSide = iota
	LeftDiagonal
	FrontLeft
	FrontRight
	RightDiagonal
	RightSide
	RearRight
	RearLeft
)

// NoDetection is the distance reported when a sensor sees nothing in range.
var NoDetection = math.Inf(1)

// Frame is one atomic read of the raw proximity codes. Higher codes mean
// closer obstacles.
type Frame [NumSensors]int

// Distances holds calibrated distances in centimetres, indexed like Frame.
type Distances [NumSensors]float64

// Sensor groups used by obstacle avoidance.
var (
	FrontLeftGroup  = []int{LeftDiagonal, FrontLeft}
	FrontRightGroup = []int{FrontRight, RightDiagonal}
	FrontGroup      = []int{LeftDiagonal, FrontLeft, FrontRight, RightDiagonal}
)

// bearings are the mounting angles in degrees relative to the robot heading,
// counter-clockwise positive.
var bearings = [NumSensors]float64{90, 45, 10, -10, -45, -90, -170, 170}

// Bearing returns the mounting angle of sensor i relative to the heading.
func Bearing(i int) float64 {
	if i < 0 || i >= NumSensors {
		return 0
	}
	return bearings[i]
}

// Max returns the highest raw code among the given indices.
func (f Frame) Max(indices []int) int {
	max := 0
	for _, i := range indices {
		if i >= 0 && i < NumSensors && f[i] > max {
			max = f[i]
		}
	}
	return max
}

// Placement is a named robot pose used when capturing sensor statistics,
// together with the sensors facing the target in that pose.
type Placement struct {
	Name    string
	Sensors []int
}

// Placements returns the capture placements in the order they are visited.
func Placements() []Placement {
	return []Placement{
		{"front", []int{1, 2, 3, 4}},
		{"left_corner", []int{0, 1, 2}},
		{"left_side", []int{0, 1, 2}},
		{"left_side_sideways", []int{0, 1, 2}},
		{"right_corner", []int{3, 4, 5}},
		{"right_side", []int{3, 4, 5}},
		{"right_side_sideways", []int{3, 4, 5}},
		{"rear", []int{6, 7}},
	}
}
