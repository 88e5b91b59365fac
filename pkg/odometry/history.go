package odometry

import "math"

// Completion rules used when replaying a move against live encoder counts.
const (
	longArcTicks    = 3000
	longArcFraction = 0.70
	arcSlackTicks   = 150
)

// History is the append-only trajectory log. The newest record stays open
// until the ticks counted for it are known.
type History struct {
	records []MoveRecord
	open    bool
}

// Open appends a record for a new pair of commanded speeds.
func (h *History) Open(left, right int) {
	h.records = append(h.records, MoveRecord{LeftSpeed: left, RightSpeed: right})
	h.open = true
}

// Close fills the ticks of the open record. It returns false when no record
// is open; a closed record is never changed again.
func (h *History) Close(c WheelCount) (MoveRecord, bool) {
	if !h.open || len(h.records) == 0 {
		return MoveRecord{}, false
	}
	r := &h.records[len(h.records)-1]
	r.LeftTicks = c.Left
	r.RightTicks = c.Right
	h.open = false
	return *r, true
}

// IsOpen reports whether the newest record still awaits its ticks.
func (h *History) IsOpen() bool {
	return h.open
}

// Current returns the open record, if any.
func (h *History) Current() (MoveRecord, bool) {
	if !h.open || len(h.records) == 0 {
		return MoveRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

// Len returns the number of records, the open one included.
func (h *History) Len() int {
	return len(h.records)
}

// Records returns a copy of the closed records in execution order.
func (h *History) Records() []MoveRecord {
	n := len(h.records)
	if h.open {
		n--
	}
	out := make([]MoveRecord, n)
	copy(out, h.records[:n])
	return out
}

// Replay reconstructs the poses visited by a sequence of records, starting
// with start itself.
func Replay(start Pose, k Kinematics, records []MoveRecord) []Pose {
	poses := make([]Pose, 0, len(records)+1)
	poses = append(poses, start)
	p := start
	for _, r := range records {
		p, _ = k.Integrate(p, r)
		poses = append(poses, p)
	}
	return poses
}

// BacktrackPlan turns a forward trajectory into the moves that retrace it
// after the robot has turned around: the first and last records are
// dropped, the rest are reversed and each has its wheels swapped.
func BacktrackPlan(records []MoveRecord) []MoveRecord {
	if len(records) < 3 {
		return nil
	}
	inner := records[1 : len(records)-1]
	plan := make([]MoveRecord, 0, len(inner))
	for i := len(inner) - 1; i >= 0; i-- {
		r := inner[i]
		plan = append(plan, MoveRecord{
			LeftSpeed:  r.RightSpeed,
			RightSpeed: r.LeftSpeed,
			LeftTicks:  r.RightTicks,
			RightTicks: r.LeftTicks,
		})
	}
	return plan
}

// Done reports whether the live counts c have covered the record's ticks.
// Arcs finish early: long ones at 70% of the target, short ones within a
// fixed slack, since the outer wheel tends to overshoot.
func (r MoveRecord) Done(c WheelCount) bool {
	cl, cr := math.Abs(float64(c.Left)), math.Abs(float64(c.Right))
	tl, tr := math.Abs(float64(r.LeftTicks)), math.Abs(float64(r.RightTicks))

	if r.Kind() == Arc {
		if cl > longArcTicks || cr > longArcTicks {
			if reached(cl, tl, longArcFraction) || reached(cr, tr, longArcFraction) {
				return true
			}
		} else if cl >= tl-arcSlackTicks || cr >= tr-arcSlackTicks {
			return true
		}
	}
	return cl >= tl || cr >= tr
}

func reached(count, target, fraction float64) bool {
	if target == 0 {
		return true
	}
	return count/target > fraction
}
