package khepera

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
)

const (
	// ticksPerSpeedUnit is encoder ticks per second for one speed unit.
	ticksPerSpeedUnit = 100
	// positionSpeed is the wheel speed used to reach a position target.
	positionSpeed = 20
	ambientCode   = 450
	maxCode       = 1023
)

// SimOptions configure a Simulator. Zero values select defaults; a nil
// Grid is an empty floor.
type SimOptions struct {
	Grid        *grid.Grid
	Calibration *sensor.Calibration
	Kinematics  odometry.Kinematics
	Start       odometry.Pose
	// Tick is the simulated time that passes per received command.
	Tick time.Duration
	// NoiseStd is the standard deviation added to proximity codes.
	NoiseStd float64
	Seed     uint64
}

// Simulator is an in-memory Port that answers the robot protocol from a
// kinematic model driving around an occupancy grid. Simulated time advances
// by one Tick per command, so runs are deterministic.
type Simulator struct {
	mu   sync.Mutex
	cond *sync.Cond
	out  bytes.Buffer
	in   []byte

	closed bool
	opts   SimOptions
	cal    sensor.Calibration
	noise  distuv.Normal

	pose        odometry.Pose
	left, right int
	posMode     bool
	target      [2]float64
	counts      [2]float64
	leds        [2]bool

	drop, garble int
	sent         []string
}

// NewSimulator returns a simulator with the robot at opts.Start.
func NewSimulator(opts SimOptions) *Simulator {
	if opts.Tick <= 0 {
		opts.Tick = 20 * time.Millisecond
	}
	if opts.Kinematics == (odometry.Kinematics{}) {
		opts.Kinematics = odometry.DefaultKinematics()
	}
	s := &Simulator{
		opts: opts,
		cal:  sensor.DefaultCalibration(),
		pose: opts.Start,
	}
	if opts.Calibration != nil {
		s.cal = *opts.Calibration
	}
	src := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	s.noise = distuv.Normal{Mu: 0, Sigma: opts.NoiseStd, Src: src}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Read blocks until a response is available or the simulator is closed.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.out.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// Write accepts command bytes and answers every complete line.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("simulator closed")
	}

	s.in = append(s.in, p...)
	for {
		i := bytes.IndexByte(s.in, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.in[:i]), "\r")
		s.in = s.in[i+1:]
		s.respond(line)
	}
	s.cond.Broadcast()
	return len(p), nil
}

// Close makes pending and future reads return io.EOF.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// DropResponses makes the next n commands go unanswered.
func (s *Simulator) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// GarbleResponses makes the next n answers carry the wrong echo.
func (s *Simulator) GarbleResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garble = n
}

// Pose returns the true simulated pose.
func (s *Simulator) Pose() odometry.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

// SetPose teleports the robot.
func (s *Simulator) SetPose(p odometry.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p
}

// Speeds returns the commanded wheel speeds.
func (s *Simulator) Speeds() (left, right int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left, s.right
}

// LED reports whether LED n is lit.
func (s *Simulator) LED(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return n >= 0 && n < len(s.leds) && s.leds[n]
}

// Sent returns every command line received, oldest first.
func (s *Simulator) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Simulator) respond(line string) {
	s.sent = append(s.sent, line)
	s.advance()

	reply := s.handle(line)
	switch {
	case s.drop > 0:
		s.drop--
		return
	case s.garble > 0:
		s.garble--
		reply = "z,garbled"
	}
	s.out.WriteString(reply)
	s.out.WriteString("\r\n")
}

func (s *Simulator) handle(line string) string {
	if line == "" {
		return "z,Protocol error"
	}
	cmd := Command(line[0])
	args, ok := parseArgs(line[1:])
	if !ok {
		return "z,Protocol error"
	}
	echo := string(cmd.Echo())

	switch cmd {
	case CmdSetSpeeds:
		if len(args) != 2 {
			break
		}
		s.left, s.right = args[0], args[1]
		s.posMode = false
		return echo
	case CmdSetPosition:
		if len(args) != 2 {
			break
		}
		s.target = [2]float64{float64(args[0]), float64(args[1])}
		s.posMode = true
		return echo
	case CmdSetCounts:
		if len(args) != 2 {
			break
		}
		s.counts = [2]float64{float64(args[0]), float64(args[1])}
		return echo
	case CmdReadCounts:
		return joinInts(echo, int(math.Round(s.counts[0])), int(math.Round(s.counts[1])))
	case CmdReadProximity:
		return joinInts(echo, s.proximity()...)
	case CmdReadAmbient:
		v := make([]int, sensor.NumSensors)
		for i := range v {
			v[i] = ambientCode
		}
		return joinInts(echo, v...)
	case CmdLED:
		if len(args) != 2 || args[0] < 0 || args[0] >= len(s.leds) {
			break
		}
		switch LEDState(args[1]) {
		case LEDOff:
			s.leds[args[0]] = false
		case LEDOn:
			s.leds[args[0]] = true
		case LEDToggle:
			s.leds[args[0]] = !s.leds[args[0]]
		}
		return echo
	case CmdVersion:
		return joinInts(echo, 6, 13)
	}
	return "z,Protocol error"
}

// advance moves the wheels for one tick and integrates the pose. The robot
// stops at obstacles while its wheels keep slipping.
func (s *Simulator) advance() {
	dt := s.opts.Tick.Seconds()
	before := s.counts

	vl, vr := float64(s.left), float64(s.right)
	if s.posMode {
		vl = towards(s.counts[0], s.target[0])
		vr = towards(s.counts[1], s.target[1])
	}

	for i, v := range [2]float64{vl, vr} {
		next := s.counts[i] + v*ticksPerSpeedUnit*dt
		if s.posMode && (v > 0 && next > s.target[i] || v < 0 && next < s.target[i]) {
			next = s.target[i]
		}
		s.counts[i] = next
	}
	if vl == 0 && vr == 0 {
		return
	}

	rec := odometry.MoveRecord{
		LeftSpeed:  int(vl),
		RightSpeed: int(vr),
		LeftTicks:  int(math.Round(s.counts[0])) - int(math.Round(before[0])),
		RightTicks: int(math.Round(s.counts[1])) - int(math.Round(before[1])),
	}
	next, _ := s.opts.Kinematics.Integrate(s.pose, rec)
	if g := s.opts.Grid; g != nil {
		if cx, cy := g.CmToCell(next.X, next.Y); g.Occupied(cx, cy) {
			next.X, next.Y = s.pose.X, s.pose.Y
		}
	}
	s.pose = next
}

func towards(count, target float64) float64 {
	switch {
	case target > count:
		return positionSpeed
	case target < count:
		return -positionSpeed
	}
	return 0
}

// proximity converts the true ranges into raw codes through the
// calibration curves. Anything beyond a curve's domain reads as zero.
func (s *Simulator) proximity() []int {
	codes := make([]int, sensor.NumSensors)
	if s.opts.Grid == nil {
		return codes
	}
	for i := range codes {
		d := s.opts.Grid.RangeCm(s.pose.X, s.pose.Y, s.pose.Heading+sensor.Bearing(i))
		p := s.cal[i]
		if d > p.MaxCm {
			continue
		}
		code := p.Eval(d)
		if s.opts.NoiseStd > 0 {
			code += s.noise.Rand()
		}
		codes[i] = int(math.Round(math.Max(0, math.Min(maxCode, code))))
	}
	return codes
}

func parseArgs(s string) ([]int, bool) {
	s = strings.TrimPrefix(s, ",")
	if s == "" {
		return nil, true
	}
	fields := strings.Split(s, ",")
	args := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, false
		}
		args[i] = v
	}
	return args, true
}

func joinInts(echo string, values ...int) string {
	var b strings.Builder
	b.WriteString(echo)
	for _, v := range values {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}
