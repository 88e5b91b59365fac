package khepera

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
)

// wallGrid is a 100x100 cm floor with one occupied column at x = 60.
func wallGrid(t *testing.T) *grid.Grid {
	t.Helper()
	cells := make([][]bool, 100)
	for y := range cells {
		cells[y] = make([]bool, 100)
		cells[y][60] = true
	}
	g, err := grid.New(cells, 100, 100)
	require.NoError(t, err)
	return g
}

func newTestClient(t *testing.T, opts SimOptions) (*Client, *Simulator) {
	t.Helper()
	sim := NewSimulator(opts)
	link := NewLink(sim, 50*time.Millisecond)
	link.Logf = t.Logf
	c := NewClient(link)
	t.Cleanup(func() { c.Close() })
	return c, sim
}

func TestClient_DriveStraight(t *testing.T) {
	ctx := context.Background()
	c, sim := newTestClient(t, SimOptions{Start: odometry.Pose{X: 10, Y: 10}})

	require.NoError(t, c.ResetCounts(ctx))
	require.NoError(t, c.SetSpeeds(ctx, 10, 10))

	var counts odometry.WheelCount
	for i := 0; i < 10; i++ {
		var err error
		counts, err = c.ReadCounts(ctx)
		require.NoError(t, err)
	}

	// 10 speed units for 10 ticks of 20ms each.
	assert.Equal(t, odometry.WheelCount{Left: 200, Right: 200}, counts)
	pose := sim.Pose()
	assert.InDelta(t, 10+200*0.008, pose.X, 1e-9)
	assert.InDelta(t, 10, pose.Y, 1e-9)

	require.NoError(t, c.Stop(ctx))
	l, r := sim.Speeds()
	assert.Zero(t, l)
	assert.Zero(t, r)
}

func TestClient_PositionTargetHalfTurn(t *testing.T) {
	ctx := context.Background()
	c, sim := newTestClient(t, SimOptions{Start: odometry.Pose{Heading: 90}})

	require.NoError(t, c.ResetCounts(ctx))
	require.NoError(t, c.SetPositionTarget(ctx, 1036, -1036))

	target := odometry.WheelCount{Left: 1036, Right: -1036}
	var counts odometry.WheelCount
	for i := 0; i < 100 && counts != target; i++ {
		var err error
		counts, err = c.ReadCounts(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, target, counts)
	assert.InDelta(t, 0, odometry.SignedDegrees(sim.Pose().Heading-270), 1e-6)
}

func TestClient_ReadProximity(t *testing.T) {
	ctx := context.Background()
	cal := sensor.DefaultCalibration()
	c, _ := newTestClient(t, SimOptions{
		Grid:  wallGrid(t),
		Start: odometry.Pose{X: 57.5, Y: 50.5},
	})

	f, err := c.ReadProximity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int(math.Round(cal[sensor.FrontLeft].Eval(3))), f[sensor.FrontLeft])
	assert.Greater(t, f[sensor.FrontRight], 0)
	assert.Zero(t, f[sensor.LeftSide])
	assert.Zero(t, f[sensor.RearLeft])

	d := cal.Distances(f)
	assert.InDelta(t, 3, d[sensor.FrontLeft], 0.05)
	assert.Equal(t, sensor.NoDetection, d[sensor.LeftSide])

	amb, err := c.ReadAmbient(ctx)
	require.NoError(t, err)
	assert.Equal(t, ambientCode, amb[0])
}

func TestClient_BlockedByWall(t *testing.T) {
	ctx := context.Background()
	c, sim := newTestClient(t, SimOptions{Grid: wallGrid(t), Start: odometry.Pose{X: 58.5, Y: 50.5}})

	require.NoError(t, c.SetSpeeds(ctx, 20, 20))
	for i := 0; i < 50; i++ {
		_, err := c.ReadCounts(ctx)
		require.NoError(t, err)
	}
	assert.Less(t, sim.Pose().X, 60.0)
}

func TestClient_LEDAndVersion(t *testing.T) {
	ctx := context.Background()
	c, sim := newTestClient(t, SimOptions{})

	require.NoError(t, c.SetLED(ctx, 1, LEDOn))
	assert.True(t, sim.LED(1))
	require.NoError(t, c.SetLED(ctx, 1, LEDToggle))
	assert.False(t, sim.LED(1))

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Len(t, v, 2)

	assert.Error(t, c.SetLED(ctx, 5, LEDOn), "simulator rejects unknown LEDs")
}

func TestClient_StopAfterCancel(t *testing.T) {
	c, sim := newTestClient(t, SimOptions{})
	require.NoError(t, c.SetSpeeds(context.Background(), 5, 5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SetSpeeds(ctx, 7, 7))
	require.NoError(t, c.Stop(ctx))

	l, r := sim.Speeds()
	assert.Zero(t, l)
	assert.Zero(t, r)
}

func TestClient_ShortFrameIsNoReading(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, SimOptions{})
	_, err := c.read(ctx, CmdReadCounts, 8)
	assert.ErrorIs(t, err, ErrNoReading)
}
