package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/khepera/pkg/odometry"
)

// halfWall sees an obstacle 2cm away for headings in [0, 180) and nothing
// in range otherwise.
var halfWall = RangeFunc(func(x, y, angle float64) float64 {
	if odometry.NormalizeDegrees(angle) < 180 {
		return 2
	}
	return 50
})

func newFilter(t *testing.T, cfg Config, m RangeMap) *Filter {
	t.Helper()
	f, err := New(cfg, m, odometry.Pose{X: 67, Y: 15})
	require.NoError(t, err)
	return f
}

func weightSum(ps []Particle) float64 {
	sum := 0.0
	for _, p := range ps {
		sum += p.Weight
	}
	return sum
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 200
	f := newFilter(t, cfg, halfWall)

	ps := f.Particles()
	require.Len(t, ps, 200)
	for _, p := range ps {
		assert.Equal(t, 67.0, p.X)
		assert.Equal(t, 15.0, p.Y)
		assert.Equal(t, math.Trunc(p.Heading), p.Heading)
		assert.True(t, p.Heading >= 0 && p.Heading < 360)
	}
	assert.InDelta(t, 1, weightSum(ps), 1e-12)
	assert.InDelta(t, 200, f.EffectiveSampleSize(), 1e-9)
	assert.False(t, f.NeedsResample())
}

func TestNew_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 0
	_, err := New(cfg, halfWall, odometry.Pose{})
	assert.ErrorContains(t, err, "particles")

	_, err = New(DefaultConfig(), nil, odometry.Pose{})
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.SaturatedCm = 1
	_, err = New(cfg, halfWall, odometry.Pose{})
	assert.ErrorContains(t, err, "saturated_cm")
}

func TestPredict_NoiseFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 50
	f := newFilter(t, cfg, halfWall)
	before := f.Particles()

	f.Predict(odometry.Delta{Turn: 90, Distance: 10}, Noise{})

	for i, p := range f.Particles() {
		wantHeading := odometry.NormalizeDegrees(before[i].Heading + 90)
		assert.InDelta(t, wantHeading, p.Heading, 1e-9)
		sin, cos := math.Sincos(wantHeading * math.Pi / 180)
		assert.InDelta(t, 67+10*cos, p.X, 1e-9)
		assert.InDelta(t, 15+10*sin, p.Y, 1e-9)
	}
}

func TestPredict_SeededIsReproducible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 100
	a := newFilter(t, cfg, halfWall)
	b := newFilter(t, cfg, halfWall)

	u := odometry.Delta{Turn: 15, Distance: 3}
	n := Noise{Heading: 2, Distance: 0.5}
	for i := 0; i < 5; i++ {
		a.Predict(u, n)
		b.Predict(u, n)
	}
	assert.Equal(t, a.Particles(), b.Particles())

	cfg.Seed = 3
	c := newFilter(t, cfg, halfWall)
	c.Predict(u, n)
	assert.NotEqual(t, a.Particles()[0], c.Particles()[0])
}

func TestUpdate_WeightsNormalized(t *testing.T) {
	for seed := uint64(1); seed <= 10; seed++ {
		cfg := DefaultConfig()
		cfg.Count = 100
		cfg.Seed = seed
		f := newFilter(t, cfg, halfWall)

		for _, z := range []float64{0, 1.5, 2, 4.9, 7, math.Inf(1), math.NaN()} {
			f.Predict(odometry.Delta{Turn: 7, Distance: 0.3}, Noise{Heading: 5, Distance: 0.2})
			f.Update(Measurement{DistanceCm: z}, 0.5)

			ps := f.Particles()
			for _, p := range ps {
				require.GreaterOrEqual(t, p.Weight, 0.0)
			}
			require.InDelta(t, 1, weightSum(ps), 1e-9, "seed %d z %v", seed, z)
		}
	}
}

func TestUpdate_FavoursConsistentParticles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 360
	f := newFilter(t, cfg, halfWall)

	f.Update(Measurement{DistanceCm: 2}, 0)

	var facingWall, facingAway float64
	for _, p := range f.Particles() {
		if p.Heading < 180 {
			facingWall += p.Weight
		} else {
			facingAway += p.Weight
		}
	}
	assert.Greater(t, facingWall, 0.99)
	assert.Less(t, facingAway, 0.01)
}

func TestUpdate_SaturatesOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 360
	f := newFilter(t, cfg, halfWall)

	// No detection matches the particles whose ray is beyond range.
	f.Update(Measurement{DistanceCm: math.Inf(1)}, 0)

	var facingAway float64
	for _, p := range f.Particles() {
		if p.Heading >= 180 {
			facingAway += p.Weight
		}
	}
	assert.Greater(t, facingAway, 0.99)
}

func TestUpdate_UsesBearing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 360
	f := newFilter(t, cfg, halfWall)

	// A side sensor looking 180 degrees back inverts which half matches.
	f.Update(Measurement{DistanceCm: 2, BearingDeg: 180}, 0)

	var facingAway float64
	for _, p := range f.Particles() {
		if p.Heading >= 180 {
			facingAway += p.Weight
		}
	}
	assert.Greater(t, facingAway, 0.99)
}

func TestUpdate_Underflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 10
	f := newFilter(t, cfg, RangeFunc(func(x, y, a float64) float64 { return 0 }))

	// Likelihood of 5cm under N(0, 0.01) underflows to zero everywhere.
	f.Update(Measurement{DistanceCm: 5}, 0.01)

	for _, p := range f.Particles() {
		assert.InDelta(t, 0.1, p.Weight, 1e-12)
	}
}

func setWeights(f *Filter, w []float64) {
	for i := range f.particles {
		f.particles[i].Weight = w[i]
		f.particles[i].X = float64(i)
	}
}

func TestEffectiveSampleSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 4
	f := newFilter(t, cfg, halfWall)

	setWeights(f, []float64{1, 0, 0, 0})
	assert.InDelta(t, 1, f.EffectiveSampleSize(), 1e-12)
	assert.True(t, f.NeedsResample())

	setWeights(f, []float64{0.4, 0.4, 0.1, 0.1})
	assert.InDelta(t, 1/0.34, f.EffectiveSampleSize(), 1e-12)
	assert.False(t, f.NeedsResample())

	// 1/(0.5^2 + 3*(1/6)^2) = 3 is not below N/2 = 2.
	setWeights(f, []float64{0.5, 1.0 / 6, 1.0 / 6, 1.0 / 6})
	assert.False(t, f.NeedsResample())

	setWeights(f, []float64{0.7, 0.1, 0.1, 0.1})
	assert.True(t, f.NeedsResample())
}

func TestResample_Proportional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 10
	f := newFilter(t, cfg, halfWall)

	prior := []float64{0.3, 0.2, 0.15, 0.1, 0.1, 0.05, 0.05, 0.03, 0.01, 0.01}
	counts := make([]float64, len(prior))

	const trials = 2000
	for trial := 0; trial < trials; trial++ {
		setWeights(f, prior)
		f.Resample()

		ps := f.Particles()
		for _, p := range ps {
			counts[int(p.X)]++
			require.InDelta(t, 0.1, p.Weight, 1e-12)
		}
		require.InDelta(t, float64(cfg.Count), f.EffectiveSampleSize(), 1e-9)
	}

	for i, w := range prior {
		got := counts[i] / trials
		assert.InDelta(t, w*float64(cfg.Count), got, 0.05, "particle %d", i)
	}
}

func TestResample_KeepsDominantParticle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 5
	f := newFilter(t, cfg, halfWall)
	setWeights(f, []float64{0, 0, 1, 0, 0})

	f.Resample()
	for _, p := range f.Particles() {
		assert.Equal(t, 2.0, p.X)
	}
}

func TestEstimate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 4
	f := newFilter(t, cfg, halfWall)

	f.particles = []Particle{
		{X: 0, Y: 10, Heading: 350, Weight: 0.25},
		{X: 2, Y: 10, Heading: 10, Weight: 0.25},
		{X: 4, Y: 20, Heading: 350, Weight: 0.25},
		{X: 6, Y: 20, Heading: 10, Weight: 0.25},
	}

	e := f.Estimate()
	assert.InDelta(t, 3, e.Mean.X, 1e-12)
	assert.InDelta(t, 15, e.Mean.Y, 1e-12)
	assert.InDelta(t, 5, e.VarX, 1e-12)
	assert.InDelta(t, 25, e.VarY, 1e-12)
	assert.InDelta(t, 0, odometry.SignedDegrees(e.Mean.Heading), 1e-9)
	assert.InDelta(t, 4, e.ESS, 1e-12)
}

func TestStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 360
	quarterWall := RangeFunc(func(x, y, angle float64) float64 {
		if odometry.NormalizeDegrees(angle) < 90 {
			return 2
		}
		return 50
	})
	f := newFilter(t, cfg, quarterWall)

	e := f.Step(odometry.Delta{}, Measurement{DistanceCm: 2})

	// About a quarter of the particles carry all the weight.
	assert.True(t, e.Resampled)
	assert.InDelta(t, 1, weightSum(f.Particles()), 1e-9)
	assert.InDelta(t, 360, e.ESS, 1e-6)
	for _, p := range f.Particles() {
		assert.Less(t, p.Heading, 90.0)
	}

	e = f.Step(odometry.Delta{}, Measurement{DistanceCm: 2})
	assert.False(t, e.Resampled)
}

func TestReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 20
	f := newFilter(t, cfg, halfWall)
	f.Predict(odometry.Delta{Distance: 10}, Noise{})

	f.Reset(odometry.Pose{X: 1, Y: 2})
	for _, p := range f.Particles() {
		assert.Equal(t, 1.0, p.X)
		assert.Equal(t, 2.0, p.Y)
		assert.InDelta(t, 0.05, p.Weight, 1e-12)
	}
	assert.Equal(t, 20, f.Len())
}

func TestNew_HeadingSpread(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 300
	cfg.HeadingSpread = 20

	f, err := New(cfg, halfWall, odometry.Pose{Heading: 355})
	require.NoError(t, err)
	for _, p := range f.Particles() {
		assert.LessOrEqual(t, math.Abs(odometry.SignedDegrees(p.Heading-355)), 10.0)
	}

	e := f.Estimate()
	assert.InDelta(t, 0, odometry.SignedDegrees(e.Mean.Heading-355), 3)

	cfg.HeadingSpread = -1
	_, err = New(cfg, halfWall, odometry.Pose{})
	assert.ErrorContains(t, err, "heading_spread")
}
