// Package filter implements a particle filter that localizes the robot in the
// arena by fusing odometry with a single range reading per cycle.
package filter

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gwillem/khepera/pkg/odometry"
)

// weightFloor keeps weights from underflowing to zero before normalization.
const weightFloor = 1e-300

// RangeMap predicts the distance to the nearest obstacle from an arena
// position along a heading, all in centimetres and degrees.
type RangeMap interface {
	RangeCm(x, y, angleDeg float64) float64
}

// RangeFunc adapts a plain function to RangeMap.
type RangeFunc func(x, y, angleDeg float64) float64

func (f RangeFunc) RangeCm(x, y, angleDeg float64) float64 { return f(x, y, angleDeg) }

// Config holds the filter tuning.
type Config struct {
	Count       int     `yaml:"particles"`
	Seed        uint64  `yaml:"seed"`
	HeadingStd  float64 `yaml:"heading_std"`
	DistanceStd float64 `yaml:"distance_std"`
	SensorStd   float64 `yaml:"sensor_std"`
	MaxRangeCm  float64 `yaml:"max_range_cm"`
	SaturatedCm float64 `yaml:"saturated_cm"`
	// HeadingSpread is the width in degrees of the initial heading
	// distribution, centred on the start heading. 360 means unknown.
	HeadingSpread float64 `yaml:"heading_spread"`
}

// DefaultConfig returns the tuning used on the reference arena.
func DefaultConfig() Config {
	return Config{
		Count:       500,
		Seed:        2,
		HeadingStd:  0.2,
		DistanceStd: 0.05,
		SensorStd:   0.5,
		MaxRangeCm:  5,
		SaturatedCm: 5.5,

		HeadingSpread: 360,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Count <= 0:
		return fmt.Errorf("particles must be positive")
	case c.HeadingStd < 0 || c.DistanceStd < 0:
		return fmt.Errorf("motion noise must not be negative")
	case c.SensorStd <= 0:
		return fmt.Errorf("sensor_std must be positive")
	case c.MaxRangeCm <= 0:
		return fmt.Errorf("max_range_cm must be positive")
	case c.SaturatedCm < c.MaxRangeCm:
		return fmt.Errorf("saturated_cm must be at least max_range_cm")
	case c.HeadingSpread < 0:
		return fmt.Errorf("heading_spread must not be negative")
	}
	return nil
}

// Particle is one pose hypothesis with its importance weight.
type Particle struct {
	X, Y, Heading float64
	Weight        float64
}

// Noise is the standard deviation of the motion model.
type Noise struct {
	Heading  float64
	Distance float64
}

// Measurement is one calibrated range reading and the sensor bearing
// relative to the robot heading.
type Measurement struct {
	DistanceCm float64
	BearingDeg float64
}

// Estimate summarizes the posterior after a cycle. Heading is the weighted
// circular mean and is not part of the variance.
type Estimate struct {
	Mean      odometry.Pose
	VarX      float64
	VarY      float64
	ESS       float64
	Resampled bool
}

// Filter is a particle filter over a fixed-size particle set. All methods
// are safe for concurrent use; a cycle run by Step is atomic.
type Filter struct {
	mu        sync.Mutex
	cfg       Config
	m         RangeMap
	rng       *rand.Rand
	particles []Particle
	next      []Particle
}

// New creates a filter with every particle at start's position and headings
// drawn uniformly over whole degrees.
func New(cfg Config, m RangeMap, start odometry.Pose) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("filter config: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("filter needs a range map")
	}

	f := &Filter{
		cfg:       cfg,
		m:         m,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
		particles: make([]Particle, cfg.Count),
		next:      make([]Particle, cfg.Count),
	}
	f.reset(start)
	return f, nil
}

// Config returns the filter tuning.
func (f *Filter) Config() Config {
	return f.cfg
}

// Reset places all particles at start again with fresh random headings.
func (f *Filter) Reset(start odometry.Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset(start)
}

func (f *Filter) reset(start odometry.Pose) {
	w := 1 / float64(len(f.particles))
	for i := range f.particles {
		f.particles[i] = Particle{
			X:       start.X,
			Y:       start.Y,
			Heading: f.initialHeading(start.Heading),
			Weight:  w,
		}
	}
}

// initialHeading draws a whole-degree heading, uniform over the full circle
// or over HeadingSpread around the start heading.
func (f *Filter) initialHeading(center float64) float64 {
	spread := int(math.Round(f.cfg.HeadingSpread))
	if spread >= 360 {
		return float64(f.rng.IntN(360))
	}
	offset := f.rng.IntN(spread+1) - spread/2
	return odometry.NormalizeDegrees(math.Round(center) + float64(offset))
}

// Len returns the particle count.
func (f *Filter) Len() int {
	return len(f.particles)
}

// Particles returns a copy of the current particle set.
func (f *Filter) Particles() []Particle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Particle, len(f.particles))
	copy(out, f.particles)
	return out
}

// Predict moves every particle by the control input: turn, then travel along
// the perturbed heading.
func (f *Filter) Predict(u odometry.Delta, n Noise) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predict(u, n)
}

func (f *Filter) predict(u odometry.Delta, n Noise) {
	turnNoise := distuv.Normal{Mu: u.Turn, Sigma: n.Heading, Src: f.rng}
	distNoise := distuv.Normal{Mu: u.Distance, Sigma: n.Distance, Src: f.rng}
	for i := range f.particles {
		p := &f.particles[i]
		p.Heading = odometry.NormalizeDegrees(p.Heading + turnNoise.Rand())
		d := distNoise.Rand()
		sin, cos := math.Sincos(p.Heading * math.Pi / 180)
		p.X += d * cos
		p.Y += d * sin
	}
}

// Update reweights the particles by how well their expected range explains
// the measurement. A non-positive std uses the configured sensor noise.
func (f *Filter) Update(z Measurement, std float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.update(z, std)
}

func (f *Filter) update(z Measurement, std float64) {
	if std <= 0 {
		std = f.cfg.SensorStd
	}
	measured := f.saturate(z.DistanceCm)

	sum := 0.0
	for i := range f.particles {
		p := &f.particles[i]
		expected := f.saturate(f.m.RangeCm(p.X, p.Y, p.Heading+z.BearingDeg))
		like := distuv.Normal{Mu: expected, Sigma: std}.Prob(measured)
		p.Weight = p.Weight*like + weightFloor
		sum += p.Weight
	}
	for i := range f.particles {
		f.particles[i].Weight /= sum
	}
}

// saturate clamps readings beyond the sensing range to one fixed value so
// that "nothing seen" is never mistaken for free space at a known distance.
func (f *Filter) saturate(d float64) float64 {
	if math.IsNaN(d) || d > f.cfg.MaxRangeCm {
		return f.cfg.SaturatedCm
	}
	return d
}

func (f *Filter) weights() []float64 {
	w := make([]float64, len(f.particles))
	for i, p := range f.particles {
		w[i] = p.Weight
	}
	return w
}

// EffectiveSampleSize returns 1 / sum(w^2).
func (f *Filter) EffectiveSampleSize() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ess()
}

func (f *Filter) ess() float64 {
	w := f.weights()
	return 1 / floats.Dot(w, w)
}

// NeedsResample reports whether the effective sample size fell below half
// the particle count.
func (f *Filter) NeedsResample() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ess() < float64(len(f.particles))/2
}

// Resample draws a new particle set by systematic resampling and resets the
// weights to uniform.
func (f *Filter) Resample() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resample()
}

func (f *Filter) resample() {
	n := len(f.particles)
	cum := make([]float64, n)
	floats.CumSum(cum, f.weights())
	cum[n-1] = 1

	offset := f.rng.Float64()
	w := 1 / float64(n)
	for i, j := 0, 0; i < n; {
		if (float64(i)+offset)/float64(n) < cum[j] || j == n-1 {
			f.next[i] = f.particles[j]
			f.next[i].Weight = w
			i++
		} else {
			j++
		}
	}
	f.particles, f.next = f.next, f.particles
}

// Estimate returns the weighted mean pose and positional variance.
func (f *Filter) Estimate() Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate()
}

func (f *Filter) estimate() Estimate {
	n := len(f.particles)
	xs, ys := make([]float64, n), make([]float64, n)
	var sinSum, cosSum float64
	for i, p := range f.particles {
		xs[i], ys[i] = p.X, p.Y
		sin, cos := math.Sincos(p.Heading * math.Pi / 180)
		sinSum += p.Weight * sin
		cosSum += p.Weight * cos
	}
	w := f.weights()

	var e Estimate
	e.Mean.X, e.VarX = stat.PopMeanVariance(xs, w)
	e.Mean.Y, e.VarY = stat.PopMeanVariance(ys, w)
	e.Mean.Heading = odometry.NormalizeDegrees(math.Atan2(sinSum, cosSum) * 180 / math.Pi)
	e.ESS = f.ess()
	return e
}

// Step runs one full cycle with the configured noise: predict, update,
// resample when the weights have degenerated, and estimate.
func (f *Filter) Step(u odometry.Delta, z Measurement) Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.predict(u, Noise{Heading: f.cfg.HeadingStd, Distance: f.cfg.DistanceStd})
	f.update(z, f.cfg.SensorStd)

	resampled := false
	if f.ess() < float64(len(f.particles))/2 {
		f.resample()
		resampled = true
	}

	e := f.estimate()
	e.Resampled = resampled
	return e
}
