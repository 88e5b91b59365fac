package sensor

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

// DefaultMaxCm is the upper end of the fitted calibration domain.
const DefaultMaxCm = 5.0

const (
	imagTolerance = 1e-6
	domainSlack   = 1e-9
	newtonSteps   = 4
)

// Polynomial maps a distance in centimetres to the raw code a sensor reports.
// Coefficients are ordered from the highest degree down to the constant.
type Polynomial struct {
	Coeffs []float64 `json:"coeffs" yaml:"coeffs"`
	MaxCm  float64   `json:"max_cm" yaml:"max_cm"`
}

// Calibration holds one fitted polynomial per sensor, indexed by sensor id.
type Calibration [NumSensors]Polynomial

// DefaultCalibration returns the curves fitted on the reference robot. They are
// placeholders until the target unit is recalibrated.
func DefaultCalibration() Calibration {
	return Calibration{
		{Coeffs: []float64{-7.3804, 109.3405, -540.5984, 1028.6119}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-17.6896, 195.52, -721.418, 1014.84}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-3.075207398, 48.26268901, -294.5528620, 885.3472322, -1361.6370243, 1020}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-0.560244443, 11.41072057, -94.7792302, 405.5557011, -920.3395907, 1020}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-15.9683156122, 178.782916474, -675.967600511, 1014.962391210}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-15.631530459, 178.22568971, -684.61057171, 1016.46983217}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-12.5520697167, 148.793464052, -608.975287892, 1018.118394024}, MaxCm: DefaultMaxCm},
		{Coeffs: []float64{-18.0936819173, 198.762278245, -722.771677561, 1015.180205416}, MaxCm: DefaultMaxCm},
	}
}

// LoadCalibration loads a calibration table from a JSON file holding an
// array of eight polynomials.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("read calibration file: %w", err)
	}

	var raw []Polynomial
	if err := json.Unmarshal(data, &raw); err != nil {
		return Calibration{}, fmt.Errorf("parse calibration JSON: %w", err)
	}
	if len(raw) != NumSensors {
		return Calibration{}, fmt.Errorf("calibration has %d sensors, want %d", len(raw), NumSensors)
	}

	var cal Calibration
	copy(cal[:], raw)
	if err := cal.Validate(); err != nil {
		return Calibration{}, err
	}
	return cal, nil
}

// Validate checks that every sensor has a usable polynomial.
func (c Calibration) Validate() error {
	for i, p := range c {
		if len(p.Coeffs) < 2 || p.Coeffs[0] == 0 {
			return fmt.Errorf("sensor %d: polynomial needs degree >= 1 with non-zero leading coefficient", i)
		}
		if p.MaxCm <= 0 {
			return fmt.Errorf("sensor %d: max_cm must be positive", i)
		}
	}
	return nil
}

// Calibrate converts a raw code from sensor index into centimetres. The
// second result is false when no plausible distance exists, in which case
// the distance is NoDetection.
func (c Calibration) Calibrate(code, index int) (float64, bool) {
	if index < 0 || index >= NumSensors {
		return NoDetection, false
	}
	return c[index].Invert(float64(code))
}

// Distances calibrates a whole frame.
func (c Calibration) Distances(f Frame) Distances {
	var d Distances
	for i, code := range f {
		d[i], _ = c.Calibrate(code, i)
	}
	return d
}

// Eval returns the raw code predicted at x centimetres.
func (p Polynomial) Eval(x float64) float64 {
	y := 0.0
	for _, c := range p.Coeffs {
		y = y*x + c
	}
	return y
}

func (p Polynomial) derivative(x float64) float64 {
	n := len(p.Coeffs) - 1
	y := 0.0
	for i, c := range p.Coeffs[:n] {
		y = y*x + c*float64(n-i)
	}
	return y
}

// Invert solves Eval(x) = code for the smallest real root inside [0, MaxCm].
// Codes at or above Eval(0) are closer than the calibrated range and clamp
// to zero.
func (p Polynomial) Invert(code float64) (float64, bool) {
	if len(p.Coeffs) < 2 || p.Coeffs[0] == 0 {
		return NoDetection, false
	}
	if code >= p.Eval(0) {
		return 0, true
	}

	best, found := NoDetection, false
	for _, r := range p.roots(code) {
		if math.Abs(imag(r)) > imagTolerance*(1+math.Abs(real(r))) {
			continue
		}
		x := p.polish(real(r), code)
		if x < 0 && x > -domainSlack {
			x = 0
		}
		if math.IsNaN(x) || x < 0 || x > p.MaxCm+domainSlack {
			continue
		}
		if !found || x < best {
			best, found = x, true
		}
	}
	return best, found
}

// roots returns the roots of Eval(x) - code as eigenvalues of the companion
// matrix.
func (p Polynomial) roots(code float64) []complex128 {
	n := len(p.Coeffs) - 1
	lead := p.Coeffs[0]

	data := make([]float64, n*n)
	for j := 0; j < n; j++ {
		c := p.Coeffs[j+1]
		if j == n-1 {
			c -= code
		}
		data[j] = -c / lead
	}
	for i := 1; i < n; i++ {
		data[i*n+i-1] = 1
	}

	var eig mat.Eigen
	if ok := eig.Factorize(mat.NewDense(n, n, data), mat.EigenNone); !ok {
		return nil
	}
	return eig.Values(nil)
}

func (p Polynomial) polish(x, code float64) float64 {
	for i := 0; i < newtonSteps; i++ {
		d := p.derivative(x)
		if d == 0 {
			break
		}
		x -= (p.Eval(x) - code) / d
	}
	return x
}
