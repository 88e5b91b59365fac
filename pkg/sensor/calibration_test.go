package sensor

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolynomial_Eval(t *testing.T) {
	p := DefaultCalibration()[LeftSide]

	tests := []struct {
		x        float64
		expected float64
	}{
		{0, 1028.6119},
		{1, 589.9736},
		{2, -7.3804*8 + 109.3405*4 - 540.5984*2 + 1028.6119},
	}

	for _, tt := range tests {
		got := p.Eval(tt.x)
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("Eval(%v) = %f, want %f", tt.x, got, tt.expected)
		}
	}
}

func TestPolynomial_InvertRoundTrip(t *testing.T) {
	cal := DefaultCalibration()

	// These curves are monotonic over the whole calibrated domain.
	for _, idx := range []int{LeftSide, LeftDiagonal, RightDiagonal, RightSide, RearRight} {
		for x0 := 0.25; x0 < DefaultMaxCm; x0 += 0.5 {
			code := cal[idx].Eval(x0)
			got, ok := cal[idx].Invert(code)
			if !ok {
				t.Errorf("sensor %d: Invert(poly(%v)) reported no detection", idx, x0)
				continue
			}
			if math.Abs(got-x0) > 1e-6 {
				t.Errorf("sensor %d: Invert(poly(%v)) = %v", idx, x0, got)
			}
		}
	}
}

func TestPolynomial_InvertClampsCloseReadings(t *testing.T) {
	p := DefaultCalibration()[LeftSide]

	got, ok := p.Invert(2000)
	assert.True(t, ok)
	assert.Equal(t, 0.0, got)

	got, ok = p.Invert(p.Eval(0))
	assert.True(t, ok)
	assert.Equal(t, 0.0, got)
}

func TestPolynomial_InvertOutOfRange(t *testing.T) {
	p := DefaultCalibration()[LeftSide]

	for _, code := range []float64{-50, 0, 100} {
		got, ok := p.Invert(code)
		assert.False(t, ok, "code %v", code)
		assert.True(t, math.IsInf(got, 1), "code %v gave %v", code, got)
	}
}

func TestPolynomial_InvertDegenerate(t *testing.T) {
	got, ok := Polynomial{Coeffs: []float64{5}, MaxCm: 5}.Invert(3)
	assert.False(t, ok)
	assert.Equal(t, NoDetection, got)

	got, ok = Polynomial{Coeffs: []float64{0, 1, 2}, MaxCm: 5}.Invert(3)
	assert.False(t, ok)
	assert.Equal(t, NoDetection, got)
}

func TestCalibration_Calibrate(t *testing.T) {
	cal := DefaultCalibration()

	_, ok := cal.Calibrate(500, -1)
	assert.False(t, ok)
	_, ok = cal.Calibrate(500, NumSensors)
	assert.False(t, ok)

	code := int(math.Round(cal[LeftSide].Eval(1.5)))
	got, ok := cal.Calibrate(code, LeftSide)
	require.True(t, ok)
	assert.InDelta(t, 1.5, got, 0.01)
}

func TestCalibration_Distances(t *testing.T) {
	cal := DefaultCalibration()

	var f Frame
	for i := range f {
		f[i] = 5000
	}
	f[LeftSide] = int(math.Round(cal[LeftSide].Eval(2)))

	d := cal.Distances(f)
	assert.InDelta(t, 2.0, d[LeftSide], 0.01)
	for i := 1; i < NumSensors; i++ {
		assert.Equal(t, 0.0, d[i], "sensor %d", i)
	}
}

func TestLoadCalibration(t *testing.T) {
	dir := t.TempDir()
	want := DefaultCalibration()

	data, err := json.Marshal(want[:])
	require.NoError(t, err)
	path := filepath.Join(dir, "calibration.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	got, err := LoadCalibration(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadCalibration_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCalibration(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	short := filepath.Join(dir, "short.json")
	require.NoError(t, os.WriteFile(short, []byte(`[{"coeffs":[1,2],"max_cm":5}]`), 0644))
	_, err = LoadCalibration(short)
	assert.ErrorContains(t, err, "calibration has 1 sensors")

	bad := DefaultCalibration()
	bad[3].MaxCm = 0
	data, err := json.Marshal(bad[:])
	require.NoError(t, err)
	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, data, 0644))
	_, err = LoadCalibration(invalid)
	assert.ErrorContains(t, err, "sensor 3")
}
