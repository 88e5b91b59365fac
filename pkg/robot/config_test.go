package robot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/khepera/pkg/sensor"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30.0, cfg.Filter.HeadingSpread)
	assert.False(t, cfg.Telemetry.Enabled())
}

func TestConfigSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "khepera.yaml")

	cfg := Default()
	cfg.Port = "/dev/ttyUSB0"
	cfg.Timeout = 150 * time.Millisecond
	cfg.Motion.CruiseSpeed = 7
	cfg.Avoid.WallLost = 60
	cfg.Telemetry.Broker = "tcp://localhost:1883"
	require.NoError(t, cfg.SaveTo(path))

	loaded, err := LoadConfigFrom(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "khepera.yaml")
	data := []byte("port: /dev/ttyS1\nmotion:\n  cruise_speed: 4\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", cfg.Port)
	assert.Equal(t, 4, cfg.Motion.CruiseSpeed)
	assert.Equal(t, DefaultMotionConfig().HomeSpeed, cfg.Motion.HomeSpeed)
	assert.Equal(t, Default().Arena, cfg.Arena)
}

func TestLoadConfig_RelativeCalibration(t *testing.T) {
	dir := t.TempDir()

	cal := sensor.DefaultCalibration()
	cal[3].MaxCm = 4
	raw, err := json.Marshal(cal[:])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cal.json"), raw, 0644))

	path := filepath.Join(dir, "khepera.yaml")
	data := []byte("calibration_file: cal.json\narena:\n  image: arena.png\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 4.0, cfg.Calibration[3].MaxCm)
	assert.Equal(t, filepath.Join(dir, "arena.png"), cfg.Arena.Image)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "port: [", "parse config"},
		{"bad parity", "serial:\n  parity: X\n", "serial"},
		{"zero hz", "explore:\n  hz: 0\n", "hz must be positive"},
		{"bad motion", "motion:\n  curve_inner: 12\n", "curve_outer"},
		{"missing calibration", "calibration_file: nope.json\n", "read calibration file"},
		{"bad arena", "arena:\n  cells_x: 0\n", "cell counts"},
		{"zero threshold", "arena:\n  threshold: 0\n", "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := LoadConfigFrom(path)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := LoadConfigFrom(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate_JoinsSections(t *testing.T) {
	cfg := Default()
	cfg.Filter.Count = 0
	cfg.Kinematics.TicksToCm = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "filter:")
	assert.ErrorContains(t, err, "kinematics:")
}

func TestArenaGrid(t *testing.T) {
	g, err := Default().Arena.Grid()
	require.NoError(t, err)

	w, h := g.Size()
	assert.Equal(t, 140, w)
	assert.Equal(t, 76, h)
	assert.True(t, g.Occupied(0, 10))
	assert.False(t, g.Occupied(70, 38))
}
