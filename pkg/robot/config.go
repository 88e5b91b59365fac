package robot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/khepera/pkg/avoid"
	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/khepera"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
	"github.com/gwillem/khepera/pkg/telemetry"
)

const DefaultConfigFile = "khepera.yaml"

// Config holds everything that differs between robot units and arenas.
// The numeric defaults are placeholders from one unit; recalibrate them on
// the target hardware.
type Config struct {
	Port    string              `yaml:"port"`
	Serial  khepera.PortOptions `yaml:"serial"`
	Timeout time.Duration       `yaml:"timeout"`

	Arena      ArenaConfig         `yaml:"arena"`
	Start      odometry.Pose       `yaml:"start"`
	Home       odometry.Pose       `yaml:"home"`
	Kinematics odometry.Kinematics `yaml:"kinematics"`

	// CalibrationFile points to a JSON array of eight polynomials. When
	// empty the inline Calibration is used.
	CalibrationFile string             `yaml:"calibration_file,omitempty"`
	Calibration     sensor.Calibration `yaml:"calibration"`

	Filter    filter.Config    `yaml:"filter"`
	Avoid     avoid.Thresholds `yaml:"avoid"`
	Motion    MotionConfig     `yaml:"motion"`
	Explore   ExploreConfig    `yaml:"explore"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ArenaConfig describes the occupancy grid. Without an image the arena is
// an empty walled rectangle.
type ArenaConfig struct {
	Image     string  `yaml:"image,omitempty"`
	CellsX    int     `yaml:"cells_x"`
	CellsY    int     `yaml:"cells_y"`
	WidthCm   float64 `yaml:"width_cm"`
	HeightCm  float64 `yaml:"height_cm"`
	Threshold float64 `yaml:"threshold"`
}

// ExploreConfig tunes the control loop.
type ExploreConfig struct {
	Hz           float64       `yaml:"hz"`
	SearchTime   time.Duration `yaml:"search_time"`
	HomeTimeout  time.Duration `yaml:"home_timeout"`
	FoodRadiusCm float64       `yaml:"food_radius_cm"`
	BlinkCount   int           `yaml:"blink_count"`
	// CheckpointTicks closes a move that has run this many loop ticks
	// unchanged, so long straight runs still reach the filter.
	CheckpointTicks int `yaml:"checkpoint_ticks"`
	// Backtrack retraces the search path before the final approach home.
	Backtrack bool `yaml:"backtrack"`
}

// Default returns a configuration for the reference arena and unit.
func Default() *Config {
	cfg := &Config{
		Serial:  khepera.DefaultPortOptions(),
		Timeout: khepera.DefaultTimeout,
		Arena: ArenaConfig{
			CellsX:    140,
			CellsY:    76,
			WidthCm:   139.5,
			HeightCm:  75.5,
			Threshold: grid.DefaultThreshold,
		},
		Start:       odometry.Pose{X: 67, Y: 15, Heading: 90},
		Home:        odometry.Pose{X: 67, Y: 15, Heading: 90},
		Kinematics:  odometry.DefaultKinematics(),
		Calibration: sensor.DefaultCalibration(),
		Filter:      filter.DefaultConfig(),
		Avoid:       avoid.DefaultThresholds(),
		Motion:      DefaultMotionConfig(),
		Explore: ExploreConfig{
			Hz:              50,
			SearchTime:      30 * time.Second,
			HomeTimeout:     2 * time.Minute,
			FoodRadiusCm:    20,
			BlinkCount:      3,
			CheckpointTicks: 25,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
	// The robot is placed at home facing the start heading.
	cfg.Filter.HeadingSpread = 30
	return cfg
}

// LoadConfig loads configuration from the default config file.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file. Fields missing
// from the file keep their defaults. A relative CalibrationFile or arena
// image is resolved against the config file's directory.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if cfg.CalibrationFile != "" {
		cal, err := sensor.LoadCalibration(resolve(dir, cfg.CalibrationFile))
		if err != nil {
			return nil, err
		}
		cfg.Calibration = cal
	}
	if cfg.Arena.Image != "" {
		cfg.Arena.Image = resolve(dir, cfg.Arena.Image)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ConfigExists returns true if the default config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}

// Validate reports every invalid section.
func (c *Config) Validate() error {
	var errs []error
	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	if _, err := c.Serial.Normalize(); err != nil {
		check("serial", err)
	}
	if c.Timeout < 0 {
		check("timeout", errors.New("must not be negative"))
	}
	check("arena", c.Arena.validate())
	check("kinematics", c.Kinematics.Validate())
	check("calibration", c.Calibration.Validate())
	check("filter", c.Filter.Validate())
	check("avoid", c.Avoid.Validate())
	check("motion", c.Motion.Validate())
	if c.Explore.Hz <= 0 {
		check("explore", errors.New("hz must be positive"))
	}
	if c.Explore.HomeTimeout <= 0 {
		check("explore", errors.New("home_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (a ArenaConfig) validate() error {
	switch {
	case a.CellsX <= 0 || a.CellsY <= 0:
		return fmt.Errorf("cell counts must be positive")
	case a.WidthCm <= 0 || a.HeightCm <= 0:
		return fmt.Errorf("arena size must be positive")
	case a.Threshold <= 0 || a.Threshold > 1:
		return fmt.Errorf("threshold must be within (0, 1]")
	}
	return nil
}

// Grid loads the arena image, or builds an empty walled arena when no image
// is configured.
func (a ArenaConfig) Grid() (*grid.Grid, error) {
	if a.Image == "" {
		return grid.Walled(a.CellsX, a.CellsY, a.WidthCm, a.HeightCm)
	}
	return grid.Load(a.Image, grid.ImageOptions{
		CellsX:    a.CellsX,
		CellsY:    a.CellsY,
		Threshold: a.Threshold,
		WidthCm:   a.WidthCm,
		HeightCm:  a.HeightCm,
	})
}
