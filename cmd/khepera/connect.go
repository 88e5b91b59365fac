package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/khepera"
	"github.com/gwillem/khepera/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// loadConfig reads the configuration named by --config. The simulator runs
// on defaults when no file exists.
func loadConfig(sim bool) (*robot.Config, error) {
	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err == nil {
		return cfg, nil
	}
	if sim && errors.Is(err, fs.ErrNotExist) {
		return robot.Default(), nil
	}
	return nil, err
}

// session is an open robot, real or simulated, with its arena.
type session struct {
	cfg   *robot.Config
	grid  *grid.Grid
	robot *robot.Robot
	sim   *khepera.Simulator
}

func openSession(cfg *robot.Config, sim bool) (*session, error) {
	g, err := cfg.Arena.Grid()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, grid: g}
	if sim {
		s.robot, s.sim = robot.NewSimulated(cfg, g)
		return s, nil
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("no serial port configured, run 'khepera setup' first")
	}
	s.robot, err = robot.Connect(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	return s.robot.Close()
}
