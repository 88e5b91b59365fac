package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/gwillem/khepera/pkg/sensor"
)

type StatsCommand struct {
	Sim      bool    `long:"sim" description:"Use the simulator instead of the serial port"`
	Frames   int     `short:"n" long:"frames" default:"100" description:"Frames to capture per placement"`
	Distance float64 `short:"d" long:"distance" default:"1" description:"Distance to the target in cm, recorded with each block"`
	Out      string  `short:"o" long:"out" default:"sensor_stats.txt" description:"Statistics file to append to"`
}

func (c *StatsCommand) Execute(args []string) error {
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive")
	}
	cfg, err := loadConfig(c.Sim)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, c.Sim)
	if err != nil {
		return err
	}
	defer s.Close()

	f, err := os.OpenFile(c.Out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open stats file: %w", err)
	}
	defer f.Close()

	fmt.Println(headerStyle.Render("Sensor Statistics"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	for _, p := range sensor.Placements() {
		if !c.Sim && !confirm(fmt.Sprintf("Place the robot %.1f cm from the target: %s", c.Distance, p.Name)) {
			fmt.Println(dimStyle.Render("  skipped"))
			continue
		}
		frames, err := c.capture(s)
		if err != nil {
			return err
		}
		stats := sensor.Summarize(frames, p.Sensors)
		meta := fmt.Sprintf("%s distance=%g frames=%d time=%s", p.Name, c.Distance, len(frames), time.Now().Format(time.RFC3339))
		if err := sensor.WriteStats(f, meta, stats); err != nil {
			return fmt.Errorf("write stats: %w", err)
		}
		fmt.Println(subHeaderStyle.Render(p.Name))
		for _, st := range stats {
			fmt.Printf("  sensor %d  mean %7.1f  sd %6.1f  n %d\n", st.Index, st.Mean, st.StdDev, st.N)
		}
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Statistics appended to " + c.Out))
	return nil
}

// capture reads frames until it has c.Frames valid ones. Dropped readings
// are retried a bounded number of times.
func (c *StatsCommand) capture(s *session) ([]sensor.Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.Frames)*time.Second)
	defer cancel()

	frames := make([]sensor.Frame, 0, c.Frames)
	for attempts := 0; len(frames) < c.Frames && attempts < 2*c.Frames; attempts++ {
		rd, err := s.robot.Sense(ctx)
		if err != nil {
			return nil, err
		}
		if rd.OK {
			frames = append(frames, rd.Frame)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no sensor readings")
	}
	return frames, nil
}

func confirm(prompt string) bool {
	ok := true
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(prompt).
				Affirmative("Capture").
				Negative("Skip").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return ok
}
