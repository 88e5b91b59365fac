package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/gwillem/khepera/pkg/avoid"
	"github.com/gwillem/khepera/pkg/explore"
	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/robot"
	"github.com/gwillem/khepera/pkg/telemetry"
	"github.com/gwillem/khepera/pkg/trace"
)

type ExploreCommand struct {
	Sim       bool          `long:"sim" description:"Use the simulator instead of the serial port"`
	Duration  time.Duration `long:"duration" description:"Search time before returning home (0 searches until interrupted)"`
	Backtrack bool          `long:"backtrack" description:"Retrace the search path before heading home"`
	Trace     string        `long:"trace" description:"Write the trajectory plot to this file (png, svg or pdf)"`
	Plain     bool          `long:"plain" description:"Log to the terminal instead of running the dashboard"`
	Log       string        `long:"log" default:"khepera.log" description:"Log file while the dashboard runs"`
}

func (c *ExploreCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.Sim)
	if err != nil {
		return err
	}
	if c.Duration > 0 {
		cfg.Explore.SearchTime = c.Duration
	}
	if c.Backtrack {
		cfg.Explore.Backtrack = true
	}

	// The dashboard owns the terminal, so diagnostics go to a file. This
	// has to happen before the link picks up the logger.
	if !c.Plain {
		f, err := os.OpenFile(c.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	s, err := openSession(cfg, c.Sim)
	if err != nil {
		return err
	}
	defer s.Close()

	pf, err := filter.New(cfg.Filter, s.grid, cfg.Start)
	if err != nil {
		return err
	}
	motion := robot.NewMotion(s.robot, cfg.Kinematics, cfg.Motion, cfg.Start, cfg.Home, pf)

	pub, err := telemetry.Connect(cfg.Telemetry)
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
		pub = nil
	}
	defer pub.Close()

	ctrl, err := explore.NewController(motion, avoid.New(cfg.Avoid), cfg.Explore, pub)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := interrupter(ctrl, cancel)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			interrupt()
		}
	}()

	rec := &recorder{sess: s}
	rec.add()
	if c.Plain {
		err = c.runPlain(ctx, ctrl, rec)
	} else {
		err = c.runDashboard(ctx, ctrl, s, rec, interrupt)
	}

	if c.Trace != "" {
		if terr := c.saveTrace(s, motion, ctrl, rec); terr != nil {
			err = errors.Join(err, terr)
		} else {
			fmt.Printf("Trajectory written to %s\n", c.Trace)
		}
	}
	return err
}

// interrupter returns the handler for repeated interrupts: the first one
// ends the search and sends the robot home, the next aborts homing.
func interrupter(ctrl *explore.Controller, cancel context.CancelFunc) func() {
	var mu sync.Mutex
	var count int
	return func() {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 1 {
			cancel()
			return
		}
		ctrl.Abort()
	}
}

func (c *ExploreCommand) runPlain(ctx context.Context, ctrl *explore.Controller, rec *recorder) error {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctrl.States():
				rec.add()
			case <-done:
				return
			}
		}
	}()
	err := ctrl.Start(ctx)
	close(done)
	rec.add()
	return err
}

func (c *ExploreCommand) runDashboard(ctx context.Context, ctrl *explore.Controller, s *session, rec *recorder, interrupt func()) error {
	p := tea.NewProgram(newDashboard(ctrl, s, rec, interrupt), tea.WithAltScreen())

	result := make(chan error, 1)
	go func() {
		err := ctrl.Start(ctx)
		result <- err
		p.Send(doneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		// Without a terminal the run still has to finish and get home.
		interrupt()
		return errors.Join(fmt.Errorf("dashboard: %w", err), <-result)
	}
	err := <-result
	rec.add()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
	} else {
		fmt.Println(successStyle.Render("Home."))
	}
	return err
}

func (c *ExploreCommand) saveTrace(s *session, motion *robot.Motion, ctrl *explore.Controller, rec *recorder) error {
	home := motion.Home()
	run := trace.Run{
		Title:     fmt.Sprintf("Exploration %s", time.Now().Format("2006-01-02 15:04")),
		Grid:      s.grid,
		Trail:     motion.Trail(),
		Odometry:  odometry.Replay(s.cfg.Start, s.cfg.Kinematics, motion.History()),
		Truth:     rec.truth(),
		Particles: motion.Particles(),
		Foods:     ctrl.Foods(),
		Home:      &home,
	}
	return trace.Save(run, c.Trace)
}

// recorder samples the simulator's true pose alongside the controller
// states. It records nothing on hardware.
type recorder struct {
	sess *session

	mu    sync.Mutex
	poses []odometry.Pose
}

func (r *recorder) add() {
	if r.sess.sim == nil {
		return
	}
	p := r.sess.sim.Pose()
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.poses); n > 0 && r.poses[n-1] == p {
		return
	}
	r.poses = append(r.poses, p)
}

func (r *recorder) truth() []odometry.Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]odometry.Pose(nil), r.poses...)
}
