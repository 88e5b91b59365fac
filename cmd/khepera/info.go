package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/khepera/pkg/avoid"
	"github.com/gwillem/khepera/pkg/robot"
	"github.com/gwillem/khepera/pkg/sensor"
)

var sensorNames = [sensor.NumSensors]string{
	"left side", "left diagonal", "front left", "front right",
	"right diagonal", "right side", "rear right", "rear left",
}

type InfoCommand struct {
	Sim bool `long:"sim" description:"Use the simulator instead of the serial port"`
}

func (c *InfoCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.Sim)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, c.Sim)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := s.robot.Client()

	fmt.Println(headerStyle.Render("Khepera Info"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	if cfg.Port != "" && !c.Sim {
		fmt.Printf("Port:    %s\n", cfg.Port)
	}
	version, err := client.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Version: %v\n", version)

	counts, err := s.robot.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Counts:  left %d  right %d\n\n", counts.Left, counts.Right)

	rd, err := s.robot.Sense(ctx)
	if err != nil {
		return err
	}
	if !rd.OK {
		fmt.Println(errorStyle.Render("No proximity reading"))
		return nil
	}
	ambient, err := client.ReadAmbient(ctx)
	if err != nil {
		return err
	}
	fmt.Println(renderReading(rd, ambient))

	dec := avoid.New(cfg.Avoid).Step(rd.Frame)
	fmt.Printf("\nAvoidance: %s", dec.Action)
	if dec.Wall != avoid.None {
		fmt.Printf(" (wall %s)", dec.Wall)
	}
	fmt.Println()
	return nil
}

func renderReading(rd robot.Reading, ambient sensor.Frame) string {
	headerCell := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	nameCell := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	nearCell := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)

	rows := make([][]string, 0, sensor.NumSensors)
	for i := range sensor.NumSensors {
		dist := "-"
		if d := rd.Distances[i]; !math.IsInf(d, 1) {
			dist = fmt.Sprintf("%.2f", d)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			sensorNames[i],
			fmt.Sprintf("%+.0f°", sensor.Bearing(i)),
			fmt.Sprintf("%d", rd.Frame[i]),
			fmt.Sprintf("%d", ambient[i]),
			dist,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("#", "Sensor", "Bearing", "Code", "Ambient", "Distance (cm)").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			switch col {
			case 1:
				return nameCell
			case 5:
				if row >= 0 && row < sensor.NumSensors && !math.IsInf(rd.Distances[row], 1) {
					return nearCell
				}
				return cell
			default:
				return cell
			}
		})
	return t.Render()
}
