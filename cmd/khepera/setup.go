package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/gwillem/khepera/pkg/khepera"
	"github.com/gwillem/khepera/pkg/robot"
)

type SetupCommand struct {
	Port string `long:"port" description:"Skip the scan and use this serial port"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Khepera Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━"))
	fmt.Println()

	// Start from the existing configuration so tuned values survive.
	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err != nil {
		cfg = robot.Default()
	}

	port := c.Port
	if port == "" {
		port, err = pickPort(cfg)
		if err != nil {
			return err
		}
	}
	cfg.Port = port

	image := cfg.Arena.Image
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Arena image").
				Description("Black-and-white map of the arena; leave empty for a walled rectangle").
				Value(&image),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	cfg.Arena.Image = strings.TrimSpace(image)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Check the sensors with: " + headerStyle.Render("khepera info"))
	return nil
}

type foundRobot struct {
	port    string
	version []int
}

// pickPort scans the serial ports for robots answering the version command
// and asks which one to use when there are several.
func pickPort(cfg *robot.Config) (string, error) {
	fmt.Println("Scanning serial ports...")
	fmt.Println()

	found := findRobots(cfg)
	switch len(found) {
	case 0:
		fmt.Println("No Khepera found.")
		fmt.Println("Make sure the robot is connected, powered on and in protocol mode.")
		os.Exit(1)
	case 1:
		return found[0].port, nil
	}

	var options []huh.Option[string]
	for _, f := range found {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (version %v)", f.port, f.version), f.port))
	}
	var port string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which robot?").
				Options(options...).
				Value(&port),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return port, nil
}

func findRobots(cfg *robot.Config) []foundRobot {
	ports, err := khepera.ListPorts()
	if err != nil {
		fmt.Println(errorStyle.Render(err.Error()))
		return nil
	}

	var found []foundRobot
	for _, path := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(path, "Bluetooth") {
			continue
		}
		v, err := queryPort(path, cfg)
		if err != nil {
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %s: %v", path, err)))
			continue
		}
		fmt.Printf("  Found Khepera on %s\n", path)
		found = append(found, foundRobot{port: path, version: v})
	}
	return found
}

func queryPort(path string, cfg *robot.Config) ([]int, error) {
	port, err := khepera.Open(path, cfg.Serial)
	if err != nil {
		return nil, err
	}
	link := khepera.NewLink(port, cfg.Timeout)
	link.Logf = nil
	client := khepera.NewClient(link)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Version(ctx)
}
