package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config string `short:"c" long:"config" default:"khepera.yaml" description:"Configuration file"`

	Setup   SetupCommand   `command:"setup" description:"Find the robot's serial port and write a configuration"`
	Info    InfoCommand    `command:"info" description:"Print one sensor frame and the wheel counters"`
	Explore ExploreCommand `command:"explore" alias:"hunt" description:"Search the arena and return home"`
	Stats   StatsCommand   `command:"stats" description:"Capture sensor statistics per placement"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Khepera - arena exploration and homing for the Khepera-II"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
