// Package khepera explores an arena with a Khepera-II robot and brings it
// back home.
//
// The robot searches the arena while avoiding obstacles and following walls,
// tracks its pose with odometry corrected by a particle filter over an
// occupancy grid of the arena, and returns to its home position when the
// search time is up or when interrupted.
//
// # Installation
//
//	go install github.com/gwillem/khepera/cmd/khepera@latest
//
// # Usage
//
// First, run setup to find the robot's serial port and write khepera.yaml:
//
//	khepera setup
//
// Check the sensors, then explore:
//
//	khepera info
//	khepera explore --duration 30s --trace run.png
//
// The info, explore and stats commands accept --sim to drive the built-in
// simulator instead.
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/khepera: CLI with setup, info, explore and stats commands
//   - pkg/khepera: serial protocol, transport and simulator
//   - pkg/sensor: proximity sensor layout, calibration and statistics
//   - pkg/grid: occupancy grid and raycasting
//   - pkg/odometry: poses, wheel kinematics and the move log
//   - pkg/filter: particle filter localization
//   - pkg/avoid: obstacle avoidance and wall following
//   - pkg/robot: robot connection, configuration and motion control
//   - pkg/explore: search and homing controller
//   - pkg/telemetry: MQTT pose and event publishing
//   - pkg/trace: trajectory plots
package khepera
