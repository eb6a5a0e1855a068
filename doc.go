// Package robstride drives Robstride actuators over CAN, either through a
// CH341 USB-serial adapter or a native SocketCAN interface.
//
// The engine has three layers: a frame codec translating between
// engineering units and the 29-bit extended-id wire format, a driver
// executing correlated command/reply exchanges against the bus, and a
// supervisor running a fixed-period control loop that streams MIT-mode
// setpoints while any number of goroutines mutate targets and read
// telemetry snapshots.
//
// # Installation
//
//	go install github.com/gwillem/robstride/cmd/robstride@latest
//
// # Usage
//
// First, scan the bus and describe your motors:
//
//	robstride setup
//
// Then watch them live, or run the standing demo:
//
//	robstride monitor
//	robstride stand --position 0.5
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/robstride: CLI with setup, info, monitor, stand and zero commands
//   - pkg/robstride: codec, transports, driver, supervisor and simulator
package robstride
