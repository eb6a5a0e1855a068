package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Setup   SetupCommand   `command:"setup" alias:"scan" description:"Scan the bus for motors and write robstride.json"`
	Info    InfoCommand    `command:"info" description:"Show name, barcode, firmware and watchdog of each motor"`
	Monitor MonitorCommand `command:"monitor" alias:"mon" description:"Live telemetry chart of all configured motors"`
	Stand   StandCommand   `command:"stand" description:"Hold all motors at a fixed position (impedance demo)"`
	Zero    ZeroCommand    `command:"zero" description:"Re-zero motors at their current mechanical position"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Robstride - CAN bus control for Robstride actuators"

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
