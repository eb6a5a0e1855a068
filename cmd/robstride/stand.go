package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwillem/robstride/pkg/robstride"
)

type StandCommand struct {
	CommonOptions
	Position float64 `long:"position" default:"0" description:"Target position in radians"`
	Kp       float64 `long:"kp" default:"40" description:"Position gain"`
	Kd       float64 `long:"kd" default:"2" description:"Damping gain"`
	Duration float64 `long:"duration" default:"0" description:"Seconds to hold, 0 for until interrupted"`
}

// Execute holds every configured motor at one position with an impedance
// setpoint, printing telemetry once a second. A demo of the full loop:
// pre-flight, setpoint streaming, graceful zero-torque shutdown.
func (c *StandCommand) Execute(args []string) error {
	cfg := c.loadConfig()
	sc := c.supervisorConfig(cfg)

	sup, err := robstride.NewSupervisor(sc)
	if err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}
	defer sup.Stop()

	fmt.Println(headerStyle.Render("Robstride Stand"))
	fmt.Printf("Holding %d motor(s) at %.2f rad (kp=%.0f kd=%.1f)\n\n",
		len(sc.Motors), c.Position, c.Kp, c.Kd)

	for id := range sc.Motors {
		err := sup.SetParams(id, robstride.MotorControlParams{
			Position: c.Position,
			Kp:       c.Kp,
			Kd:       c.Kd,
		})
		if err != nil {
			return fmt.Errorf("motor %d: %w", id, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if c.Duration > 0 {
		deadline = time.After(time.Duration(c.Duration * float64(time.Second)))
	}

	status := time.NewTicker(time.Second)
	defer status.Stop()

	for {
		select {
		case <-sig:
			fmt.Println("\nInterrupted, releasing motors.")
			return nil
		case <-deadline:
			fmt.Println("\nDone, releasing motors.")
			return nil
		case msg := <-sup.Logs():
			fmt.Println(dimStyle.Render(msg))
		case <-status.C:
			if !sup.Running() {
				return fmt.Errorf("control loop died: %v", sup.LastError())
			}
			c.printStatus(sup, sc.Motors)
		}
	}
}

func (c *StandCommand) printStatus(sup *robstride.Supervisor, motors map[uint8]robstride.MotorDef) {
	for _, id := range sortedMotorIDs(motors) {
		fb, err := sup.GetLatestFeedbackFor(id)
		if err != nil {
			fmt.Printf("  %-16s no feedback yet\n", motorLabel(id, motors[id]))
			continue
		}
		line := fmt.Sprintf("  %-16s pos=%+7.3f vel=%+7.3f tor=%+7.3f",
			motorLabel(id, motors[id]), fb.Position, fb.Velocity, fb.Torque)
		if fb.Faults != 0 {
			line += " " + warnStyle.Render(fb.Faults.String())
		}
		fmt.Println(line)
	}
	fmt.Printf("  %s\n", dimStyle.Render(fmt.Sprintf(
		"loop %.1f Hz, %d batches sent", sup.ActualUpdateRate(), sup.TotalCommands())))
}
