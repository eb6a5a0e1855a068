package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"go.bug.st/serial"

	"github.com/gwillem/robstride/pkg/robstride"
)

type SetupCommand struct {
	CommonOptions
	Endpoint string `long:"endpoint" description:"Skip port scanning and probe this endpoint (serial path or can:IFACE)"`
	MaxID    uint8  `long:"max-id" default:"32" description:"Highest motor id to probe"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Robstride Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━"))
	fmt.Println()

	endpoint, found := c.scan()
	if len(found) == 0 {
		fmt.Println("No motors found.")
		fmt.Println("Make sure the bus is connected and the motors are powered.")
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(successStyle.Render(fmt.Sprintf("Found %d motor(s) on %s", len(found), endpoint)))
	fmt.Println()

	cfg := &robstride.Config{
		Endpoint: endpoint,
		Motors:   make(map[string]robstride.MotorConfig, len(found)),
	}
	for _, id := range found {
		mc, keep := c.describeMotor(id)
		if keep {
			cfg.Motors[fmt.Sprintf("%d", id)] = mc
		}
	}

	if len(cfg.Motors) == 0 {
		fmt.Println("No motors selected, nothing saved.")
		os.Exit(1)
	}

	if err := cfg.SaveTo(c.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", c.Config)
	fmt.Println()
	fmt.Println("Watch the motors with: " + headerStyle.Render("robstride monitor"))

	return nil
}

// scan probes candidate endpoints for responding motors and returns the
// first endpoint with any, plus the responding ids.
func (c *SetupCommand) scan() (string, []uint8) {
	if c.Sim {
		fmt.Println("Simulated bus: pretending two motors answered.")
		return "sim", []uint8{1, 2}
	}

	endpoints := []string{c.Endpoint}
	if c.Endpoint == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
			os.Exit(1)
		}
		endpoints = endpoints[:0]
		for _, port := range ports {
			// Bluetooth ports on macOS answer to nothing and stall the scan.
			if strings.Contains(port, "Bluetooth") {
				continue
			}
			endpoints = append(endpoints, port)
		}
	}

	for _, endpoint := range endpoints {
		fmt.Printf("Probing %s...\n", endpoint)
		found := probeEndpoint(endpoint, c.MaxID)
		if len(found) > 0 {
			return endpoint, found
		}
	}
	return "", nil
}

// probeEndpoint reads the run-mode register of every candidate id. Motors
// that answer exist; the model family still has to come from the user, the
// firmware does not expose it.
func probeEndpoint(endpoint string, maxID uint8) []uint8 {
	transport, err := robstride.Dial(endpoint)
	if err != nil {
		fmt.Println(dimStyle.Render("  cannot open: " + err.Error()))
		return nil
	}
	defer transport.Close()

	candidates := make(map[uint8]robstride.MotorType, maxID)
	for id := uint8(1); id <= maxID; id++ {
		candidates[id] = robstride.TypeRS04
	}
	driver, err := robstride.NewDriver(transport, candidates, 0)
	if err != nil {
		return nil
	}

	modes, err := driver.GetModes()
	if err != nil {
		fmt.Println(dimStyle.Render("  probe failed: " + err.Error()))
		return nil
	}

	found := make([]uint8, 0, len(modes))
	for id := range modes {
		fmt.Printf("  Motor %d answered\n", id)
		found = append(found, id)
	}
	return found
}

func (c *SetupCommand) describeMotor(id uint8) (robstride.MotorConfig, bool) {
	typeOptions := []huh.Option[string]{
		huh.NewOption("RobStride00 (wrist, 14 N·m)", "00"),
		huh.NewOption("RobStride01 (joint, 12 N·m)", "01"),
		huh.NewOption("RobStride02 (joint, 12 N·m)", "02"),
		huh.NewOption("RobStride03 (knee, 60 N·m)", "03"),
		huh.NewOption("RobStride04 (hip, 120 N·m)", "04"),
		huh.NewOption("Skip this motor", "skip"),
	}

	var typ string
	var name string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which model is motor %d?", id)).
				Description("Printed on the actuator housing").
				Options(typeOptions...).
				Value(&typ),
			huh.NewInput().
				Title("Name for this motor").
				Placeholder(fmt.Sprintf("motor_%d", id)).
				Value(&name),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}

	if typ == "skip" {
		return robstride.MotorConfig{}, false
	}
	return robstride.MotorConfig{Type: typ, Name: name}, true
}
