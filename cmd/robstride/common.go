package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/robstride/pkg/robstride"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// CommonOptions are shared by every command that talks to a bus.
type CommonOptions struct {
	Config string `long:"config" short:"c" description:"Config file path" default:"robstride.json"`
	Sim    bool   `long:"sim" description:"Run against simulated motors instead of hardware"`
}

func (o *CommonOptions) loadConfig() *robstride.Config {
	cfg, err := robstride.LoadConfigFrom(o.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No configuration found at %s. Run 'robstride setup' first.\n", o.Config)
		os.Exit(1)
	}
	if len(cfg.Motors) == 0 {
		fmt.Fprintf(os.Stderr, "No motors configured in %s. Run 'robstride setup' first.\n", o.Config)
		os.Exit(1)
	}
	return cfg
}

// supervisorConfig expands the file config, swapping in a simulated bus
// when --sim is set.
func (o *CommonOptions) supervisorConfig(cfg *robstride.Config) robstride.SupervisorConfig {
	sc, err := cfg.SupervisorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad configuration: %v\n", err)
		os.Exit(1)
	}
	if o.Sim {
		sc.Transport = o.simTransport(sc.Motors)
	}
	return sc
}

func (o *CommonOptions) simTransport(motors map[uint8]robstride.MotorDef) *robstride.SimTransport {
	types := make(map[uint8]robstride.MotorType, len(motors))
	for id, def := range motors {
		types[id] = def.Type
	}
	sim, err := robstride.NewSimTransport(types)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad configuration: %v\n", err)
		os.Exit(1)
	}
	return sim
}

// openDriver opens a transport and driver for commands that do one-shot
// bus work without a control loop.
func (o *CommonOptions) openDriver(cfg *robstride.Config) (*robstride.Driver, robstride.Transport) {
	sc := o.supervisorConfig(cfg)
	transport := sc.Transport
	if transport == nil {
		var err error
		transport, err = robstride.Dial(sc.Endpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open bus %s: %v\n", sc.Endpoint, err)
			os.Exit(1)
		}
	}
	types := make(map[uint8]robstride.MotorType, len(sc.Motors))
	for id, def := range sc.Motors {
		types[id] = def.Type
	}
	driver, err := robstride.NewDriver(transport, types, 0)
	if err != nil {
		transport.Close()
		fmt.Fprintf(os.Stderr, "Bad configuration: %v\n", err)
		os.Exit(1)
	}
	return driver, transport
}

func sortedMotorIDs(motors map[uint8]robstride.MotorDef) []uint8 {
	ids := make([]uint8, 0, len(motors))
	for id := range motors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func motorLabel(id uint8, def robstride.MotorDef) string {
	if def.Name == "" {
		return fmt.Sprintf("motor %d (%s)", id, def.Type)
	}
	return fmt.Sprintf("%s [id %d, %s]", def.Name, id, def.Type)
}
