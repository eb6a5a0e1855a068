package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type InfoCommand struct {
	CommonOptions
}

func (c *InfoCommand) Execute(args []string) error {
	cfg := c.loadConfig()
	driver, transport := c.openDriver(cfg)
	defer transport.Close()

	defs, err := cfg.MotorDefs()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("Robstride Motors"))
	fmt.Printf("Bus: %s %s\n\n", transport.Kind(), transport.Endpoint())

	// Each read tolerates silent motors; absent entries render as dashes.
	names, err := driver.ReadNames()
	if err != nil {
		return err
	}
	barcodes, err := driver.ReadBarcodes()
	if err != nil {
		return err
	}
	builds, err := driver.ReadBuildDates()
	if err != nil {
		return err
	}
	watchdogs, err := driver.ReadCANTimeouts()
	if err != nil {
		return err
	}
	modes, err := driver.GetModes()
	if err != nil {
		return err
	}

	cell := func(m map[uint8]string, id uint8) string {
		if v, ok := m[id]; ok {
			return v
		}
		return "-"
	}

	rows := make([][]string, 0, len(defs))
	for _, id := range sortedMotorIDs(defs) {
		def := defs[id]
		watchdog := "-"
		if ms, ok := watchdogs[id]; ok {
			watchdog = fmt.Sprintf("%.0f ms", ms)
		}
		mode := "-"
		if m, ok := modes[id]; ok {
			mode = m.String()
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", id),
			def.Name,
			def.Type.String(),
			cell(names, id),
			cell(barcodes, id),
			cell(builds, id),
			watchdog,
			mode,
		})
	}

	headerCellStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Name", "Model", "Firmware name", "Barcode", "Build", "Watchdog", "Run mode").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			return cellStyle
		})
	fmt.Println(t.Render())

	return nil
}
