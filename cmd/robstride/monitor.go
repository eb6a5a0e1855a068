package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/robstride/pkg/robstride"
)

type MonitorCommand struct {
	CommonOptions
	Hz float64 `long:"hz" default:"0" description:"Override the configured control loop frequency"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// One distinct color per motor, cycled by bus id.
var motorPalette = []string{"196", "208", "226", "46", "51", "201", "119", "93"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	faultStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type monitorModel struct {
	sup    *robstride.Supervisor
	motors map[uint8]robstride.MotorDef
	ids    []uint8
	colors map[uint8]string

	chart    *streamlinechart.Model
	width    int
	height   int
	logs     []string
	quitting bool
}

type feedbackTickMsg time.Time
type logMsg string

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func waitForLog(sup *robstride.Supervisor) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-sup.Logs())
	}
}

func feedbackTick() tea.Cmd {
	return tea.Tick(50*time.Millisecond, func(t time.Time) tea.Msg {
		return feedbackTickMsg(t)
	})
}

func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *monitorModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func (m *monitorModel) motorName(id uint8) string {
	if def, ok := m.motors[id]; ok && def.Name != "" {
		return def.Name
	}
	return fmt.Sprintf("motor_%d", id)
}

func initialMonitorModel(sup *robstride.Supervisor, motors map[uint8]robstride.MotorDef) monitorModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-13, 13),
	)

	ids := sortedMotorIDs(motors)
	colors := make(map[uint8]string, len(ids))
	m := monitorModel{
		sup:    sup,
		motors: motors,
		ids:    ids,
		colors: colors,
		chart:  &chart,
	}
	for i, id := range ids {
		color := motorPalette[i%len(motorPalette)]
		colors[id] = color
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(color))
		chart.SetDataSetStyles(m.motorName(id), runes.ThinLineStyle, style)
	}
	return m
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(feedbackTick(), waitForLog(m.sup))
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case " ":
			if m.sup.TogglePause() {
				m.addLog("paused: setpoints suspended, telemetry continues")
			} else {
				m.addLog("resumed")
			}
		case "r":
			m.sup.Reset()
			m.addLog("reset requested")
		}

	case feedbackTickMsg:
		for id, fb := range m.sup.GetLatestFeedback() {
			m.chart.PushDataSet(m.motorName(id), fb.Position)
		}
		m.chart.DrawAll()
		return m, feedbackTick()

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.sup)
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Robstride Monitor"))
	sb.WriteString(fmt.Sprintf(" - %.0f Hz actual", m.sup.ActualUpdateRate()))
	if m.sup.Paused() {
		sb.WriteString(faultStyle.Render("  PAUSED"))
	}
	if !m.sup.Running() {
		sb.WriteString(faultStyle.Render("  LOOP DOWN"))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit, space to pause, 'r' to reset faults")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m monitorModel) renderLegend() string {
	sessions := m.sup.Sessions()
	var items []string
	for _, id := range m.ids {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(m.colors[id])).Bold(true)
		item := colorStyle.Render("━━") + " " + m.motorName(id)
		if info, ok := sessions[id]; ok {
			switch {
			case info.State == robstride.StateFault:
				item += faultStyle.Render(fmt.Sprintf(" %s!", info.Feedback.Faults))
			case !info.Fresh:
				item += statusStyle.Render(" (stale)")
			}
		}
		items = append(items, item)
	}
	return strings.Join(items, "  ")
}

func (c *MonitorCommand) Execute(args []string) error {
	cfg := c.loadConfig()
	sc := c.supervisorConfig(cfg)
	if c.Hz > 0 {
		sc.UpdateRate = c.Hz
	}

	sup, err := robstride.NewSupervisor(sc)
	if err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}
	defer sup.Stop()

	motors := sc.Motors
	p := tea.NewProgram(initialMonitorModel(sup, motors), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}

	return nil
}
