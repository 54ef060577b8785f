package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/BYTE-6D65/tempo/pkg/clock"
	"github.com/BYTE-6D65/tempo/pkg/engine"
	"github.com/BYTE-6D65/tempo/pkg/event"
	"github.com/BYTE-6D65/tempo/pkg/sched"
)

const maxRecentEvents = 6

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			PaddingLeft(2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Width(18).
			PaddingLeft(2)

	valueStyle = lipgloss.NewStyle().
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(1, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			PaddingTop(1).
			PaddingLeft(2)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB800"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00A9E0"))
)

// Messages
type eventMsg event.ErrorEvent

type refreshMsg struct{}

// demoState is only touched on the worker thread (the Update goroutine).
type demoState struct {
	ticks        int
	lastTick     clock.MonoTime
	lastLateness time.Duration
	lastSpeed    float64 // speed before pausing
}

// tickTask repeats on the worker thread every period of clock time.
type tickTask struct {
	state  *demoState
	ws     *sched.WorkerScheduler
	period time.Duration
}

func (t *tickTask) Run(ec *sched.ExecContext) {
	t.ws.CheckIsWorkerThread()
	t.state.ticks++
	t.state.lastTick = ec.TheoreticalNanos()
	t.state.lastLateness = ec.Lateness()
	ec.RepeatAfter(t.period)
}

func (t *tickTask) OnCancel() {}

// model holds the state of the TUI
type model struct {
	eng     *engine.Engine
	binding *teaBinding
	sub     *event.ErrorSubscription
	state   *demoState

	recent []event.ErrorEvent
	notice string
	width  int
}

func newModel(eng *engine.Engine, binding *teaBinding, sub *event.ErrorSubscription) model {
	return model{
		eng:     eng,
		binding: binding,
		sub:     sub,
		state:   &demoState{lastSpeed: eng.HardClock().TimeSpeed()},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.sub), refresh())
}

func waitForEvent(sub *event.ErrorSubscription) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-sub.Events()
		if !ok {
			return nil
		}
		return eventMsg(evt)
	}
}

func refresh() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case drainMsg:
		m.binding.drain()
		return m, nil

	case eventMsg:
		m.recent = append(m.recent, event.ErrorEvent(msg))
		if len(m.recent) > maxRecentEvents {
			m.recent = m.recent[len(m.recent)-maxRecentEvents:]
		}
		return m, waitForEvent(m.sub)

	case refreshMsg:
		return m, refresh()
	}

	return m, nil
}

func (m model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	hard := m.eng.HardClock()

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "+", "=":
		m.setSpeed(hard.TimeSpeed() * 2)

	case "-", "_":
		m.setSpeed(hard.TimeSpeed() / 2)

	case "r":
		m.setSpeed(-hard.TimeSpeed())

	case " ":
		if speed := hard.TimeSpeed(); speed != 0 {
			m.state.lastSpeed = speed
			m.setSpeed(0)
		} else {
			m.setSpeed(m.state.lastSpeed)
		}

	case "a":
		soft := m.eng.SoftClock()
		if soft == nil {
			m.notice = "No soft clock: start with --virtual"
			return m, nil
		}
		m.eng.SetAFAP(!soft.IsAFAP())
		m.notice = ""

	case "f":
		// Deliberately late task: blocks the worker thread for 300ms
		m.eng.Worker().Execute(sched.TaskFunc(func(*sched.ExecContext) {
			time.Sleep(300 * time.Millisecond)
		}))
	}
	return m, nil
}

func (m *model) setSpeed(speed float64) {
	if err := m.eng.SetSpeed(speed); err != nil {
		m.notice = err.Error()
		return
	}
	m.notice = ""
}

func (m model) View() string {
	s := titleStyle.Render("⏱  Tempo Demo - Virtual Time Scheduler") + "\n\n"

	var b strings.Builder
	m.row(&b, "Clock mode", m.clockMode())
	m.row(&b, "Hard speed", formatSpeed(m.eng.HardClock().TimeSpeed()))
	m.row(&b, "Effective speed", formatSpeed(clock.AbsoluteSpeed(m.eng.Clock())))
	m.row(&b, "Clock time", formatMono(m.eng.Clock().TimeNanos()))
	m.row(&b, "Ticks", fmt.Sprintf("%d", m.state.ticks))
	m.row(&b, "Last tick", formatMono(m.state.lastTick))
	m.row(&b, "Last lateness", m.state.lastLateness.Round(time.Microsecond).String())
	if soft := m.eng.SoftClock(); soft != nil {
		m.row(&b, "Annulled lateness", soft.AnnulledLateness().Round(time.Microsecond).String())
	}
	m.row(&b, "Timing queue", fmt.Sprintf("%d", m.eng.Timing().Len()))
	m.row(&b, "Worker queue", fmt.Sprintf("%d", m.binding.Len()))
	s += panelStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"

	if len(m.recent) > 0 {
		s += "\n" + titleStyle.Render("Recent events") + "\n"
		for _, evt := range m.recent {
			s += "  " + renderEvent(evt) + "\n"
		}
	}

	if m.notice != "" {
		s += "\n  " + warningStyle.Render(m.notice) + "\n"
	}

	s += helpStyle.Render("+/- speed • r reverse • space pause • a toggle AFAP • f late task • q quit")
	return s
}

func (m model) row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
}

func (m model) clockMode() string {
	soft := m.eng.SoftClock()
	switch {
	case soft == nil:
		return "hard"
	case soft.IsAFAP():
		return "soft (afap)"
	default:
		return "soft (throttled)"
	}
}

func renderEvent(evt event.ErrorEvent) string {
	line := fmt.Sprintf("%s %-17s %s", evt.Timestamp.Format("15:04:05.000"), evt.Code, evt.Message)
	switch {
	case evt.Severity >= event.Error:
		return errorStyle.Render(line)
	case evt.Severity == event.WarningSeverity:
		return warningStyle.Render(line)
	default:
		return infoStyle.Render(line)
	}
}

func formatSpeed(speed float64) string {
	switch {
	case math.IsInf(speed, 1):
		return "∞"
	case speed == 0:
		return "paused"
	}
	return fmt.Sprintf("%gx", speed)
}

func formatMono(t clock.MonoTime) string {
	return clock.ToDuration(t).Round(time.Millisecond).String()
}
