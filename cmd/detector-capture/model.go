package main

import (
	"fmt"
	"strings"
	"time"

	"detectorctl/pkg/wire"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Bold(true).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	freshStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)
)

const staleAfter = 5 * time.Second

// channelState tracks the rolling counters for one HaFX channel.
type channelState struct {
	lastStatus wire.HafxNominalSpectrumStatus
	haveStatus bool
	lastSeen   time.Time
	nrlEvents  uint64
	debugBytes int
	debugSeen  time.Time
}

// model is the Bubble Tea root model for the capture dashboard: it
// holds the latest decoded datagram per channel, the last health
// packet, host stats, and a scrolling event log.
//
// Grounded on the teacher's internal/cli/ui.Model: a flat struct of
// view state updated in Update and rendered in View, refreshed here
// by datagrams forwarded from background UDP readers instead of by
// user keystrokes and HTTP polling.
type model struct {
	channels map[string]*channelState
	order    []string

	health    wire.HealthPacket
	haveHealth bool
	healthSeen time.Time

	log    viewport.Model
	lines  []string

	cpuPct float64
	memPct float64

	width, height int
	quitting      bool
	copyNotice    string
}

func newModel(channels []string) model {
	cs := make(map[string]*channelState, len(channels))
	for _, ch := range channels {
		cs[ch] = &channelState{}
	}
	lv := viewport.New(80, 10)
	lv.SetContent("waiting for datagrams...")
	return model{
		channels: cs,
		order:    channels,
		log:      lv,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg{} })
}

func (m *model) appendLog(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "y":
			if len(m.lines) > 0 {
				last := m.lines[len(m.lines)-1]
				if err := clipboard.WriteAll(last); err != nil {
					m.copyNotice = fmt.Sprintf("copy failed: %v", err)
				} else {
					m.copyNotice = "copied last event to clipboard"
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.log.Width = msg.Width - 4
		m.log.Height = msg.Height / 2

	case healthMsg:
		m.health = msg.packet
		m.haveHealth = true
		m.healthSeen = time.Now()
		m.appendLog(fmt.Sprintf("health: ts=%d", msg.packet.Timestamp))

	case scienceMsg:
		st, ok := m.channels[msg.channel]
		if !ok {
			st = &channelState{}
			m.channels[msg.channel] = st
		}
		st.lastStatus = msg.status
		st.haveStatus = true
		st.lastSeen = time.Now()
		m.appendLog(fmt.Sprintf("%s: time-slice buf=%d evts=%d triggers=%d anchor=%d",
			msg.channel, msg.status.BufferNumber, msg.status.NumEvts, msg.status.NumTriggers, msg.status.TimeAnchor))

	case nrlMsg:
		st, ok := m.channels[msg.channel]
		if !ok {
			st = &channelState{}
			m.channels[msg.channel] = st
		}
		st.nrlEvents++
		st.lastSeen = time.Now()

	case debugMsg:
		st, ok := m.channels[msg.channel]
		if !ok {
			st = &channelState{}
			m.channels[msg.channel] = st
		}
		st.debugBytes = msg.bytes
		st.debugSeen = time.Now()
		m.appendLog(fmt.Sprintf("%s: debug datagram (%d bytes)", msg.channel, msg.bytes))

	case logMsg:
		m.appendLog(string(msg))

	case tickMsg:
		if pcts, err := psutil.Percent(0, false); err == nil && len(pcts) > 0 {
			m.cpuPct = pcts[0]
		}
		if vm, err := psmem.VirtualMemory(); err == nil {
			m.memPct = vm.UsedPercent
		}
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg{} })
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func freshness(t time.Time) string {
	if t.IsZero() {
		return staleStyle.Render("no data")
	}
	age := time.Since(t)
	if age > staleAfter {
		return staleStyle.Render(fmt.Sprintf("stale (%s ago)", age.Round(time.Second)))
	}
	return freshStyle.Render(fmt.Sprintf("live (%s ago)", age.Round(time.Second)))
}

func (m model) renderChannel(name string) string {
	st := m.channels[name]
	if st == nil {
		return panelStyle.Render(fmt.Sprintf("%s\n%s", strings.ToUpper(name), freshness(time.Time{})))
	}
	body := strings.Builder{}
	fmt.Fprintf(&body, "%s\n%s\n", strings.ToUpper(name), freshness(st.lastSeen))
	if st.haveStatus {
		fmt.Fprintf(&body, "evts=%d triggers=%d dead=%d\n", st.lastStatus.NumEvts, st.lastStatus.NumTriggers, st.lastStatus.DeadTime)
	}
	fmt.Fprintf(&body, "nrl events=%d", st.nrlEvents)
	return panelStyle.Render(body.String())
}

func (m model) renderHealth() string {
	if !m.haveHealth {
		return panelStyle.Render("health\n" + freshness(time.Time{}))
	}
	return panelStyle.Render(fmt.Sprintf("health\n%s\nts=%d  x123 board=%dC fast=%d",
		freshness(m.healthSeen), m.health.Timestamp, m.health.X123.BoardTemp, m.health.X123.FastCounts))
}

func (m model) View() string {
	if m.quitting {
		return "detector-capture: stopped\n"
	}

	header := headerStyle.Render("detector-capture — live downstream dashboard")

	panels := make([]string, 0, len(m.order)+1)
	for _, ch := range m.order {
		panels = append(panels, m.renderChannel(ch))
	}
	panels = append(panels, m.renderHealth())
	row := lipgloss.JoinHorizontal(lipgloss.Top, panels...)

	footer := footerStyle.Render(fmt.Sprintf("host cpu=%.1f%% mem=%.1f%%  (q to quit, y to copy last event)", m.cpuPct, m.memPct))
	help := helpStyle.Render("events:")

	lines := []string{header, row, help, logViewStyle.Render(m.log.View())}
	if m.copyNotice != "" {
		lines = append(lines, copyNoticeStyle.Render(m.copyNotice))
	}
	lines = append(lines, footer)

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
