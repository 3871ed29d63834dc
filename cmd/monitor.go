// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phillipweinstock/libsdi12/pkg/sdi12"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Passively watch bus traffic in a live terminal UI",
	Long: `Monitor the SDI-12 bus passively, logging each CR/LF-terminated frame
seen and tracking basic traffic statistics (frames seen, addresses active,
CRC failures). Unlike measure/identify, monitor never transmits — it only
listens, so it is safe to run alongside another master.

Press 'q' to quit.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// connectionManager owns the live Connection and handles reconnection
// after a transport error, so the reader loop can keep running across a
// momentary USB-serial hiccup instead of taking the whole TUI down.
type connectionManager struct {
	mu   sync.RWMutex
	conn Connection
	info string
	p    *tea.Program
	done chan struct{}
}

func (cm *connectionManager) getConn() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn
}

func (cm *connectionManager) setConn(conn Connection, info string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.info = info
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	cm := &connectionManager{conn: conn, info: connInfo, done: make(chan struct{})}
	m := initialMonitorModel(connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen())
	cm.p = p

	go cm.readerLoop()

	if _, err := p.Run(); err != nil {
		close(cm.done)
		cm.getConn().Close()
		return fmt.Errorf("TUI error: %v", err)
	}

	close(cm.done)
	cm.getConn().Close()
	return nil
}

// readerLoop decodes CR/LF-terminated frames off the bus and batches
// them onto a fixed ticker before sending to the TUI, the same
// batch-don't-flood pattern a packet-oriented monitor uses to avoid
// redrawing on every single byte.
func (cm *connectionManager) readerLoop() {
	lineChan := make(chan monitorLineMsg, 256)

	go func() {
		buf := make([]byte, 1)
		var frame []byte
		for {
			select {
			case <-cm.done:
				return
			default:
			}

			conn := cm.getConn()
			n, err := conn.Read(buf)
			if err != nil {
				if err == ErrConnectionClosed {
					return
				}
				if !cm.reconnect() {
					return
				}
				continue
			}
			if n == 0 {
				continue
			}

			frame = append(frame, buf[0])
			if buf[0] == '\n' && len(frame) >= 2 && frame[len(frame)-2] == '\r' {
				line := append([]byte(nil), frame...)
				frame = frame[:0]
				select {
				case lineChan <- monitorLineMsg{raw: line, at: time.Now()}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cm.done:
			return
		case <-ticker.C:
			var batch monitorBatchMsg
		drain:
			for {
				select {
				case line := <-lineChan:
					batch.lines = append(batch.lines, line)
				default:
					break drain
				}
			}
			if len(batch.lines) > 0 {
				cm.p.Send(batch)
			}
		}
	}
}

func (cm *connectionManager) reconnect() bool {
	if conn := cm.getConn(); conn != nil {
		conn.Close()
	}

	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		conn, info, err := OpenConnection()
		if err == nil {
			cm.setConn(conn, info)
			cm.p.Send(monitorReconnectedMsg{info: info})
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// monitorLineMsg is one decoded CR/LF-terminated frame off the bus.
type monitorLineMsg struct {
	raw []byte
	at  time.Time
}

type monitorBatchMsg struct {
	lines []monitorLineMsg
}

type monitorReconnectedMsg struct{ info string }

type monitorLogEntry struct {
	at      time.Time
	text    string
	isError bool
}

type monitorModel struct {
	connInfo      string
	frames        int
	crcFailures   int
	addressesSeen map[byte]int
	log           []monitorLogEntry
	maxLog        int
	width         int
	height        int
	quitting      bool
	logView       viewport.Model
}

func initialMonitorModel(connInfo string) monitorModel {
	m := monitorModel{
		connInfo:      connInfo,
		addressesSeen: make(map[byte]int),
		maxLog:        200,
		width:         80,
		height:        24,
		logView:       viewport.New(76, 12),
	}
	m.logView.SetContent("  (nothing seen yet)")
	return m
}

// logHeightFor and logWidthFor size the scrolling frame-log pane off the
// terminal dimensions, leaving room for the title, stats box, and borders.
func logHeightFor(height int) int {
	h := height - 12
	if h < 5 {
		h = 5
	}
	return h
}

func logWidthFor(width int) int {
	w := width - 6
	if w < 10 {
		w = 10
	}
	return w
}

func (m monitorModel) Init() tea.Cmd { return tea.EnterAltScreen }

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logView.Width = logWidthFor(m.width)
		m.logView.Height = logHeightFor(m.height)
		m.refreshLogView()

	case monitorReconnectedMsg:
		m.connInfo = msg.info
		m.addLog(fmt.Sprintf("reconnected: %s", msg.info), false)
		m.refreshLogView()

	case monitorBatchMsg:
		for _, line := range msg.lines {
			m.frames++
			text := strings.TrimRight(string(line.raw), "\r\n")
			if len(text) > 0 {
				addr := text[0]
				m.addressesSeen[addr]++
				if len(text) >= 3 && looksCRCTagged(text) && !sdi12.VerifyCRC(line.raw) {
					m.crcFailures++
					m.addLog(fmt.Sprintf("%c: CRC mismatch in %q", addr, text), true)
				} else {
					m.addLog(fmt.Sprintf("%c: %q", addr, text), false)
				}
			}
		}
		m.refreshLogView()
	}

	return m, nil
}

func (m *monitorModel) addLog(text string, isError bool) {
	m.log = append(m.log, monitorLogEntry{at: time.Now(), text: text, isError: isError})
	if len(m.log) > m.maxLog {
		m.log = m.log[len(m.log)-m.maxLog:]
	}
}

// refreshLogView re-renders the accumulated log into the viewport and pins
// the scroll position to the bottom, so new frames stay visible the way a
// tail -f of the bus would.
func (m *monitorModel) refreshLogView() {
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	if len(m.log) == 0 {
		m.logView.SetContent(headerStyle.Render("  (nothing seen yet)"))
		return
	}

	var content strings.Builder
	for _, e := range m.log {
		ts := e.at.Format("15:04:05.000")
		if e.isError {
			content.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(ts), errorStyle.Render(e.text)))
		} else {
			content.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(ts), valueStyle.Render(e.text)))
		}
	}
	m.logView.SetContent(content.String())
	m.logView.GotoBottom()
}

// looksCRCTagged is a crude heuristic for whether a frame's trailing 3
// characters before CRLF are in the printable CRC-character range — full
// verification needs the caller to know whether CRC was requested, which
// a purely passive monitor does not track per in-flight command.
func looksCRCTagged(text string) bool {
	if len(text) < 4 {
		return false
	}
	for i := len(text) - 3; i < len(text); i++ {
		if text[i] < 0x40 || text[i] > 0x7F {
			return false
		}
	}
	return true
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Background(lipgloss.Color("235")).Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	boxStyle := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("SDI12CTL - BUS MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | press 'q' to quit", m.connInfo)))
	s.WriteString("\n\n")

	stats := fmt.Sprintf("%s %s   %s %s   %s %d",
		headerStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", m.frames)),
		headerStyle.Render("CRC failures:"), errorStyle.Render(fmt.Sprintf("%d", m.crcFailures)),
		headerStyle.Render("Addresses seen:"), len(m.addressesSeen),
	)
	s.WriteString(boxStyle.Render(stats))
	s.WriteString("\n\n")

	s.WriteString(headerStyle.Render("Recent frames:"))
	s.WriteString("\n")

	s.WriteString(boxStyle.Width(logWidthFor(m.width)).Render(m.logView.View()))

	return s.String()
}
