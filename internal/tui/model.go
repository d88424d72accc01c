package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openglow/glowflash/internal/assets"
	"github.com/openglow/glowflash/internal/config"
	"github.com/openglow/glowflash/internal/device"
	"github.com/openglow/glowflash/internal/espserial"
	"github.com/openglow/glowflash/internal/flasher"
)

// View represents different screens in the TUI.
type View int

const (
	ViewForm View = iota
	ViewPorts
	ViewFlashing
	ViewDone
)

// Form rows, by cursor position.
const (
	rowVariant = iota
	rowSerial
	rowFullErase
	rowService
	rowConnect
	rowFlash
	rowCount
)

// editTarget says which text input currently has focus.
type editTarget int

const (
	editNone editTarget = iota
	editServiceKey
	editSerial
)

// Model is the main Bubbletea model for the TUI.
type Model struct {
	view   View
	cursor int
	width  int
	height int

	loader  assets.Loader
	session *flasher.Session
	// activity carries progress and log events out of the session
	// goroutine into the update loop.
	activity chan tea.Msg

	connecting bool
	flashing   bool
	chip       string

	variants   []device.Variant
	variantIdx int // -1 until the user picks one
	fullErase  bool

	serviceMode  bool
	editing      editTarget
	serviceInput textinput.Model
	serialInput  textinput.Model

	ports      []espserial.PortInfo
	portCursor int

	pct       int
	events    []flasher.Event
	errMsg    string
	statusMsg string

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	bar     progress.Model
	styles  Styles
}

// Session-to-UI messages.

type portsMsg struct {
	ports []espserial.PortInfo
	err   error
}

type connectResultMsg struct{ err error }

type flashResultMsg struct{ err error }

type sessionProgressMsg struct{ pct int }

type sessionEventMsg struct{ ev flasher.Event }

// NewModel creates the initial TUI state.
func NewModel(loader assets.Loader) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	serviceInput := textinput.New()
	serviceInput.Placeholder = "service key"
	serviceInput.EchoMode = textinput.EchoPassword
	serviceInput.CharLimit = 64

	serialInput := textinput.New()
	serialInput.Placeholder = "0"
	serialInput.CharLimit = 10

	return Model{
		view:         ViewForm,
		loader:       loader,
		activity:     make(chan tea.Msg, 64),
		variants:     device.All(),
		variantIdx:   -1,
		serviceInput: serviceInput,
		serialInput:  serialInput,
		keys:         DefaultKeyMap(),
		help:         help.New(),
		spinner:      s,
		bar:          bar,
		styles:       DefaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenActivity())
}

// listenActivity waits for the next session event or progress update.
func (m Model) listenActivity() tea.Cmd {
	ch := m.activity
	return func() tea.Msg {
		return <-ch
	}
}

// newSession builds a session wired to the activity channel for the chosen
// port. A fresh session per connect cycle keeps terminal state from leaking
// between attempts.
func (m *Model) newSession(port string) {
	ch := m.activity
	push := func(msg tea.Msg) {
		select {
		case ch <- msg:
		default:
			// UI not draining; drop rather than stall the flash.
		}
	}
	m.session = flasher.NewSession(
		&espserial.Dialer{Port: port},
		m.loader,
		flasher.WithProgressFunc(func(pct int) { push(sessionProgressMsg{pct: pct}) }),
		flasher.WithEventSink(func(ev flasher.Event) { push(sessionEventMsg{ev: ev}) }),
	)
}

func discoverPortsCmd() tea.Cmd {
	return func() tea.Msg {
		ports, err := espserial.DiscoverPorts()
		return portsMsg{ports: ports, err: err}
	}
}

func connectCmd(s *flasher.Session) tea.Cmd {
	return func() tea.Msg {
		return connectResultMsg{err: s.Connect(context.Background())}
	}
}

func flashCmd(s *flasher.Session, req flasher.FlashRequest) tea.Cmd {
	return func() tea.Msg {
		return flashResultMsg{err: s.Flash(context.Background(), req)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sessionProgressMsg:
		m.pct = msg.pct
		return m, m.listenActivity()

	case sessionEventMsg:
		m.events = append(m.events, msg.ev)
		return m, m.listenActivity()

	case portsMsg:
		if msg.err != nil {
			m.errMsg = msg.err.Error()
			return m, nil
		}
		switch len(msg.ports) {
		case 0:
			m.errMsg = "no lamp found: connect the USB cable and try again"
			return m, nil
		case 1:
			m.connecting = true
			m.errMsg = ""
			m.newSession(msg.ports[0].Name)
			return m, connectCmd(m.session)
		default:
			m.ports = msg.ports
			m.portCursor = 0
			m.view = ViewPorts
			return m, nil
		}

	case connectResultMsg:
		m.connecting = false
		if msg.err != nil {
			m.errMsg = msg.err.Error()
			return m, nil
		}
		if m.session.State() == flasher.Connected {
			m.chip = m.session.ChipID()
			m.statusMsg = "connected"
			m.errMsg = ""
		} else {
			// Prompt cancelled or toggled off: back to idle quietly.
			m.chip = ""
			m.statusMsg = ""
		}
		return m, nil

	case flashResultMsg:
		m.flashing = false
		m.view = ViewDone
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Text entry captures everything except enter and esc.
	if m.editing != editNone {
		return m.handleEditKey(msg)
	}

	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	switch m.view {
	case ViewForm:
		return m.handleFormKey(msg)
	case ViewPorts:
		return m.handlePortsKey(msg)
	case ViewFlashing:
		// No mid-write cancel. The only way out is completion.
		return m, nil
	case ViewDone:
		return m.handleDoneKey(msg)
	}
	return m, nil
}

func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		switch m.editing {
		case editServiceKey:
			if device.CheckServiceKey(m.serviceInput.Value(), config.ServiceKey()) {
				m.serviceMode = true
				m.statusMsg = "service mode unlocked"
				m.errMsg = ""
			} else {
				m.errMsg = "wrong service key"
			}
			m.serviceInput.SetValue("")
			m.serviceInput.Blur()
		case editSerial:
			m.serialInput.Blur()
		}
		m.editing = editNone
		return m, nil
	case "esc":
		switch m.editing {
		case editServiceKey:
			m.serviceInput.SetValue("")
			m.serviceInput.Blur()
		case editSerial:
			m.serialInput.Blur()
		}
		m.editing = editNone
		return m, nil
	}

	var cmd tea.Cmd
	switch m.editing {
	case editServiceKey:
		m.serviceInput, cmd = m.serviceInput.Update(msg)
	case editSerial:
		m.serialInput, cmd = m.serialInput.Update(msg)
	}
	return m, cmd
}

func (m Model) handleFormKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.connecting {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < rowCount-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Left):
		if m.cursor == rowVariant {
			m.cycleVariant(-1)
		}
	case key.Matches(msg, m.keys.Right):
		if m.cursor == rowVariant {
			m.cycleVariant(1)
		}
	case key.Matches(msg, m.keys.Select):
		return m.handleFormSelect()
	}
	return m, nil
}

func (m *Model) cycleVariant(dir int) {
	n := len(m.variants)
	if n == 0 {
		return
	}
	if m.variantIdx == -1 {
		m.variantIdx = 0
		return
	}
	m.variantIdx = (m.variantIdx + dir + n) % n
}

func (m Model) handleFormSelect() (tea.Model, tea.Cmd) {
	switch m.cursor {
	case rowVariant:
		m.cycleVariant(1)
		return m, nil

	case rowSerial:
		if !m.serviceMode {
			m.errMsg = "serial entry requires service mode"
			return m, nil
		}
		m.editing = editSerial
		return m, m.serialInput.Focus()

	case rowFullErase:
		m.fullErase = !m.fullErase
		return m, nil

	case rowService:
		if m.serviceMode {
			m.serviceMode = false
			m.serialInput.SetValue("")
			m.statusMsg = "service mode locked"
			return m, nil
		}
		m.editing = editServiceKey
		return m, m.serviceInput.Focus()

	case rowConnect:
		if m.connected() {
			m.session.Disconnect()
			m.chip = ""
			m.statusMsg = "disconnected"
			return m, nil
		}
		m.errMsg = ""
		return m, discoverPortsCmd()

	case rowFlash:
		return m.startFlash()
	}
	return m, nil
}

func (m Model) startFlash() (tea.Model, tea.Cmd) {
	if !m.connected() {
		m.errMsg = "connect the lamp first"
		return m, nil
	}
	if m.variantIdx < 0 {
		m.errMsg = "pick a device variant first"
		return m, nil
	}

	variant := m.variants[m.variantIdx]
	req := flasher.FlashRequest{
		Variant:   &variant,
		Serial:    m.serialValue(),
		FullErase: m.fullErase,
	}

	m.flashing = true
	m.pct = 0
	m.events = nil
	m.errMsg = ""
	m.view = ViewFlashing
	return m, flashCmd(m.session, req)
}

// serialValue parses the serial field, clamping anything unusable to 0.
// Outside service mode the serial is always 0.
func (m Model) serialValue() int32 {
	if !m.serviceMode {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(m.serialInput.Value()), 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}

func (m Model) handlePortsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.portCursor > 0 {
			m.portCursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.portCursor < len(m.ports)-1 {
			m.portCursor++
		}
	case key.Matches(msg, m.keys.Select):
		port := m.ports[m.portCursor].Name
		m.view = ViewForm
		m.connecting = true
		m.newSession(port)
		return m, connectCmd(m.session)
	case key.Matches(msg, m.keys.Back):
		// Dismissing the picker is not an error.
		m.view = ViewForm
	}
	return m, nil
}

func (m Model) handleDoneKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Retry) || key.Matches(msg, m.keys.Select) || key.Matches(msg, m.keys.Back) {
		if m.session != nil {
			m.session.Reset()
		}
		m.view = ViewForm
		m.cursor = rowVariant
		m.variantIdx = -1
		m.fullErase = false
		m.chip = ""
		m.pct = 0
		m.errMsg = ""
		m.statusMsg = ""
	}
	return m, nil
}

func (m Model) connected() bool {
	return m.session != nil && m.session.State() == flasher.Connected
}

// --- Views ---

func (m Model) View() string {
	var body string
	switch m.view {
	case ViewForm:
		body = m.viewForm()
	case ViewPorts:
		body = m.viewPorts()
	case ViewFlashing:
		body = m.viewFlashing()
	case ViewDone:
		body = m.viewDone()
	}
	return m.styles.App.Render(body)
}

func (m Model) titleBar(subtitle string) string {
	title := m.styles.Title.Render("glowflash")
	if subtitle == "" {
		return title + "\n"
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, title, " ", m.styles.Muted.Render(subtitle)) + "\n"
}

func (m Model) statusBar() string {
	var conn string
	if m.connected() {
		conn = m.styles.StatusOnline.Render("● " + m.chip)
	} else if m.connecting {
		conn = m.spinner.View() + " connecting"
	} else {
		conn = m.styles.StatusOffline.Render("○ not connected")
	}

	parts := []string{conn}
	if m.serviceMode {
		parts = append(parts, m.styles.Warning.Render("service mode"))
	}
	if m.statusMsg != "" {
		parts = append(parts, m.styles.Muted.Render(m.statusMsg))
	}
	return m.styles.StatusBar.Render(strings.Join(parts, "  "))
}

func (m Model) row(idx int, label, value string, enabled bool) string {
	cursor := "  "
	style := m.styles.MenuItem
	if !enabled {
		style = m.styles.MenuItemDim
	}
	if m.cursor == idx {
		cursor = "> "
		if enabled {
			style = m.styles.MenuItemSelected
		}
	}
	return cursor + style.Render(m.styles.Label.Render(label)+value)
}

func (m Model) viewForm() string {
	var b strings.Builder
	b.WriteString(m.titleBar("lamp firmware installer"))

	variant := "— select —"
	if m.variantIdx >= 0 {
		variant = m.variants[m.variantIdx].Name
	}
	b.WriteString(m.row(rowVariant, "Variant", "< "+variant+" >", true) + "\n")

	serial := "0"
	if m.serviceMode {
		serial = m.serialInput.Value()
		if m.editing == editSerial {
			serial = m.serialInput.View()
		} else if serial == "" {
			serial = "0"
		}
	} else {
		serial = m.styles.Muted.Render("0 (locked)")
	}
	b.WriteString(m.row(rowSerial, "Serial", serial, m.serviceMode) + "\n")

	erase := "no — keep Wi-Fi credentials"
	if m.fullErase {
		erase = m.styles.Warning.Render("yes — wipe everything")
	}
	b.WriteString(m.row(rowFullErase, "Full erase", erase, true) + "\n")

	service := "off"
	if m.serviceMode {
		service = "on"
	} else if m.editing == editServiceKey {
		service = m.serviceInput.View()
	}
	b.WriteString(m.row(rowService, "Service mode", service, true) + "\n\n")

	connect := "Connect"
	if m.connected() {
		connect = "Disconnect"
	} else if m.connecting {
		connect = m.spinner.View() + " Connecting..."
	}
	b.WriteString(m.row(rowConnect, "", connect, !m.connecting) + "\n")

	flashEnabled := m.connected() && m.variantIdx >= 0
	b.WriteString(m.row(rowFlash, "", "Flash firmware", flashEnabled) + "\n")

	if m.errMsg != "" {
		b.WriteString("\n" + m.styles.Error.Render(m.errMsg) + "\n")
	}

	b.WriteString(m.statusBar())
	b.WriteString("\n" + m.styles.Help.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) viewPorts() string {
	var b strings.Builder
	b.WriteString(m.titleBar("pick a port"))

	for i, p := range m.ports {
		cursor := "  "
		style := m.styles.MenuItem
		if i == m.portCursor {
			cursor = "> "
			style = m.styles.MenuItemSelected
		}
		b.WriteString(cursor + style.Render(p.String()) + "\n")
	}

	b.WriteString("\n" + m.styles.Help.Render("enter: connect • esc: cancel"))
	return b.String()
}

func (m Model) viewFlashing() string {
	var b strings.Builder
	b.WriteString(m.titleBar("flashing — do not unplug"))

	b.WriteString(m.bar.ViewAs(float64(m.pct)/100) + fmt.Sprintf("  %d%%\n\n", m.pct))

	// Rolling tail of the event log.
	start := 0
	if len(m.events) > 8 {
		start = len(m.events) - 8
	}
	for _, ev := range m.events[start:] {
		line := ev.Message
		switch ev.Level {
		case flasher.LevelWarn:
			line = m.styles.Warning.Render(line)
		case flasher.LevelError:
			line = m.styles.Error.Render(line)
		default:
			line = m.styles.Muted.Render(line)
		}
		b.WriteString("  " + line + "\n")
	}

	return b.String()
}

func (m Model) viewDone() string {
	var b strings.Builder

	if m.session != nil && m.session.State() == flasher.Succeeded {
		b.WriteString(m.titleBar(""))
		b.WriteString(m.styles.Success.Render("✓ Flash complete") + "\n\n")
		if m.session.CredentialsPreserved() {
			b.WriteString("Wi-Fi credentials were preserved; the lamp will\nreconnect to your network on its own.\n")
		} else {
			b.WriteString(m.styles.Warning.Render("Full erase: set the lamp up again in the app\nto re-provision Wi-Fi.") + "\n")
		}
		b.WriteString("\nUnplug the lamp and power cycle it now.\n")
	} else {
		b.WriteString(m.titleBar(""))
		b.WriteString(m.styles.Error.Render("✗ Flash failed") + "\n\n")
		if m.session != nil && m.session.Failure() != "" {
			b.WriteString(m.styles.Error.Render(m.session.Failure()) + "\n\n")
		}
		for _, ev := range m.events {
			b.WriteString("  " + m.styles.Muted.Render(ev.String()) + "\n")
		}
	}

	b.WriteString("\n" + m.styles.Help.Render("r/enter: start over • q: quit"))
	return b.String()
}

// Run launches the interactive installer.
func Run(loader assets.Loader) error {
	p := tea.NewProgram(NewModel(loader), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
