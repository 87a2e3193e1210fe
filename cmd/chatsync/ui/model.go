package ui

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/aeolun/teamchat/pkg/client"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"
)

// Syncer is the part of client.Session the view drives
type Syncer interface {
	SetLastVisible(ctx context.Context, channelID string, visible bool) error
	ScrollToBottom(ctx context.Context, channelID string) error
	ConsumeScroll(ctx context.Context, channelID string) (bool, error)
}

// ChannelUpdateMsg carries a channel observer callback into the program
type ChannelUpdateMsg struct {
	Update client.ChannelUpdate
}

// ConnectionMsg carries a connection state update into the program
type ConnectionMsg struct {
	Update client.ConnectionStateUpdate
}

// TypingMsg is a typing indicator toggle
type TypingMsg struct {
	ChannelID string
	UserID    string
	Enabled   bool
}

// DebugMsg is a server debug-mode toggle
type DebugMsg struct {
	Enabled bool
}

// ErrorMsg reports a failed session call
type ErrorMsg struct {
	Err error
}

// Notifier shows a desktop notification
type Notifier func(title, body string) error

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)
	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("245"))
	activeTabStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Underline(true)
	authorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle    = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)
	unreadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("214")).
			Padding(0, 1)
	typingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
)

// Model is a read-only channel viewer on top of a client.Session
type Model struct {
	sync     Syncer
	channels []string
	current  int

	updates     map[string]client.ChannelUpdate
	typing      map[string]map[string]bool
	sentVisible map[string]bool

	connState client.ConnectionState
	attempt   int
	debug     bool
	lastErr   error

	viewport viewport.Model
	width    int
	height   int
	ready    bool

	notify Notifier
	logger *log.Logger
}

// NewModel creates the viewer for channels. The first channel is shown first.
func NewModel(sync Syncer, channels []string, iconPath string, logger *log.Logger) Model {
	return Model{
		sync:        sync,
		channels:    append([]string(nil), channels...),
		updates:     make(map[string]client.ChannelUpdate),
		typing:      make(map[string]map[string]bool),
		sentVisible: make(map[string]bool),
		notify: func(title, body string) error {
			return beeep.Notify(title, body, iconPath)
		},
		logger: logger,
	}
}

// SetNotifier replaces the desktop notifier
func (m *Model) SetNotifier(n Notifier) {
	m.notify = n
}

func (m Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// CurrentChannel returns the channel on screen, or "" with no channels
func (m Model) CurrentChannel() string {
	if len(m.channels) == 0 {
		return ""
	}
	return m.channels[m.current]
}

// Init marks every channel but the first as off screen
func (m Model) Init() tea.Cmd {
	var cmds []tea.Cmd
	for i, ch := range m.channels {
		if i != m.current {
			cmds = append(cmds, m.hideCmd(ch))
		}
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyHeight := msg.Height - 2
		if bodyHeight < 1 {
			bodyHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = bodyHeight
		}
		m.refresh(false)
		cmds = append(cmds, m.visibilityCmd())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "end", "G":
			m.viewport.GotoBottom()
			cmds = append(cmds, m.scrollToBottomCmd(m.CurrentChannel()))
		case "tab":
			if len(m.channels) > 1 {
				cmds = append(cmds, m.hideCmd(m.CurrentChannel()))
				m.current = (m.current + 1) % len(m.channels)
				m.refresh(true)
				cmds = append(cmds, m.scrollToBottomCmd(m.CurrentChannel()))
			}
		case "shift+tab":
			if len(m.channels) > 1 {
				cmds = append(cmds, m.hideCmd(m.CurrentChannel()))
				m.current = (m.current + len(m.channels) - 1) % len(m.channels)
				m.refresh(true)
				cmds = append(cmds, m.scrollToBottomCmd(m.CurrentChannel()))
			}
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, m.visibilityCmd())

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd, m.visibilityCmd())

	case ChannelUpdateMsg:
		update := msg.Update
		prev := m.updates[update.ChannelID]
		m.updates[update.ChannelID] = update

		if update.UnreadCount > prev.UnreadCount && len(update.Messages) > 0 {
			newest := update.Messages[len(update.Messages)-1]
			m.notifyUnread(update.ChannelID, newest.UserID, newest.Content, update.UnreadCount)
		}

		if update.ChannelID == m.CurrentChannel() {
			m.refresh(update.PendingScroll)
			if update.PendingScroll {
				cmds = append(cmds, m.consumeScrollCmd(update.ChannelID))
			}
			cmds = append(cmds, m.visibilityCmd())
		}

	case ConnectionMsg:
		m.connState = msg.Update.State
		m.attempt = msg.Update.Attempt
		if msg.Update.Err != nil {
			m.lastErr = msg.Update.Err
		} else if msg.Update.State == client.StateConnected {
			m.lastErr = nil
		}

	case TypingMsg:
		users := m.typing[msg.ChannelID]
		if users == nil {
			users = make(map[string]bool)
			m.typing[msg.ChannelID] = users
		}
		if msg.Enabled {
			users[msg.UserID] = true
		} else {
			delete(users, msg.UserID)
		}

	case DebugMsg:
		m.debug = msg.Enabled

	case ErrorMsg:
		m.lastErr = msg.Err
		m.logf("Session call failed: %v", msg.Err)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) notifyUnread(channelID, userID, content string, unread int) {
	if m.notify == nil {
		return
	}
	title := fmt.Sprintf("#%s (%d unread)", channelID, unread)
	body := fmt.Sprintf("%s: %s", userID, content)
	if err := m.notify(title, body); err != nil {
		m.logf("Failed to send desktop notification: %v", err)
	}
}

// refresh re-renders the current channel into the viewport
func (m *Model) refresh(gotoBottom bool) {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderMessages())
	if gotoBottom {
		m.viewport.GotoBottom()
	}
}

// visibilityCmd reports a change in whether the newest message is on screen
func (m Model) visibilityCmd() tea.Cmd {
	channelID := m.CurrentChannel()
	if channelID == "" || !m.ready {
		return nil
	}
	visible := m.viewport.AtBottom()
	if sent, ok := m.sentVisible[channelID]; ok && sent == visible {
		return nil
	}
	m.sentVisible[channelID] = visible

	sync := m.sync
	return func() tea.Msg {
		if err := sync.SetLastVisible(context.Background(), channelID, visible); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

// hideCmd tells the tracker of a channel leaving the screen that its newest
// message is no longer visible
func (m Model) hideCmd(channelID string) tea.Cmd {
	m.sentVisible[channelID] = false
	sync := m.sync
	return func() tea.Msg {
		if err := sync.SetLastVisible(context.Background(), channelID, false); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

func (m Model) scrollToBottomCmd(channelID string) tea.Cmd {
	if channelID == "" {
		return nil
	}
	sync := m.sync
	return func() tea.Msg {
		if err := sync.ScrollToBottom(context.Background(), channelID); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

func (m Model) consumeScrollCmd(channelID string) tea.Cmd {
	sync := m.sync
	return func() tea.Msg {
		if _, err := sync.ConsumeScroll(context.Background(), channelID); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

func (m Model) renderMessages() string {
	update, ok := m.updates[m.CurrentChannel()]
	if !ok {
		return timeStyle.Render("Loading history...")
	}
	if len(update.Messages) == 0 {
		return timeStyle.Render("No messages yet")
	}

	var b strings.Builder
	for i, msg := range update.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(timeStyle.Render(msg.CreatedAt.Local().Format("15:04")))
		b.WriteString(" ")
		b.WriteString(authorStyle.Render(msg.UserID))
		b.WriteString(" ")
		b.WriteString(msg.Content)
		if msg.UpdatedAt.After(msg.CreatedAt) {
			b.WriteString(timeStyle.Render(" (edited)"))
		}
		for _, a := range msg.Attachments {
			b.WriteString("\n      ")
			b.WriteString(timeStyle.Render("📎 " + a.Name))
		}
	}
	return b.String()
}

func (m Model) renderHeader() string {
	tabs := make([]string, 0, len(m.channels))
	for i, ch := range m.channels {
		label := "#" + ch
		if n := m.updates[ch].UnreadCount; n > 0 {
			label = fmt.Sprintf("%s (%d)", label, n)
		}
		if i == m.current {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, headerStyle.Render("teamchat"), strings.Join(tabs, ""))
}

func (m Model) renderStatus() string {
	var state string
	switch m.connState {
	case client.StateConnected:
		state = "connected"
	case client.StateConnecting:
		if m.attempt > 0 {
			state = fmt.Sprintf("reconnecting (attempt %d)", m.attempt)
		} else {
			state = "connecting"
		}
	default:
		state = "disconnected"
		if m.lastErr != nil {
			state = fmt.Sprintf("disconnected: %v", m.lastErr)
		}
	}
	if m.debug {
		state += " [debug]"
	}

	left := statusStyle.Render(state)

	var right string
	if users := m.typing[m.CurrentChannel()]; len(users) > 0 {
		names := make([]string, 0, len(users))
		for u := range users {
			names = append(names, u)
		}
		sort.Strings(names)
		right = typingStyle.Render(strings.Join(names, ", ") + " typing...")
	}
	if n := m.updates[m.CurrentChannel()].UnreadCount; n > 0 {
		right += unreadStyle.Render(fmt.Sprintf("%d new ↓ End", n))
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.viewport.View(), m.renderStatus())
}
