package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/teamchat/pkg/client"
	"github.com/aeolun/teamchat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type visibleCall struct {
	channelID string
	visible   bool
}

type fakeSyncer struct {
	mu       sync.Mutex
	visible  []visibleCall
	scrolled []string
	consumed []string
	err      error
}

func (f *fakeSyncer) SetLastVisible(ctx context.Context, channelID string, visible bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = append(f.visible, visibleCall{channelID, visible})
	return f.err
}

func (f *fakeSyncer) ScrollToBottom(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrolled = append(f.scrolled, channelID)
	return f.err
}

func (f *fakeSyncer) ConsumeScroll(ctx context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, channelID)
	return true, f.err
}

type recordedMsgs struct {
	msgs []tea.Msg
}

func (r *recordedMsgs) Send(msg tea.Msg) {
	r.msgs = append(r.msgs, msg)
}

// runCmd executes cmd and any batched commands, returning the messages
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, []tea.Msg) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, runCmd(cmd)
}

func chatMessages(channelID string, n int) []protocol.Message {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]protocol.Message, n)
	for i := range msgs {
		msgs[i] = protocol.Message{
			ID:        string(rune('a' + i)),
			ChannelID: channelID,
			UserID:    "bob",
			Content:   "line",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return msgs
}

func newTestModel(t *testing.T, channels ...string) (Model, *fakeSyncer, *[]string) {
	t.Helper()
	syncer := &fakeSyncer{}
	var notes []string
	m := NewModel(syncer, channels, "", nil)
	m.SetNotifier(func(title, body string) error {
		notes = append(notes, title+"|"+body)
		return nil
	})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 10})
	return m, syncer, &notes
}

func TestInitHidesBackgroundChannels(t *testing.T) {
	syncer := &fakeSyncer{}
	m := NewModel(syncer, []string{"general", "random", "dev"}, "", nil)

	runCmd(m.Init())

	assert.ElementsMatch(t, []visibleCall{{"random", false}, {"dev", false}}, syncer.visible)
}

func TestPendingScrollJumpsAndConsumes(t *testing.T) {
	m, syncer, _ := newTestModel(t, "general")

	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{
		ChannelID:     "general",
		Messages:      chatMessages("general", 30),
		PendingScroll: true,
	}})

	assert.True(t, m.viewport.AtBottom())
	assert.Equal(t, []string{"general"}, syncer.consumed)
}

func TestUnreadGrowthNotifies(t *testing.T) {
	m, _, notes := newTestModel(t, "general")

	msgs := chatMessages("general", 3)
	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{ChannelID: "general", Messages: msgs[:2]}})
	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{ChannelID: "general", Messages: msgs, UnreadCount: 1}})
	// Same unread count again: an edit, not a new message
	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{ChannelID: "general", Messages: msgs, UnreadCount: 1}})

	require.Len(t, *notes, 1)
	assert.Equal(t, "#general (1 unread)|bob: line", (*notes)[0])
	assert.Contains(t, m.View(), "1 new")
}

func TestNotifierFailureIsNotFatal(t *testing.T) {
	m, _, _ := newTestModel(t, "general")
	m.SetNotifier(func(title, body string) error { return errors.New("no dbus") })

	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{
		ChannelID: "general", Messages: chatMessages("general", 1), UnreadCount: 1,
	}})
	assert.Equal(t, 1, m.updates["general"].UnreadCount)
}

func TestEndKeyScrollsToBottom(t *testing.T) {
	m, syncer, _ := newTestModel(t, "general")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnd})

	assert.Equal(t, []string{"general"}, syncer.scrolled)
	assert.True(t, m.viewport.AtBottom())
}

func TestTabSwitchHidesPreviousChannel(t *testing.T) {
	m, syncer, _ := newTestModel(t, "general", "random")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})

	assert.Equal(t, "random", m.CurrentChannel())
	assert.Contains(t, syncer.visible, visibleCall{"general", false})
	assert.Equal(t, []string{"random"}, syncer.scrolled)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})

	assert.Equal(t, "general", m.CurrentChannel())
	assert.Equal(t, []string{"random", "general"}, syncer.scrolled)
}

func TestVisibilityReportedOnce(t *testing.T) {
	m, syncer, _ := newTestModel(t, "general")
	before := len(syncer.visible)

	msgs := chatMessages("general", 2)
	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{ChannelID: "general", Messages: msgs}})
	m, _ = update(t, m, ChannelUpdateMsg{Update: client.ChannelUpdate{ChannelID: "general", Messages: msgs}})

	assert.Equal(t, before, len(syncer.visible), "unchanged visibility is not re-sent")
}

func TestSessionErrorSurfaces(t *testing.T) {
	m, syncer, _ := newTestModel(t, "general")
	syncer.err = client.ErrSessionStopped

	_, msgs := update(t, m, tea.KeyMsg{Type: tea.KeyEnd})

	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs, tea.Msg(ErrorMsg{Err: client.ErrSessionStopped}))
}

func TestStatusBar(t *testing.T) {
	m, _, _ := newTestModel(t, "general")

	m, _ = update(t, m, ConnectionMsg{Update: client.ConnectionStateUpdate{State: client.StateConnecting, Attempt: 2}})
	assert.Contains(t, m.View(), "reconnecting (attempt 2)")

	m, _ = update(t, m, ConnectionMsg{Update: client.ConnectionStateUpdate{State: client.StateConnected}})
	m, _ = update(t, m, TypingMsg{ChannelID: "general", UserID: "alice", Enabled: true})
	m, _ = update(t, m, DebugMsg{Enabled: true})
	view := m.View()
	assert.Contains(t, view, "connected [debug]")
	assert.Contains(t, view, "alice typing...")

	m, _ = update(t, m, TypingMsg{ChannelID: "general", UserID: "alice", Enabled: false})
	assert.NotContains(t, m.View(), "typing")
}

func TestQuit(t *testing.T) {
	m, _, _ := newTestModel(t, "general")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestSinksForwardToProgram(t *testing.T) {
	rec := &recordedMsgs{}
	sinks := NewSinks(rec)

	sinks.SetTyping("general", "alice", true)
	sinks.SetDebug(true)

	assert.Equal(t, []tea.Msg{
		TypingMsg{ChannelID: "general", UserID: "alice", Enabled: true},
		DebugMsg{Enabled: true},
	}, rec.msgs)
}

func TestSinksBeforeAttachAreDropped(t *testing.T) {
	sinks := &Sinks{}
	sinks.SetDebug(true)

	rec := &recordedMsgs{}
	sinks.Attach(rec)
	sinks.SetDebug(false)

	assert.Equal(t, []tea.Msg{DebugMsg{Enabled: false}}, rec.msgs)
}
