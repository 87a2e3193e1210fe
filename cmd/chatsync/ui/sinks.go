package ui

import tea "github.com/charmbracelet/bubbletea"

// MsgSender is satisfied by *tea.Program
type MsgSender interface {
	Send(msg tea.Msg)
}

// Sinks forwards session callbacks into a running program. The session
// calls them on its loop, so they only enqueue. Callbacks arriving before
// Attach are dropped.
type Sinks struct {
	p MsgSender
}

func NewSinks(p MsgSender) *Sinks {
	return &Sinks{p: p}
}

// Attach sets the program callbacks go to. Call it before the session
// loop starts.
func (s *Sinks) Attach(p MsgSender) {
	s.p = p
}

func (s *Sinks) send(msg tea.Msg) {
	if s.p != nil {
		s.p.Send(msg)
	}
}

func (s *Sinks) SetTyping(channelID, userID string, enabled bool) {
	s.send(TypingMsg{ChannelID: channelID, UserID: userID, Enabled: enabled})
}

func (s *Sinks) SetDebug(enabled bool) {
	s.send(DebugMsg{Enabled: enabled})
}
