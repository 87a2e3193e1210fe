// Package simserver is a small in-process team chat server. It speaks the
// same websocket frames and history endpoint as the production backend and
// is used for local runs of the client and for end-to-end tests.
package simserver

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// SetDebugOutput sends debug logging to w
func SetDebugOutput(w io.Writer) {
	debugLog.SetOutput(w)
}

// Server accepts client connections and fans out channel events
type Server struct {
	sessions *SessionManager
	history  *History
	token    string
	upgrader websocket.Upgrader
}

// NewServer creates a server. A non-empty token is required as a bearer
// token on both the websocket and history endpoints.
func NewServer(token string) *Server {
	return &Server{
		sessions: NewSessionManager(),
		history:  NewHistory(),
		token:    token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: /ws and /api/channels/{id}/messages
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/channels/{channelID}/messages", s.handleHistory)
	return mux
}

// Sessions exposes the session manager
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// History exposes the message log
func (s *Server) History() *History {
	return s.history
}

func (s *Server) authorized(r *http.Request) bool {
	return s.token == "" || r.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("Upgrade failed: %v", err)
		return
	}

	sess := s.sessions.CreateSession(NewSafeConn(ws))
	debugLog.Printf("Session %d connected from %s", sess.ID, r.RemoteAddr)
	defer func() {
		s.sessions.RemoveSession(sess.ID)
		sess.Conn.Close()
		debugLog.Printf("Session %d disconnected", sess.ID)
	}()

	for {
		data, err := sess.Conn.ReadFrame()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}
		s.handleFrame(sess, data)
	}
}

func (s *Server) handleFrame(sess *Session, data []byte) {
	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		debugLog.Printf("Session %d sent a bad frame: %v", sess.ID, err)
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		if s.sessions.SubscribeToChannel(sess, msg.ChannelID) {
			debugLog.Printf("Session %d subscribed to %s", sess.ID, msg.ChannelID)
		}
	case protocol.TypeUnsubscribe:
		if s.sessions.UnsubscribeFromChannel(sess, msg.ChannelID) {
			debugLog.Printf("Session %d unsubscribed from %s", sess.ID, msg.ChannelID)
		}
	case protocol.TypePing:
		// Keepalive only
	default:
		debugLog.Printf("Session %d sent unexpected %s frame", sess.ID, msg.Type)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	msgs := s.history.List(r.PathValue("channelID"))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		errorLog.Printf("Failed to write history: %v", err)
	}
}

// broadcast sends msg to every session subscribed to channelID
func (s *Server) broadcast(channelID string, msg *protocol.WSMessage) {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		errorLog.Printf("Failed to encode %s frame: %v", msg.Type, err)
		return
	}
	for _, sess := range s.sessions.GetChannelSubscribers(channelID) {
		if err := sess.Conn.WriteBytes(data); err != nil {
			debugLog.Printf("Broadcast to session %d failed: %v", sess.ID, err)
		}
	}
}

// broadcastAll sends msg to every connected session
func (s *Server) broadcastAll(msg *protocol.WSMessage) {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		errorLog.Printf("Failed to encode %s frame: %v", msg.Type, err)
		return
	}
	for _, sess := range s.sessions.GetAllSessions() {
		if err := sess.Conn.WriteBytes(data); err != nil {
			debugLog.Printf("Broadcast to session %d failed: %v", sess.ID, err)
		}
	}
}

// Post stores a top-level message and pushes it to subscribers
func (s *Server) Post(channelID, userID, content string) protocol.Message {
	msg := s.history.Post(channelID, userID, content, "")
	s.broadcast(channelID, protocol.NewMessageEvent(msg))
	return msg
}

// Reply stores a thread reply and pushes it to subscribers
func (s *Server) Reply(channelID, parentID, userID, content string) protocol.Message {
	msg := s.history.Post(channelID, userID, content, parentID)
	s.broadcast(channelID, protocol.NewMessageEvent(msg))
	return msg
}

// Edit changes a message's content and pushes the edit
func (s *Server) Edit(messageID, content string) (protocol.Message, error) {
	msg, err := s.history.Update(messageID, content)
	if err != nil {
		return msg, err
	}
	frame := protocol.NewMessageEdited(messageID, msg)
	frame.ChannelID = msg.ChannelID
	s.broadcast(msg.ChannelID, frame)
	return msg, nil
}

// Delete removes a message and pushes the deletion
func (s *Server) Delete(messageID string) error {
	msg, err := s.history.Delete(messageID)
	if err != nil {
		return err
	}
	frame := protocol.NewMessageDeleted(messageID)
	frame.ChannelID = msg.ChannelID
	s.broadcast(msg.ChannelID, frame)
	return nil
}

// Typing pushes a typing indicator toggle
func (s *Server) Typing(channelID, userID string, enabled bool) {
	s.broadcast(channelID, protocol.NewTyping(channelID, userID, enabled))
}

// SetDebugMode toggles diagnostics on every connected client
func (s *Server) SetDebugMode(enabled bool) {
	s.broadcastAll(protocol.NewDebugMode(enabled))
}

// DropConnections closes every client connection without a close
// handshake, as a crashed or restarted server would.
func (s *Server) DropConnections() {
	s.sessions.CloseAll()
}
