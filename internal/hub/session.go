// ABOUTME: Single live websocket session between one user and the hub
// ABOUTME: Read pump dispatches inbound frames, write pump serializes outbound

package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuslink/campus-chat/internal/live"
	"github.com/campuslink/campus-chat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192

	sendBufferSize = 64
)

// session is one authenticated websocket connection. Room membership is
// owned by the hub; the session only caches its current room name.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	user *model.User
	send chan live.Frame

	room string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(h *Hub, conn *websocket.Conn, user *model.User) *session {
	return &session{
		hub:  h,
		conn: conn,
		user: user,
		send: make(chan live.Frame, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes frames until the connection drops, then unregisters
// the session.
func (s *session) readPump() {
	defer s.hub.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f live.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("session read failed", "user_id", s.user.ID, "error", err)
			}
			return
		}
		s.dispatch(f)
	}
}

func (s *session) dispatch(f live.Frame) {
	switch f.Event {
	case live.EventSetup:
		// Identity already came from the token at upgrade time; the
		// setup frame only confirms the client is ready.
		s.hub.logger.Debug("session ready", "user_id", s.user.ID)

	case live.EventJoinChat:
		var p live.JoinPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.ConversationID == "" {
			return
		}
		s.hub.joinRoom(s, p.ConversationID)

	case live.EventNewMessage:
		var p live.NewMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		s.hub.handleNewMessage(s, p)

	default:
		s.hub.logger.Debug("unhandled frame", "event", f.Event, "user_id", s.user.ID)
	}
}

// writePump serializes all outbound writes for the connection and keeps
// it alive with periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, nil)
			return

		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
