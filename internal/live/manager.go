// ABOUTME: Client-side connection manager for the live push channel
// ABOUTME: One websocket session per user; room scoping, reconnect with rejoin

package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuslink/campus-chat/internal/model"
)

// ErrNotConnected is returned for writes issued without a live session.
var ErrNotConnected = errors.New("live channel not connected")

const (
	// eventBufferSize is the inbound channel buffer; frames beyond it are
	// dropped rather than blocking the read loop.
	eventBufferSize = 64

	defaultBackoff = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
)

// Wire event names shared with the server hub.
const (
	EventSetup           = "setup"
	EventJoinChat        = "join_chat"
	EventNewMessage      = "new_message"
	EventMessageReceived = "message_received"
)

// Frame is the envelope for every live-channel event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinPayload scopes live delivery to one conversation.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// NewMessagePayload is the outbound best-effort fan-out of a send.
type NewMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Manager owns the single live session for an authenticated user. It is an
// explicit object with an explicit lifecycle: nothing here is package-level
// state, and connecting a second time supersedes the first session.
type Manager struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	events chan model.Message

	mu         sync.Mutex
	conn       *websocket.Conn
	user       *model.User
	activeRoom string
	generation int
	closed     bool

	baseBackoff time.Duration
}

// NewManager creates a manager for the given websocket URL. Pass nil logger
// for default. The manager is inert until Connect.
func NewManager(url string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		url:         url,
		logger:      logger.With("component", "live"),
		dialer:      websocket.DefaultDialer,
		events:      make(chan model.Message, eventBufferSize),
		baseBackoff: defaultBackoff,
	}
}

// Connect establishes the push-channel session and announces the user's
// identity for per-user addressed delivery. An existing session is torn
// down first; exactly one connection is active per manager.
func (m *Manager) Connect(ctx context.Context, user *model.User) error {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.generation++
	gen := m.generation
	m.user = user
	m.activeRoom = ""
	m.closed = false
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	// A competing Connect or Disconnect won the race while we dialed.
	if m.generation != gen || m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	err = m.writeFrameLocked(EventSetup, user)
	m.mu.Unlock()
	if err != nil {
		conn.Close()
		return err
	}

	go m.readLoop(conn, gen)
	m.logger.Debug("connected", "user_id", user.ID)
	return nil
}

// JoinRoom scopes live delivery to a conversation. The room is remembered
// so a reconnect rejoins it; joining while disconnected only records it.
func (m *Manager) JoinRoom(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activeRoom = conversationID
	if m.conn == nil {
		return ErrNotConnected
	}
	return m.writeFrameLocked(EventJoinChat, JoinPayload{ConversationID: conversationID})
}

// LeaveRoom cancels interest in a conversation's live feed. The server
// switches rooms implicitly on the next join, so this only clears local
// state: a reconnect will no longer rejoin the room.
func (m *Manager) LeaveRoom(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeRoom == conversationID {
		m.activeRoom = ""
	}
}

// Emit sends a message over the live channel for immediate fan-out to
// participants currently viewing the conversation. Best-effort: durability
// belongs to the REST persist, not to this.
func (m *Manager) Emit(msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNotConnected
	}
	return m.writeFrameLocked(EventNewMessage, NewMessagePayload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.Sender.ID,
		Text:           msg.Text,
		IdempotencyKey: msg.IdempotencyKey,
	})
}

// Events returns the inbound message feed. The channel is never closed;
// consumers stop via their own context.
func (m *Manager) Events() <-chan model.Message {
	return m.events
}

// Disconnect tears down the session. Idempotent and safe to call multiple
// times; a reconnect in progress gives up.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.generation++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.logger.Debug("disconnected")
}

// writeFrameLocked marshals and writes one frame. Must be called with mu
// held, which also serializes writers on the connection.
func (m *Manager) writeFrameLocked(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.conn.WriteJSON(Frame{Event: event, Data: data})
}

// readLoop consumes frames until the connection drops. Transport drops are
// not fatal: the loop hands off to reconnect, which redials, re-announces
// identity and rejoins the active room.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			m.mu.Lock()
			stale := m.closed || m.generation != gen
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Debug("connection dropped, reconnecting", "error", err)
			m.reconnect(gen)
			return
		}

		if f.Event != EventMessageReceived {
			m.logger.Debug("unhandled live event", "event", f.Event)
			continue
		}

		var msg model.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			m.logger.Warn("malformed message frame", "error", err)
			continue
		}

		select {
		case m.events <- msg:
		default:
			m.logger.Debug("event buffer full, frame dropped", "message_id", msg.ID)
		}
	}
}

// reconnect redials with capped exponential backoff until it succeeds or
// the session is superseded. History gaps across the drop are covered by
// re-fetch-on-select, not by buffering here.
func (m *Manager) reconnect(gen int) {
	backoff := m.baseBackoff

	for {
		m.mu.Lock()
		if m.closed || m.generation != gen {
			m.mu.Unlock()
			return
		}
		user := m.user
		m.mu.Unlock()

		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}

		conn, _, err := m.dialer.Dial(m.url, nil)
		if err != nil {
			m.logger.Debug("reconnect attempt failed", "error", err)
			continue
		}

		m.mu.Lock()
		if m.closed || m.generation != gen {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		if err := m.writeFrameLocked(EventSetup, user); err != nil {
			m.conn = nil
			m.mu.Unlock()
			conn.Close()
			continue
		}
		if room := m.activeRoom; room != "" {
			if err := m.writeFrameLocked(EventJoinChat, JoinPayload{ConversationID: room}); err != nil {
				m.conn = nil
				m.mu.Unlock()
				conn.Close()
				continue
			}
		}
		m.mu.Unlock()

		m.logger.Debug("reconnected")
		go m.readLoop(conn, gen)
		return
	}
}
