// ABOUTME: Server-side live message hub with per-conversation rooms
// ABOUTME: Fans out message_received frames, optionally bridged across instances via redis

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/campuslink/campus-chat/internal/auth"
	"github.com/campuslink/campus-chat/internal/dedupe"
	"github.com/campuslink/campus-chat/internal/live"
	"github.com/campuslink/campus-chat/internal/model"
)

// Directory resolves sender identity for fan-out frames and conversation
// membership for room admission.
type Directory interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
}

// Option configures a Hub.
type Option func(*Hub)

// WithRedis bridges fan-out across instances through a redis channel.
// When set, frames are published instead of delivered directly; the
// subscribe loop in Run delivers them locally on every instance.
func WithRedis(client *redis.Client, channel string) Option {
	return func(h *Hub) {
		h.rdb = client
		h.channel = channel
	}
}

// Hub tracks live sessions and their room membership. One room per
// conversation; a session is in at most one room, switched implicitly
// by join_chat.
type Hub struct {
	logger *slog.Logger
	dir    Directory
	dedupe *dedupe.Cache

	upgrader websocket.Upgrader

	rdb     *redis.Client
	channel string

	mu       sync.RWMutex
	sessions map[*session]struct{}
	rooms    map[string]map[*session]struct{}
	closed   bool
}

// envelope is the cross-instance wire form for redis-bridged frames.
type envelope struct {
	SenderID string        `json:"senderId"`
	Message  model.Message `json:"message"`
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(dir Directory, dedupeCache *dedupe.Cache, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger: logger.With("component", "hub"),
		dir:    dir,
		dedupe: dedupeCache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		rooms:    make(map[string]map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleWS upgrades an authenticated request into a live session. The
// auth middleware must have run first; identity comes from the token,
// never from the setup frame.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "authentication required"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(h, conn, user)
	h.register(s)

	go s.writePump()
	go s.readPump()
}

// Run drives the redis subscribe loop until ctx is cancelled. Without
// redis there is nothing to drive and Run returns immediately.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		return
	}

	pubsub := h.rdb.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	h.logger.Info("redis bridge active", "channel", h.channel)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
				h.logger.Warn("malformed bridge payload", "error", err)
				continue
			}
			// Cross-instance frames cannot exclude the originating
			// session, so exclusion falls back to the sender's user ID.
			h.fanOut(env.Message.ConversationID, env.Message, nil, env.SenderID)
		}
	}
}

// Close tears down every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.sessions {
		s.close()
		delete(h.sessions, s)
	}
	h.rooms = make(map[string]map[*session]struct{})
	h.logger.Debug("hub closed")
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	h.logger.Debug("session registered", "user_id", s.user.ID)
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	h.removeFromRoomLocked(s)
	s.close()
	h.logger.Debug("session unregistered", "user_id", s.user.ID)
}

// joinRoom moves a session into a conversation room. Joining implies
// leaving the previous room; there is no explicit leave on the wire.
// Sessions of non-participants are refused: room membership is what
// gates fan-out, so admission must follow conversation membership.
func (h *Hub) joinRoom(s *session, conversationID string) {
	if !h.isParticipant(s.user.ID, conversationID) {
		h.logger.Warn("join refused for non-participant",
			"user_id", s.user.ID,
			"conversation_id", conversationID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(s)
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*session]struct{})
	}
	h.rooms[conversationID][s] = struct{}{}
	s.room = conversationID

	h.logger.Debug("session joined room",
		"user_id", s.user.ID,
		"conversation_id", conversationID)
}

// isParticipant reports whether the user belongs to the conversation.
// Lookup failures deny: an unresolvable conversation admits nobody.
func (h *Hub) isParticipant(userID, conversationID string) bool {
	conv, err := h.dir.GetConversation(context.Background(), conversationID)
	if err != nil {
		return false
	}
	return conv.HasParticipant(userID)
}

func (h *Hub) removeFromRoomLocked(s *session) {
	if s.room == "" {
		return
	}
	if members, ok := h.rooms[s.room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, s.room)
		}
	}
	s.room = ""
}

// handleNewMessage processes an inbound new_message frame: validates the
// sender, collapses duplicate idempotency keys and fans the message out
// to the conversation's room. Delivery here is the fast preview path;
// durability comes from the REST persist.
func (h *Hub) handleNewMessage(s *session, p live.NewMessagePayload) {
	if p.SenderID != s.user.ID {
		h.logger.Warn("sender mismatch on live frame",
			"session_user", s.user.ID,
			"claimed_sender", p.SenderID)
		return
	}
	if p.ConversationID == "" || p.Text == "" || p.IdempotencyKey == "" {
		return
	}
	if !h.isParticipant(s.user.ID, p.ConversationID) {
		h.logger.Warn("live frame from non-participant",
			"user_id", s.user.ID,
			"conversation_id", p.ConversationID)
		return
	}
	if h.dedupe.CheckAndMark("live:" + p.IdempotencyKey) {
		h.logger.Debug("duplicate live frame dropped", "idempotency_key", p.IdempotencyKey)
		return
	}

	sender := *s.user
	if u, err := h.dir.GetUser(context.Background(), p.SenderID); err == nil {
		sender = *u
	}

	msg := model.Message{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		Sender:         sender,
		Text:           p.Text,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: p.IdempotencyKey,
		State:          model.StateConfirmed,
	}

	if h.rdb != nil {
		h.publish(msg)
		return
	}
	h.fanOut(msg.ConversationID, msg, s, "")
}

func (h *Hub) publish(msg model.Message) {
	payload, err := json.Marshal(envelope{SenderID: msg.Sender.ID, Message: msg})
	if err != nil {
		h.logger.Error("marshal bridge payload", "error", err)
		return
	}
	if err := h.rdb.Publish(context.Background(), h.channel, payload).Err(); err != nil {
		h.logger.Error("publish bridge payload", "error", err)
	}
}

// fanOut delivers a message_received frame to every session in the room,
// skipping the originating session and any session owned by excludeUserID.
// Non-blocking: slow consumers drop frames rather than stalling the room.
func (h *Hub) fanOut(conversationID string, msg model.Message, exclude *session, excludeUserID string) {
	h.mu.RLock()
	members, ok := h.rooms[conversationID]
	if !ok || len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*session, 0, len(members))
	for s := range members {
		if s == exclude {
			continue
		}
		if excludeUserID != "" && s.user.ID == excludeUserID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal fan-out frame", "error", err)
		return
	}
	frame := live.Frame{Event: live.EventMessageReceived, Data: data}

	for _, s := range targets {
		select {
		case s.send <- frame:
		default:
			h.logger.Debug("dropped frame for slow session",
				"user_id", s.user.ID,
				"message_id", msg.ID)
		}
	}
}
