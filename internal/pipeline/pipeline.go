// ABOUTME: Per-session message orchestration: optimistic send, reconciliation, live receive
// ABOUTME: History is merged from durable fetches and the push feed without duplicates

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/campus-chat/internal/model"
)

// ErrEmptyMessage is returned for empty or whitespace-only sends; no network
// call is issued.
var ErrEmptyMessage = errors.New("message text is empty")

// ErrNoConversation is returned when sending with no active conversation.
var ErrNoConversation = errors.New("no conversation selected")

// ErrNotFailed is returned when retrying a key that has no failed message.
var ErrNotFailed = errors.New("no failed message for key")

// MessageStore is the durable half of the pipeline: history fetches and
// write-through persistence.
type MessageStore interface {
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, text, idempotencyKey string) (*model.Message, error)
}

// LiveChannel is the push half: room scoping and best-effort fan-out.
// Only the connection manager owns the underlying session; the pipeline
// merely requests joins and leaves through it.
type LiveChannel interface {
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string)
	Emit(msg model.Message) error
}

// Option configures optional pipeline callbacks.
type Option func(*Pipeline)

// WithBackgroundNotify registers a callback invoked when a live message
// arrives for a conversation other than the active one. The message is not
// inserted into history; the directory surfaces it as an unread signal.
func WithBackgroundNotify(fn func(conversationID string)) Option {
	return func(p *Pipeline) { p.onBackground = fn }
}

// WithReceiveNotify registers a callback invoked after a live message is
// inserted into the active history.
func WithReceiveNotify(fn func(msg model.Message)) Option {
	return func(p *Pipeline) { p.onReceive = fn }
}

// Pipeline holds the visible message log for the active conversation plus
// the session's own unconfirmed sends, keyed by idempotency key. All state
// mutations happen under one mutex and complete atomically between awaited
// calls; the store and live channel are only ever touched with the lock
// released.
type Pipeline struct {
	store  MessageStore
	live   LiveChannel
	user   model.User
	logger *slog.Logger

	onBackground func(conversationID string)
	onReceive    func(msg model.Message)

	mu           sync.Mutex
	activeID     string
	history      []model.Message
	pendingLocal map[string]model.Message
}

// New creates a pipeline for one session user. Pass nil logger for default.
func New(store MessageStore, live LiveChannel, user model.User, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:        store,
		live:         live,
		user:         user,
		logger:       logger.With("component", "pipeline"),
		pendingLocal: make(map[string]model.Message),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Select makes a conversation active: leaves the previous room, joins the
// new one, and loads durable history. Still-unconfirmed local sends for the
// conversation are preserved at the tail of the reloaded history. A join
// failure is a transport error and does not block the history load.
func (p *Pipeline) Select(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	prev := p.activeID
	p.activeID = conversationID
	p.mu.Unlock()

	if prev != "" && prev != conversationID {
		p.live.LeaveRoom(prev)
	}
	if err := p.live.JoinRoom(conversationID); err != nil {
		p.logger.Debug("room join failed, history still loads", "conversation_id", conversationID, "error", err)
	}

	msgs, err := p.store.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The user may have switched again while the fetch was in flight; a
	// stale load must not clobber the newer conversation's history.
	if p.activeID != conversationID {
		return nil
	}

	p.history = p.history[:0]
	for _, m := range msgs {
		m.State = model.StateConfirmed
		p.history = append(p.history, m)
	}
	// Unconfirmed local sends are newer than anything fetched, by
	// construction: they were created in this session and not yet persisted.
	for _, m := range p.sortedPendingFor(conversationID) {
		p.history = append(p.history, m)
	}

	p.logger.Debug("history loaded",
		"conversation_id", conversationID,
		"confirmed", len(msgs),
		"local", len(p.history)-len(msgs))
	return nil
}

// Send performs an optimistic send to the active conversation: the message
// appears in history immediately as pending, is emitted best-effort over the
// live channel, then persisted. On persist success the entry becomes the
// canonical server record; on failure it is marked failed in place and is
// never auto-retried.
func (p *Pipeline) Send(ctx context.Context, text string) (*model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	p.mu.Lock()
	if p.activeID == "" {
		p.mu.Unlock()
		return nil, ErrNoConversation
	}
	conversationID := p.activeID
	p.mu.Unlock()

	return p.send(ctx, conversationID, text)
}

// Retry re-sends the text of a failed message as a fresh attempt with a new
// idempotency key. The failed entry is removed; the retry is a new send.
func (p *Pipeline) Retry(ctx context.Context, idempotencyKey string) (*model.Message, error) {
	p.mu.Lock()
	failed, ok := p.pendingLocal[idempotencyKey]
	if !ok || failed.State != model.StateFailed {
		p.mu.Unlock()
		return nil, ErrNotFailed
	}
	delete(p.pendingLocal, idempotencyKey)
	if i := p.indexOfKey(idempotencyKey); i >= 0 {
		p.history = append(p.history[:i], p.history[i+1:]...)
	}
	p.mu.Unlock()

	return p.send(ctx, failed.ConversationID, failed.Text)
}

// send runs the optimistic insert / persist / reconcile cycle.
func (p *Pipeline) send(ctx context.Context, conversationID, text string) (*model.Message, error) {
	msg := model.Message{
		ConversationID: conversationID,
		Sender:         p.user,
		Text:           text,
		CreatedAt:      time.Now(),
		IdempotencyKey: uuid.New().String(),
		State:          model.StatePending,
	}

	p.mu.Lock()
	p.pendingLocal[msg.IdempotencyKey] = msg
	if p.activeID == conversationID {
		p.history = append(p.history, msg)
	}
	p.mu.Unlock()

	// Best-effort fan-out to participants currently viewing the room.
	// Durability comes from the persist below, not from this.
	if err := p.live.Emit(msg); err != nil {
		p.logger.Debug("live emit failed", "idempotency_key", msg.IdempotencyKey, "error", err)
	}

	saved, err := p.store.SendMessage(ctx, conversationID, text, msg.IdempotencyKey)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		msg.State = model.StateFailed
		p.pendingLocal[msg.IdempotencyKey] = msg
		if i := p.indexOfKey(msg.IdempotencyKey); i >= 0 {
			p.history[i].State = model.StateFailed
		}
		p.logger.Warn("persist failed, message kept for explicit retry",
			"conversation_id", conversationID,
			"idempotency_key", msg.IdempotencyKey,
			"error", err)
		return &msg, fmt.Errorf("persisting message: %w", err)
	}

	confirmed := *saved
	confirmed.State = model.StateConfirmed
	delete(p.pendingLocal, msg.IdempotencyKey)
	if i := p.indexOfKey(msg.IdempotencyKey); i >= 0 {
		// Replace in place: the entry stays where it was inserted even if
		// the server timestamp would sort it elsewhere.
		p.history[i] = confirmed
	}
	return &confirmed, nil
}

// Receive merges one live-channel message into session state. Echoes of this
// session's own sends are dropped (the persist path reconciles them);
// messages for background conversations are surfaced as a signal instead of
// being inserted.
func (p *Pipeline) Receive(msg model.Message) {
	p.mu.Lock()

	if msg.IdempotencyKey != "" {
		if _, ok := p.pendingLocal[msg.IdempotencyKey]; ok {
			p.mu.Unlock()
			p.logger.Debug("own echo suppressed", "idempotency_key", msg.IdempotencyKey)
			return
		}
	}

	if msg.ConversationID != p.activeID {
		notify := p.onBackground
		p.mu.Unlock()
		if notify != nil {
			notify(msg.ConversationID)
		}
		return
	}

	// Drop re-deliveries whether they repeat the server id or only the
	// idempotency key: a live frame and the REST-persisted row carry
	// different ids for the same logical message.
	if msg.ID != "" && p.indexOfID(msg.ID) >= 0 {
		p.mu.Unlock()
		return
	}
	if msg.IdempotencyKey != "" && p.indexOfKey(msg.IdempotencyKey) >= 0 {
		p.mu.Unlock()
		p.logger.Debug("duplicate delivery dropped", "idempotency_key", msg.IdempotencyKey)
		return
	}

	msg.State = model.StateConfirmed
	p.insertOrdered(msg)
	notify := p.onReceive
	p.mu.Unlock()

	if notify != nil {
		notify(msg)
	}
}

// Attach consumes live events until the channel closes or ctx is done.
func (p *Pipeline) Attach(ctx context.Context, events <-chan model.Message) {
	go func() {
		for {
			select {
			case msg, ok := <-events:
				if !ok {
					return
				}
				p.Receive(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// History returns a snapshot of the active conversation's message log.
func (p *Pipeline) History() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Message, len(p.history))
	copy(out, p.history)
	return out
}

// Failed returns the session's failed sends, oldest first, for retry
// affordances. Failed messages are visible to the sender only.
func (p *Pipeline) Failed() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.Message
	for _, m := range p.pendingLocal {
		if m.State == model.StateFailed {
			out = append(out, m)
		}
	}
	sortByCreation(out)
	return out
}

// Active returns the id of the active conversation, or "".
func (p *Pipeline) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

// insertOrdered places a confirmed message at its timestamp position,
// scanning from the tail since live messages are usually newest.
// Must be called with mu held.
func (p *Pipeline) insertOrdered(msg model.Message) {
	i := len(p.history)
	for i > 0 && p.history[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	p.history = append(p.history, model.Message{})
	copy(p.history[i+1:], p.history[i:])
	p.history[i] = msg
}

// sortedPendingFor returns the unconfirmed local sends for a conversation
// in creation order. Must be called with mu held.
func (p *Pipeline) sortedPendingFor(conversationID string) []model.Message {
	var out []model.Message
	for _, m := range p.pendingLocal {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sortByCreation(out)
	return out
}

func (p *Pipeline) indexOfKey(key string) int {
	for i := range p.history {
		if p.history[i].IdempotencyKey == key {
			return i
		}
	}
	return -1
}

func (p *Pipeline) indexOfID(id string) int {
	for i := range p.history {
		if p.history[i].ID == id {
			return i
		}
	}
	return -1
}

func sortByCreation(msgs []model.Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}
