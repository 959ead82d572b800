// ABOUTME: Conversation directory: list cache, resolve-or-create, deep-link consumption
// ABOUTME: Holds selection and unread state for the conversation switcher

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/campuslink/campus-chat/internal/identity"
	"github.com/campuslink/campus-chat/internal/model"
)

// ErrNotLoaded is returned when selecting before the first Load.
var ErrNotLoaded = errors.New("conversation list not loaded")

// ErrUnknownConversation is returned when selecting an id that is not in
// the loaded list.
var ErrUnknownConversation = errors.New("conversation not in directory")

// API is the durable-store surface the directory needs.
type API interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	CreateDirect(ctx context.Context, targetUserID string) (*model.Conversation, error)
	CreateGroup(ctx context.Context, eventID string) (*model.Conversation, error)
}

// Option configures a Directory.
type Option func(*Directory)

// WithDeepLink hands the directory a one-shot conversation id to select on
// the first Load. The hint is discarded after its first consumption whether
// or not the target is present, so a reload never reselects it.
func WithDeepLink(conversationID string) Option {
	return func(d *Directory) { d.deepLink = conversationID }
}

// Directory caches the user's conversation list and tracks which
// conversation is selected.
type Directory struct {
	api    API
	viewer model.User
	logger *slog.Logger

	mu            sync.Mutex
	loaded        bool
	conversations []model.Conversation
	selectedID    string
	unread        map[string]int
	deepLink      string
}

// New creates a directory for the viewer. Pass nil logger for default.
func New(api API, viewer model.User, logger *slog.Logger, opts ...Option) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		api:    api,
		viewer: viewer,
		logger: logger.With("component", "directory"),
		unread: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load fetches the conversation list and consumes a pending deep-link hint.
// A hint whose target is absent from the fetched list is dropped silently;
// the directory stays in the "nothing selected" state.
func (d *Directory) Load(ctx context.Context) error {
	convs, err := d.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.conversations = convs
	d.loaded = true

	if d.deepLink == "" {
		return nil
	}

	hint := d.deepLink
	d.deepLink = "" // one-shot, consumed exactly once

	if d.indexOf(hint) < 0 {
		d.logger.Debug("deep-link target not in list, hint dropped", "conversation_id", hint)
		return nil
	}
	d.selectedID = hint
	delete(d.unread, hint)
	d.logger.Debug("deep-link consumed", "conversation_id", hint)
	return nil
}

// Conversations returns a snapshot of the loaded list.
func (d *Directory) Conversations() []model.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out
}

// Select marks a conversation from the loaded list as active and clears its
// unread count.
func (d *Directory) Select(conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return ErrNotLoaded
	}
	if d.indexOf(conversationID) < 0 {
		return ErrUnknownConversation
	}
	d.selectedID = conversationID
	delete(d.unread, conversationID)
	return nil
}

// Selected returns the selected conversation, or false when nothing is
// selected.
func (d *Directory) Selected() (*model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(d.selectedID)
	if d.selectedID == "" || i < 0 {
		return nil, false
	}
	conv := d.conversations[i]
	return &conv, true
}

// ResolveOrCreateDirect returns the canonical direct conversation with the
// target user, creating it on first use, and merges it into the list.
// Idempotent: the same target always yields the same conversation.
func (d *Directory) ResolveOrCreateDirect(ctx context.Context, targetUserID string) (*model.Conversation, error) {
	conv, err := d.api.CreateDirect(ctx, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("resolving direct conversation: %w", err)
	}
	d.merge(*conv)
	return conv, nil
}

// ResolveOrCreateGroup returns the canonical discussion group for an event,
// creating or joining it as needed, and merges it into the list.
func (d *Directory) ResolveOrCreateGroup(ctx context.Context, eventID string) (*model.Conversation, error) {
	conv, err := d.api.CreateGroup(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("resolving group conversation: %w", err)
	}
	d.merge(*conv)
	return conv, nil
}

// MarkUnread records a background-message signal for a conversation. The
// count resets when the conversation is selected.
func (d *Directory) MarkUnread(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conversationID == d.selectedID {
		return
	}
	d.unread[conversationID]++
}

// Unread returns the unread count for a conversation.
func (d *Directory) Unread(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread[conversationID]
}

// Identity resolves how a conversation presents itself to the viewer.
func (d *Directory) Identity(conv *model.Conversation) identity.Identity {
	return identity.Resolve(conv, &d.viewer)
}

// merge inserts or replaces a conversation in the cached list.
func (d *Directory) merge(conv model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := d.indexOf(conv.ID); i >= 0 {
		d.conversations[i] = conv
		return
	}
	d.conversations = append(d.conversations, conv)
	d.loaded = true
}

// indexOf must be called with mu held.
func (d *Directory) indexOf(conversationID string) int {
	for i := range d.conversations {
		if d.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}
