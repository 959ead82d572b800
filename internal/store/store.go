// ABOUTME: Store interface and sentinel errors for campus-chat persistence
// ABOUTME: Defines the durable operations behind the conversation REST surface

package store

import (
	"context"
	"errors"

	"github.com/campuslink/campus-chat/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the same
// direct pair or the same event already exists.
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateMessage is returned when a message with the same idempotency
// key has already been persisted.
var ErrDuplicateMessage = errors.New("message already exists")

// Store defines the durable operations the REST handlers and the hub need.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// Conversations (resolve-or-create, idempotent per target)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	ResolveDirectConversation(ctx context.Context, viewerID, targetID string) (*model.Conversation, error)
	ResolveGroupConversation(ctx context.Context, eventID, groupName, joinerID string) (*model.Conversation, error)

	// Messages
	SaveMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	GetMessageByIdempotencyKey(ctx context.Context, key string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}
