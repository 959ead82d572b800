// ABOUTME: Conversation persistence: lookups, listing, resolve-or-create
// ABOUTME: Direct pairs and event groups are unique; creation races retry as lookups

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/campus-chat/internal/model"
)

// directKey builds the canonical key for a direct pair. Sorting the ids
// makes the key identical from either participant's side.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// GetConversation returns the conversation with embedded participants,
// or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	query := `SELECT id, kind, group_name, event_id, created_at FROM conversations WHERE id = ?`

	var c model.Conversation
	var kind string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &kind, &c.GroupName, &c.EventID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.Kind = model.ConversationKind(kind)

	if err := s.loadParticipants(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversationsForUser returns every conversation the user participates
// in, newest first, with participants embedded.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.group_name, c.event_id, c.created_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.created_at DESC, c.id
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.GroupName, &c.EventID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		c.Kind = model.ConversationKind(kind)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	for i := range convs {
		if err := s.loadParticipants(ctx, &convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// loadParticipants fills in the participant users for a conversation.
func (s *SQLiteStore) loadParticipants(ctx context.Context, c *model.Conversation) error {
	query := `
		SELECT u.id, u.name, u.role, u.managed_club
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY u.id
	`

	rows, err := s.db.QueryContext(ctx, query, c.ID)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	c.Participants = c.Participants[:0]
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &role, &u.ManagedClub); err != nil {
			return fmt.Errorf("scanning participant: %w", err)
		}
		u.Role = model.Role(role)
		c.Participants = append(c.Participants, u)
	}
	return rows.Err()
}

// ResolveDirectConversation returns the direct conversation between viewer
// and target, creating it if it does not exist. Calling it twice for the
// same pair (in either order) yields the same conversation.
func (s *SQLiteStore) ResolveDirectConversation(ctx context.Context, viewerID, targetID string) (*model.Conversation, error) {
	if viewerID == targetID {
		return nil, fmt.Errorf("direct conversation requires two distinct users")
	}

	key := directKey(viewerID, targetID)

	if conv, err := s.getConversationByDirectKey(ctx, key); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv := &model.Conversation{
		ID:        uuid.New().String(),
		Kind:      model.KindDirect,
		CreatedAt: time.Now().UTC(),
	}

	err := s.insertConversation(ctx, conv, key, []string{viewerID, targetID})
	if errors.Is(err, ErrDuplicateConversation) {
		// Another request created the pair between our lookup and insert.
		s.logger.Debug("direct conversation creation hit duplicate, retrying lookup", "direct_key", key)
		return s.getConversationByDirectKey(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("direct conversation created", "id", conv.ID, "direct_key", key)
	return s.GetConversation(ctx, conv.ID)
}

// ResolveGroupConversation returns the group conversation for an event,
// creating it if needed, and adds the joiner as a participant either way.
func (s *SQLiteStore) ResolveGroupConversation(ctx context.Context, eventID, groupName, joinerID string) (*model.Conversation, error) {
	if eventID == "" {
		return nil, fmt.Errorf("group conversation requires an event id")
	}

	conv, err := s.getConversationByEvent(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		conv = &model.Conversation{
			ID:        uuid.New().String(),
			Kind:      model.KindGroup,
			GroupName: groupName,
			EventID:   eventID,
			CreatedAt: time.Now().UTC(),
		}
		err = s.insertConversation(ctx, conv, "", []string{joinerID})
		if errors.Is(err, ErrDuplicateConversation) {
			s.logger.Debug("group conversation creation hit duplicate, retrying lookup", "event_id", eventID)
			conv, err = s.getConversationByEvent(ctx, eventID)
		} else if err == nil {
			s.logger.Debug("group conversation created", "id", conv.ID, "event_id", eventID)
			return s.GetConversation(ctx, conv.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.AddParticipant(ctx, conv.ID, joinerID); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, conv.ID)
}

// AddParticipant adds a user to a conversation; adding an existing
// participant is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, conversationID, userID string) error {
	query := `
		INSERT INTO participants (conversation_id, user_id)
		VALUES (?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("adding participant: %w", err)
	}
	return nil
}

// insertConversation writes the conversation row and its initial
// participants in one transaction. Returns ErrDuplicateConversation when
// the direct pair or event group already exists.
func (s *SQLiteStore) insertConversation(ctx context.Context, conv *model.Conversation, directKey string, participantIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations (id, kind, group_name, event_id, direct_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		conv.ID, string(conv.Kind), conv.GroupName, conv.EventID, directKey, conv.CreatedAt,
	); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)`,
			conv.ID, uid,
		); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getConversationByDirectKey(ctx context.Context, key string) (*model.Conversation, error) {
	return s.getConversationWhere(ctx, `direct_key = ?`, key)
}

func (s *SQLiteStore) getConversationByEvent(ctx context.Context, eventID string) (*model.Conversation, error) {
	return s.getConversationWhere(ctx, `kind = 'group' AND event_id = ?`, eventID)
}

func (s *SQLiteStore) getConversationWhere(ctx context.Context, where string, arg any) (*model.Conversation, error) {
	query := `SELECT id, kind, group_name, event_id, created_at FROM conversations WHERE ` + where

	var c model.Conversation
	var kind string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&c.ID, &kind, &c.GroupName, &c.EventID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.Kind = model.ConversationKind(kind)

	if err := s.loadParticipants(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
