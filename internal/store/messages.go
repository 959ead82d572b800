// ABOUTME: Message persistence: idempotent writes and ordered history reads
// ABOUTME: The idempotency key is unique, so one logical send persists at most once

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/campus-chat/internal/model"
)

// defaultHistoryLimit bounds history fetches when the caller passes no limit.
const defaultHistoryLimit = 200

// SaveMessage persists a message, assigning the server id and timestamp.
// If a message with the same idempotency key already exists, no second row
// is inserted; the original is returned together with ErrDuplicateMessage.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	saved := *msg
	saved.ID = uuid.New().String()
	saved.CreatedAt = time.Now().UTC()
	saved.State = model.StateConfirmed

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, text, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		saved.ID, saved.ConversationID, saved.Sender.ID, saved.Text, saved.IdempotencyKey, saved.CreatedAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			s.logger.Debug("duplicate message persist collapsed", "idempotency_key", msg.IdempotencyKey)
			existing, lookupErr := s.GetMessageByIdempotencyKey(ctx, msg.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("message saved",
		"id", saved.ID,
		"conversation_id", saved.ConversationID,
		"sender", saved.Sender.ID)
	return &saved, nil
}

// GetMessageByIdempotencyKey returns the persisted message carrying the
// given key, or ErrNotFound.
func (s *SQLiteStore) GetMessageByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.text, m.idempotency_key, m.created_at,
		       u.id, u.name, u.role, u.managed_club
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.idempotency_key = ?
	`
	return s.scanMessage(s.db.QueryRowContext(ctx, query, key))
}

// ListMessages returns the confirmed history of a conversation in
// (created_at, id) order, oldest first. When the conversation holds more
// rows than the limit, the newest rows win: history loads exist to catch
// the client up, so trimming must drop the oldest messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `
		SELECT id, conversation_id, text, idempotency_key, created_at,
		       sender_id, sender_name, sender_role, sender_club
		FROM (
			SELECT m.id, m.conversation_id, m.text, m.idempotency_key, m.created_at,
			       u.id AS sender_id, u.name AS sender_name, u.role AS sender_role,
			       u.managed_club AS sender_club
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = ?
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		)
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role string
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Text, &m.IdempotencyKey, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Name, &role, &m.Sender.ManagedClub,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Sender.Role = model.Role(role)
		m.State = model.StateConfirmed
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) scanMessage(row *sql.Row) (*model.Message, error) {
	var m model.Message
	var role string
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Text, &m.IdempotencyKey, &m.CreatedAt,
		&m.Sender.ID, &m.Sender.Name, &role, &m.Sender.ManagedClub,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	m.Sender.Role = model.Role(role)
	m.State = model.StateConfirmed
	return &m, nil
}
