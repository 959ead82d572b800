// ABOUTME: Shared domain types for campus-chat: users, conversations, messages
// ABOUTME: JSON tags match the REST and live-channel wire contract

package model

import "time"

// Role identifies what a user is allowed to do on the platform.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleOrganizer   Role = "organizer"
	RoleAdmin       Role = "admin"
)

// User is a platform identity. ManagedClub is set only for organizers,
// and makes the club (not the person) the primary display identity in
// direct conversations.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	ManagedClub string `json:"managedClub,omitempty"`
}

// ConversationKind distinguishes direct pairs from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is a durable thread of messages. Direct conversations hold
// exactly two participants and their pair never changes; group conversations
// may gain participants and optionally carry a display name and the event
// they originated from.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []User           `json:"participants"`
	GroupName    string           `json:"groupName,omitempty"`
	EventID      string           `json:"eventId,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// IsGroup reports whether the conversation is a group thread.
func (c *Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

// Partner returns the participant of a direct conversation that is not the
// viewer, or false if there is no such participant.
func (c *Conversation) Partner(viewerID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != viewerID {
			return p, true
		}
	}
	return User{}, false
}

// HasParticipant reports whether the user is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// DeliveryState tracks a message through the optimistic-send lifecycle.
// Pending and failed states exist only in the sending session; the durable
// store and the live channel only ever carry confirmed messages.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// Message is one entry in a conversation. ID is server-assigned once
// persisted; IdempotencyKey is client-generated at creation time and is
// preserved through persistence so duplicate deliveries of the same logical
// send collapse to a single entry.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         User          `json:"sender"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"createdAt"`
	IdempotencyKey string        `json:"idempotencyKey"`
	State          DeliveryState `json:"state,omitempty"`
}
