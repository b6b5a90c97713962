package models

import (
	"encoding/json"
	"fmt"
	"time"

	"parley/internal/docstore"
)

// Collection names.
const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionUsers         = "users"
)

// Document attribute names. They are part of the stored schema.
const (
	FieldUserID         = "userId"
	FieldUsername       = "username"
	FieldEmail          = "email"
	FieldContent        = "content"
	FieldConversationID = "conversationId"
	FieldParticipants   = "participants"
	FieldLastMessage    = "lastMessage"
	FieldLastMessageAt  = "lastMessageAt"
	FieldIsOnline       = "isOnline"
	FieldLastSeen       = "lastSeen"
)

// Message represents a chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (m Message) Fields() docstore.Fields {
	return docstore.Fields{
		FieldConversationID: m.ConversationID,
		FieldUserID:         m.UserID,
		FieldUsername:       m.Username,
		FieldContent:        m.Content,
	}
}

func MessageFromDocument(d docstore.Document) (Message, error) {
	conversationID, ok := d.Fields.String(FieldConversationID)
	if !ok || conversationID == "" {
		return Message{}, fmt.Errorf("%w: message %s has no conversation", docstore.ErrMalformed, d.ID)
	}
	userID, _ := d.Fields.String(FieldUserID)
	username, _ := d.Fields.String(FieldUsername)
	content, _ := d.Fields.String(FieldContent)
	return Message{
		ID:             d.ID,
		ConversationID: conversationID,
		UserID:         userID,
		Username:       username,
		Content:        content,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

// Conversation is a two-participant thread. Participants are kept sorted.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Has reports whether userID takes part in the conversation.
func (c Conversation) Has(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ParseParticipants decodes the serialized participant list.
func ParseParticipants(raw string) ([]string, error) {
	var participants []string
	if err := json.Unmarshal([]byte(raw), &participants); err != nil {
		return nil, fmt.Errorf("%w: participants: %v", docstore.ErrMalformed, err)
	}
	if len(participants) != 2 {
		return nil, fmt.Errorf("%w: participants: want 2, got %d", docstore.ErrMalformed, len(participants))
	}
	return participants, nil
}

func ConversationFromDocument(d docstore.Document) (Conversation, error) {
	raw, ok := d.Fields.String(FieldParticipants)
	if !ok {
		return Conversation{}, fmt.Errorf("%w: conversation %s has no participants", docstore.ErrMalformed, d.ID)
	}
	participants, err := ParseParticipants(raw)
	if err != nil {
		return Conversation{}, err
	}
	lastMessage, _ := d.Fields.String(FieldLastMessage)
	lastMessageAt, _ := d.Fields.Time(FieldLastMessageAt)
	return Conversation{
		ID:            d.ID,
		Participants:  participants,
		LastMessage:   lastMessage,
		LastMessageAt: lastMessageAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

// User represents a user profile as other users see it.
type User struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	IsOnline   bool      `json:"isOnline"`
	LastSeen   time.Time `json:"lastSeen"`
}

func (u User) Fields() docstore.Fields {
	return docstore.Fields{
		FieldUserID:   u.UserID,
		FieldUsername: u.Username,
		FieldEmail:    u.Email,
		FieldIsOnline: u.IsOnline,
		FieldLastSeen: docstore.FormatTime(u.LastSeen),
	}
}

func UserFromDocument(d docstore.Document) (User, error) {
	userID, ok := d.Fields.String(FieldUserID)
	if !ok || userID == "" {
		return User{}, fmt.Errorf("%w: user %s has no userId", docstore.ErrMalformed, d.ID)
	}
	username, _ := d.Fields.String(FieldUsername)
	email, _ := d.Fields.String(FieldEmail)
	online, _ := d.Fields.Bool(FieldIsOnline)
	lastSeen, _ := d.Fields.Time(FieldLastSeen)
	return User{
		DocumentID: d.ID,
		UserID:     userID,
		Username:   username,
		Email:      email,
		IsOnline:   online,
		LastSeen:   lastSeen,
	}, nil
}
