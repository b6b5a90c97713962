// Package conversations resolves and lists two-participant conversations.
package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"parley/internal/docstore"
	"parley/internal/models"
	"parley/internal/obs"
)

const maxPreviewLength = 500

var ErrInvalidParticipants = errors.New("a conversation needs two distinct participants")

type Directory struct {
	docs   docstore.Gateway
	logger *slog.Logger
	now    func() time.Time
}

func New(docs docstore.Gateway, logger *slog.Logger) *Directory {
	return &Directory{docs: docs, logger: obs.OrDefault(logger), now: time.Now}
}

// CanonicalKey sorts the pair and serializes it for exact-match lookup.
func CanonicalKey(a, b string) (string, []string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return "", nil, ErrInvalidParticipants
	}
	participants := []string{a, b}
	sort.Strings(participants)
	key, err := json.Marshal(participants)
	if err != nil {
		return "", nil, err
	}
	return string(key), participants, nil
}

// ResolveOrCreate returns the conversation between a and b, creating it if
// none exists. Concurrent first contact can store two documents for the pair;
// every caller settles on the oldest one.
func (d *Directory) ResolveOrCreate(ctx context.Context, a, b string) (models.Conversation, error) {
	key, _, err := CanonicalKey(a, b)
	if err != nil {
		return models.Conversation{}, err
	}

	existing, err := d.findByKey(ctx, key)
	if err != nil {
		return models.Conversation{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	doc, err := d.docs.CreateDocument(ctx, models.CollectionConversations, docstore.UniqueID, docstore.Fields{
		models.FieldParticipants:  key,
		models.FieldLastMessage:   "",
		models.FieldLastMessageAt: docstore.FormatTime(d.now()),
	}, []docstore.Permission{
		docstore.Read(docstore.RoleUsers),
		docstore.Update(docstore.RoleUsers),
		docstore.Delete(docstore.RoleUsers),
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	created, err := models.ConversationFromDocument(doc)
	if err != nil {
		return models.Conversation{}, err
	}

	// Second check: a racing caller may have created the pair too.
	winner, err := d.findByKey(ctx, key)
	if err != nil || winner == nil || winner.ID == created.ID {
		return created, nil
	}
	d.logger.Warn("duplicate conversation created, using the oldest",
		"conversation_id", winner.ID, "duplicate_id", created.ID)
	if err := d.docs.DeleteDocument(ctx, models.CollectionConversations, created.ID); err != nil {
		d.logger.Warn("failed to remove duplicate conversation", "conversation_id", created.ID, "error", err)
	}
	return *winner, nil
}

// findByKey returns the oldest well-formed conversation stored under key,
// if any.
func (d *Directory) findByKey(ctx context.Context, key string) (*models.Conversation, error) {
	docs, err := d.docs.ListDocuments(ctx, models.CollectionConversations,
		docstore.Equal(models.FieldParticipants, key),
		docstore.OrderAsc(docstore.FieldCreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	for _, doc := range docs {
		c, err := models.ConversationFromDocument(doc)
		if err != nil {
			d.logger.Warn("skipping malformed conversation", "conversation_id", doc.ID, "error", err)
			continue
		}
		return &c, nil
	}
	return nil, nil
}

func (d *Directory) Get(ctx context.Context, id string) (models.Conversation, error) {
	doc, err := d.docs.GetDocument(ctx, models.CollectionConversations, id)
	if err != nil {
		return models.Conversation{}, err
	}
	return models.ConversationFromDocument(doc)
}

// ListForUser returns the conversations userID takes part in, most recently
// updated first. The store cannot query array membership, so every
// conversation is fetched and filtered here.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	docs, err := d.docs.ListDocuments(ctx, models.CollectionConversations,
		docstore.OrderDesc(docstore.FieldUpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var out []models.Conversation
	for _, doc := range docs {
		c, err := models.ConversationFromDocument(doc)
		if err != nil {
			d.logger.Warn("skipping malformed conversation", "conversation_id", doc.ID, "error", err)
			continue
		}
		if c.Has(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// RecordLastMessage updates the preview fields of a conversation.
func (d *Directory) RecordLastMessage(ctx context.Context, conversationID, text string) error {
	_, err := d.docs.UpdateDocument(ctx, models.CollectionConversations, conversationID, docstore.Fields{
		models.FieldLastMessage:   preview(text),
		models.FieldLastMessageAt: docstore.FormatTime(d.now()),
	})
	if err != nil {
		return fmt.Errorf("record last message of %s: %w", conversationID, err)
	}
	return nil
}

// OtherParticipant returns the participant that is not me.
func OtherParticipant(c models.Conversation, me string) string {
	for _, p := range c.Participants {
		if p != me {
			return p
		}
	}
	return ""
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= maxPreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxPreviewLength])
}
