// Package messages reads and writes the messages of a conversation.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"parley/internal/content"
	"parley/internal/docstore"
	"parley/internal/models"
	"parley/internal/obs"
)

// WriteError reports that the store rejected a message write.
type WriteError struct {
	ConversationID string
	Err            error
}

func (e *WriteError) Error() string {
	if errors.Is(e.Err, docstore.ErrPermissionDenied) {
		return fmt.Sprintf("message to conversation %s rejected: %v; the messages collection must allow create for users and update/delete for the author",
			e.ConversationID, e.Err)
	}
	return fmt.Sprintf("message to conversation %s not stored: %v", e.ConversationID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Page is a window of messages in ascending order.
type Page struct {
	Messages []models.Message
	// HasMore reports whether older messages exist before the page.
	HasMore bool
}

type Store struct {
	docs   docstore.Gateway
	logger *slog.Logger
}

func New(docs docstore.Gateway, logger *slog.Logger) *Store {
	return &Store{docs: docs, logger: obs.OrDefault(logger)}
}

// Append stores a message and returns it with its assigned id and timestamps.
func (s *Store) Append(ctx context.Context, conversationID, authorID, authorName, text string) (models.Message, error) {
	if conversationID == "" || authorID == "" {
		return models.Message{}, fmt.Errorf("%w: conversation and author are required", docstore.ErrMalformed)
	}
	text, err := content.NormalizeMessage(text)
	if err != nil {
		return models.Message{}, err
	}

	m := models.Message{
		ConversationID: conversationID,
		UserID:         authorID,
		Username:       content.Sanitize(authorName),
		Content:        text,
	}
	perms := []docstore.Permission{
		docstore.Read(docstore.RoleAny),
		docstore.Update(docstore.RoleUser(authorID)),
		docstore.Delete(docstore.RoleUser(authorID)),
	}

	doc, err := s.docs.CreateDocument(ctx, models.CollectionMessages, docstore.UniqueID, m.Fields(), perms)
	if err != nil {
		return models.Message{}, &WriteError{ConversationID: conversationID, Err: err}
	}
	return models.MessageFromDocument(doc)
}

// FetchLatest returns the newest pageSize messages, oldest first.
func (s *Store) FetchLatest(ctx context.Context, conversationID string, pageSize int) ([]models.Message, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: page size %d", docstore.ErrMalformed, pageSize)
	}
	docs, err := s.docs.ListDocuments(ctx, models.CollectionMessages,
		docstore.Equal(models.FieldConversationID, conversationID),
		docstore.OrderDesc(docstore.FieldCreatedAt),
		docstore.Limit(pageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch latest messages: %w", err)
	}
	return s.ascending(docs), nil
}

// FetchPage returns up to pageSize messages created strictly before beforeID.
func (s *Store) FetchPage(ctx context.Context, conversationID string, pageSize int, beforeID string) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%w: page size %d", docstore.ErrMalformed, pageSize)
	}
	docs, err := s.docs.ListDocuments(ctx, models.CollectionMessages,
		docstore.Equal(models.FieldConversationID, conversationID),
		docstore.OrderDesc(docstore.FieldCreatedAt),
		docstore.CursorBefore(beforeID),
		docstore.Limit(pageSize+1),
	)
	if err != nil {
		return Page{}, fmt.Errorf("fetch messages before %s: %w", beforeID, err)
	}

	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	return Page{Messages: s.ascending(docs), HasMore: hasMore}, nil
}

// Remove deletes a message. It is meant for moderation.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.docs.DeleteDocument(ctx, models.CollectionMessages, id); err != nil {
		return fmt.Errorf("remove message %s: %w", id, err)
	}
	return nil
}

// ascending decodes newest-first documents into oldest-first messages,
// skipping records that do not parse.
func (s *Store) ascending(docs []docstore.Document) []models.Message {
	out := make([]models.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		m, err := models.MessageFromDocument(docs[i])
		if err != nil {
			s.logger.Warn("skipping malformed message", "document_id", docs[i].ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}
