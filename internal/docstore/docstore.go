// Package docstore defines the document store contract shared by the
// embedded backends, the HTTP gateway and the remote client.
package docstore

import (
	"context"
	"time"
)

// System fields every document carries in addition to its own fields.
const (
	FieldID        = "$id"
	FieldCreatedAt = "$createdAt"
	FieldUpdatedAt = "$updatedAt"
)

// UniqueID asks the store to assign a fresh document id on create.
const UniqueID = ""

// Fields holds document attributes keyed by attribute name.
type Fields map[string]any

// String returns the string value stored under key.
func (f Fields) String(key string) (string, bool) {
	v, ok := f[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the bool value stored under key.
func (f Fields) Bool(key string) (bool, bool) {
	v, ok := f[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Time parses a timestamp attribute written with FormatTime.
func (f Fields) Time(key string) (time.Time, bool) {
	s, ok := f.String(key)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type Document struct {
	ID          string       `json:"$id"`
	Collection  string       `json:"$collection"`
	CreatedAt   time.Time    `json:"$createdAt"`
	UpdatedAt   time.Time    `json:"$updatedAt"`
	Permissions []Permission `json:"$permissions,omitempty"`
	Fields      Fields       `json:"data"`
}

// Value returns the value of a system or user field.
func (d Document) Value(field string) any {
	switch field {
	case FieldID:
		return d.ID
	case FieldCreatedAt:
		return d.CreatedAt
	case FieldUpdatedAt:
		return d.UpdatedAt
	}
	if d.Fields == nil {
		return nil
	}
	return d.Fields[field]
}

type Subscription interface {
	// Close stops delivery. It is idempotent and no callback runs after it returns.
	Close() error
}

type EventHandler func(Event)

// ErrorHandler receives the reason a subscription stopped. It is called at most once.
type ErrorHandler func(error)

// Gateway is the document store as seen by domain code.
type Gateway interface {
	ListDocuments(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	CreateDocument(ctx context.Context, collection, id string, fields Fields, permissions []Permission) (Document, error)
	// UpdateDocument merges fields into the stored document and bumps $updatedAt.
	UpdateDocument(ctx context.Context, collection, id string, fields Fields) (Document, error)
	DeleteDocument(ctx context.Context, collection, id string) error
	// Subscribe returns once the feed is established. A later drop is reported through onError.
	Subscribe(ctx context.Context, channels []string, onEvent EventHandler, onError ErrorHandler) (Subscription, error)
}
