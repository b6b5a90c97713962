// Package users keeps the user profiles other users discover.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/docstore"
	"parley/internal/models"
	"parley/internal/obs"

	"github.com/c-pro/geche"
)

const listKey = "all"

// Profile is what a signed-in client knows about its own user.
type Profile struct {
	UserID   string
	Username string
	Email    string
}

type Directory struct {
	docs   docstore.Gateway
	cache  geche.Geche[string, []models.User]
	logger *slog.Logger
	now    func() time.Time
}

// New creates a directory whose user list is cached for refresh.
// A zero refresh disables caching.
func New(ctx context.Context, docs docstore.Gateway, refresh time.Duration, logger *slog.Logger) *Directory {
	d := &Directory{
		docs:   docs,
		logger: obs.OrDefault(logger),
		now:    time.Now,
	}
	if refresh > 0 {
		d.cache = geche.NewMapTTLCache[string, []models.User](ctx, refresh, refresh)
	}
	return d
}

// Upsert marks the user online, creating the profile on first sign-in.
func (d *Directory) Upsert(ctx context.Context, p Profile) (models.User, error) {
	if p.UserID == "" {
		return models.User{}, fmt.Errorf("%w: user id is required", docstore.ErrMalformed)
	}
	user := models.User{
		UserID:   p.UserID,
		Username: content.Sanitize(p.Username),
		Email:    p.Email,
		IsOnline: true,
		LastSeen: d.now(),
	}

	existing, err := d.Find(ctx, p.UserID)
	switch {
	case err == nil:
		doc, err := d.docs.UpdateDocument(ctx, models.CollectionUsers, existing.DocumentID, user.Fields())
		if err != nil {
			return models.User{}, fmt.Errorf("update user %s: %w", p.UserID, err)
		}
		d.Invalidate()
		return models.UserFromDocument(doc)
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return models.User{}, err
	}

	doc, err := d.docs.CreateDocument(ctx, models.CollectionUsers, docstore.UniqueID, user.Fields(), []docstore.Permission{
		docstore.Read(docstore.RoleAny),
		docstore.Update(docstore.RoleUser(p.UserID)),
		docstore.Delete(docstore.RoleUser(p.UserID)),
	})
	if err != nil {
		return models.User{}, fmt.Errorf("create user %s: %w", p.UserID, err)
	}
	d.Invalidate()
	return models.UserFromDocument(doc)
}

// SetPresence writes the online flag and last-seen time of an existing
// profile. A missing profile is not an error.
func (d *Directory) SetPresence(ctx context.Context, userID string, online bool) error {
	existing, err := d.Find(ctx, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		d.logger.Debug("presence for unknown user", "user_id", userID)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = d.docs.UpdateDocument(ctx, models.CollectionUsers, existing.DocumentID, docstore.Fields{
		models.FieldIsOnline: online,
		models.FieldLastSeen: docstore.FormatTime(d.now()),
	})
	if err != nil {
		return fmt.Errorf("set presence of %s: %w", userID, err)
	}
	d.Invalidate()
	return nil
}

func (d *Directory) Find(ctx context.Context, userID string) (models.User, error) {
	docs, err := d.docs.ListDocuments(ctx, models.CollectionUsers,
		docstore.Equal(models.FieldUserID, userID),
		docstore.Limit(1),
	)
	if err != nil {
		return models.User{}, fmt.Errorf("find user %s: %w", userID, err)
	}
	if len(docs) == 0 {
		return models.User{}, fmt.Errorf("user %s: %w", userID, docstore.ErrNotFound)
	}
	return models.UserFromDocument(docs[0])
}

// List returns every user, most recently seen first.
func (d *Directory) List(ctx context.Context) ([]models.User, error) {
	if d.cache != nil {
		if users, err := d.cache.Get(listKey); err == nil {
			return append([]models.User(nil), users...), nil
		}
	}

	docs, err := d.docs.ListDocuments(ctx, models.CollectionUsers, docstore.OrderDesc(models.FieldLastSeen))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]models.User, 0, len(docs))
	for _, doc := range docs {
		u, err := models.UserFromDocument(doc)
		if err != nil {
			d.logger.Warn("skipping malformed user", "document_id", doc.ID, "error", err)
			continue
		}
		users = append(users, u)
	}

	if d.cache != nil {
		d.cache.Set(listKey, users)
	}
	return append([]models.User(nil), users...), nil
}

// Invalidate drops the cached user list.
func (d *Directory) Invalidate() {
	if d.cache != nil {
		_ = d.cache.Del(listKey)
	}
}
