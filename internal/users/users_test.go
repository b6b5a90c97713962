package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/docstore"
	"parley/internal/models"
	"parley/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, refresh time.Duration) (*Directory, *storage.BboltStorage, *time.Time) {
	t.Helper()
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "users.db"), "parley", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(ctx, db, refresh, nil)
	d.now = func() time.Time { return now }
	return d, db, &now
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	d, db, now := newTestDirectory(t, 0)

	u, err := d.Upsert(ctx, Profile{UserID: "u1", Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	require.True(t, u.IsOnline)
	require.True(t, u.LastSeen.Equal(*now))

	*now = now.Add(time.Minute)
	u2, err := d.Upsert(ctx, Profile{UserID: "u1", Username: "alice.b", Email: "alice@example.com"})
	require.NoError(t, err)
	require.Equal(t, u.DocumentID, u2.DocumentID)
	require.Equal(t, "alice.b", u2.Username)

	docs, err := db.ListDocuments(ctx, models.CollectionUsers)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	_, err = d.Upsert(ctx, Profile{})
	require.ErrorIs(t, err, docstore.ErrMalformed)
}

func TestSetPresenceAndList(t *testing.T) {
	ctx := context.Background()
	d, _, now := newTestDirectory(t, 0)

	_, err := d.Upsert(ctx, Profile{UserID: "u1", Username: "alice"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	_, err = d.Upsert(ctx, Profile{UserID: "u2", Username: "bob"})
	require.NoError(t, err)

	list, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "u2", list[0].UserID, "most recently seen first")

	*now = now.Add(time.Minute)
	require.NoError(t, d.SetPresence(ctx, "u1", false))

	list, err = d.List(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", list[0].UserID)
	require.False(t, list[0].IsOnline)

	require.NoError(t, d.SetPresence(ctx, "ghost", true), "unknown users are ignored")
}

func TestListCache(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t, time.Hour)

	_, err := d.Upsert(ctx, Profile{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	list, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// A write that bypasses the directory is not visible until invalidation.
	_, err = db.CreateDocument(ctx, models.CollectionUsers, docstore.UniqueID,
		models.User{UserID: "u2", Username: "bob"}.Fields(), nil)
	require.NoError(t, err)

	list, err = d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	d.Invalidate()
	list, err = d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
