package messages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"parley/internal/content"
	"parley/internal/docstore"
	"parley/internal/models"
	"parley/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *storage.BboltStorage) {
	t.Helper()
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "messages.db"), "parley", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil), db
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	m, err := s.Append(ctx, "c1", "u1", "alice", "  hello <b>there</b> ")
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, "hello there", m.Content)
	require.Equal(t, "c1", m.ConversationID)
	require.False(t, m.CreatedAt.IsZero())

	doc, err := db.GetDocument(ctx, models.CollectionMessages, m.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []docstore.Permission{
		docstore.Read(docstore.RoleAny),
		docstore.Update(docstore.RoleUser("u1")),
		docstore.Delete(docstore.RoleUser("u1")),
	}, doc.Permissions)

	_, err = s.Append(ctx, "c1", "u1", "alice", "   ")
	require.ErrorIs(t, err, content.ErrEmptyMessage)

	_, err = s.Append(ctx, "c1", "u1", "alice", strings.Repeat("x", content.MaxMessageLength+1))
	require.ErrorIs(t, err, content.ErrMessageTooLong)

	_, err = s.Append(ctx, "", "u1", "alice", "hi")
	require.ErrorIs(t, err, docstore.ErrMalformed)
}

type rejectingGateway struct {
	docstore.Gateway
	err error
}

func (g rejectingGateway) CreateDocument(context.Context, string, string, docstore.Fields, []docstore.Permission) (docstore.Document, error) {
	return docstore.Document{}, g.err
}

func TestAppendRejected(t *testing.T) {
	s := New(rejectingGateway{err: docstore.ErrPermissionDenied}, nil)

	_, err := s.Append(context.Background(), "c1", "u1", "alice", "hi")
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	require.Equal(t, "c1", writeErr.ConversationID)
	require.ErrorIs(t, err, docstore.ErrPermissionDenied)
	require.Contains(t, err.Error(), "update/delete for the author")

	s = New(rejectingGateway{err: docstore.ErrUnavailable}, nil)
	_, err = s.Append(context.Background(), "c1", "u1", "alice", "hi")
	require.ErrorAs(t, err, &writeErr)
	require.True(t, docstore.IsTransient(err))
}

func TestFetchEmptyConversation(t *testing.T) {
	s, _ := newTestStore(t)

	msgs, err := s.FetchLatest(context.Background(), "nobody", 20)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestFetchLatestAndPage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := 0; i < 25; i++ {
		_, err := s.Append(ctx, "c1", "u1", "alice", fmt.Sprintf("m%02d", i))
		require.NoError(t, err)
		// noise in another conversation
		_, err = s.Append(ctx, "c2", "u2", "bob", fmt.Sprintf("other%02d", i))
		require.NoError(t, err)
	}

	latest, err := s.FetchLatest(ctx, "c1", 20)
	require.NoError(t, err)
	require.Len(t, latest, 20)
	require.Equal(t, "m05", latest[0].Content)
	require.Equal(t, "m24", latest[19].Content)

	page, err := s.FetchPage(ctx, "c1", 20, latest[0].ID)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Equal(t, []string{"m00", "m01", "m02", "m03", "m04"}, contents(page.Messages))
	for _, m := range page.Messages {
		require.True(t, m.CreatedAt.Before(latest[0].CreatedAt))
	}

	page, err = s.FetchPage(ctx, "c1", 4, latest[0].ID)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, []string{"m01", "m02", "m03", "m04"}, contents(page.Messages))

	page, err = s.FetchPage(ctx, "c1", 5, latest[0].ID)
	require.NoError(t, err)
	require.False(t, page.HasMore, "exactly pageSize older rows means no more")

	_, err = s.FetchPage(ctx, "c1", 5, "missing")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestAscendingSkipsMalformed(t *testing.T) {
	s := New(nil, nil)
	good := models.Message{ConversationID: "c1", Content: "good"}
	docs := []docstore.Document{
		{ID: "newest", Fields: good.Fields()},
		{ID: "broken", Fields: docstore.Fields{models.FieldContent: "no conversation"}},
		{ID: "oldest", Fields: good.Fields()},
	}

	msgs := s.ascending(docs)
	require.Len(t, msgs, 2)
	require.Equal(t, "oldest", msgs[0].ID)
	require.Equal(t, "newest", msgs[1].ID)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	m, err := s.Append(ctx, "c1", "u1", "alice", "bye")
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, m.ID))

	msgs, err := s.FetchLatest(ctx, "c1", 20)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.ErrorIs(t, s.Remove(ctx, m.ID), docstore.ErrNotFound)
}
