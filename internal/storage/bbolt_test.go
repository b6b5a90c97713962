package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/docstore"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"), "parley", nil)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDocuments(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	t.Run("create assigns id and timestamps", func(t *testing.T) {
		doc, err := store.CreateDocument(ctx, "messages", docstore.UniqueID, docstore.Fields{"content": "hi"}, nil)
		if err != nil {
			t.Fatalf("CreateDocument failed: %v", err)
		}
		if doc.ID == "" || doc.CreatedAt.IsZero() || !doc.CreatedAt.Equal(doc.UpdatedAt) {
			t.Errorf("unexpected document %+v", doc)
		}

		got, err := store.GetDocument(ctx, "messages", doc.ID)
		if err != nil {
			t.Fatalf("GetDocument failed: %v", err)
		}
		if content, _ := got.Fields.String("content"); content != "hi" {
			t.Errorf("expected content hi, got %q", content)
		}
	})

	t.Run("create with explicit id conflicts", func(t *testing.T) {
		if _, err := store.CreateDocument(ctx, "users", "u1", docstore.Fields{"n": 1}, nil); err != nil {
			t.Fatal(err)
		}
		_, err := store.CreateDocument(ctx, "users", "u1", docstore.Fields{"n": 2}, nil)
		if !errors.Is(err, docstore.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("update merges fields", func(t *testing.T) {
		doc, err := store.CreateDocument(ctx, "conversations", docstore.UniqueID, docstore.Fields{"a": "1", "b": "2"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		updated, err := store.UpdateDocument(ctx, "conversations", doc.ID, docstore.Fields{"b": "3"})
		if err != nil {
			t.Fatal(err)
		}
		if a, _ := updated.Fields.String("a"); a != "1" {
			t.Errorf("field a lost: %v", updated.Fields)
		}
		if b, _ := updated.Fields.String("b"); b != "3" {
			t.Errorf("field b not updated: %v", updated.Fields)
		}
		if !updated.UpdatedAt.After(doc.UpdatedAt) {
			t.Errorf("UpdatedAt not bumped: %v <= %v", updated.UpdatedAt, doc.UpdatedAt)
		}
	})

	t.Run("missing documents", func(t *testing.T) {
		if _, err := store.GetDocument(ctx, "messages", "nope"); !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("GetDocument: expected ErrNotFound, got %v", err)
		}
		if _, err := store.UpdateDocument(ctx, "messages", "nope", docstore.Fields{"x": 1}); !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("UpdateDocument: expected ErrNotFound, got %v", err)
		}
		if err := store.DeleteDocument(ctx, "empty", "nope"); !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("DeleteDocument: expected ErrNotFound, got %v", err)
		}
		docs, err := store.ListDocuments(ctx, "empty")
		if err != nil || len(docs) != 0 {
			t.Errorf("expected empty list, got %v, %v", docs, err)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := store.CreateDocument(ctx, "bad name", "", nil, nil); !errors.Is(err, docstore.ErrMalformed) {
			t.Errorf("expected ErrMalformed for collection, got %v", err)
		}
		if _, err := store.CreateDocument(ctx, "messages", "", docstore.Fields{"$id": "x"}, nil); !errors.Is(err, docstore.ErrMalformed) {
			t.Errorf("expected ErrMalformed for system field, got %v", err)
		}
		if _, err := store.CreateDocument(ctx, "messages", "", nil, []docstore.Permission{"write"}); !errors.Is(err, docstore.ErrMalformed) {
			t.Errorf("expected ErrMalformed for permission, got %v", err)
		}
	})
}

func TestPermissionsEnforced(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	perms := []docstore.Permission{
		docstore.Read(docstore.RoleAny),
		docstore.Update(docstore.RoleUser("alice")),
		docstore.Delete(docstore.RoleUser("alice")),
	}
	doc, err := store.CreateDocument(ctx, "messages", docstore.UniqueID, docstore.Fields{"content": "x"}, perms)
	if err != nil {
		t.Fatal(err)
	}

	bob := docstore.WithCaller(ctx, "bob")
	if _, err := store.UpdateDocument(bob, "messages", doc.ID, docstore.Fields{"content": "y"}); !errors.Is(err, docstore.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied on update, got %v", err)
	}
	if err := store.DeleteDocument(bob, "messages", doc.ID); !errors.Is(err, docstore.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied on delete, got %v", err)
	}
	if _, err := store.GetDocument(bob, "messages", doc.ID); err != nil {
		t.Errorf("read(any) should allow bob: %v", err)
	}

	alice := docstore.WithCaller(ctx, "alice")
	if err := store.DeleteDocument(alice, "messages", doc.ID); err != nil {
		t.Errorf("alice should delete own document: %v", err)
	}
}

func TestListOrderingAndCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	var ids []string
	for i := 0; i < 25; i++ {
		conv := "c1"
		if i%5 == 4 {
			conv = "c2"
		}
		doc, err := store.CreateDocument(ctx, "messages", docstore.UniqueID, docstore.Fields{
			"conversationId": conv,
			"content":        fmt.Sprintf("m%02d", i),
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if conv == "c1" {
			ids = append(ids, doc.ID)
		}
	}
	// 20 documents in c1, oldest first

	t.Run("latest page descending", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, "messages",
			docstore.Equal("conversationId", "c1"),
			docstore.OrderDesc(docstore.FieldCreatedAt),
			docstore.Limit(6),
		)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 6 {
			t.Fatalf("expected 6 documents, got %d", len(docs))
		}
		for i, d := range docs {
			if want := ids[len(ids)-1-i]; d.ID != want {
				t.Errorf("docs[%d] = %s, want %s", i, d.ID, want)
			}
		}
	})

	t.Run("cursor before descending", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, "messages",
			docstore.Equal("conversationId", "c1"),
			docstore.OrderDesc(docstore.FieldCreatedAt),
			docstore.CursorBefore(ids[5]),
			docstore.Limit(10),
		)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 5 {
			t.Fatalf("expected 5 older documents, got %d", len(docs))
		}
		for i, d := range docs {
			if want := ids[4-i]; d.ID != want {
				t.Errorf("docs[%d] = %s, want %s", i, d.ID, want)
			}
		}
	})

	t.Run("cursor before ascending", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, "messages",
			docstore.Equal("conversationId", "c1"),
			docstore.OrderAsc(docstore.FieldCreatedAt),
			docstore.CursorBefore(ids[3]),
		)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 3 || docs[0].ID != ids[0] || docs[2].ID != ids[2] {
			t.Errorf("unexpected documents %v", docs)
		}
	})

	t.Run("unknown cursor", func(t *testing.T) {
		_, err := store.ListDocuments(ctx, "messages", docstore.OrderDesc(docstore.FieldCreatedAt), docstore.CursorBefore("missing"))
		if !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("order by other field", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, "messages", docstore.OrderDesc("content"), docstore.Limit(2))
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 2 {
			t.Fatalf("expected 2 documents, got %d", len(docs))
		}
		if c, _ := docs[0].Fields.String("content"); c != "m24" {
			t.Errorf("expected m24 first, got %s", c)
		}
	})
}

type recorder struct {
	mu     sync.Mutex
	events []docstore.Event
	errs   []error
}

func (r *recorder) onEvent(ev docstore.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), len(r.errs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	channel := docstore.DocumentsChannel("parley", "messages")

	rec := &recorder{}
	sub, err := store.Subscribe(ctx, []string{channel}, rec.onEvent, rec.onError)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := store.CreateDocument(ctx, "messages", docstore.UniqueID, docstore.Fields{"content": "a"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateDocument(ctx, "users", docstore.UniqueID, docstore.Fields{"userId": "u"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateDocument(ctx, "messages", doc.ID, docstore.Fields{"content": "b"}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDocument(ctx, "messages", doc.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { n, _ := rec.counts(); return n == 3 })

	rec.mu.Lock()
	actions := []docstore.Action{rec.events[0].Action(), rec.events[1].Action(), rec.events[2].Action()}
	deleted := rec.events[2].Payload
	rec.mu.Unlock()

	want := []docstore.Action{docstore.EventCreate, docstore.EventUpdate, docstore.EventDelete}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("event %d action = %s, want %s", i, actions[i], want[i])
		}
	}
	if c, _ := deleted.Fields.String("content"); c != "b" || deleted.ID != doc.ID {
		t.Errorf("delete event should carry last version, got %+v", deleted)
	}

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
	if _, err := store.CreateDocument(ctx, "messages", docstore.UniqueID, docstore.Fields{"content": "c"}, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n, errs := rec.counts(); n != 3 || errs != 0 {
		t.Errorf("no callbacks expected after Close, got %d events %d errors", n, errs)
	}
}

func TestSubscriberDroppedOnOverflow(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	store.feed.queueSize = 1
	channel := docstore.DocumentsChannel("parley", "messages")

	release := make(chan struct{})
	rec := &recorder{}
	_, err := store.Subscribe(ctx, []string{channel}, func(ev docstore.Event) {
		<-release
		rec.onEvent(ev)
	}, rec.onError)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := store.CreateDocument(ctx, "messages", docstore.UniqueID, docstore.Fields{"n": i}, nil); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	waitFor(t, func() bool { _, errs := rec.counts(); return errs == 1 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !errors.Is(rec.errs[0], docstore.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", rec.errs[0])
	}
}

func TestCloseNotifiesSubscribers(t *testing.T) {
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"), "parley", nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	if _, err := store.Subscribe(context.Background(), []string{"documents"}, rec.onEvent, rec.onError); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, errs := rec.counts(); errs != 1 {
		t.Errorf("expected one error callback, got %d", errs)
	}
}

func TestAccounts(t *testing.T) {
	store := newTestStorage(t)

	account := auth.Account{ID: "id1", Username: "alice", Email: "alice@example.com", PasswordHash: "hash", CreatedAt: 42}
	if err := store.UpsertAccount(account); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	account.Username = "alice2"
	if err := store.UpsertAccount(account); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}

	accounts, err := store.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0] != account {
		t.Errorf("expected %+v, got %+v", account, accounts[0])
	}
}
