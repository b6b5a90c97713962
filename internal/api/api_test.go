package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"parley/internal/auth"
	"parley/internal/docstore"
	"parley/internal/storage"
)

type testServer struct {
	*httptest.Server
	auth *auth.Service
}

func newTestServer(t *testing.T, limiter *WriteLimiter) *testServer {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "api.db"), "parley", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	authService, err := auth.NewService(ctx, auth.Config{
		Secret: base64.StdEncoding.EncodeToString([]byte("api-test-secret")),
	}, store, nil)
	require.NoError(t, err)

	a := New(authService, store, limiter, nil)
	admin := NewAdminHandler(authService, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/account", a.RegisterHandler)
	mux.HandleFunc("GET /v1/account", a.RequireAuth(a.AccountHandler))
	mux.HandleFunc("POST /v1/account/sessions", a.LoginHandler)
	mux.HandleFunc("DELETE /v1/account/sessions", a.LogoffHandler)
	mux.HandleFunc("GET /v1/collections/{collection}/documents", a.RequireAuth(a.ListDocumentsHandler))
	mux.HandleFunc("POST /v1/collections/{collection}/documents", a.RequireAuth(a.CreateDocumentHandler))
	mux.HandleFunc("GET /v1/collections/{collection}/documents/{id}", a.RequireAuth(a.GetDocumentHandler))
	mux.HandleFunc("PATCH /v1/collections/{collection}/documents/{id}", a.RequireAuth(a.UpdateDocumentHandler))
	mux.HandleFunc("DELETE /v1/collections/{collection}/documents/{id}", a.RequireAuth(a.DeleteDocumentHandler))
	mux.HandleFunc("POST /admin/users", admin.AddUserHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, auth: authService}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) login(t *testing.T, username, email string) SessionResponse {
	t.Helper()
	status := s.do(t, http.MethodPost, "/v1/account", "", RegisterRequest{Username: username, Email: email, Password: "password123"}, nil)
	require.Equal(t, http.StatusCreated, status)

	var session SessionResponse
	status = s.do(t, http.MethodPost, "/v1/account/sessions", "", LoginRequest{Email: email, Password: "password123"}, &session)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, session.Token)
	return session
}

func TestAccountHandlers(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := srv.login(t, "alice", "alice@example.com")
	require.Equal(t, "alice", alice.Username)

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		status := srv.do(t, http.MethodPost, "/v1/account", "", RegisterRequest{Username: "alice2", Email: "ALICE@example.com", Password: "password123"}, nil)
		require.Equal(t, http.StatusConflict, status)
	})

	t.Run("invalid registration", func(t *testing.T) {
		status := srv.do(t, http.MethodPost, "/v1/account", "", RegisterRequest{Username: "bob", Email: "not-an-email", Password: "password123"}, nil)
		require.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("wrong password", func(t *testing.T) {
		status := srv.do(t, http.MethodPost, "/v1/account/sessions", "", LoginRequest{Email: "alice@example.com", Password: "nope-nope"}, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("current account", func(t *testing.T) {
		var account AccountResponse
		status := srv.do(t, http.MethodGet, "/v1/account", alice.Token, nil, &account)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, alice.UserID, account.UserID)

		status = srv.do(t, http.MethodGet, "/v1/account", "", nil, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("logout revokes token", func(t *testing.T) {
		session := srv.login(t, "carol", "carol@example.com")
		status := srv.do(t, http.MethodDelete, "/v1/account/sessions", session.Token, nil, nil)
		require.Equal(t, http.StatusNoContent, status)

		status = srv.do(t, http.MethodGet, "/v1/account", session.Token, nil, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestDocumentHandlers(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := srv.login(t, "alice", "alice@example.com")
	bob := srv.login(t, "bob", "bob@example.com")

	create := func(t *testing.T, token, content string) docstore.Document {
		t.Helper()
		var doc docstore.Document
		status := srv.do(t, http.MethodPost, "/v1/collections/messages/documents", token, CreateDocumentRequest{
			Data: docstore.Fields{"conversationId": "c1", "content": content},
			Permissions: []docstore.Permission{
				docstore.Read(docstore.RoleAny),
				docstore.Update(docstore.RoleUser(alice.UserID)),
				docstore.Delete(docstore.RoleUser(alice.UserID)),
			},
		}, &doc)
		require.Equal(t, http.StatusCreated, status)
		return doc
	}

	first := create(t, alice.Token, "one")
	second := create(t, alice.Token, "two")
	third := create(t, alice.Token, "three")

	t.Run("list with queries", func(t *testing.T) {
		q, err := docstore.NewQuery(
			docstore.Equal("conversationId", "c1"),
			docstore.OrderDesc(docstore.FieldCreatedAt),
			docstore.Limit(2),
		).Encode()
		require.NoError(t, err)

		var list DocumentList
		status := srv.do(t, http.MethodGet, "/v1/collections/messages/documents?queries="+url.QueryEscape(q), bob.Token, nil, &list)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 2, list.Total)
		require.Equal(t, third.ID, list.Documents[0].ID)
		require.Equal(t, second.ID, list.Documents[1].ID)
	})

	t.Run("cursor before", func(t *testing.T) {
		q, err := docstore.NewQuery(docstore.OrderDesc(docstore.FieldCreatedAt), docstore.CursorBefore(second.ID)).Encode()
		require.NoError(t, err)

		var list DocumentList
		status := srv.do(t, http.MethodGet, "/v1/collections/messages/documents?queries="+url.QueryEscape(q), bob.Token, nil, &list)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, list.Documents, 1)
		require.Equal(t, first.ID, list.Documents[0].ID)
	})

	t.Run("malformed query", func(t *testing.T) {
		status := srv.do(t, http.MethodGet, "/v1/collections/messages/documents?queries=%7Bnope", bob.Token, nil, nil)
		require.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("requires token", func(t *testing.T) {
		status := srv.do(t, http.MethodGet, "/v1/collections/messages/documents", "", nil, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("update enforces permissions", func(t *testing.T) {
		status := srv.do(t, http.MethodPatch, "/v1/collections/messages/documents/"+first.ID, bob.Token, UpdateDocumentRequest{Data: docstore.Fields{"content": "hijacked"}}, nil)
		require.Equal(t, http.StatusForbidden, status)

		var doc docstore.Document
		status = srv.do(t, http.MethodPatch, "/v1/collections/messages/documents/"+first.ID, alice.Token, UpdateDocumentRequest{Data: docstore.Fields{"content": "edited"}}, &doc)
		require.Equal(t, http.StatusOK, status)
		content, _ := doc.Fields.String("content")
		require.Equal(t, "edited", content)
	})

	t.Run("delete", func(t *testing.T) {
		status := srv.do(t, http.MethodDelete, "/v1/collections/messages/documents/"+third.ID, bob.Token, nil, nil)
		require.Equal(t, http.StatusForbidden, status)

		status = srv.do(t, http.MethodDelete, "/v1/collections/messages/documents/"+third.ID, alice.Token, nil, nil)
		require.Equal(t, http.StatusNoContent, status)

		status = srv.do(t, http.MethodGet, "/v1/collections/messages/documents/"+third.ID, alice.Token, nil, nil)
		require.Equal(t, http.StatusNotFound, status)
	})

	t.Run("invalid permissions", func(t *testing.T) {
		status := srv.do(t, http.MethodPost, "/v1/collections/messages/documents", alice.Token, CreateDocumentRequest{
			Data:        docstore.Fields{"content": "x"},
			Permissions: []docstore.Permission{"write(any)"},
		}, nil)
		require.Equal(t, http.StatusBadRequest, status)
	})
}

func TestWriteRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newTestServer(t, NewWriteLimiter(ctx, 0.001, 1))
	alice := srv.login(t, "alice", "alice@example.com")
	bob := srv.login(t, "bob", "bob@example.com")

	req := CreateDocumentRequest{Data: docstore.Fields{"content": "x"}}
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/collections/notes/documents", alice.Token, req, nil))
	require.Equal(t, http.StatusTooManyRequests, srv.do(t, http.MethodPost, "/v1/collections/notes/documents", alice.Token, req, nil))

	// Limits are per caller.
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/collections/notes/documents", bob.Token, req, nil))
}

func TestAddUserHandler(t *testing.T) {
	srv := newTestServer(t, nil)

	var resp AddUserResponse
	status := srv.do(t, http.MethodPost, "/admin/users", "", AddUserRequest{Username: "dave", Email: "dave@example.com"}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Password)
	require.NotEmpty(t, resp.UserID)

	var session SessionResponse
	status = srv.do(t, http.MethodPost, "/v1/account/sessions", "", LoginRequest{Email: "dave@example.com", Password: resp.Password}, &session)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, resp.UserID, session.UserID)

	status = srv.do(t, http.MethodPost, "/admin/users", "", AddUserRequest{Username: "dave", Email: "dave@example.com"}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status = srv.do(t, http.MethodPost, "/admin/users", "", AddUserRequest{Username: "erin"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}
