package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"parley/internal/api"
	"parley/internal/config"
)

func TestParseAddUser(t *testing.T) {
	u, e, err := ParseAddUser(" alice : alice@example.com ")
	require.NoError(t, err)
	require.Equal(t, "alice", u)
	require.Equal(t, "alice@example.com", e)

	for _, bad := range []string{"alice", ":a@b.c", "alice:", ""} {
		_, _, err := ParseAddUser(bad)
		require.Error(t, err, bad)
	}
}

func TestAddUser(t *testing.T) {
	var got api.AddUserRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/users", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(api.AddUserResponse{
			Success:  true,
			UserID:   "u1",
			Username: got.Username,
			Email:    got.Email,
			Password: "s3cret-pass",
		})
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://"), BaseURL: "http://localhost:8080/"}
	var out bytes.Buffer
	require.NoError(t, AddUser(context.Background(), "alice", "alice@example.com", cfg, &out))

	require.Equal(t, api.AddUserRequest{Username: "alice", Email: "alice@example.com"}, got)
	require.Contains(t, out.String(), "s3cret-pass")
	require.Contains(t, out.String(), "http://localhost:8080 ")
}

func TestAddUserServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Username and email are required", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
	err := AddUser(context.Background(), "alice", "alice@example.com", cfg, &bytes.Buffer{})
	require.ErrorContains(t, err, "Status: 400")
}
