// Package remote talks to a parley server over its REST and realtime APIs.
// Client implements docstore.Gateway, so domain code runs unchanged against
// a remote store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/docstore"
	"parley/internal/obs"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout = 30 * time.Second
	// defaultIdleTimeout is twice the server ping interval.
	defaultIdleTimeout = 60 * time.Second
)

type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	// idleTimeout bounds the silence on a realtime socket before it is
	// treated as dropped.
	idleTimeout time.Duration

	mu    sync.RWMutex
	token string
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:      obs.OrDefault(logger),
		idleTimeout: defaultIdleTimeout,
		token:       token,
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Register(ctx context.Context, username, email, password string) (api.AccountResponse, error) {
	var out api.AccountResponse
	err := c.do(ctx, http.MethodPost, "/v1/account", api.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, &out)
	return out, err
}

// Login opens a session and uses its token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (api.SessionResponse, error) {
	var out api.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/account/sessions", api.LoginRequest{Email: email, Password: password}, &out); err != nil {
		return out, err
	}
	c.SetToken(out.Token)
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, "/v1/account/sessions", nil, nil)
	c.SetToken("")
	return err
}

func (c *Client) Account(ctx context.Context) (api.AccountResponse, error) {
	var out api.AccountResponse
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, &out)
	return out, err
}

func (c *Client) ListDocuments(ctx context.Context, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	q, err := docstore.NewQuery(filters...).Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", docstore.ErrMalformed, err)
	}
	var out api.DocumentList
	path := documentsPath(collection) + "?queries=" + url.QueryEscape(q)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) GetDocument(ctx context.Context, collection, id string) (docstore.Document, error) {
	var out docstore.Document
	err := c.do(ctx, http.MethodGet, documentPath(collection, id), nil, &out)
	return out, err
}

func (c *Client) CreateDocument(ctx context.Context, collection, id string, fields docstore.Fields, permissions []docstore.Permission) (docstore.Document, error) {
	var out docstore.Document
	err := c.do(ctx, http.MethodPost, documentsPath(collection), api.CreateDocumentRequest{
		DocumentID:  id,
		Data:        fields,
		Permissions: permissions,
	}, &out)
	return out, err
}

func (c *Client) UpdateDocument(ctx context.Context, collection, id string, fields docstore.Fields) (docstore.Document, error) {
	var out docstore.Document
	err := c.do(ctx, http.MethodPatch, documentPath(collection, id), api.UpdateDocumentRequest{Data: fields}, &out)
	return out, err
}

func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, documentPath(collection, id), nil, nil)
}

func documentsPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/documents"
}

func documentPath(collection, id string) string {
	return documentsPath(collection) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", docstore.ErrMalformed, err)
	}
	return nil
}

// transportError classifies failures to reach the server as transient.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
}

func responseError(resp *http.Response) error {
	message := http.StatusText(resp.StatusCode)
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Message != "" {
		message = body.Message
	}
	return statusError(resp.StatusCode, message)
}

func statusError(status int, message string) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = docstore.ErrPermissionDenied
	case status == http.StatusNotFound:
		kind = docstore.ErrNotFound
	case status == http.StatusConflict:
		kind = docstore.ErrConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = docstore.ErrMalformed
	case status == http.StatusTooManyRequests || status >= 500:
		kind = docstore.ErrUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", status, message)
	}
	return fmt.Errorf("%w: %s", kind, message)
}
