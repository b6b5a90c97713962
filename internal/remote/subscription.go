package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"parley/internal/docstore"
	"parley/internal/ws"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// Subscribe opens the realtime socket and returns once the server confirmed
// the subscription. A later drop is reported once through onError.
func (c *Client) Subscribe(ctx context.Context, channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (docstore.Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", docstore.ErrMalformed)
	}
	u, err := c.realtimeURL(channels)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, responseError(resp)
		}
		return nil, transportError(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello ws.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, transportError(err)
	}
	switch hello.Type {
	case ws.FrameConnected:
	case ws.FrameError:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", docstore.ErrUnavailable, hello.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected frame %q", docstore.ErrMalformed, hello.Type)
	}

	s := &subscription{
		conn:        conn,
		onEvent:     onEvent,
		onError:     onError,
		idleTimeout: c.idleTimeout,
		done:        make(chan struct{}),
	}
	s.mu.Lock()
	s.stopCtx = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()
	go s.read()
	return s, nil
}

func (c *Client) realtimeURL(channels []string) (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/realtime")
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	for _, ch := range channels {
		q.Add("channels", ch)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type subscription struct {
	conn        *websocket.Conn
	onEvent     docstore.EventHandler
	onError     docstore.ErrorHandler
	idleTimeout time.Duration
	stopCtx     func() bool
	done        chan struct{}

	// mu is held while callbacks run, so Close returns only after any
	// callback in progress finished.
	mu     sync.Mutex
	closed bool
}

func (s *subscription) read() {
	defer close(s.done)
	for {
		// Every frame, server pings included, proves the socket is alive.
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		var f ws.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.fail(fmt.Errorf("%w: %w", docstore.ErrUnavailable, err))
			return
		}
		switch f.Type {
		case ws.FramePing:
			// Only this goroutine writes to the socket.
			if err := s.conn.WriteJSON(ws.Frame{Type: ws.FramePong}); err != nil {
				s.fail(fmt.Errorf("%w: %w", docstore.ErrUnavailable, err))
				return
			}
		case ws.FrameEvent:
			if f.Data != nil {
				s.deliver(*f.Data)
			}
		case ws.FrameError:
			s.fail(fmt.Errorf("%w: %s", docstore.ErrUnavailable, f.Message))
			return
		}
	}
}

func (s *subscription) deliver(ev docstore.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.onEvent == nil {
		return
	}
	s.onEvent(ev)
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
	if s.onError != nil {
		s.onError(err)
	}
}

// Close must not be called from inside a callback.
func (s *subscription) Close() error {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	stop := s.stopCtx
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if wasClosed {
		return nil
	}
	return s.conn.Close()
}
