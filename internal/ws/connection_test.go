package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parley/internal/docstore"
)

type mockWS struct {
	readCh  chan Frame
	writeCh chan any
	closeCh chan struct{}

	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan Frame, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errToReturn = err
}

func (m *mockWS) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errToReturn
}

func (m *mockWS) WriteJSON(v any) error {
	if err := m.err(); err != nil {
		return err
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if err := m.err(); err != nil {
		return err
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*Frame); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockSub struct {
	closed atomic.Bool
}

func (s *mockSub) Close() error {
	s.closed.Store(true)
	return nil
}

type mockFeed struct {
	subscribed chan []string
	err        error

	mu      sync.Mutex
	onEvent docstore.EventHandler
	onError docstore.ErrorHandler
	sub     *mockSub
}

func newMockFeed() *mockFeed {
	return &mockFeed{subscribed: make(chan []string, 1), sub: &mockSub{}}
}

func (m *mockFeed) Subscribe(_ context.Context, channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (docstore.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	m.onEvent, m.onError = onEvent, onError
	m.mu.Unlock()
	m.subscribed <- channels
	return m.sub, nil
}

func (m *mockFeed) handlers() (docstore.EventHandler, docstore.ErrorHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onEvent, m.onError
}

func expectFrame(t *testing.T, ws *mockWS, frameType string) Frame {
	t.Helper()
	select {
	case received := <-ws.writeCh:
		f, ok := received.(Frame)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if f.Type != frameType {
			t.Fatalf("Expected %q frame, got %+v", frameType, f)
		}
		return f
	case <-time.After(1 * time.Second):
		t.Fatalf("WS did not receive %q frame", frameType)
	}
	return Frame{}
}

func TestConnection_Lifecycle(t *testing.T) {
	feed := newMockFeed()
	ws := newMockWS()
	channels := []string{"databases.main.collections.messages.documents"}

	conn := NewConnection(feed, ws, "user1", channels, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case got := <-feed.subscribed:
		if len(got) != 1 || got[0] != channels[0] {
			t.Errorf("Subscribed to wrong channels: %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Subscribe not called")
	}
	expectFrame(t, ws, FrameConnected)

	// Store -> client
	onEvent, _ := feed.handlers()
	doc := docstore.Document{ID: "m1", Collection: "messages", Fields: docstore.Fields{"content": "hi"}}
	onEvent(docstore.NewEvent("main", docstore.EventCreate, doc, time.Now()))

	f := expectFrame(t, ws, FrameEvent)
	if f.Data == nil || f.Data.Payload.ID != "m1" || f.Data.Action() != docstore.EventCreate {
		t.Errorf("WS received wrong event: %+v", f.Data)
	}

	// Application level ping
	ws.readCh <- Frame{Type: FramePing}
	expectFrame(t, ws, FramePong)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	if !feed.sub.closed.Load() {
		t.Error("Subscription not closed")
	}
}

func TestConnection_FeedDropped(t *testing.T) {
	feed := newMockFeed()
	ws := newMockWS()
	conn := NewConnection(feed, ws, "user1", []string{"documents"}, nil)

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	<-feed.subscribed
	expectFrame(t, ws, FrameConnected)

	_, onError := feed.handlers()
	onError(docstore.ErrUnavailable)

	f := expectFrame(t, ws, FrameError)
	if f.Message == "" {
		t.Error("Error frame has no message")
	}

	select {
	case err := <-done:
		if !errors.Is(err, docstore.ErrUnavailable) {
			t.Errorf("Expected ErrUnavailable, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after drop")
	}
	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_SlowClientDropped(t *testing.T) {
	feed := newMockFeed()
	ws := newMockWS()
	conn := NewConnection(feed, ws, "user1", []string{"documents"}, nil)

	// Nothing drains the outbox before Handle starts writing.
	onEvent := conn.enqueue
	for i := 0; i < outboxSize+1; i++ {
		onEvent(docstore.Event{})
	}

	select {
	case err := <-conn.dropped:
		if !errors.Is(err, docstore.ErrUnavailable) {
			t.Errorf("Expected ErrUnavailable, got %v", err)
		}
	default:
		t.Error("Overflow did not drop the client")
	}
}

func TestConnection_SubscribeError(t *testing.T) {
	feed := newMockFeed()
	feed.err = docstore.ErrPermissionDenied
	ws := newMockWS()
	conn := NewConnection(feed, ws, "user1", []string{"documents"}, nil)

	err := conn.Handle(context.Background())
	if !errors.Is(err, docstore.ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
	expectFrame(t, ws, FrameError)
	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	feed := newMockFeed()
	ws := newMockWS()
	conn := NewConnection(feed, ws, "user2", []string{"documents"}, nil)

	ws.failWith(errors.New("read error"))

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	if !feed.sub.closed.Load() {
		t.Error("Subscription not closed")
	}
}
