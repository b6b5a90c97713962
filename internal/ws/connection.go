package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley/internal/docstore"
	"parley/internal/metrics"
	"parley/internal/obs"
)

const (
	outboxSize          = 256
	defaultPingInterval = 30 * time.Second
)

var errSlowClient = fmt.Errorf("%w: client is not keeping up with events", docstore.ErrUnavailable)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type feedSource interface {
	Subscribe(ctx context.Context, channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (docstore.Subscription, error)
}

// Connection relays change events matching channels to one websocket client.
type Connection struct {
	ws           wsConnection
	feed         feedSource
	userID       string
	channels     []string
	logger       *slog.Logger
	pingInterval time.Duration

	fromClient chan Frame
	outbox     chan Frame
	dropped    chan error
	errorCh    chan error
}

func NewConnection(
	feed feedSource,
	ws wsConnection,
	userID string,
	channels []string,
	logger *slog.Logger,
) *Connection {
	return &Connection{
		ws:           ws,
		feed:         feed,
		userID:       userID,
		channels:     channels,
		logger:       obs.OrDefault(logger),
		pingInterval: defaultPingInterval,
		fromClient:   make(chan Frame),
		outbox:       make(chan Frame, outboxSize),
		dropped:      make(chan error, 1),
		errorCh:      make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.RealtimeConnections.Inc()
	defer metrics.RealtimeConnections.Dec()

	sub, err := c.feed.Subscribe(ctx, c.channels, c.enqueue, c.drop)
	if err != nil {
		_ = c.ws.WriteJSON(Frame{Type: FrameError, Message: err.Error()})
		c.ws.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	if err := c.ws.WriteJSON(Frame{Type: FrameConnected}); err != nil {
		c.ws.Close()
		return err
	}
	c.logger.Debug("realtime client connected", "user_id", c.userID, "channels", c.channels)

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// enqueue runs on the feed's delivery goroutine and must not block.
func (c *Connection) enqueue(ev docstore.Event) {
	select {
	case c.outbox <- Frame{Type: FrameEvent, Data: &ev}:
	default:
		c.drop(errSlowClient)
	}
}

func (c *Connection) drop(err error) {
	select {
	case c.dropped <- err:
	default:
	}
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg Frame
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.fromClient:
			if msg.Type == FramePing {
				if err := c.ws.WriteJSON(Frame{Type: FramePong}); err != nil {
					return err
				}
			}
		case msg := <-c.outbox:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case err := <-c.dropped:
			c.logger.Warn("realtime feed dropped", "user_id", c.userID, "error", err)
			_ = c.ws.WriteJSON(Frame{Type: FrameError, Message: err.Error()})
			return err
		case <-ticker.C:
			if err := c.ws.WriteJSON(Frame{Type: FramePing}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
