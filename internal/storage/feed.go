package storage

import (
	"fmt"
	"log/slog"
	"sync"

	"parley/internal/docstore"
	"parley/internal/metrics"
)

const defaultQueueSize = 256

// feed fans committed events out to in-process subscribers. A subscriber
// whose queue is full is dropped rather than allowed to stall writers.
type feed struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	closed    bool
	queueSize int
	logger    *slog.Logger
}

func newFeed(queueSize int, logger *slog.Logger) *feed {
	return &feed{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (f *feed) subscribe(channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (*subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: feed closed", docstore.ErrUnavailable)
	}

	f.nextID++
	s := &subscriber{
		id:       f.nextID,
		feed:     f,
		channels: append([]string(nil), channels...),
		onEvent:  onEvent,
		onError:  onError,
		queue:    make(chan docstore.Event, f.queueSize),
		done:     make(chan struct{}),
	}
	f.subs[s.id] = s
	go s.run()
	return s, nil
}

func (f *feed) publish(ev docstore.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.subs {
		if !ev.OnChannels(s.channels) {
			continue
		}
		select {
		case s.queue <- ev:
			metrics.EventsPublished.Inc()
		default:
			metrics.SubscriberDrops.Inc()
			f.logger.Warn("dropping slow feed subscriber", "subscriber", s.id)
			go s.stop(fmt.Errorf("%w: subscriber fell behind", docstore.ErrUnavailable))
		}
	}
}

func (f *feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *feed) closeAll(reason error) {
	f.mu.Lock()
	f.closed = true
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.stop(reason)
	}
}

type subscriber struct {
	id       uint64
	feed     *feed
	channels []string
	onEvent  docstore.EventHandler
	onError  docstore.ErrorHandler
	queue    chan docstore.Event
	done     chan struct{}

	// mu is held while a callback runs so that Close waits for it.
	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.onEvent(ev)
			s.mu.Unlock()
		}
	}
}

// Close must not be called from inside the subscriber's own callbacks.
func (s *subscriber) Close() error {
	s.stop(nil)
	return nil
}

func (s *subscriber) stop(reason error) {
	s.stopOnce.Do(func() {
		s.feed.remove(s.id)
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		if reason != nil && s.onError != nil {
			s.onError(reason)
		}
	})
}
