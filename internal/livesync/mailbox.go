package livesync

import "sync"

// mailbox is an unbounded FIFO. Posting never blocks, so store callbacks
// cannot stall while the engine is closing their subscription.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(item any) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} {
	return m.signal
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
