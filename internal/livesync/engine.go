package livesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/docstore"
	"parley/internal/messages"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/obs"
)

const defaultFetchTimeout = 15 * time.Second

var ErrNoConversation = errors.New("no conversation selected")

type messageSource interface {
	FetchLatest(ctx context.Context, conversationID string, pageSize int) ([]models.Message, error)
	FetchPage(ctx context.Context, conversationID string, pageSize int, beforeID string) (messages.Page, error)
	Append(ctx context.Context, conversationID, authorID, authorName, text string) (models.Message, error)
}

type previewRecorder interface {
	RecordLastMessage(ctx context.Context, conversationID, text string) error
}

type feedSource interface {
	Subscribe(ctx context.Context, channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (docstore.Subscription, error)
}

type timer interface {
	Stop() bool
}

type Config struct {
	Policy Policy
	// Channel is the change feed channel of the messages collection.
	Channel      string
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// View is an immutable snapshot of the engine state for rendering.
type View struct {
	ConversationID string
	Phase          Phase
	Status         ConnStatus
	Messages       []models.Message
	HasMore        bool
	Loading        bool
	LoadingMore    bool
	Attempt        int
	Err            error
}

// Engine runs the state machine for one client. All state changes happen
// on the goroutine running Run; callers interact through posted inputs.
type Engine struct {
	cfg      Config
	messages messageSource
	previews previewRecorder
	feed     feedSource
	logger   *slog.Logger

	inbox     *mailbox
	afterFunc func(time.Duration, func()) timer

	// Owned by the Run goroutine.
	state State
	sub   *liveSub
	timer timer

	mu      sync.RWMutex
	view    View
	updates chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg Config, msgs messageSource, previews previewRecorder, feed feedSource) *Engine {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	e := &Engine{
		cfg:      cfg,
		messages: msgs,
		previews: previews,
		feed:     feed,
		logger:   obs.OrDefault(cfg.Logger),
		inbox:    newMailbox(),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		state:   NewState(cfg.Policy),
		updates: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	e.view = e.state.view()
	return e
}

// Run processes inputs until ctx ends or Close is called. On return the
// subscription and any timer are released.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.closed:
			return nil
		case <-e.inbox.ready():
			for _, item := range e.inbox.drain() {
				e.handle(ctx, item)
			}
		}
	}
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}

// Select switches to conversationID; an empty id clears the selection.
func (e *Engine) Select(conversationID string) {
	e.inbox.post(Select{ConversationID: conversationID})
}

// LoadOlder requests the page before the oldest loaded message.
func (e *Engine) LoadOlder() {
	e.inbox.post(LoadOlder{})
}

// Refresh reloads the latest page of the active conversation.
func (e *Engine) Refresh() {
	e.inbox.post(Refresh{})
}

func (e *Engine) DismissError() {
	e.inbox.post(DismissError{})
}

// Send stores a message in the active conversation. Store errors are
// returned to the caller. The stored message is merged into the timeline
// without waiting for the change feed.
func (e *Engine) Send(ctx context.Context, authorID, authorName, text string) (models.Message, error) {
	conversationID := e.Snapshot().ConversationID
	if conversationID == "" {
		return models.Message{}, ErrNoConversation
	}

	m, err := e.messages.Append(ctx, conversationID, authorID, authorName, text)
	if err != nil {
		return models.Message{}, err
	}

	if e.previews != nil {
		if err := e.previews.RecordLastMessage(ctx, conversationID, m.Content); err != nil {
			e.logger.Warn("failed to record last message", "conversation_id", conversationID, "error", err)
		}
	}

	e.inbox.post(MessageSent{Message: m})
	return m, nil
}

func (e *Engine) Snapshot() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v := e.view
	v.Messages = append([]models.Message(nil), e.view.Messages...)
	return v
}

// Updates signals after the snapshot changed. Signals coalesce.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

type subscribeResult struct {
	generation uint64
	live       *liveSub
	err        error
}

func (e *Engine) handle(ctx context.Context, item any) {
	switch item := item.(type) {
	case subscribeResult:
		e.subscribed(ctx, item)
	case Input:
		e.apply(ctx, item)
	}
}

func (e *Engine) subscribed(ctx context.Context, r subscribeResult) {
	if r.err != nil {
		e.apply(ctx, SubscribeCompleted{Generation: r.generation, Err: r.err})
		return
	}
	if r.generation != e.state.Generation || !e.state.Subscribing {
		_ = r.live.sub.Close()
		return
	}
	if err := r.live.droppedErr(); err != nil {
		_ = r.live.sub.Close()
		e.apply(ctx, SubscribeCompleted{Generation: r.generation, Err: err})
		return
	}
	e.closeSubscription()
	e.sub = r.live
	e.apply(ctx, SubscribeCompleted{Generation: r.generation})
}

func (e *Engine) apply(ctx context.Context, in Input) {
	next, effects := Transition(e.state, in)
	e.state = next
	for _, eff := range effects {
		e.run(ctx, eff)
	}
}

func (e *Engine) run(ctx context.Context, eff Effect) {
	switch eff := eff.(type) {
	case FetchLatest:
		go func() {
			fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
			defer cancel()
			msgs, err := e.messages.FetchLatest(fctx, eff.ConversationID, eff.PageSize)
			if err != nil {
				e.logger.Warn("failed to load messages", "conversation_id", eff.ConversationID, "error", err)
			}
			e.inbox.post(LoadCompleted{Generation: eff.Generation, Messages: msgs, Err: err})
		}()

	case FetchPage:
		go func() {
			fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
			defer cancel()
			page, err := e.messages.FetchPage(fctx, eff.ConversationID, eff.PageSize, eff.BeforeID)
			if err != nil {
				e.logger.Warn("failed to load older messages", "conversation_id", eff.ConversationID, "error", err)
			}
			e.inbox.post(PageCompleted{Generation: eff.Generation, Messages: page.Messages, HasMore: page.HasMore, Err: err})
		}()

	case OpenSubscription:
		go e.openSubscription(ctx, eff)

	case CloseSubscription:
		e.closeSubscription()

	case StartTimer:
		e.cancelTimer()
		if eff.Kind == TimerReconnect {
			metrics.SyncReconnects.Inc()
			e.logger.Info("live updates reconnecting",
				"conversation_id", e.state.ConversationID, "attempt", e.state.Attempt, "delay", eff.Delay)
		}
		gen, kind := eff.Generation, eff.Kind
		e.timer = e.afterFunc(eff.Delay, func() {
			e.inbox.post(TimerFired{Generation: gen, Kind: kind})
		})

	case CancelTimer:
		e.cancelTimer()

	case Applied:
		metrics.SyncEventsApplied.WithLabelValues(string(eff.Action)).Inc()

	case Publish:
		e.publish()
	}
}

func (e *Engine) openSubscription(ctx context.Context, eff OpenSubscription) {
	live := &liveSub{}
	gen := eff.Generation
	onError := func(err error) {
		live.markDropped(err)
		e.inbox.post(FeedDropped{Generation: gen, Err: err})
	}
	sub, err := e.feed.Subscribe(ctx, []string{e.cfg.Channel}, e.eventHandler(gen), onError)
	if err != nil {
		e.logger.Warn("failed to subscribe", "conversation_id", eff.ConversationID, "error", err)
	}
	live.sub = sub
	e.inbox.post(subscribeResult{generation: gen, live: live, err: err})
}

func (e *Engine) eventHandler(gen uint64) docstore.EventHandler {
	return func(ev docstore.Event) {
		action := ev.Action()
		var m models.Message
		switch action {
		case docstore.EventCreate, docstore.EventUpdate:
			var err error
			m, err = models.MessageFromDocument(ev.Payload)
			if err != nil {
				e.logger.Warn("ignoring malformed message event", "document_id", ev.Payload.ID, "error", err)
				return
			}
		case docstore.EventDelete:
			m.ID = ev.Payload.ID
			m.ConversationID, _ = ev.Payload.Fields.String(models.FieldConversationID)
		default:
			return
		}
		e.inbox.post(EventReceived{Generation: gen, Action: action, Message: m})
	}
}

func (e *Engine) closeSubscription() {
	if e.sub == nil {
		return
	}
	if err := e.sub.sub.Close(); err != nil {
		e.logger.Debug("failed to close subscription", "error", err)
	}
	e.sub = nil
}

func (e *Engine) cancelTimer() {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
}

func (e *Engine) teardown() {
	e.cancelTimer()
	e.closeSubscription()
}

func (e *Engine) publish() {
	v := e.state.view()
	e.mu.Lock()
	e.view = v
	e.mu.Unlock()

	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func (s State) view() View {
	var msgs []models.Message
	if s.Timeline != nil {
		msgs = s.Timeline.Messages()
	}
	return View{
		ConversationID: s.ConversationID,
		Phase:          s.Phase,
		Status:         s.Status,
		Messages:       msgs,
		HasMore:        s.HasMore,
		Loading:        s.Phase == PhaseLoading || s.Refreshing,
		LoadingMore:    s.LoadingMore,
		Attempt:        s.Attempt,
		Err:            s.Err,
	}
}

// liveSub remembers a drop reported before the subscription was handed
// to the engine.
type liveSub struct {
	sub docstore.Subscription

	mu      sync.Mutex
	dropped error
}

func (l *liveSub) markDropped(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropped == nil {
		l.dropped = err
	}
}

func (l *liveSub) droppedErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
