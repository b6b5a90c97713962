// Package livesync keeps one conversation's message list consistent with
// the store while a change feed delivers updates and the feed itself may
// drop and reconnect.
//
// The state machine is pure: Transition takes the current State and an
// Input and returns the next State plus the Effects to run. The Engine is
// the only code that runs effects.
package livesync

import (
	"errors"
	"fmt"
	"time"

	"parley/internal/chat"
	"parley/internal/docstore"
	"parley/internal/models"
)

// ErrExhaustedRetries is the terminal error of a conversation's live channel.
// Selecting the conversation again starts over.
var ErrExhaustedRetries = errors.New("live updates unavailable: reconnect attempts exhausted")

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLive
	PhaseReconnecting
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLive:
		return "live"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusDisconnected ConnStatus = "disconnected"
)

type TimerKind int

const (
	TimerNone TimerKind = iota
	// TimerSubscribe delays the first subscription after the initial load.
	TimerSubscribe
	TimerReconnect
)

type Policy struct {
	PageSize       int
	BaseDelay      time.Duration
	MaxAttempts    int
	SubscribeDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PageSize:       20,
		BaseDelay:      2 * time.Second,
		MaxAttempts:    3,
		SubscribeDelay: time.Second,
	}
}

// Backoff is the delay before retry k, counted from 0.
func (p Policy) Backoff(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	return p.BaseDelay << uint(k)
}

// State is the client-side sync state of the active conversation.
type State struct {
	Policy Policy

	Phase          Phase
	ConversationID string
	// Generation changes on every conversation switch. Completions stamped
	// with an older generation are ignored.
	Generation uint64

	Timeline    *chat.Timeline
	HasMore     bool
	LoadingMore bool
	Refreshing  bool

	Status      ConnStatus
	Subscribing bool
	Subscribed  bool
	Attempt     int
	Timer       TimerKind

	Err error
}

func NewState(p Policy) State {
	return State{Policy: p, Status: StatusDisconnected, Timeline: chat.NewTimeline()}
}

// Input is anything that can move the state machine.
type Input interface{ input() }

// Select makes ConversationID active. An empty id returns to idle.
type Select struct{ ConversationID string }

type LoadOlder struct{}

type Refresh struct{}

type DismissError struct{}

type LoadCompleted struct {
	Generation uint64
	Messages   []models.Message
	Err        error
}

type PageCompleted struct {
	Generation uint64
	Messages   []models.Message
	HasMore    bool
	Err        error
}

type TimerFired struct {
	Generation uint64
	Kind       TimerKind
}

type SubscribeCompleted struct {
	Generation uint64
	Err        error
}

type FeedDropped struct {
	Generation uint64
	Err        error
}

// EventReceived carries a decoded change to a message. For deletes only
// the id is guaranteed.
type EventReceived struct {
	Generation uint64
	Action     docstore.Action
	Message    models.Message
}

// MessageSent reports a message this client stored.
type MessageSent struct{ Message models.Message }

func (Select) input()             {}
func (LoadOlder) input()          {}
func (Refresh) input()            {}
func (DismissError) input()       {}
func (LoadCompleted) input()      {}
func (PageCompleted) input()      {}
func (TimerFired) input()         {}
func (SubscribeCompleted) input() {}
func (FeedDropped) input()        {}
func (EventReceived) input()      {}
func (MessageSent) input()        {}

// Effect is work the engine performs on behalf of a transition.
type Effect interface{ effect() }

type FetchLatest struct {
	Generation     uint64
	ConversationID string
	PageSize       int
}

type FetchPage struct {
	Generation     uint64
	ConversationID string
	PageSize       int
	BeforeID       string
}

type OpenSubscription struct {
	Generation     uint64
	ConversationID string
}

type CloseSubscription struct{}

type StartTimer struct {
	Generation uint64
	Kind       TimerKind
	Delay      time.Duration
}

type CancelTimer struct{}

// Publish tells observers that the visible state changed.
type Publish struct{}

// Applied reports that a change event modified the timeline.
type Applied struct{ Action docstore.Action }

func (FetchLatest) effect()       {}
func (FetchPage) effect()         {}
func (OpenSubscription) effect()  {}
func (CloseSubscription) effect() {}
func (StartTimer) effect()        {}
func (CancelTimer) effect()       {}
func (Publish) effect()           {}
func (Applied) effect()           {}

// Transition computes the next state. It mutates only the timeline owned by s.
func Transition(s State, in Input) (State, []Effect) {
	switch in := in.(type) {
	case Select:
		return selectConversation(s, in.ConversationID)

	case LoadCompleted:
		if in.Generation != s.Generation {
			return s, nil
		}
		return loadCompleted(s, in)

	case TimerFired:
		if in.Generation != s.Generation || in.Kind != s.Timer {
			return s, nil
		}
		return timerFired(s, in.Kind)

	case SubscribeCompleted:
		if in.Generation != s.Generation || !s.Subscribing {
			return s, nil
		}
		s.Subscribing = false
		if in.Err != nil {
			return connectionFailed(s, in.Err)
		}
		s.Subscribed = true
		s.Phase = PhaseLive
		s.Status = StatusConnected
		s.Attempt = 0
		return s, []Effect{Publish{}}

	case FeedDropped:
		if in.Generation != s.Generation || !s.Subscribed {
			return s, nil
		}
		s.Subscribed = false
		next, effects := connectionFailed(s, in.Err)
		return next, append([]Effect{CloseSubscription{}}, effects...)

	case EventReceived:
		if in.Generation != s.Generation || s.ConversationID == "" {
			return s, nil
		}
		return applyEvent(s, in)

	case LoadOlder:
		return loadOlder(s)

	case PageCompleted:
		if in.Generation != s.Generation || !s.LoadingMore {
			return s, nil
		}
		s.LoadingMore = false
		if in.Err != nil {
			s.Err = in.Err
			return s, []Effect{Publish{}}
		}
		if len(in.Messages) == 0 {
			s.HasMore = false
		} else {
			s.Timeline.Prepend(in.Messages)
			s.HasMore = in.HasMore
		}
		return s, []Effect{Publish{}}

	case Refresh:
		// A rebase under an outstanding page would leave a gap before it.
		if s.ConversationID == "" || s.Phase == PhaseLoading || s.Refreshing || s.LoadingMore {
			return s, nil
		}
		s.Refreshing = true
		return s, []Effect{
			FetchLatest{Generation: s.Generation, ConversationID: s.ConversationID, PageSize: s.Policy.PageSize},
			Publish{},
		}

	case MessageSent:
		if in.Message.ConversationID != s.ConversationID || s.ConversationID == "" {
			return s, nil
		}
		if !s.Timeline.Append(in.Message) {
			return s, nil
		}
		return s, []Effect{Publish{}}

	case DismissError:
		if s.Err == nil || s.Phase == PhaseFailed {
			return s, nil
		}
		s.Err = nil
		return s, []Effect{Publish{}}
	}
	return s, nil
}

// selectConversation tears the previous conversation down completely
// before the new load is requested.
func selectConversation(s State, id string) (State, []Effect) {
	effects := []Effect{CancelTimer{}, CloseSubscription{}}

	next := NewState(s.Policy)
	next.Generation = s.Generation + 1
	if id == "" {
		return next, append(effects, Publish{})
	}

	next.Phase = PhaseLoading
	next.ConversationID = id
	return next, append(effects,
		FetchLatest{Generation: next.Generation, ConversationID: id, PageSize: s.Policy.PageSize},
		Publish{},
	)
}

func loadCompleted(s State, in LoadCompleted) (State, []Effect) {
	if s.Refreshing {
		s.Refreshing = false
		if in.Err != nil {
			s.Err = in.Err
			return s, []Effect{Publish{}}
		}
		s.Timeline.Rebase(in.Messages)
		s.HasMore = len(in.Messages) >= s.Policy.PageSize
		s.Err = nil
		return s, []Effect{Publish{}}
	}
	if s.Phase != PhaseLoading {
		return s, nil
	}

	// A failed initial load still arms the subscription so that new
	// messages show up; the error stays visible until dismissed.
	s.Phase = PhaseLive
	if in.Err != nil {
		s.Err = in.Err
		s.HasMore = false
	} else {
		s.Timeline.Reset(in.Messages)
		s.HasMore = len(in.Messages) >= s.Policy.PageSize
	}
	s.Timer = TimerSubscribe
	return s, []Effect{
		StartTimer{Generation: s.Generation, Kind: TimerSubscribe, Delay: s.Policy.SubscribeDelay},
		Publish{},
	}
}

func timerFired(s State, kind TimerKind) (State, []Effect) {
	s.Timer = TimerNone
	if kind == TimerReconnect && s.Attempt >= s.Policy.MaxAttempts {
		return failed(s, nil)
	}
	s.Subscribing = true
	s.Status = StatusReconnecting
	return s, []Effect{
		OpenSubscription{Generation: s.Generation, ConversationID: s.ConversationID},
		Publish{},
	}
}

// connectionFailed counts a failed or dropped subscription and either
// schedules the next attempt or gives up.
func connectionFailed(s State, cause error) (State, []Effect) {
	s.Attempt++
	if s.Attempt >= s.Policy.MaxAttempts {
		return failed(s, cause)
	}
	delay := s.Policy.Backoff(s.Attempt - 1)
	s.Phase = PhaseReconnecting
	s.Status = StatusReconnecting
	s.Timer = TimerReconnect
	return s, []Effect{
		StartTimer{Generation: s.Generation, Kind: TimerReconnect, Delay: delay},
		Publish{},
	}
}

func failed(s State, cause error) (State, []Effect) {
	s.Phase = PhaseFailed
	s.Status = StatusDisconnected
	s.Subscribing = false
	s.Subscribed = false
	s.Timer = TimerNone
	if cause != nil {
		s.Err = fmt.Errorf("%w: %w", ErrExhaustedRetries, cause)
	} else {
		s.Err = ErrExhaustedRetries
	}
	return s, []Effect{CancelTimer{}, Publish{}}
}

func applyEvent(s State, in EventReceived) (State, []Effect) {
	m := in.Message
	changed := false
	switch in.Action {
	case docstore.EventCreate:
		if m.ConversationID == s.ConversationID {
			changed = s.Timeline.Append(m)
		}
	case docstore.EventUpdate:
		if m.ConversationID == s.ConversationID {
			changed = s.Timeline.Replace(m)
		}
	case docstore.EventDelete:
		// Some backends report deletes by id only.
		if m.ConversationID == s.ConversationID || m.ConversationID == "" {
			changed = s.Timeline.Remove(m.ID)
		}
	}
	if !changed {
		return s, nil
	}
	return s, []Effect{Applied{Action: in.Action}, Publish{}}
}

func loadOlder(s State) (State, []Effect) {
	if s.ConversationID == "" || s.Phase == PhaseLoading || s.LoadingMore || s.Refreshing || !s.HasMore {
		return s, nil
	}
	oldest, ok := s.Timeline.Oldest()
	if !ok {
		return s, nil
	}
	s.LoadingMore = true
	return s, []Effect{
		FetchPage{
			Generation:     s.Generation,
			ConversationID: s.ConversationID,
			PageSize:       s.Policy.PageSize,
			BeforeID:       oldest.ID,
		},
		Publish{},
	}
}
