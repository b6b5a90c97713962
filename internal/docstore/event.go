package docstore

import (
	"strings"
	"time"
)

// Action is the kind of change an event reports.
type Action string

const (
	EventCreate Action = "create"
	EventUpdate Action = "update"
	EventDelete Action = "delete"
)

// DocumentsChannel names the feed of all document changes in a collection.
func DocumentsChannel(databaseID, collection string) string {
	return "databases." + databaseID + ".collections." + collection + ".documents"
}

// Event describes one committed document change.
type Event struct {
	Events    []string  `json:"events"`
	Channels  []string  `json:"channels"`
	Timestamp time.Time `json:"timestamp"`
	// Payload is the document after the change; for deletes, its last stored version.
	Payload Document `json:"payload"`
}

func NewEvent(databaseID string, action Action, doc Document, at time.Time) Event {
	channel := DocumentsChannel(databaseID, doc.Collection)
	return Event{
		Events: []string{
			channel + "." + doc.ID + "." + string(action),
			channel + ".*." + string(action),
		},
		Channels:  []string{"documents", channel, channel + "." + doc.ID},
		Timestamp: at,
		Payload:   doc,
	}
}

// Matches reports whether the event carries action for a document on channel.
func (e Event) Matches(channel string, action Action) bool {
	want := channel + ".*." + string(action)
	for _, name := range e.Events {
		if name == want {
			return true
		}
	}
	return false
}

// Action extracts the action from the event names.
func (e Event) Action() Action {
	for _, name := range e.Events {
		idx := strings.LastIndexByte(name, '.')
		if idx < 0 {
			continue
		}
		switch a := Action(name[idx+1:]); a {
		case EventCreate, EventUpdate, EventDelete:
			return a
		}
	}
	return ""
}

// OnChannels reports whether the event was published on any of channels.
func (e Event) OnChannels(channels []string) bool {
	for _, want := range channels {
		for _, have := range e.Channels {
			if want == have {
				return true
			}
		}
	}
	return false
}
