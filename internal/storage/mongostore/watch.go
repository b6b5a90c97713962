package mongostore

import (
	"context"
	"fmt"
	"sync"

	"parley/internal/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type changeEvent struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *record `bson:"fullDocument"`
}

// event converts a change to a store event. Deletes carry only the id.
func (s *Store) event(change changeEvent) (docstore.Event, bool) {
	if !namePattern.MatchString(change.NS.Coll) {
		return docstore.Event{}, false
	}
	var action docstore.Action
	switch change.OperationType {
	case "insert":
		action = docstore.EventCreate
	case "update", "replace":
		action = docstore.EventUpdate
	case "delete":
		action = docstore.EventDelete
	default:
		return docstore.Event{}, false
	}

	doc := docstore.Document{ID: change.DocumentKey.ID, Collection: change.NS.Coll}
	if change.FullDocument != nil {
		doc = change.FullDocument.toDocument(change.NS.Coll)
	} else if action != docstore.EventDelete {
		// Deleted before the update could be looked up.
		return docstore.Event{}, false
	}
	return docstore.NewEvent(s.databaseID, action, doc, s.now().UTC()), true
}

// Subscribe opens a change stream on the database and filters it to
// channels. The subscription also ends when ctx is done.
func (s *Store) Subscribe(ctx context.Context, channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (docstore.Subscription, error) {
	if len(channels) == 0 || onEvent == nil {
		return nil, fmt.Errorf("%w: subscribe needs channels and a handler", docstore.ErrMalformed)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}}}},
	}
	stream, err := s.db.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open change stream: %w", docstore.ErrUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel:  cancel,
		onEvent: onEvent,
		onError: onError,
		done:    make(chan struct{}),
	}
	go sub.run(streamCtx, s, stream, channels)
	return sub, nil
}

type subscription struct {
	cancel  context.CancelFunc
	onEvent docstore.EventHandler
	onError docstore.ErrorHandler
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) run(ctx context.Context, s *Store, stream *mongo.ChangeStream, channels []string) {
	defer close(sub.done)
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var change changeEvent
		if err := stream.Decode(&change); err != nil {
			s.logger.Warn("skipping undecodable change event", "error", err)
			continue
		}
		ev, ok := s.event(change)
		if !ok || !ev.OnChannels(channels) {
			continue
		}
		sub.deliver(ev)
	}
	if ctx.Err() != nil {
		return
	}

	err := stream.Err()
	if err == nil {
		err = fmt.Errorf("change stream ended")
	}
	sub.fail(fmt.Errorf("%w: %w", docstore.ErrUnavailable, err))
}

func (sub *subscription) deliver(ev docstore.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.onEvent(ev)
}

func (sub *subscription) fail(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.onError != nil {
		sub.onError(err)
	}
}

// Close must not be called from inside a callback.
func (sub *subscription) Close() error {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.cancel()
	return nil
}
