package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"parley/internal/docstore"
	"parley/internal/metrics"
	"parley/internal/obs"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketCollections = []byte("collections")
	bucketAccounts    = []byte("accounts")
	bucketDocs        = []byte("docs")
	bucketCreated     = []byte("created")
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)
)

// BboltStorage is an embedded document store. Every collection keeps its
// documents keyed by id and a creation index keyed by (createdAt, id).
type BboltStorage struct {
	db         *bbolt.DB
	databaseID string
	feed       *feed
	logger     *slog.Logger

	// writeMu orders commits and their events.
	writeMu     sync.Mutex
	lastCreated int64

	now   func() time.Time
	newID func() string
}

func NewBboltStorage(path, databaseID string, logger *slog.Logger) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCollections); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAccounts); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	logger = obs.OrDefault(logger)
	return &BboltStorage{
		db:         db,
		databaseID: databaseID,
		feed:       newFeed(defaultQueueSize, logger),
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
	}, nil
}

// Close drops every subscriber and closes the database.
func (s *BboltStorage) Close() error {
	s.feed.closeAll(fmt.Errorf("%w: store closed", docstore.ErrUnavailable))
	return s.db.Close()
}

func (s *BboltStorage) DatabaseID() string {
	return s.databaseID
}

func (s *BboltStorage) CreateDocument(ctx context.Context, collection, id string, fields docstore.Fields, permissions []docstore.Permission) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}
	if err := validateWrite(collection, fields); err != nil {
		return docstore.Document{}, err
	}
	if !docstore.Valid(permissions) {
		return docstore.Document{}, fmt.Errorf("%w: invalid permissions", docstore.ErrMalformed)
	}
	if id == docstore.UniqueID {
		id = s.newID()
	} else if !idPattern.MatchString(id) {
		return docstore.Document{}, fmt.Errorf("%w: invalid document id %q", docstore.ErrMalformed, id)
	}

	perms := make([]string, len(permissions))
	for i, p := range permissions {
		perms[i] = string(p)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created := s.now().UnixNano()
	if created <= s.lastCreated {
		created = s.lastCreated + 1
	}

	rec := &DBDocument{
		ID:          id,
		CreatedAt:   created,
		UpdatedAt:   created,
		Permissions: perms,
		Fields:      copyFields(fields),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs, index, err := collectionBuckets(tx, collection, true)
		if err != nil {
			return err
		}
		if docs.Get(rec.Key()) != nil {
			return fmt.Errorf("%w: %s/%s", docstore.ErrConflict, collection, id)
		}
		data, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		if err := docs.Put(rec.Key(), data); err != nil {
			return err
		}
		return index.Put(rec.IndexKey(), rec.Key())
	})
	if err != nil {
		return docstore.Document{}, err
	}
	s.lastCreated = created

	doc := rec.toDocument(collection)
	s.publish(docstore.EventCreate, doc)
	return doc, nil
}

func (s *BboltStorage) UpdateDocument(ctx context.Context, collection, id string, fields docstore.Fields) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}
	if err := validateWrite(collection, fields); err != nil {
		return docstore.Document{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rec DBDocument
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs, _, err := collectionBuckets(tx, collection, false)
		if err != nil {
			return err
		}
		data := docs.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
		}
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		if err := docstore.Authorize(ctx, rec.toDocument(collection), docstore.ActionUpdate); err != nil {
			return err
		}

		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
		updated := s.now().UnixNano()
		if updated <= rec.UpdatedAt {
			updated = rec.UpdatedAt + 1
		}
		rec.UpdatedAt = updated

		out, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		return docs.Put(rec.Key(), out)
	})
	if err != nil {
		return docstore.Document{}, err
	}

	doc := rec.toDocument(collection)
	s.publish(docstore.EventUpdate, doc)
	return doc, nil
}

func (s *BboltStorage) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rec DBDocument
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs, index, err := collectionBuckets(tx, collection, false)
		if err != nil {
			return err
		}
		data := docs.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
		}
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		if err := docstore.Authorize(ctx, rec.toDocument(collection), docstore.ActionDelete); err != nil {
			return err
		}
		if err := index.Delete(rec.IndexKey()); err != nil {
			return err
		}
		return docs.Delete(rec.Key())
	})
	if err != nil {
		return err
	}

	s.publish(docstore.EventDelete, rec.toDocument(collection))
	return nil
}

func (s *BboltStorage) GetDocument(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}

	var doc docstore.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		docs, _, err := collectionBuckets(tx, collection, false)
		if err != nil {
			return err
		}
		data := docs.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
		}
		var rec DBDocument
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		doc = rec.toDocument(collection)
		return nil
	})
	if err != nil {
		return docstore.Document{}, err
	}
	if !docstore.Readable(ctx, doc) {
		return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	return doc, nil
}

func (s *BboltStorage) ListDocuments(ctx context.Context, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := docstore.NewQuery(filters...)
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var result []docstore.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		docs, index, err := collectionBuckets(tx, collection, false)
		if errors.Is(err, docstore.ErrNotFound) {
			if q.Before != "" {
				return fmt.Errorf("%w: cursor %s", docstore.ErrNotFound, q.Before)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if q.OrderField == docstore.FieldCreatedAt {
			result, err = scanCreated(ctx, collection, docs, index, q)
			return err
		}
		result, err = scanAll(ctx, collection, docs, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// scanCreated walks the creation index, which already holds the requested order.
func scanCreated(ctx context.Context, collection string, docs, index *bbolt.Bucket, q docstore.Query) ([]docstore.Document, error) {
	var bound []byte
	if q.Before != "" {
		data := docs.Get([]byte(q.Before))
		if data == nil {
			return nil, fmt.Errorf("%w: cursor %s", docstore.ErrNotFound, q.Before)
		}
		var ref DBDocument
		if err := ref.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		bound = ref.IndexKey()
	}

	c := index.Cursor()
	var k, v []byte
	switch {
	case q.OrderDesc && bound != nil:
		c.Seek(bound)
		k, v = c.Prev()
	case q.OrderDesc:
		k, v = c.Last()
	default:
		k, v = c.First()
	}

	var out []docstore.Document
	for ; k != nil; k, v = step(c, q.OrderDesc) {
		if !q.OrderDesc && bound != nil && bytes.Compare(k, bound) >= 0 {
			break
		}
		data := docs.Get(v)
		if data == nil {
			continue
		}
		var rec DBDocument
		if err := rec.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		doc := rec.toDocument(collection)
		if !q.Match(doc) || !docstore.Readable(ctx, doc) {
			continue
		}
		out = append(out, doc)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func step(c *bbolt.Cursor, desc bool) ([]byte, []byte) {
	if desc {
		return c.Prev()
	}
	return c.Next()
}

func scanAll(ctx context.Context, collection string, docs *bbolt.Bucket, q docstore.Query) ([]docstore.Document, error) {
	var all []docstore.Document
	err := docs.ForEach(func(k, v []byte) error {
		var rec DBDocument
		if err := rec.UnmarshalBinary(v); err != nil {
			return err
		}
		doc := rec.toDocument(collection)
		if doc.ID == q.Before || docstore.Readable(ctx, doc) {
			all = append(all, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docstore.Evaluate(all, q)
}

// Subscribe registers an in-process feed subscriber. The subscription also
// ends when ctx is done.
func (s *BboltStorage) Subscribe(ctx context.Context, channels []string, onEvent docstore.EventHandler, onError docstore.ErrorHandler) (docstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(channels) == 0 || onEvent == nil {
		return nil, fmt.Errorf("%w: subscribe needs channels and a handler", docstore.ErrMalformed)
	}
	sub, err := s.feed.subscribe(channels, onEvent, onError)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

func (s *BboltStorage) publish(action docstore.Action, doc docstore.Document) {
	metrics.DocumentsWritten.WithLabelValues(doc.Collection, string(action)).Inc()
	s.feed.publish(docstore.NewEvent(s.databaseID, action, doc, s.now().UTC()))
}

func collectionBuckets(tx *bbolt.Tx, collection string, create bool) (docs, index *bbolt.Bucket, err error) {
	if !namePattern.MatchString(collection) {
		return nil, nil, fmt.Errorf("%w: invalid collection %q", docstore.ErrMalformed, collection)
	}
	root := tx.Bucket(bucketCollections)
	if root == nil {
		return nil, nil, fmt.Errorf("collections bucket not found")
	}

	if !create {
		b := root.Bucket([]byte(collection))
		if b == nil {
			return nil, nil, fmt.Errorf("%w: collection %s", docstore.ErrNotFound, collection)
		}
		return b.Bucket(bucketDocs), b.Bucket(bucketCreated), nil
	}

	b, err := root.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return nil, nil, err
	}
	if docs, err = b.CreateBucketIfNotExists(bucketDocs); err != nil {
		return nil, nil, err
	}
	if index, err = b.CreateBucketIfNotExists(bucketCreated); err != nil {
		return nil, nil, err
	}
	return docs, index, nil
}

func validateWrite(collection string, fields docstore.Fields) error {
	if !namePattern.MatchString(collection) {
		return fmt.Errorf("%w: invalid collection %q", docstore.ErrMalformed, collection)
	}
	for k := range fields {
		if k == "" || strings.HasPrefix(k, "$") {
			return fmt.Errorf("%w: invalid field name %q", docstore.ErrMalformed, k)
		}
	}
	return nil
}

func copyFields(fields docstore.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
