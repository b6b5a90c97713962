// Package mongostore implements the document store on MongoDB. Subscribe
// uses change streams, so the server must run as a replica set.
package mongostore

import (
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
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// accountsCollection cannot be reached through the document API: the dot
// fails collection name validation.
const accountsCollection = "parley.accounts"

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)
)

type Store struct {
	client     *mongo.Client
	db         *mongo.Database
	databaseID string
	logger     *slog.Logger

	mu          sync.Mutex
	lastCreated int64

	now   func() time.Time
	newID func() string
}

func Connect(ctx context.Context, uri, database, databaseID string, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Store{
		client:     client,
		db:         client.Database(database),
		databaseID: databaseID,
		logger:     obs.OrDefault(logger),
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
	}, nil
}

// Close disconnects; open change streams report a drop.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) DatabaseID() string {
	return s.databaseID
}

type record struct {
	ID          string   `bson:"_id"`
	CreatedAt   int64    `bson:"createdAt"`
	UpdatedAt   int64    `bson:"updatedAt"`
	Permissions []string `bson:"permissions"`
	Fields      bson.M   `bson:"fields"`
}

func (r record) toDocument(collection string) docstore.Document {
	perms := make([]docstore.Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = docstore.Permission(p)
	}
	fields := make(docstore.Fields, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return docstore.Document{
		ID:          r.ID,
		Collection:  collection,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, r.UpdatedAt).UTC(),
		Permissions: perms,
		Fields:      fields,
	}
}

func (s *Store) collection(name string) (*mongo.Collection, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid collection %q", docstore.ErrMalformed, name)
	}
	return s.db.Collection(name), nil
}

func validateFields(fields docstore.Fields) error {
	for k := range fields {
		if k == "" || strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			return fmt.Errorf("%w: invalid field name %q", docstore.ErrMalformed, k)
		}
	}
	return nil
}

// storeError classifies driver failures.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %v", docstore.ErrNotFound, err)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", docstore.ErrConflict, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}
	return err
}

func (s *Store) nextCreated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := s.now().UnixNano()
	if created <= s.lastCreated {
		created = s.lastCreated + 1
	}
	s.lastCreated = created
	return created
}

func (s *Store) CreateDocument(ctx context.Context, collection, id string, fields docstore.Fields, permissions []docstore.Permission) (docstore.Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return docstore.Document{}, err
	}
	if err := validateFields(fields); err != nil {
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
	created := s.nextCreated()
	rec := record{
		ID:          id,
		CreatedAt:   created,
		UpdatedAt:   created,
		Permissions: perms,
		Fields:      bson.M(fields),
	}
	if rec.Fields == nil {
		rec.Fields = bson.M{}
	}

	if _, err := col.InsertOne(ctx, rec); err != nil {
		return docstore.Document{}, storeError(err)
	}
	metrics.DocumentsWritten.WithLabelValues(collection, string(docstore.EventCreate)).Inc()
	return rec.toDocument(collection), nil
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (docstore.Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return docstore.Document{}, err
	}
	var rec record
	if err := col.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return docstore.Document{}, storeError(err)
	}
	doc := rec.toDocument(collection)
	if !docstore.Readable(ctx, doc) {
		return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	return doc, nil
}

func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields docstore.Fields) (docstore.Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return docstore.Document{}, err
	}
	if err := validateFields(fields); err != nil {
		return docstore.Document{}, err
	}
	current, err := s.GetDocument(ctx, collection, id)
	if err != nil {
		return docstore.Document{}, err
	}
	if err := docstore.Authorize(ctx, current, docstore.ActionUpdate); err != nil {
		return docstore.Document{}, err
	}

	updated := s.now().UnixNano()
	if prev := current.UpdatedAt.UnixNano(); updated <= prev {
		updated = prev + 1
	}
	set := bson.M{"updatedAt": updated}
	for k, v := range fields {
		set["fields."+k] = v
	}

	var rec record
	err = col.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		return docstore.Document{}, storeError(err)
	}
	metrics.DocumentsWritten.WithLabelValues(collection, string(docstore.EventUpdate)).Inc()
	return rec.toDocument(collection), nil
}

func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	current, err := s.GetDocument(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := docstore.Authorize(ctx, current, docstore.ActionDelete); err != nil {
		return err
	}
	res, err := col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeError(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	metrics.DocumentsWritten.WithLabelValues(collection, string(docstore.EventDelete)).Inc()
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	q := docstore.NewQuery(filters...)
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var ref *record
	if q.Before != "" {
		var r record
		if err := col.FindOne(ctx, bson.M{"_id": q.Before}).Decode(&r); err != nil {
			return nil, storeError(err)
		}
		ref = &r
	}
	caller, _ := docstore.CallerFrom(ctx)

	opts := options.Find().SetSort(buildSort(q))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := col.Find(ctx, buildFilter(q, caller, ref), opts)
	if err != nil {
		return nil, storeError(err)
	}
	var recs []record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, storeError(err)
	}

	docs := make([]docstore.Document, 0, len(recs))
	for _, r := range recs {
		docs = append(docs, r.toDocument(collection))
	}
	return docs, nil
}

func fieldPath(field string) string {
	switch field {
	case docstore.FieldID:
		return "_id"
	case docstore.FieldCreatedAt:
		return "createdAt"
	case docstore.FieldUpdatedAt:
		return "updatedAt"
	}
	return "fields." + field
}

// fieldValue converts timestamps of system fields to their stored form.
func fieldValue(field string, v any) any {
	if field != docstore.FieldCreatedAt && field != docstore.FieldUpdatedAt {
		return v
	}
	switch t := v.(type) {
	case time.Time:
		return t.UnixNano()
	case string:
		if ts, err := docstore.ParseTime(t); err == nil {
			return ts.UnixNano()
		}
	}
	return v
}

func buildFilter(q docstore.Query, caller string, before *record) bson.D {
	filter := bson.D{}
	for _, c := range q.Conditions {
		filter = append(filter, bson.E{Key: fieldPath(c.Field), Value: fieldValue(c.Field, c.Value)})
	}
	if caller != "" {
		filter = append(filter, bson.E{Key: "permissions", Value: bson.M{"$in": bson.A{
			string(docstore.Read(docstore.RoleAny)),
			string(docstore.Read(docstore.RoleUsers)),
			string(docstore.Read(docstore.RoleUser(caller))),
		}}})
	}
	if before != nil {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.M{"createdAt": bson.M{"$lt": before.CreatedAt}},
			bson.M{"createdAt": before.CreatedAt, "_id": bson.M{"$lt": before.ID}},
		}})
	}
	return filter
}

func buildSort(q docstore.Query) bson.D {
	if q.OrderField == "" {
		return bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}
	}
	dir := 1
	if q.OrderDesc {
		dir = -1
	}
	sort := bson.D{{Key: fieldPath(q.OrderField), Value: dir}}
	if q.OrderField != docstore.FieldID {
		sort = append(sort, bson.E{Key: "_id", Value: dir})
	}
	return sort
}
