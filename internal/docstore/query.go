package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// MaxLimit caps a single list request.
const MaxLimit = 5000

type Condition struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query is the serializable form of a filter list.
type Query struct {
	Conditions []Condition `json:"equal,omitempty"`
	OrderField string      `json:"orderField,omitempty"`
	OrderDesc  bool        `json:"orderDesc,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	// Before restricts results to documents created strictly before the
	// document with this id, whatever the requested order.
	Before string `json:"cursorBefore,omitempty"`
}

type Filter func(*Query)

func Equal(field string, value any) Filter {
	return func(q *Query) {
		q.Conditions = append(q.Conditions, Condition{Field: field, Value: value})
	}
}

func OrderAsc(field string) Filter {
	return func(q *Query) {
		q.OrderField = field
		q.OrderDesc = false
	}
}

func OrderDesc(field string) Filter {
	return func(q *Query) {
		q.OrderField = field
		q.OrderDesc = true
	}
}

func Limit(n int) Filter {
	return func(q *Query) { q.Limit = n }
}

func CursorBefore(id string) Filter {
	return func(q *Query) { q.Before = id }
}

// Apply replaces the query under construction with q.
func Apply(q Query) Filter {
	return func(dst *Query) { *dst = q }
}

func NewQuery(filters ...Filter) Query {
	var q Query
	for _, f := range filters {
		f(&q)
	}
	return q
}

func (q Query) Validate() error {
	if q.Limit < 0 || q.Limit > MaxLimit {
		return fmt.Errorf("%w: limit %d out of range", ErrMalformed, q.Limit)
	}
	for _, c := range q.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: empty condition field", ErrMalformed)
		}
	}
	return nil
}

func (q Query) Encode() (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeQuery(s string) (Query, error) {
	var q Query
	if strings.TrimSpace(s) == "" {
		return q, nil
	}
	if err := json.Unmarshal([]byte(s), &q); err != nil {
		return q, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return q, q.Validate()
}

// Match reports whether doc satisfies every equality condition.
func (q Query) Match(doc Document) bool {
	for _, c := range q.Conditions {
		if !equalValues(doc.Value(c.Field), c.Value) {
			return false
		}
	}
	return true
}

// Less orders documents by the query order field, ties broken by creation then id.
func (q Query) Less(a, b Document) bool {
	if q.OrderField != "" {
		if c := compareValues(a.Value(q.OrderField), b.Value(q.OrderField)); c != 0 {
			if q.OrderDesc {
				return c > 0
			}
			return c < 0
		}
	}
	c := CompareCreation(a, b)
	if q.OrderDesc {
		return c > 0
	}
	return c < 0
}

// CompareCreation orders documents by ($createdAt, $id).
func CompareCreation(a, b Document) int {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Evaluate runs q over an unordered set of documents.
func Evaluate(docs []Document, q Query) ([]Document, error) {
	var ref *Document
	if q.Before != "" {
		for i := range docs {
			if docs[i].ID == q.Before {
				ref = &docs[i]
				break
			}
		}
		if ref == nil {
			return nil, fmt.Errorf("%w: cursor %s", ErrNotFound, q.Before)
		}
	}

	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if !q.Match(d) {
			continue
		}
		if ref != nil && CompareCreation(d, *ref) >= 0 {
			continue
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool { return q.Less(out[i], out[j]) })

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if kindClass(a) != kindClass(b) {
		return false
	}
	return compareValues(a, b) == 0
}

func kindClass(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case time.Time:
		return "time"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return "other"
}

// compareValues orders values of the same kind. nil sorts first and
// mismatched kinds compare by kind name.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	ka, kb := kindClass(a), kindClass(b)
	if ka != kb {
		return strings.Compare(ka, kb)
	}

	switch ka {
	case "string":
		return strings.Compare(a.(string), b.(string))
	case "bool":
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case "time":
		return a.(time.Time).Compare(b.(time.Time))
	case "number":
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
