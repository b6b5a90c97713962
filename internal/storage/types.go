package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/docstore"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBDocument struct {
	ID          string         `msgpack:"id"`
	CreatedAt   int64          `msgpack:"createdAt"`
	UpdatedAt   int64          `msgpack:"updatedAt"`
	Permissions []string       `msgpack:"permissions"`
	Fields      map[string]any `msgpack:"fields"`
}

func (d *DBDocument) Key() []byte {
	return []byte(d.ID)
}

// IndexKey orders documents by creation time, then id.
func (d *DBDocument) IndexKey() []byte {
	key := make([]byte, 8+len(d.ID))
	binary.BigEndian.PutUint64(key, uint64(d.CreatedAt))
	copy(key[8:], d.ID)
	return key
}

func (d *DBDocument) MarshalBinary() (data []byte, err error) {
	type alias DBDocument
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDocument) UnmarshalBinary(data []byte) error {
	type alias DBDocument
	return msgpack.Unmarshal(data, (*alias)(d))
}

func (d *DBDocument) toDocument(collection string) docstore.Document {
	perms := make([]docstore.Permission, len(d.Permissions))
	for i, p := range d.Permissions {
		perms[i] = docstore.Permission(p)
	}
	fields := make(docstore.Fields, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return docstore.Document{
		ID:          d.ID,
		Collection:  collection,
		CreatedAt:   time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, d.UpdatedAt).UTC(),
		Permissions: perms,
		Fields:      fields,
	}
}

type DBAccount struct {
	ID           string `msgpack:"id"`
	Username     string `msgpack:"username"`
	Email        string `msgpack:"email"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (a *DBAccount) Key() []byte {
	return []byte(a.ID)
}

func (a *DBAccount) MarshalBinary() (data []byte, err error) {
	type alias DBAccount
	return msgpack.Marshal((*alias)(a))
}

func (a *DBAccount) UnmarshalBinary(data []byte) error {
	type alias DBAccount
	return msgpack.Unmarshal(data, (*alias)(a))
}
