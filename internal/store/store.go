package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Collection names used by the service.
const (
	Users      = "users"
	Classes    = "classes"
	Attendance = "attendance"
	Counters   = "counters"
	Audit      = "audit"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("document already exists")
)

// Doc is a raw document read back from a collection.
type Doc struct {
	ID   string
	Data []byte
}

// Decode unmarshals the document body into out.
func (d Doc) Decode(out any) error {
	return json.Unmarshal(d.Data, out)
}

// Op is a query predicate operator.
type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

// Where is a single field predicate pushed down to the store.
type Where struct {
	Field string
	Op    Op
	Value string
}

// Eq matches documents whose string field equals value.
func Eq(field, value string) Where {
	return Where{Field: field, Op: OpEqual, Value: value}
}

// ArrayContains matches documents whose string-array field contains value.
func ArrayContains(field, value string) Where {
	return Where{Field: field, Op: OpArrayContains, Value: value}
}

// Batch stages mutations that commit atomically: either every staged
// operation applies or none do.
type Batch interface {
	Update(collection, id string, fields map[string]any)
	Delete(collection, id string)
	Commit(ctx context.Context) error
}

// Store is a schemaless collection-of-documents store. Every method is
// atomic on its own; multi-document atomicity goes through Batch.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Doc, error)
	// Query returns all documents matching every predicate.
	Query(ctx context.Context, collection string, wheres ...Where) ([]Doc, error)
	// Create writes the document only if the id is absent, else ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, doc any) error
	// Set writes the document unconditionally.
	Set(ctx context.Context, collection, id string, doc any) error
	// Update merges fields into an existing document or returns ErrNotFound.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes the document; deleting an absent id is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// ArrayUnion atomically appends value to the named string-array field,
	// creating the document from fields (plus the one-element array) when it
	// is absent. When value is already in the array nothing changes, fields
	// included, and false is returned. This is the conditional upsert that
	// keeps concurrent first-writers from clobbering each other.
	ArrayUnion(ctx context.Context, collection, id, field, value string, fields map[string]any) (bool, error)
	// Increment atomically adds delta to a numeric field, creating the
	// document at delta when absent, and returns the new value.
	Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error)
	// Batch starts an empty atomic mutation batch.
	Batch() Batch
}
